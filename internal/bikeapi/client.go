// Package bikeapi fetches dock availability from the city bike API,
// enforcing the polite-client rules the upstream expects: spaced
// requests, de-duplicated in-flight fetches, and bounded retries.
package bikeapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"dockwatch.citycycles.org/internal/clock"
	"dockwatch.citycycles.org/internal/logging"
	"dockwatch.citycycles.org/internal/metrics"
	"dockwatch.citycycles.org/internal/models"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	// DefaultRequestSpacing is the minimum gap between outbound
	// requests to the upstream API.
	DefaultRequestSpacing = 2 * time.Second

	maxBodySize      = 4 * 1024 * 1024
	transportRetries = 2
	retryBackoff     = 250 * time.Millisecond
)

// apiHTTPClient is a dedicated HTTP client for station fetching,
// configured with explicit timeouts and transport limits to avoid the
// pitfalls of http.DefaultClient (no timeout, shared global state).
// The transport is cloned from http.DefaultTransport to preserve
// important defaults (ProxyFromEnvironment, DialContext, HTTP/2,
// keepalives).
var apiHTTPClient = newAPIHTTPClient()

func newAPIHTTPClient() *http.Client {
	var transport *http.Transport
	if t, ok := http.DefaultTransport.(*http.Transport); ok {
		transport = t.Clone()
	} else {
		transport = &http.Transport{}
	}
	transport.MaxIdleConns = 10
	transport.MaxIdleConnsPerHost = 4
	transport.IdleConnTimeout = 90 * time.Second
	transport.TLSHandshakeTimeout = 10 * time.Second
	transport.ExpectContinueTimeout = 1 * time.Second

	return &http.Client{
		Timeout:   10 * time.Second,
		Transport: transport,
	}
}

// Connectivity reports whether the device currently has a usable
// network path. Fetches short-circuit with ErrOffline when it says no.
type Connectivity interface {
	Online() bool
}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool { return true }

// Config carries the knobs for a Client. Zero values fall back to
// defaults suitable for the phone daemon.
type Config struct {
	// BaseURL is the API root, e.g. https://api.citycycles.example/v2.
	BaseURL string

	// RequestSpacing is the minimum gap between outbound requests.
	// Defaults to DefaultRequestSpacing.
	RequestSpacing time.Duration

	// HTTPClient overrides the shared API client. Tests point this at
	// an httptest server.
	HTTPClient *http.Client

	Connectivity Connectivity
	Clock        clock.Clock
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

// Client fetches station records. All outbound requests flow through
// one limiter so concurrent callers are spaced, never dropped, and
// identical non-busting fetches share a single in-flight request.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	limiter      *rate.Limiter
	group        singleflight.Group
	connectivity Connectivity
	clock        clock.Clock
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// NewClient builds a Client from cfg, filling unset fields with
// defaults.
func NewClient(cfg Config) *Client {
	spacing := cfg.RequestSpacing
	if spacing <= 0 {
		spacing = DefaultRequestSpacing
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = apiHTTPClient
	}

	connectivity := cfg.Connectivity
	if connectivity == nil {
		connectivity = alwaysOnline{}
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With(slog.String("component", "bikeapi"))
	}

	return &Client{
		baseURL:      cfg.BaseURL,
		httpClient:   httpClient,
		limiter:      rate.NewLimiter(rate.Every(spacing), 1),
		connectivity: connectivity,
		clock:        clk,
		logger:       logger,
		metrics:      cfg.Metrics,
	}
}

// Fetch returns the current record for one station. Concurrent calls
// for the same id share a single upstream request unless bust is set;
// bust forces a fresh request past every HTTP cache along the way.
func (c *Client) Fetch(ctx context.Context, stationID string, bust bool) (models.StampedStation, error) {
	if stationID == "" {
		err := fmt.Errorf("%w: empty station id", ErrInvalidRequest)
		c.recordOutcome(err)
		return models.StampedStation{}, err
	}

	if !c.connectivity.Online() {
		err := fmt.Errorf("fetch station %s: %w", stationID, ErrOffline)
		c.recordOutcome(err)
		return models.StampedStation{}, err
	}

	if bust {
		return c.fetchStation(ctx, stationID, true)
	}

	v, err, shared := c.group.Do(stationID, func() (any, error) {
		return c.fetchStation(ctx, stationID, false)
	})
	if shared {
		if c.metrics != nil {
			c.metrics.FetchesDeduped.Inc()
		}
		c.logger.Debug("joined in-flight fetch", slog.String("station_id", stationID))
	}
	if err != nil {
		return models.StampedStation{}, err
	}
	return v.(models.StampedStation), nil
}

// FetchMany fetches all ids concurrently; the shared limiter spaces
// the actual requests. Stations that fetched successfully come back in
// request order; failed ids are omitted and their errors joined into
// the returned error.
func (c *Client) FetchMany(ctx context.Context, ids []string, bust bool) ([]models.StampedStation, error) {
	results := make([]models.StampedStation, len(ids))
	errs := make([]error, len(ids))

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i], errs[i] = c.Fetch(ctx, id, bust)
		}(i, id)
	}
	wg.Wait()

	stations := make([]models.StampedStation, 0, len(ids))
	for i := range ids {
		if errs[i] == nil {
			stations = append(stations, results[i])
		}
	}
	return stations, errors.Join(errs...)
}

// FetchAll returns every station in the system. Used to seed the
// nearest-station index; list entries that fail to convert are skipped
// rather than failing the whole list.
func (c *Client) FetchAll(ctx context.Context) ([]models.StampedStation, error) {
	if !c.connectivity.Online() {
		err := fmt.Errorf("fetch all stations: %w", ErrOffline)
		c.recordOutcome(err)
		return nil, err
	}

	v, err, _ := c.group.Do("__all__", func() (any, error) {
		return c.fetchAll(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.StampedStation), nil
}

// fetchStation performs one real fetch and records its outcome.
func (c *Client) fetchStation(ctx context.Context, stationID string, bust bool) (models.StampedStation, error) {
	stamped, err := c.doFetchStation(ctx, stationID, bust)
	c.recordOutcome(err)
	return stamped, err
}

func (c *Client) doFetchStation(ctx context.Context, stationID string, bust bool) (models.StampedStation, error) {
	target, err := c.stationURL(stationID, bust)
	if err != nil {
		return models.StampedStation{}, fmt.Errorf("build URL for station %s: %w: %v", stationID, ErrInvalidRequest, err)
	}

	body, err := c.get(ctx, target, bust, "station "+stationID)
	if err != nil {
		return models.StampedStation{}, err
	}

	var api models.APIStation
	if err := json.Unmarshal(body, &api); err != nil {
		return models.StampedStation{}, fmt.Errorf("decode station %s: %w: %v", stationID, ErrDecode, err)
	}

	station, err := models.StationFromAPI(api)
	if err != nil {
		return models.StampedStation{}, fmt.Errorf("decode station %s: %w: %v", stationID, ErrDecode, err)
	}

	return models.StampedStation{Station: station, FetchedAt: c.clock.Now().UTC()}, nil
}

func (c *Client) fetchAll(ctx context.Context) ([]models.StampedStation, error) {
	stations, err := c.doFetchAll(ctx)
	c.recordOutcome(err)
	return stations, err
}

func (c *Client) doFetchAll(ctx context.Context) ([]models.StampedStation, error) {
	target, err := url.JoinPath(c.baseURL, "stations")
	if err != nil {
		return nil, fmt.Errorf("build station list URL: %w: %v", ErrInvalidRequest, err)
	}

	body, err := c.get(ctx, target, false, "station list")
	if err != nil {
		return nil, err
	}

	var list []models.APIStation
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("decode station list: %w: %v", ErrDecode, err)
	}

	fetchedAt := c.clock.Now().UTC()
	stations := make([]models.StampedStation, 0, len(list))
	for _, api := range list {
		station, err := models.StationFromAPI(api)
		if err != nil {
			c.logger.Warn("skipping malformed station in list", slog.String("error", err.Error()))
			continue
		}
		stations = append(stations, models.StampedStation{Station: station, FetchedAt: fetchedAt})
	}
	return stations, nil
}

// get performs one rate-limited GET with bounded retries. Transport
// failures and 5xx statuses are retried; 429 and decode problems are
// not. The limiter runs inside the retry loop so attempts stay spaced.
func (c *Client) get(ctx context.Context, target string, bust bool, what string) ([]byte, error) {
	start := c.clock.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.FetchDuration.Observe(c.clock.Since(start).Seconds())
		}
	}()

	var body []byte
	backoff := retry.WithMaxRetries(transportRetries, retry.NewConstant(retryBackoff))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("fetch %s: %w: %v", what, ErrNetwork, err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return fmt.Errorf("fetch %s: %w: %v", what, ErrInvalidRequest, err)
		}
		req.Header.Set("Accept", "application/json")
		if bust {
			req.Header.Set("Cache-Control", "no-cache")
			req.Header.Set("Pragma", "no-cache")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("fetch %s: %w: %v", what, ErrNetwork, err))
		}
		defer logging.SafeCloseWithLogging(resp.Body, c.logger, "http_response_body")

		if resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("fetch %s: %w", what, ErrRateLimited)
		}
		if resp.StatusCode != http.StatusOK {
			return retry.RetryableError(fmt.Errorf("fetch %s: %w: upstream returned %s", what, ErrNetwork, resp.Status))
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
		if err != nil {
			return retry.RetryableError(fmt.Errorf("read %s response: %w: %v", what, ErrNetwork, err))
		}
		if int64(len(data)) > maxBodySize {
			return fmt.Errorf("%s response exceeds size limit of %d bytes: %w", what, maxBodySize, ErrDecode)
		}

		body = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// stationURL builds the per-station URL. Busting appends a ts query
// parameter so intermediary caches cannot serve a stale body.
func (c *Client) stationURL(stationID string, bust bool) (string, error) {
	joined, err := url.JoinPath(c.baseURL, "stations", stationID)
	if err != nil {
		return "", err
	}
	if !bust {
		return joined, nil
	}

	u, err := url.Parse(joined)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("ts", strconv.FormatInt(c.clock.Now().UnixMilli(), 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) recordOutcome(err error) {
	if c.metrics == nil {
		return
	}

	outcome := metrics.OutcomeOK
	switch {
	case err == nil:
	case errors.Is(err, ErrRateLimited):
		outcome = metrics.OutcomeRateLimited
	case errors.Is(err, ErrDecode):
		outcome = metrics.OutcomeDecode
	case errors.Is(err, ErrOffline):
		outcome = metrics.OutcomeOffline
	case errors.Is(err, ErrInvalidRequest):
		outcome = metrics.OutcomeInvalid
	default:
		outcome = metrics.OutcomeNetwork
	}
	c.metrics.FetchesTotal.WithLabelValues(outcome).Inc()
}
