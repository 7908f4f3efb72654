// Package consumer drives one rendering surface: it evaluates the
// refresh policy against the store's freshness, fetches or posts
// refresh requests depending on the surface's capabilities, and
// resolves what the surface should display. The phone app, the watch
// app, and every widget slot each run their own Runner.
package consumer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"dockwatch.citycycles.org/internal/bikeapi"
	"dockwatch.citycycles.org/internal/cache"
	"dockwatch.citycycles.org/internal/clock"
	"dockwatch.citycycles.org/internal/logging"
	"dockwatch.citycycles.org/internal/metrics"
	"dockwatch.citycycles.org/internal/models"
	"dockwatch.citycycles.org/internal/refresh"
	"dockwatch.citycycles.org/internal/store"
)

// DisplayState tells a surface how to render the current view.
type DisplayState string

const (
	// DisplayData renders current station records. Their age is
	// part of the records; surfaces show it rather than an error.
	DisplayData DisplayState = "data"
	// DisplayFallback renders the last-known-good snapshot because
	// no current records exist.
	DisplayFallback DisplayState = "stale_fallback"
	// DisplayLoading means nothing renderable exists yet and no
	// fetch has failed.
	DisplayLoading DisplayState = "loading"
	// DisplayError means nothing renderable exists and the last
	// fetch attempt failed.
	DisplayError DisplayState = "error_placeholder"
	// DisplayNotConfigured means the consumer has no stations to
	// track, like a widget slot before a station is bound.
	DisplayNotConfigured DisplayState = "not_configured"
)

// View is what a surface renders after one evaluation cycle.
type View struct {
	State    DisplayState
	Stations []models.StampedStation
}

// Report summarizes one evaluation cycle.
type Report struct {
	Decision refresh.Decision
	View     View
	Fetched  []models.StampedStation
	Serviced bool
}

// RunnerConfig assembles one consumer.
type RunnerConfig struct {
	// Name labels logs, like "phone_app" or "widget_slot_2".
	Name string
	Kind refresh.Kind
	// CanFetch marks consumers allowed to hit the network. Those
	// that cannot post refresh requests to the mailbox instead.
	CanFetch bool
	// SourceID identifies this process in mailbox requests.
	SourceID string

	Store   *store.Store
	Cache   *cache.Cache
	Fetcher *bikeapi.Client
	Targets TargetSource
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// OnRender receives the view after every cycle.
	OnRender func(View)
	// OnFetched receives records fetched this cycle, for forwarding
	// to the companion.
	OnFetched func([]models.StampedStation)
}

// Runner evaluates and acts for one consumer surface.
type Runner struct {
	name      string
	kind      refresh.Kind
	canFetch  bool
	sourceID  string
	store     *store.Store
	cache     *cache.Cache
	fetcher   *bikeapi.Client
	targets   TargetSource
	policy    refresh.Policy
	scheduler *refresh.Scheduler
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics
	onRender  func(View)
	onFetched func([]models.StampedStation)

	mu        sync.Mutex
	lastError bool
}

// NewRunner builds a Runner. Consumers with CanFetch unset may leave
// Cache and Fetcher nil.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With(
			slog.String("component", "consumer"),
			slog.String("consumer", cfg.Name))
	}
	return &Runner{
		name:      cfg.Name,
		kind:      cfg.Kind,
		canFetch:  cfg.CanFetch,
		sourceID:  cfg.SourceID,
		store:     cfg.Store,
		cache:     cfg.Cache,
		fetcher:   cfg.Fetcher,
		targets:   cfg.Targets,
		scheduler: refresh.NewScheduler(cfg.Logger),
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		onRender:  cfg.OnRender,
		onFetched: cfg.OnFetched,
	}
}

// Start runs the first cycle immediately and keeps rescheduling per
// the policy's delay until Stop.
func (r *Runner) Start() {
	r.wake(0)
}

// Stop cancels the pending wake and prevents rescheduling.
func (r *Runner) Stop() {
	r.scheduler.Stop()
}

func (r *Runner) wake(delay time.Duration) {
	r.scheduler.Schedule(delay, func() {
		report := r.RunOnce(context.Background())
		r.wake(report.Decision.Delay)
	})
}

// RunOnce performs one evaluation cycle: classify freshness, fetch or
// post a refresh request, resolve the view, and report the decision
// the caller reschedules by. Failures degrade the view; they never
// abort the cycle.
func (r *Runner) RunOnce(ctx context.Context) Report {
	ids, err := r.targets.TargetIDs(ctx)
	if err != nil {
		logging.LogError(r.logger, "failed to resolve consumer targets", err)
	}

	current := r.readCurrent(ctx, ids)
	decision := r.policy.Evaluate(r.policyInput(ids, current))
	if r.metrics != nil {
		r.metrics.RefreshDecisionsTotal.WithLabelValues(decision.Tier).Inc()
	}

	report := Report{Decision: decision}

	if r.canFetch {
		report.Fetched, report.Serviced = r.serviceMailbox(ctx, ids)
		if !report.Serviced {
			report.Fetched = r.fetchDue(ctx, ids, current, decision)
		}
		if len(report.Fetched) > 0 {
			current = r.readCurrent(ctx, ids)
		}
	} else if decision.PostRefresh {
		r.postRefresh(ctx, decision.Tier)
	}

	report.View = r.resolveView(ctx, ids, current)

	r.logger.Debug("consumer cycle",
		slog.String("tier", decision.Tier),
		slog.String("state", string(report.View.State)),
		slog.Int("targets", len(ids)),
		slog.Int("fetched", len(report.Fetched)))

	if r.onRender != nil {
		r.onRender(report.View)
	}
	if r.onFetched != nil && len(report.Fetched) > 0 {
		r.onFetched(report.Fetched)
	}
	return report
}

// readCurrent loads the stored record for each target.
func (r *Runner) readCurrent(ctx context.Context, ids []string) map[string]models.StampedStation {
	current := make(map[string]models.StampedStation, len(ids))
	for _, id := range ids {
		stamped, ok, err := r.store.ReadStation(ctx, id)
		if err != nil {
			logging.LogError(r.logger, "failed to read station record", err,
				slog.String("station_id", id))
			continue
		}
		if ok {
			current[id] = stamped
		}
	}
	return current
}

// policyInput classifies the target set for the decision table. The
// data age is the age of the oldest record present, since the weakest
// station drives the refresh need.
func (r *Runner) policyInput(ids []string, current map[string]models.StampedStation) refresh.Input {
	in := refresh.Input{Kind: r.kind, HasError: r.hadError()}

	if len(ids) == 0 {
		if r.kind == refresh.KindWidget {
			in.Placeholder = true
			return in
		}
		in.HasData = true
		in.HasTimestamp = true
		return in
	}

	var oldest time.Duration
	for _, id := range ids {
		stamped, ok := current[id]
		if !ok {
			continue
		}
		in.HasTimestamp = true
		if age := r.clock.Since(stamped.FetchedAt); age > oldest {
			oldest = age
		}
	}
	in.HasData = len(current) == len(ids)
	in.DataAge = oldest
	return in
}

// serviceMailbox consumes at most one pending refresh request and
// services it with a cache-busted fetch of every target.
func (r *Runner) serviceMailbox(ctx context.Context, ids []string) ([]models.StampedStation, bool) {
	req, ok, err := r.store.ConsumeRefreshRequest(ctx)
	if err != nil {
		logging.LogError(r.logger, "failed to consume refresh request", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	r.logger.Info("servicing refresh request",
		slog.String("reason", req.Reason),
		slog.String("source_id", req.SourceID))

	fetched := r.fetchIDs(ctx, ids, true)
	if r.metrics != nil {
		r.metrics.RefreshRequestsServiced.Inc()
	}
	return fetched, true
}

// fetchDue fetches targets whose record is missing or older than the
// decision's interval. Missing records are fetched cache-busted so a
// newly tracked station starts from an authoritative answer.
func (r *Runner) fetchDue(ctx context.Context, ids []string, current map[string]models.StampedStation, decision refresh.Decision) []models.StampedStation {
	var missing, aged []string
	for _, id := range ids {
		stamped, ok := current[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		if r.clock.Since(stamped.FetchedAt) < decision.Interval {
			continue
		}
		if _, hit := r.cache.Get(id); hit {
			continue
		}
		aged = append(aged, id)
	}

	var fetched []models.StampedStation
	fetched = append(fetched, r.fetchIDs(ctx, missing, true)...)
	fetched = append(fetched, r.fetchIDs(ctx, aged, false)...)
	return fetched
}

// fetchIDs fetches ids, writes successes back to the store and the
// cache, and records whether the attempt failed.
func (r *Runner) fetchIDs(ctx context.Context, ids []string, bust bool) []models.StampedStation {
	if len(ids) == 0 {
		return nil
	}

	fetched, err := r.fetcher.FetchMany(ctx, ids, bust)
	if err != nil {
		logging.LogError(r.logger, "station fetch failed", err,
			slog.Int("requested", len(ids)),
			slog.Int("succeeded", len(fetched)))
	}
	r.setLastError(err != nil)

	for _, stamped := range fetched {
		r.cache.Put(stamped.Station.ID, stamped)
		if err := r.store.WriteStation(ctx, stamped); err != nil {
			logging.LogError(r.logger, "failed to store fetched station", err,
				slog.String("station_id", stamped.Station.ID))
		}
	}
	return fetched
}

func (r *Runner) postRefresh(ctx context.Context, tier string) {
	err := r.store.RequestRefresh(ctx, models.RefreshRequest{
		Reason:   tier,
		SourceID: r.sourceID,
	})
	if err != nil {
		logging.LogError(r.logger, "failed to post refresh request", err)
	}
}

// resolveView degrades in order: current records, then the
// last-known-good snapshot, then a loading or error placeholder.
func (r *Runner) resolveView(ctx context.Context, ids []string, current map[string]models.StampedStation) View {
	if len(ids) == 0 {
		return View{State: DisplayNotConfigured}
	}

	stations := make([]models.StampedStation, 0, len(ids))
	for _, id := range ids {
		if stamped, ok := current[id]; ok {
			stations = append(stations, stamped)
		}
	}
	if len(stations) > 0 {
		return View{State: DisplayData, Stations: stations}
	}

	snapshot, _, ok, err := r.store.LastKnownGood(ctx)
	if err != nil {
		logging.LogError(r.logger, "failed to read last-known-good snapshot", err)
	}
	if ok {
		if fallback := snapshotStations(snapshot); len(fallback) > 0 {
			return View{State: DisplayFallback, Stations: fallback}
		}
	}

	if r.hadError() {
		return View{State: DisplayError}
	}
	return View{State: DisplayLoading}
}

func snapshotStations(snapshot models.Snapshot) []models.StampedStation {
	seen := make(map[string]bool)
	var out []models.StampedStation
	if snapshot.Primary != nil {
		out = append(out, *snapshot.Primary)
		seen[snapshot.Primary.Station.ID] = true
	}
	for _, st := range snapshot.FavoriteStations {
		if seen[st.ID] {
			continue
		}
		out = append(out, models.StampedStation{
			Station:   st,
			FetchedAt: snapshot.FetchedAt[st.ID],
		})
	}
	return out
}

func (r *Runner) hadError() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastError
}

func (r *Runner) setLastError(failed bool) {
	r.mu.Lock()
	r.lastError = failed
	r.mu.Unlock()
}
