// Package metrics provides Prometheus metrics for the dockwatch daemons.
package metrics

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Fetch outcome label values.
const (
	OutcomeOK          = "ok"
	OutcomeRateLimited = "rate_limited"
	OutcomeNetwork     = "network"
	OutcomeDecode      = "decode"
	OutcomeOffline     = "offline"
	OutcomeInvalid     = "invalid_request"
)

// Store write outcome label values.
const (
	WriteOK           = "ok"
	WriteVerifyFailed = "verify_failed"
	WriteSuperseded   = "superseded"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Registry is the Prometheus registry for this metrics instance
	Registry *prometheus.Registry

	// Upstream fetch metrics
	FetchesTotal   *prometheus.CounterVec
	FetchDuration  prometheus.Histogram
	FetchesDeduped prometheus.Counter

	// Per-process cache metrics
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter

	// Shared store metrics
	StoreWritesTotal *prometheus.CounterVec

	// Refresh orchestration metrics
	RefreshDecisionsTotal   *prometheus.CounterVec
	RefreshRequestsPosted   prometheus.Counter
	RefreshRequestsServiced prometheus.Counter

	// Companion channel metrics
	CompanionSyncsTotal *prometheus.CounterVec

	// Ops HTTP server metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Store connection pool metrics
	DBConnectionsOpen  prometheus.Gauge
	DBConnectionsInUse prometheus.Gauge
	DBConnectionsIdle  prometheus.Gauge
	DBWaitSecondsTotal prometheus.Counter

	// logger for error reporting
	logger *slog.Logger

	// collectorStarted prevents spawning multiple collector goroutines
	collectorStarted atomic.Bool

	// cancel stops the DB stats collector goroutine
	cancel context.CancelFunc

	// wg tracks the DB stats collector goroutine for graceful shutdown
	wg sync.WaitGroup
}

// New creates and registers all application metrics with a new registry.
func New() *Metrics {
	return NewWithLogger(nil)
}

// NewWithLogger creates metrics with a logger for error reporting.
func NewWithLogger(logger *slog.Logger) *Metrics {
	registry := prometheus.NewRegistry()

	fetchesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dockwatch_fetches_total",
			Help: "Total number of upstream station fetches by outcome",
		},
		[]string{"outcome"},
	)

	fetchDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dockwatch_fetch_duration_seconds",
		Help:    "Upstream fetch latency distribution",
		Buckets: prometheus.DefBuckets,
	})

	fetchesDeduped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dockwatch_fetches_deduped_total",
		Help: "Number of fetch calls that joined an in-flight request instead of going to the network",
	})

	cacheHitsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dockwatch_cache_hits_total",
		Help: "Number of station cache reads answered from a live entry",
	})

	cacheMissesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dockwatch_cache_misses_total",
		Help: "Number of station cache reads that found no live entry",
	})

	storeWritesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dockwatch_store_writes_total",
			Help: "Shared store station writes by outcome",
		},
		[]string{"outcome"},
	)

	refreshDecisionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dockwatch_refresh_decisions_total",
			Help: "Refresh policy evaluations by decision tier",
		},
		[]string{"tier"},
	)

	refreshRequestsPosted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dockwatch_refresh_requests_posted_total",
		Help: "Refresh requests posted to the shared mailbox",
	})

	refreshRequestsServiced := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dockwatch_refresh_requests_serviced_total",
		Help: "Mailbox refresh requests consumed and serviced with a fetch",
	})

	companionSyncsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dockwatch_companion_syncs_total",
			Help: "Companion channel sync attempts by outcome",
		},
		[]string{"outcome"},
	)

	httpRequestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dockwatch_http_requests_total",
			Help: "Ops HTTP requests by method, route pattern, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dockwatch_http_request_duration_seconds",
			Help:    "Ops HTTP request latency by method and route pattern",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	dbConnectionsOpen := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dockwatch_db_connections_open",
		Help: "Number of open store connections",
	})

	dbConnectionsInUse := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dockwatch_db_connections_in_use",
		Help: "Number of store connections currently in use",
	})

	dbConnectionsIdle := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dockwatch_db_connections_idle",
		Help: "Number of idle store connections",
	})

	dbWaitSecondsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dockwatch_db_wait_seconds_total",
		Help: "Total time blocked waiting for a store connection",
	})

	// Register all metrics with the custom registry
	registry.MustRegister(
		fetchesTotal,
		fetchDuration,
		fetchesDeduped,
		cacheHitsTotal,
		cacheMissesTotal,
		storeWritesTotal,
		refreshDecisionsTotal,
		refreshRequestsPosted,
		refreshRequestsServiced,
		companionSyncsTotal,
		httpRequestsTotal,
		httpRequestDuration,
		dbConnectionsOpen,
		dbConnectionsInUse,
		dbConnectionsIdle,
		dbWaitSecondsTotal,
	)

	return &Metrics{
		Registry:                registry,
		FetchesTotal:            fetchesTotal,
		FetchDuration:           fetchDuration,
		FetchesDeduped:          fetchesDeduped,
		CacheHitsTotal:          cacheHitsTotal,
		CacheMissesTotal:        cacheMissesTotal,
		StoreWritesTotal:        storeWritesTotal,
		RefreshDecisionsTotal:   refreshDecisionsTotal,
		RefreshRequestsPosted:   refreshRequestsPosted,
		RefreshRequestsServiced: refreshRequestsServiced,
		CompanionSyncsTotal:     companionSyncsTotal,
		HTTPRequestsTotal:       httpRequestsTotal,
		HTTPRequestDuration:     httpRequestDuration,
		DBConnectionsOpen:       dbConnectionsOpen,
		DBConnectionsInUse:      dbConnectionsInUse,
		DBConnectionsIdle:       dbConnectionsIdle,
		DBWaitSecondsTotal:      dbWaitSecondsTotal,
		logger:                  logger,
	}
}

// StartDBStatsCollector starts a goroutine that periodically collects store
// connection pool statistics and updates the corresponding metrics.
// The interval specifies how often to collect stats.
// This method is idempotent - calling it multiple times has no effect after the first call.
// Call Shutdown() to stop the collector.
func (m *Metrics) StartDBStatsCollector(db *sql.DB, interval time.Duration) {
	if db == nil {
		return
	}

	// Prevent spawning multiple collectors
	if !m.collectorStarted.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	var lastWaitDuration time.Duration

	// Add to WaitGroup BEFORE exposing cancel to avoid race with Shutdown
	m.wg.Add(1)
	m.cancel = cancel

	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				if m.logger != nil {
					m.logger.Error("panic in DB stats collector", "error", r)
				}
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				stats := db.Stats()
				m.DBConnectionsOpen.Set(float64(stats.OpenConnections))
				m.DBConnectionsInUse.Set(float64(stats.InUse))
				m.DBConnectionsIdle.Set(float64(stats.Idle))

				// Add the delta of wait duration since last check
				waitDelta := stats.WaitDuration - lastWaitDuration
				if waitDelta > 0 {
					m.DBWaitSecondsTotal.Add(waitDelta.Seconds())
				}
				lastWaitDuration = stats.WaitDuration

			case <-ctx.Done():
				return
			}
		}
	}()
}

// Shutdown stops the DB stats collector goroutine and waits for it to exit.
// This method is safe to call multiple times.
func (m *Metrics) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}
