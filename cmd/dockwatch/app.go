package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"dockwatch.citycycles.org/internal/app"
	"dockwatch.citycycles.org/internal/appconf"
	"dockwatch.citycycles.org/internal/bikeapi"
	"dockwatch.citycycles.org/internal/cache"
	"dockwatch.citycycles.org/internal/clock"
	"dockwatch.citycycles.org/internal/companion"
	"dockwatch.citycycles.org/internal/consumer"
	"dockwatch.citycycles.org/internal/favorites"
	"dockwatch.citycycles.org/internal/logging"
	"dockwatch.citycycles.org/internal/metrics"
	"dockwatch.citycycles.org/internal/nearest"
	"dockwatch.citycycles.org/internal/ops"
	"dockwatch.citycycles.org/internal/refresh"
	"dockwatch.citycycles.org/internal/store"
	"dockwatch.citycycles.org/internal/widget"
)

const dbStatsInterval = 15 * time.Second

// BuildApplication wires the dependencies shared by every component of
// cfg's role: logger, metrics, shared store, per-process cache, the
// favorites registry, and (for network-capable roles) the API client.
func BuildApplication(cfg appconf.Config) (*app.Application, error) {
	logger := newLogger(cfg)
	clk := clock.RealClock{}
	m := metrics.NewWithLogger(logger)

	st, err := store.Open(context.Background(), store.Config{
		Path:           cfg.DataPath,
		FallbackMaxAge: cfg.FallbackMaxAge,
		Clock:          clk,
		Logger:         logger,
		Metrics:        m,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open shared store: %w", err)
	}

	registry := favorites.NewRegistry(st, logger.With(slog.String("component", "favorites")))
	if err := registry.Load(context.Background()); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to load favorites: %w", err)
	}

	application := &app.Application{
		Config:    cfg,
		Logger:    logger,
		Store:     st,
		Cache:     cache.New(cfg.CacheTTL, clk, m),
		Favorites: registry,
		Clock:     clk,
		Metrics:   m,
	}

	if cfg.Role.CanFetch() {
		application.Fetcher = bikeapi.NewClient(bikeapi.Config{
			BaseURL:        cfg.APIBaseURL,
			RequestSpacing: cfg.RequestSpacing,
			Clock:          clk,
			Logger:         logger.With(slog.String("component", "bikeapi")),
			Metrics:        m,
		})
	}

	m.StartDBStatsCollector(st.DB(), dbStatsInterval)

	return application, nil
}

func newLogger(cfg appconf.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Env == appconf.Production {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler).With(slog.String("role", string(cfg.Role)))
}

// CreateServer builds the ops HTTP server for application.
func CreateServer(application *app.Application) *http.Server {
	api := ops.NewOpsAPI(application)

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", application.Config.Port),
		Handler:      api.Handler(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// socketPaths derives the two companion socket paths from the
// configured base. Each side listens on its own path and dials the
// peer's.
func socketPaths(cfg appconf.Config) (listen, peer string) {
	if cfg.Role == appconf.RoleWatch {
		return cfg.SocketPath + ".watch", cfg.SocketPath + ".phone"
	}
	return cfg.SocketPath + ".phone", cfg.SocketPath + ".watch"
}

// daemon bundles the background components a role runs, so shutdown
// can stop them in order.
type daemon struct {
	runner      *consumer.Runner
	extension   *widget.Extension
	responder   *companion.Responder
	syncer      *companion.Syncer
	transport   *companion.SocketTransport
	maintenance *cron.Cron
	unsubscribe func()

	logger *slog.Logger
}

func startDaemon(application *app.Application) (*daemon, error) {
	switch application.Config.Role {
	case appconf.RolePhone:
		return startPhone(application)
	case appconf.RoleWatch:
		return startWatch(application)
	case appconf.RoleWidget:
		return startWidget(application)
	default:
		return nil, fmt.Errorf("unknown role %q", application.Config.Role)
	}
}

// startPhone runs the full phone daemon: the app consumer, the
// companion responder answering the watch, the closest-station
// resolver, and the store maintenance schedule.
func startPhone(application *app.Application) (*daemon, error) {
	cfg := application.Config
	d := &daemon{logger: application.Logger}

	if cfg.SocketPath != "" {
		listen, peer := socketPaths(cfg)
		transport, err := companion.NewSocketTransport(listen, peer, companion.DefaultTimeout, application.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open companion socket: %w", err)
		}
		d.transport = transport

		d.responder = companion.NewResponder(transport, application.Favorites, application.Logger)
		d.responder.Start()

		// Favorites edits and freshly fetched stations go straight to
		// the watch instead of waiting for its next pull.
		d.unsubscribe = application.Store.Subscribe(func(ev store.Event) {
			if ev.Kind == store.EventFavoritesChanged {
				d.responder.PushFavorites()
			}
		})
	}

	runnerCfg := consumer.RunnerConfig{
		Name:     "phone_app",
		Kind:     refresh.KindApp,
		CanFetch: true,
		SourceID: "phone-" + uuid.NewString(),
		Store:    application.Store,
		Cache:    application.Cache,
		Fetcher:  application.Fetcher,
		Targets: &consumer.AppTargets{
			Store:     application.Store,
			Favorites: application.Favorites,
		},
		Clock:   application.Clock,
		Logger:  application.Logger,
		Metrics: application.Metrics,
	}
	if d.responder != nil {
		runnerCfg.OnFetched = d.responder.PushStations
	}
	d.runner = consumer.NewRunner(runnerCfg)

	d.maintenance = cron.New()
	if _, err := d.maintenance.AddFunc("0 * * * *", func() {
		pruneStore(application)
	}); err != nil {
		return nil, fmt.Errorf("failed to schedule store pruning: %w", err)
	}

	if cfg.HomeLat != 0 || cfg.HomeLon != 0 {
		resolver := nearest.NewResolver(application.Store, application.Fetcher, cfg.HomeLat, cfg.HomeLon, application.Logger)

		// Resolve once at startup, then daily. The station list barely
		// changes; the quiet early-morning slot keeps the full-list
		// fetch away from commute-time API traffic.
		go resolveNearest(application, resolver)
		if _, err := d.maintenance.AddFunc("30 4 * * *", func() {
			resolveNearest(application, resolver)
		}); err != nil {
			return nil, fmt.Errorf("failed to schedule nearest resolution: %w", err)
		}
	}
	d.maintenance.Start()

	d.runner.Start()
	return d, nil
}

// startWatch runs the watch daemon: its own app consumer plus the
// companion syncer mirroring the phone's favorites.
func startWatch(application *app.Application) (*daemon, error) {
	cfg := application.Config
	d := &daemon{logger: application.Logger}

	if cfg.SocketPath != "" {
		listen, peer := socketPaths(cfg)
		transport, err := companion.NewSocketTransport(listen, peer, companion.DefaultTimeout, application.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open companion socket: %w", err)
		}
		d.transport = transport

		d.syncer = companion.NewSyncer(companion.SyncerConfig{
			Transport: transport,
			Mirror:    application.Favorites,
			Stations:  application.Store,
			Interval:  companion.DefaultSyncInterval,
			Clock:     application.Clock,
			Logger:    application.Logger,
			Metrics:   application.Metrics,
		})
		d.syncer.Start()
	}

	d.runner = consumer.NewRunner(consumer.RunnerConfig{
		Name:     "watch_app",
		Kind:     refresh.KindApp,
		CanFetch: true,
		SourceID: "watch-" + uuid.NewString(),
		Store:    application.Store,
		Cache:    application.Cache,
		Fetcher:  application.Fetcher,
		Targets: &consumer.AppTargets{
			Store:     application.Store,
			Favorites: application.Favorites,
		},
		Clock:   application.Clock,
		Logger:  application.Logger,
		Metrics: application.Metrics,
	})
	d.runner.Start()
	return d, nil
}

// startWidget runs the widget timeline extension: six slot providers,
// no network access of their own.
func startWidget(application *app.Application) (*daemon, error) {
	d := &daemon{logger: application.Logger}
	d.extension = widget.NewExtension(application.Store, application.Clock, application.Logger, application.Metrics)
	d.extension.Start()
	return d, nil
}

func pruneStore(application *app.Application) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pruned, err := application.Store.PruneUnreferenced(ctx)
	if err != nil {
		logging.LogError(application.Logger, "store pruning failed", err)
		return
	}
	if pruned > 0 {
		logging.LogOperation(application.Logger, "store_pruned", slog.Int64("stations_removed", pruned))
	}
}

func resolveNearest(application *app.Application, resolver *nearest.Resolver) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := resolver.Refresh(ctx); err != nil {
		logging.LogError(application.Logger, "nearest station resolution failed", err)
	}
}

// stop shuts the daemon's components down: consumers first so nothing
// new is fetched or posted, then the maintenance schedule, then the
// companion channel.
func (d *daemon) stop() {
	if d.unsubscribe != nil {
		d.unsubscribe()
	}
	if d.runner != nil {
		d.runner.Stop()
	}
	if d.extension != nil {
		d.extension.Stop()
	}
	if d.maintenance != nil {
		<-d.maintenance.Stop().Done()
	}
	if d.syncer != nil {
		d.syncer.Stop()
	}
	if d.transport != nil {
		logging.SafeCloseWithLogging(d.transport, d.logger, "companion socket")
	}
}

// Run starts the role's components and the ops server, then blocks
// until a signal arrives and everything has shut down.
func Run(application *app.Application) error {
	d, err := startDaemon(application)
	if err != nil {
		return err
	}

	srv := CreateServer(application)

	shutdownError := make(chan error)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		s := <-quit

		application.Logger.Info("shutting down", slog.String("signal", s.String()))

		d.stop()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		shutdownError <- srv.Shutdown(ctx)
	}()

	logging.LogOperation(application.Logger, "daemon_started",
		slog.String("role", string(application.Config.Role)),
		slog.String("env", application.Config.Env.String()),
		slog.Int("port", application.Config.Port))

	err = srv.ListenAndServe()
	if !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	if err := <-shutdownError; err != nil {
		return err
	}

	application.Metrics.Shutdown()
	if err := application.Store.Close(); err != nil {
		return fmt.Errorf("failed to close shared store: %w", err)
	}

	application.Logger.Info("daemon stopped")
	return nil
}
