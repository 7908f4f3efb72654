package companion

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dockwatch.citycycles.org/internal/clock"
	"dockwatch.citycycles.org/internal/logging"
	"dockwatch.citycycles.org/internal/metrics"
	"dockwatch.citycycles.org/internal/models"
)

const (
	// DefaultSyncInterval is how often the watch pulls favorites
	// from the phone.
	DefaultSyncInterval = 30 * time.Second

	reachabilityPollInterval = 5 * time.Second
	maxConsecutiveFailures   = 10
	baseCooldown             = 30 * time.Second
	maxCooldown              = 300 * time.Second
)

// FavoritesMirror replaces the watch's local favorites with the
// phone's list. *favorites.Registry satisfies this.
type FavoritesMirror interface {
	Replace(ctx context.Context, favorites []models.Favorite) error
}

// StationSink accepts station records pushed from the phone.
// *store.Store satisfies this. A nil sink discards pushed stations.
type StationSink interface {
	WriteStation(ctx context.Context, st models.StampedStation) error
}

// SyncerConfig configures a watch-side Syncer.
type SyncerConfig struct {
	Transport Transport
	Mirror    FavoritesMirror
	Stations  StationSink
	Interval  time.Duration
	Clock     clock.Clock
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Syncer is the watch side of the channel. It pulls the favorites
// list from the phone on an interval, applies whatever the phone
// pushes, and backs off when the phone stays unreachable so reconnect
// attempts do not drain the battery.
type Syncer struct {
	transport Transport
	mirror    FavoritesMirror
	stations  StationSink
	interval  time.Duration
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu            sync.Mutex
	failures      int
	episodes      int
	cooldownUntil time.Time
	lastReachable bool

	shutdownChan chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

// NewSyncer builds a Syncer. Start must be called to install the push
// handler and begin the pull loop.
func NewSyncer(cfg SyncerConfig) *Syncer {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSyncInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With(slog.String("component", "companion_syncer"))
	}
	return &Syncer{
		transport:    cfg.Transport,
		mirror:       cfg.Mirror,
		stations:     cfg.Stations,
		interval:     cfg.Interval,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		shutdownChan: make(chan struct{}),
	}
}

// Start installs the push handler and launches the pull loop.
func (s *Syncer) Start() {
	s.transport.SetHandler(s.handlePush)
	s.wg.Add(1)
	go s.loop()
	s.logger.Info("companion syncer started", slog.Duration("interval", s.interval))
}

// Stop halts the pull loop. It is safe to call more than once.
func (s *Syncer) Stop() {
	s.stopOnce.Do(func() {
		close(s.shutdownChan)
	})
	s.wg.Wait()
}

func (s *Syncer) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	reachTicker := time.NewTicker(reachabilityPollInterval)
	defer reachTicker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.SyncNow(context.Background()); err != nil {
				logging.LogError(s.logger, "favorites sync failed", err)
			}
		case <-reachTicker.C:
			reachable := s.transport.Reachable()
			s.mu.Lock()
			cameBack := reachable && !s.lastReachable
			s.lastReachable = reachable
			s.mu.Unlock()
			if cameBack {
				if err := s.SyncNow(context.Background()); err != nil {
					logging.LogError(s.logger, "favorites sync failed", err)
				}
			}
		case <-s.shutdownChan:
			return
		}
	}
}

// SyncNow pulls the favorites list from the phone and replaces the
// local mirror with it. During a cooldown it does nothing and returns
// nil. A failed pull leaves the mirror untouched.
func (s *Syncer) SyncNow(ctx context.Context) error {
	if !s.beginAttempt() {
		return nil
	}

	reply, err := s.transport.Request(ctx, Message{Kind: KindRequest, Request: RequestFavorites})
	if err != nil {
		s.recordFailure()
		s.recordOutcome("error")
		return fmt.Errorf("failed to request favorites from companion: %w", err)
	}
	if reply.Status != StatusSuccess {
		s.recordFailure()
		s.recordOutcome("error")
		return fmt.Errorf("companion rejected favorites request with status %q", reply.Status)
	}

	if err := s.mirror.Replace(ctx, reply.Favorites); err != nil {
		s.recordOutcome("error")
		return fmt.Errorf("failed to store synced favorites: %w", err)
	}

	s.recordSuccess()
	s.recordOutcome("ok")
	s.logger.Debug("favorites synced from companion", slog.Int("count", len(reply.Favorites)))
	return nil
}

// handlePush applies pushed data from the phone. Requests addressed
// to the watch are not part of the protocol.
func (s *Syncer) handlePush(msg Message) Message {
	switch msg.Kind {
	case KindPush:
		ctx := context.Background()
		if len(msg.Favorites) > 0 {
			if err := s.mirror.Replace(ctx, msg.Favorites); err != nil {
				logging.LogError(s.logger, "failed to apply pushed favorites", err)
			} else {
				s.logger.Debug("favorites applied from push", slog.Int("count", len(msg.Favorites)))
			}
		}
		if s.stations != nil {
			for _, st := range msg.Stations {
				if err := s.stations.WriteStation(ctx, st); err != nil {
					logging.LogError(s.logger, "failed to apply pushed station", err,
						slog.String("station_id", st.Station.ID))
				}
			}
		}
		return Message{}
	case KindRequest:
		return Message{Kind: KindReply, Status: StatusUnknownRequest}
	default:
		return Message{}
	}
}

// beginAttempt reports whether a sync may run now. When a cooldown
// has elapsed the consecutive failure count starts over.
func (s *Syncer) beginAttempt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cooldownUntil.IsZero() {
		return true
	}
	if s.clock.Now().Before(s.cooldownUntil) {
		return false
	}
	s.cooldownUntil = time.Time{}
	s.failures = 0
	return true
}

func (s *Syncer) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures++
	if s.failures < maxConsecutiveFailures {
		return
	}
	s.episodes++
	cooldown := time.Duration(s.episodes) * baseCooldown
	if cooldown > maxCooldown {
		cooldown = maxCooldown
	}
	s.cooldownUntil = s.clock.Now().Add(cooldown)
	s.logger.Info("companion sync cooling down",
		slog.Duration("cooldown", cooldown),
		slog.Int("consecutive_failures", s.failures))
}

func (s *Syncer) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures = 0
	s.episodes = 0
	s.cooldownUntil = time.Time{}
}

func (s *Syncer) recordOutcome(outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.CompanionSyncsTotal.WithLabelValues(outcome).Inc()
}
