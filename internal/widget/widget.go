// Package widget models the timeline widget extension: six
// configurable slots, each bound to at most one station. Widget
// processes cannot fetch; they render from the shared store and post
// refresh requests for a network-capable consumer to service.
package widget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dockwatch.citycycles.org/internal/clock"
	"dockwatch.citycycles.org/internal/consumer"
	"dockwatch.citycycles.org/internal/metrics"
	"dockwatch.citycycles.org/internal/models"
	"dockwatch.citycycles.org/internal/refresh"
	"dockwatch.citycycles.org/internal/store"
)

// SlotCount is the number of configurable widget slots.
const SlotCount = 6

// Entry is what one slot renders on its next timeline wake.
type Entry struct {
	Slot    int
	State   consumer.DisplayState
	Station *models.StampedStation
	Age     time.Duration
}

// Label returns the slot's display line.
func (e Entry) Label() string {
	switch e.State {
	case consumer.DisplayData, consumer.DisplayFallback:
		if e.Station != nil {
			return e.Station.Name
		}
		return "Unavailable"
	case consumer.DisplayNotConfigured:
		return "No station selected"
	case consumer.DisplayLoading:
		return "Loading"
	default:
		return "Unavailable"
	}
}

// slotTargets resolves the slot's binding on every cycle, so a
// rebinding takes effect at the next wake without restarting.
type slotTargets struct {
	store *store.Store
	slot  int
}

func (s slotTargets) TargetIDs(ctx context.Context) ([]string, error) {
	id, ok, err := s.store.Binding(ctx, s.slot)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return []string{id}, nil
}

// ProviderConfig assembles one slot provider.
type ProviderConfig struct {
	Slot    int
	Store   *store.Store
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Provider serves one widget slot.
type Provider struct {
	slot   int
	store  *store.Store
	runner *consumer.Runner
	clock  clock.Clock

	mu   sync.Mutex
	last Entry
}

// NewProvider builds the provider for one slot.
func NewProvider(cfg ProviderConfig) *Provider {
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With(
			slog.String("component", "widget"),
			slog.Int("slot", cfg.Slot))
	}

	p := &Provider{
		slot:  cfg.Slot,
		store: cfg.Store,
		clock: cfg.Clock,
		last:  Entry{Slot: cfg.Slot, State: consumer.DisplayNotConfigured},
	}
	p.runner = consumer.NewRunner(consumer.RunnerConfig{
		Name:     fmt.Sprintf("widget_slot_%d", cfg.Slot),
		Kind:     refresh.KindWidget,
		SourceID: fmt.Sprintf("widget-%d", cfg.Slot),
		Store:    cfg.Store,
		Targets:  slotTargets{store: cfg.Store, slot: cfg.Slot},
		Clock:    cfg.Clock,
		Logger:   cfg.Logger,
		Metrics:  cfg.Metrics,
		OnRender: p.onRender,
	})
	return p
}

// Slot returns the provider's slot number.
func (p *Provider) Slot() int { return p.slot }

// Refresh runs one evaluation cycle and returns the resulting entry.
func (p *Provider) Refresh(ctx context.Context) Entry {
	p.runner.RunOnce(ctx)
	return p.Entry()
}

// Entry returns the most recently rendered entry.
func (p *Provider) Entry() Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Bind points the slot at a station. The change reaches every process
// through the shared store.
func (p *Provider) Bind(ctx context.Context, stationID string) error {
	return p.store.SetBinding(ctx, p.slot, stationID)
}

// Unbind clears the slot.
func (p *Provider) Unbind(ctx context.Context) error {
	return p.store.SetBinding(ctx, p.slot, "")
}

// Start begins the self-rescheduling wake loop.
func (p *Provider) Start() { p.runner.Start() }

// Stop cancels the wake loop.
func (p *Provider) Stop() { p.runner.Stop() }

func (p *Provider) onRender(view consumer.View) {
	entry := Entry{Slot: p.slot, State: view.State}
	if len(view.Stations) > 0 {
		st := view.Stations[0]
		entry.Station = &st
		entry.Age = p.clock.Since(st.FetchedAt)
	}

	p.mu.Lock()
	p.last = entry
	p.mu.Unlock()
}

// Extension is the widget process: one provider per slot.
type Extension struct {
	providers [SlotCount]*Provider
}

// NewExtension builds providers for all slots.
func NewExtension(st *store.Store, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) *Extension {
	e := &Extension{}
	for slot := 0; slot < SlotCount; slot++ {
		e.providers[slot] = NewProvider(ProviderConfig{
			Slot: slot, Store: st, Clock: clk, Logger: logger, Metrics: m,
		})
	}
	return e
}

// Provider returns the provider for slot, if the slot exists.
func (e *Extension) Provider(slot int) (*Provider, bool) {
	if slot < 0 || slot >= SlotCount {
		return nil, false
	}
	return e.providers[slot], true
}

// Entries refreshes every slot and returns their entries in slot order.
func (e *Extension) Entries(ctx context.Context) []Entry {
	entries := make([]Entry, 0, SlotCount)
	for _, p := range e.providers {
		entries = append(entries, p.Refresh(ctx))
	}
	return entries
}

// Start begins every provider's wake loop.
func (e *Extension) Start() {
	for _, p := range e.providers {
		p.Start()
	}
}

// Stop cancels every provider's wake loop.
func (e *Extension) Stop() {
	for _, p := range e.providers {
		p.Stop()
	}
}
