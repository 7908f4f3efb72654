// Package favorites holds the user's favorite stations: an ordered,
// deduplicated list with dense sort positions. The phone owns the
// list; the watch keeps a read-only mirror fed by the companion
// syncer.
package favorites

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"dockwatch.citycycles.org/internal/models"
)

// Persister stores the favorites list durably. *store.Store satisfies
// this.
type Persister interface {
	ReadFavorites(ctx context.Context) ([]models.Favorite, error)
	WriteFavorites(ctx context.Context, favorites []models.Favorite) error
}

// Registry is the in-memory favorites list backed by a Persister.
// Every mutation persists first and only then updates memory, so a
// failed write leaves the registry exactly as it was.
type Registry struct {
	mu     sync.RWMutex
	items  []models.Favorite
	store  Persister
	logger *slog.Logger
}

// NewRegistry builds an empty registry over p. Call Load to hydrate it
// from the store.
func NewRegistry(p Persister, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default().With(slog.String("component", "favorites"))
	}
	return &Registry{store: p, logger: logger}
}

// Load replaces the in-memory list with the persisted one.
func (r *Registry) Load(ctx context.Context) error {
	items, err := r.store.ReadFavorites(ctx)
	if err != nil {
		return fmt.Errorf("failed to load favorites: %w", err)
	}
	normalize(items)

	r.mu.Lock()
	r.items = items
	r.mu.Unlock()
	return nil
}

// Add appends a station to the end of the list, capturing its name as
// shown at favoriting time. Adding a station that is already a
// favorite changes nothing.
func (r *Registry) Add(ctx context.Context, id, name string) error {
	if id == "" {
		return fmt.Errorf("favorite id must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, item := range r.items {
		if item.ID == id {
			return nil
		}
	}

	next := append(copyOf(r.items), models.Favorite{ID: id, Name: name, SortOrder: len(r.items)})
	return r.commit(ctx, next)
}

// Remove drops a station from the list. Removing a station that is
// not a favorite changes nothing.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make([]models.Favorite, 0, len(r.items))
	for _, item := range r.items {
		if item.ID != id {
			next = append(next, item)
		}
	}
	if len(next) == len(r.items) {
		return nil
	}

	renumber(next)
	return r.commit(ctx, next)
}

// Move places the station at a new position, shifting its neighbors.
// Out-of-range positions clamp to the ends. Moving an unknown station
// changes nothing.
func (r *Registry) Move(ctx context.Context, id string, newIndex int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	from := -1
	for i, item := range r.items {
		if item.ID == id {
			from = i
			break
		}
	}
	if from == -1 {
		return nil
	}

	if newIndex < 0 {
		newIndex = 0
	}
	if newIndex > len(r.items)-1 {
		newIndex = len(r.items) - 1
	}
	if newIndex == from {
		return nil
	}

	next := copyOf(r.items)
	moved := next[from]
	next = append(next[:from], next[from+1:]...)
	next = append(next[:newIndex], append([]models.Favorite{moved}, next[newIndex:]...)...)

	renumber(next)
	return r.commit(ctx, next)
}

// Replace swaps in a whole new list, normalizing its sort positions.
// The watch syncer uses this to ingest the phone's list.
func (r *Registry) Replace(ctx context.Context, favorites []models.Favorite) error {
	next := copyOf(favorites)
	normalize(next)

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commit(ctx, next)
}

// List returns the favorites in sort order.
func (r *Registry) List() []models.Favorite {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyOf(r.items)
}

// IDs returns the favorite station ids in sort order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, len(r.items))
	for i, item := range r.items {
		ids[i] = item.ID
	}
	return ids
}

// Contains reports whether id is a favorite.
func (r *Registry) Contains(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, item := range r.items {
		if item.ID == id {
			return true
		}
	}
	return false
}

// commit persists next and, on success, makes it the live list.
// Callers must hold the write lock.
func (r *Registry) commit(ctx context.Context, next []models.Favorite) error {
	if err := r.store.WriteFavorites(ctx, next); err != nil {
		return fmt.Errorf("failed to persist favorites: %w", err)
	}
	r.items = next
	return nil
}

// normalize orders by SortOrder and renumbers densely from zero, so
// any gaps or duplicates in incoming data disappear.
func normalize(items []models.Favorite) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].SortOrder < items[j].SortOrder
	})
	renumber(items)
}

func renumber(items []models.Favorite) {
	for i := range items {
		items[i].SortOrder = i
	}
}

func copyOf(items []models.Favorite) []models.Favorite {
	out := make([]models.Favorite, len(items))
	copy(out, items)
	return out
}
