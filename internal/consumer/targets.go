package consumer

import (
	"context"
	"fmt"
	"sort"

	"dockwatch.citycycles.org/internal/favorites"
	"dockwatch.citycycles.org/internal/store"
)

// TargetSource yields the station ids a consumer keeps fresh, in
// display order.
type TargetSource interface {
	TargetIDs(ctx context.Context) ([]string, error)
}

// AppTargets is the foreground app's target set: the primary station
// first, then favorites in their sort order, then any stations widget
// slots are bound to. Including the bindings is what lets the app
// service widget-originated refresh requests for stations it does not
// otherwise track.
type AppTargets struct {
	Store     *store.Store
	Favorites *favorites.Registry
}

func (a AppTargets) TargetIDs(ctx context.Context) ([]string, error) {
	var ids []string
	seen := make(map[string]bool)
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		ids = append(ids, id)
	}

	primary, ok, err := a.Store.PrimaryStationID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve primary station: %w", err)
	}
	if ok {
		add(primary)
	}

	if a.Favorites != nil {
		for _, fav := range a.Favorites.List() {
			add(fav.ID)
		}
	}

	bindings, err := a.Store.Bindings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list widget bindings: %w", err)
	}
	slots := make([]int, 0, len(bindings))
	for slot := range bindings {
		slots = append(slots, slot)
	}
	sort.Ints(slots)
	for _, slot := range slots {
		add(bindings[slot])
	}

	return ids, nil
}
