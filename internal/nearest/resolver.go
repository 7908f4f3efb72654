package nearest

import (
	"context"
	"fmt"
	"log/slog"

	"dockwatch.citycycles.org/internal/bikeapi"
	"dockwatch.citycycles.org/internal/logging"
	"dockwatch.citycycles.org/internal/models"
	"dockwatch.citycycles.org/internal/store"
)

// Resolver keeps the primary station pointed at the dock closest to
// the home coordinate. The phone role refreshes it from the full
// station list on a maintenance schedule.
type Resolver struct {
	index   *Index
	store   *store.Store
	fetcher *bikeapi.Client
	homeLat float64
	homeLon float64
	logger  *slog.Logger
}

// NewResolver builds a resolver around home.
func NewResolver(st *store.Store, fetcher *bikeapi.Client, homeLat, homeLon float64, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default().With(slog.String("component", "nearest"))
	}
	return &Resolver{
		index:   NewIndex(),
		store:   st,
		fetcher: fetcher,
		homeLat: homeLat,
		homeLon: homeLon,
		logger:  logger,
	}
}

// Index exposes the underlying spatial index for ad hoc queries.
func (r *Resolver) Index() *Index {
	return r.index
}

// Refresh fetches the full station list, rebuilds the index, and
// repoints the primary station at the closest dock. When nothing can
// be resolved the existing primary stays untouched.
func (r *Resolver) Refresh(ctx context.Context) error {
	stamped, err := r.fetcher.FetchAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch station list: %w", err)
	}

	stations := make([]models.Station, len(stamped))
	for i, st := range stamped {
		stations[i] = st.Station
	}
	r.index.Rebuild(stations)

	closest, ok := r.index.Nearest(r.homeLat, r.homeLon)
	if !ok {
		r.logger.Warn("no station resolvable near home, keeping current primary")
		return nil
	}

	// Write the record first so the new primary renders immediately.
	for _, st := range stamped {
		if st.ID != closest.Station.ID {
			continue
		}
		if err := r.store.WriteStation(ctx, st); err != nil {
			logging.LogError(r.logger, "failed to store primary station record", err,
				slog.String("station_id", st.ID))
		}
		break
	}

	if err := r.store.SetPrimaryStationID(ctx, closest.Station.ID); err != nil {
		return fmt.Errorf("failed to persist primary station: %w", err)
	}

	logging.LogOperation(r.logger, "primary_station_resolved",
		slog.String("station_id", closest.Station.ID),
		slog.String("name", closest.Station.Name),
		slog.Float64("meters_from_home", closest.Meters),
		slog.Int("indexed_stations", r.index.Len()))
	return nil
}
