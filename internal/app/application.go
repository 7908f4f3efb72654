package app

import (
	"log/slog"

	"dockwatch.citycycles.org/internal/appconf"
	"dockwatch.citycycles.org/internal/bikeapi"
	"dockwatch.citycycles.org/internal/cache"
	"dockwatch.citycycles.org/internal/clock"
	"dockwatch.citycycles.org/internal/favorites"
	"dockwatch.citycycles.org/internal/metrics"
	"dockwatch.citycycles.org/internal/store"
)

// Application holds the dependencies shared by HTTP handlers, helpers,
// and the background components of a dockwatch process. Every role
// builds one of these at startup and passes it down; which fields are
// populated depends on the role (widgets carry no Fetcher).
type Application struct {
	Config    appconf.Config
	Logger    *slog.Logger
	Store     *store.Store
	Cache     *cache.Cache
	Fetcher   *bikeapi.Client
	Favorites *favorites.Registry
	Clock     clock.Clock
	Metrics   *metrics.Metrics
}
