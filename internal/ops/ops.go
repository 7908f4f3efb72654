// Package ops serves the operational HTTP surface of a dockwatch
// daemon: health, Prometheus metrics, and the debug pages. It is not a
// product API; nothing here is meant for the widgets or companion
// processes, only for a human or a scraper looking at a running
// daemon.
package ops

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dockwatch.citycycles.org/internal/app"
	"dockwatch.citycycles.org/internal/webui"
)

type OpsAPI struct {
	*app.Application
}

func NewOpsAPI(application *app.Application) *OpsAPI {
	return &OpsAPI{Application: application}
}

// Handler builds the ops mux with its middleware chain. Route patterns
// use the method-qualified form so the metrics middleware can label by
// r.Pattern without cardinality blowups.
func (api *OpsAPI) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", api.healthHandler)

	if api.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(api.Metrics.Registry, promhttp.HandlerOpts{}))
	}

	webUI := webui.NewWebUI(api.Application)
	webUI.SetWebUIRoutes(mux)

	logger := api.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var handler http.Handler = mux
	handler = MetricsHandler(api.Metrics)(handler)
	handler = NewRequestLoggingMiddleware(logger)(handler)
	handler = RequestIDMiddleware(handler)
	return handler
}
