// Package webui serves the debug pages of the ops HTTP server: raw
// dumps of the shared store's collections and a deeplink probe. The
// pages are for humans poking at a running daemon and are hidden in
// production.
package webui

import (
	"net/http"

	"dockwatch.citycycles.org/internal/app"
)

type WebUI struct {
	*app.Application
}

func NewWebUI(application *app.Application) *WebUI {
	return &WebUI{Application: application}
}

// SetWebUIRoutes registers the debug pages on mux.
func (webUI *WebUI) SetWebUIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /debug", webUI.debugIndexHandler)
	mux.HandleFunc("GET /debug/deeplink", webUI.deeplinkHandler)
}
