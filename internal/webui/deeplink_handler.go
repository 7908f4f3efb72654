package webui

import (
	"net/http"

	"dockwatch.citycycles.org/internal/appconf"
	"dockwatch.citycycles.org/internal/deeplink"
)

// deeplinkHandler parses a candidate deeplink and dumps the resulting
// route, so malformed links can be checked against a running daemon.
func (webUI *WebUI) deeplinkHandler(w http.ResponseWriter, r *http.Request) {
	if webUI.Config.Env == appconf.Production {
		http.NotFound(w, r)
		return
	}

	raw := r.URL.Query().Get("url")

	var data interface{}
	switch {
	case raw == "":
		data = map[string]string{
			"error": "Pass a candidate link as ?url=, for example ?url=dockwatch://station/BikePoints_42.",
		}
	default:
		route, ok := deeplink.Parse(raw)
		if !ok {
			data = map[string]interface{}{"input": raw, "recognized": false}
		} else {
			data = map[string]interface{}{"input": raw, "recognized": true, "route": route}
		}
	}

	writeDebugData(w, "Deeplink Probe", data)
}
