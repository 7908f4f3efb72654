package webui

import (
	"embed"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/davecgh/go-spew/spew"

	"dockwatch.citycycles.org/internal/appconf"
)

//go:embed debug_index.html
var templateFS embed.FS

type debugData struct {
	Title string
	Pre   string
}

func writeDebugData(w http.ResponseWriter, title string, data interface{}) {
	content := spew.Sdump(data)
	w.Header().Set("Content-Type", "text/html")
	tmpl, err := template.ParseFS(templateFS, "debug_index.html")
	if err != nil {
		// Log the actual error server-side
		slog.Error("failed to parse debug template", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	dataStruct := debugData{
		Title: title,
		Pre:   content,
	}

	err = tmpl.Execute(w, dataStruct)
	if err != nil {
		slog.Error("failed to execute debug template", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (webUI *WebUI) debugIndexHandler(w http.ResponseWriter, r *http.Request) {
	if webUI.Config.Env == appconf.Production {
		http.NotFound(w, r)
		return
	}
	dataType := r.URL.Query().Get("dataType")

	var data interface{}
	var title string

	ctx := r.Context()

	switch dataType {
	case "snapshot":
		snap, err := webUI.Store.ReadSnapshot(ctx)
		if err != nil {
			data = map[string]string{"error": err.Error()}
		} else {
			data = snap
		}
		title = "Shared Store - Snapshot"
	case "stations":
		stations, err := webUI.Store.Stations(ctx)
		if err != nil {
			data = map[string]string{"error": err.Error()}
		} else {
			data = stations
		}
		title = "Shared Store - Stations"
	case "favorites":
		favorites, err := webUI.Store.ReadFavorites(ctx)
		if err != nil {
			data = map[string]string{"error": err.Error()}
		} else {
			data = favorites
		}
		title = "Shared Store - Favorites"
	case "bindings":
		bindings, err := webUI.Store.Bindings(ctx)
		if err != nil {
			data = map[string]string{"error": err.Error()}
		} else {
			data = bindings
		}
		title = "Shared Store - Widget Bindings"
	case "lastknowngood":
		snap, savedAt, ok, err := webUI.Store.LastKnownGood(ctx)
		switch {
		case err != nil:
			data = map[string]string{"error": err.Error()}
		case !ok:
			data = map[string]string{"info": "no last-known-good snapshot saved yet"}
		default:
			data = map[string]interface{}{"savedAt": savedAt, "snapshot": snap}
		}
		title = "Shared Store - Last Known Good"
	case "freshness":
		data = webUI.freshnessReport(ctx)
		title = "Shared Store - Freshness"
	case "primary":
		id, ok, err := webUI.Store.PrimaryStationID(ctx)
		switch {
		case err != nil:
			data = map[string]string{"error": err.Error()}
		case !ok:
			data = map[string]string{"info": "no primary station resolved yet"}
		default:
			data = map[string]string{"primaryStationId": id}
		}
		title = "Shared Store - Primary Station"
	default:
		data = map[string]string{
			"error": "Please use one of the following: snapshot, stations, favorites, bindings, lastknowngood, freshness, primary.",
		}
		title = "Choose a data type"
	}

	writeDebugData(w, title, data)
}
