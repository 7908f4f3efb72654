// Package deeplink parses the dockwatch:// URL scheme into typed
// routes. A malformed or unknown link yields no route at all, so
// nothing navigates on garbage input.
package deeplink

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"dockwatch.citycycles.org/internal/widget"
)

// Scheme is the URL scheme the OS hands to the app.
const Scheme = "dockwatch"

// Kind says which app state a route opens.
type Kind int

const (
	// KindStationDetail opens one station's detail view.
	KindStationDetail Kind = iota
	// KindWidgetSelect enters station-selection mode for a slot.
	KindWidgetSelect
	// KindWidgetOpen opens the station a slot is bound to.
	KindWidgetOpen
)

// Route is one parsed deep link.
type Route struct {
	Kind      Kind
	StationID string
	Slot      int
}

// String renders the route back into its URL form.
func (r Route) String() string {
	switch r.Kind {
	case KindStationDetail:
		return fmt.Sprintf("%s://station/%s", Scheme, url.PathEscape(r.StationID))
	case KindWidgetSelect:
		return fmt.Sprintf("%s://widget/%d/select", Scheme, r.Slot)
	default:
		return fmt.Sprintf("%s://widget/%d", Scheme, r.Slot)
	}
}

// Parse returns the route encoded in raw. ok is false for anything
// that is not a well-formed dockwatch link, including out-of-range
// widget slots.
func Parse(raw string) (Route, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != Scheme || u.Host == "" {
		return Route{}, false
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")

	switch u.Host {
	case "station":
		if len(segments) != 1 || segments[0] == "" {
			return Route{}, false
		}
		return Route{Kind: KindStationDetail, StationID: segments[0]}, true

	case "widget":
		slot, ok := parseSlot(segments[0])
		if !ok {
			return Route{}, false
		}
		switch len(segments) {
		case 1:
			return Route{Kind: KindWidgetOpen, Slot: slot}, true
		case 2:
			if segments[1] != "select" {
				return Route{}, false
			}
			return Route{Kind: KindWidgetSelect, Slot: slot}, true
		default:
			return Route{}, false
		}

	default:
		return Route{}, false
	}
}

func parseSlot(s string) (int, bool) {
	slot, err := strconv.Atoi(s)
	if err != nil || slot < 0 || slot >= widget.SlotCount {
		return 0, false
	}
	return slot, true
}
