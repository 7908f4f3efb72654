package store

// EventKind identifies what changed in the shared store.
type EventKind string

const (
	EventFavoritesChanged EventKind = "favorites_changed"
	EventStationWritten   EventKind = "station_written"
	EventPrimaryChanged   EventKind = "primary_changed"
	EventBindingChanged   EventKind = "binding_changed"
)

// Event describes one committed change. Events fire in the writing
// process only; other processes observe changes by reading the store
// on their next evaluation cycle.
type Event struct {
	Kind      EventKind
	StationID string // set for EventStationWritten and EventPrimaryChanged
	Slot      int    // set for EventBindingChanged
}
