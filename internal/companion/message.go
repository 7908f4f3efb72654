// Package companion carries favorites and station data between the
// phone and watch processes. The phone answers requests from its
// registry; the watch polls on an interval and mirrors what it gets.
// Either side may also push data opportunistically when the other is
// reachable.
package companion

import "dockwatch.citycycles.org/internal/models"

// MessageKind distinguishes the three message shapes on the wire.
type MessageKind string

const (
	KindRequest MessageKind = "request"
	KindReply   MessageKind = "reply"
	KindPush    MessageKind = "push"
)

// Request names.
const (
	RequestFavorites = "favorites"
)

// Status reports how a request was handled.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusError          Status = "error"
	StatusUnknownRequest Status = "unknown_request"
)

// Message is one companion-channel frame, encoded as a single JSON
// line. Requests carry Request; replies carry Status plus payload;
// pushes carry payload only.
type Message struct {
	Kind      MessageKind             `json:"kind"`
	Request   string                  `json:"request,omitempty"`
	Status    Status                  `json:"status,omitempty"`
	Favorites []models.Favorite       `json:"favorites,omitempty"`
	Stations  []models.StampedStation `json:"stations,omitempty"`
}
