package companion

import (
	"log/slog"

	"dockwatch.citycycles.org/internal/models"
)

// FavoritesSource provides the list the phone answers with.
// *favorites.Registry satisfies this.
type FavoritesSource interface {
	List() []models.Favorite
}

// Responder is the phone side of the channel. It answers favorites
// requests from the registry and pushes updates opportunistically.
type Responder struct {
	transport Transport
	favorites FavoritesSource
	logger    *slog.Logger
}

// NewResponder wires a responder over t.
func NewResponder(t Transport, favorites FavoritesSource, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.Default().With(slog.String("component", "companion_responder"))
	}
	return &Responder{transport: t, favorites: favorites, logger: logger}
}

// Start installs the responder as the transport's handler.
func (r *Responder) Start() {
	r.transport.SetHandler(r.handle)
}

func (r *Responder) handle(msg Message) Message {
	switch {
	case msg.Kind == KindRequest && msg.Request == RequestFavorites:
		return Message{Kind: KindReply, Status: StatusSuccess, Favorites: r.favorites.List()}
	case msg.Kind == KindRequest:
		r.logger.Debug("unknown companion request", slog.String("request", msg.Request))
		return Message{Kind: KindReply, Status: StatusUnknownRequest}
	default:
		// Nothing pushes data toward the phone today.
		return Message{}
	}
}

// PushFavorites sends the current list to the watch if it is
// reachable, and silently does nothing otherwise. The watch's
// periodic pull reconciles anything a skipped push would have
// delivered.
func (r *Responder) PushFavorites() {
	if !r.transport.Reachable() {
		return
	}

	err := r.transport.Push(Message{Kind: KindPush, Favorites: r.favorites.List()})
	if err != nil {
		r.logger.Debug("favorites push failed", slog.String("error", err.Error()))
	}
}

// PushStations forwards freshly fetched records to the watch if it is
// reachable, sparing it a round trip to the API.
func (r *Responder) PushStations(stations []models.StampedStation) {
	if len(stations) == 0 || !r.transport.Reachable() {
		return
	}

	err := r.transport.Push(Message{Kind: KindPush, Stations: stations})
	if err != nil {
		r.logger.Debug("station push failed", slog.String("error", err.Error()))
	}
}
