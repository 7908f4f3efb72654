package companion

import "context"

// Transport moves messages to and from the companion process. The
// socket transport is the real one; the in-memory pair serves tests
// and single-process simulation.
type Transport interface {
	// Reachable reports whether the companion looks contactable right
	// now. Best-effort; a true answer can still be followed by a
	// failed exchange.
	Reachable() bool

	// Request sends msg and waits for the companion's reply. The
	// transport's own timeout bounds the wait; a context deadline
	// tightens it further.
	Request(ctx context.Context, msg Message) (Message, error)

	// Push sends msg without waiting for an answer.
	Push(msg Message) error

	// SetHandler installs fn for incoming messages. For requests the
	// returned message is sent back as the reply; for pushes it is
	// discarded.
	SetHandler(fn func(Message) Message)

	// Close tears the transport down.
	Close() error
}
