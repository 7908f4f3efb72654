package companion

import (
	"context"
	"errors"
	"sync"
)

// ErrPairUnreachable is returned by a pair end whose link is down.
var ErrPairUnreachable = errors.New("companion pair unreachable")

// pairLink is the shared state of a linked pair. Flipping it down
// severs both directions at once, the way losing the radio link does.
type pairLink struct {
	mu        sync.Mutex
	reachable bool
}

// PairTransport is an in-memory Transport wired directly to its peer.
// Tests and single-process simulation use it in place of sockets.
type PairTransport struct {
	link *pairLink

	mu      sync.Mutex
	peer    *PairTransport
	handler func(Message) Message
	closed  bool
}

// NewPair returns two linked ends. Messages sent on one end are
// handled by the other. The link starts reachable.
func NewPair() (*PairTransport, *PairTransport) {
	link := &pairLink{reachable: true}
	a := &PairTransport{link: link}
	b := &PairTransport{link: link}
	a.peer = b
	b.peer = a
	return a, b
}

// SetReachable flips the link for both ends.
func (p *PairTransport) SetReachable(reachable bool) {
	p.link.mu.Lock()
	p.link.reachable = reachable
	p.link.mu.Unlock()
}

// Reachable reports the link state, requiring both ends open.
func (p *PairTransport) Reachable() bool {
	p.link.mu.Lock()
	reachable := p.link.reachable
	p.link.mu.Unlock()
	if !reachable {
		return false
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	return !closed && !p.peer.isClosed()
}

// Request hands msg to the peer's handler and returns its reply.
func (p *PairTransport) Request(_ context.Context, msg Message) (Message, error) {
	if !p.Reachable() {
		return Message{}, ErrPairUnreachable
	}

	handler := p.peer.currentHandler()
	if handler == nil {
		return Message{}, errors.New("companion pair has no handler")
	}
	return handler(msg), nil
}

// Push hands msg to the peer's handler, discarding any reply.
func (p *PairTransport) Push(msg Message) error {
	if !p.Reachable() {
		return ErrPairUnreachable
	}

	if handler := p.peer.currentHandler(); handler != nil {
		handler(msg)
	}
	return nil
}

// SetHandler installs the handler for messages from the peer.
func (p *PairTransport) SetHandler(fn func(Message) Message) {
	p.mu.Lock()
	p.handler = fn
	p.mu.Unlock()
}

// Close marks this end closed.
func (p *PairTransport) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *PairTransport) currentHandler() func(Message) Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler
}

func (p *PairTransport) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
