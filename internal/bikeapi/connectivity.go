package bikeapi

import (
	"net"
	"sync"
	"time"

	"dockwatch.citycycles.org/internal/clock"
)

// Probe is a Connectivity implementation that checks for a network
// path by dialing a well-known address, caching the verdict briefly so
// tight evaluation loops do not dial on every call.
type Probe struct {
	address string
	timeout time.Duration
	ttl     time.Duration
	clock   clock.Clock

	mu        sync.Mutex
	checkedAt time.Time
	verdict   bool
}

// NewProbe builds a dial probe against address (host:port). A zero ttl
// means every Online call dials.
func NewProbe(address string, timeout, ttl time.Duration, clk clock.Clock) *Probe {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Probe{
		address: address,
		timeout: timeout,
		ttl:     ttl,
		clock:   clk,
	}
}

// Online reports the cached verdict when fresh, otherwise dials.
func (p *Probe) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.checkedAt.IsZero() && p.clock.Since(p.checkedAt) < p.ttl {
		return p.verdict
	}

	conn, err := net.DialTimeout("tcp", p.address, p.timeout)
	if err == nil {
		_ = conn.Close()
	}

	p.checkedAt = p.clock.Now()
	p.verdict = err == nil
	return p.verdict
}
