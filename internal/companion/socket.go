package companion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"dockwatch.citycycles.org/internal/logging"
)

// DefaultTimeout bounds one companion exchange: dial, send, and wait
// for the reply.
const DefaultTimeout = 5 * time.Second

// reachProbeTimeout bounds the cheap dial used by Reachable.
const reachProbeTimeout = 250 * time.Millisecond

// SocketTransport exchanges newline-delimited JSON messages over Unix
// sockets. Each process listens on its own socket and dials the
// peer's per attempt; a connection carries exactly one exchange.
type SocketTransport struct {
	listenPath string
	peerPath   string
	timeout    time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	handler func(Message) Message

	listener     net.Listener
	shutdownChan chan struct{}
	closeOnce    sync.Once
	wg           sync.WaitGroup
}

// NewSocketTransport listens on listenPath and dials peerPath. A
// stale socket file left by a crashed daemon is removed first. A
// non-positive timeout falls back to DefaultTimeout.
func NewSocketTransport(listenPath, peerPath string, timeout time.Duration, logger *slog.Logger) (*SocketTransport, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default().With(slog.String("component", "companion_socket"))
	}

	if err := os.Remove(listenPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale socket %s: %w", listenPath, err)
	}

	listener, err := net.Listen("unix", listenPath)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", listenPath, err)
	}

	t := &SocketTransport{
		listenPath:   listenPath,
		peerPath:     peerPath,
		timeout:      timeout,
		logger:       logger,
		listener:     listener,
		shutdownChan: make(chan struct{}),
	}

	t.wg.Add(1)
	go t.acceptLoop()

	return t, nil
}

// SetHandler installs the handler for incoming messages.
func (t *SocketTransport) SetHandler(fn func(Message) Message) {
	t.mu.Lock()
	t.handler = fn
	t.mu.Unlock()
}

// Reachable dials the peer's socket briefly.
func (t *SocketTransport) Reachable() bool {
	conn, err := net.DialTimeout("unix", t.peerPath, reachProbeTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Request dials the peer, sends msg, and waits for one reply line.
func (t *SocketTransport) Request(ctx context.Context, msg Message) (Message, error) {
	conn, err := t.dial(ctx)
	if err != nil {
		return Message{}, fmt.Errorf("companion unreachable: %w", err)
	}
	defer logging.SafeCloseWithLogging(conn, t.logger, "companion_connection")

	deadline := time.Now().Add(t.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return Message{}, fmt.Errorf("failed to set exchange deadline: %w", err)
	}

	if err := json.NewEncoder(conn).Encode(msg); err != nil {
		return Message{}, fmt.Errorf("failed to send companion request: %w", err)
	}

	var reply Message
	if err := json.NewDecoder(conn).Decode(&reply); err != nil {
		return Message{}, fmt.Errorf("companion reply failed: %w", err)
	}
	return reply, nil
}

// Push dials the peer and sends msg without waiting for an answer.
func (t *SocketTransport) Push(msg Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	conn, err := t.dial(ctx)
	if err != nil {
		return fmt.Errorf("companion unreachable: %w", err)
	}
	defer logging.SafeCloseWithLogging(conn, t.logger, "companion_connection")

	if err := conn.SetDeadline(time.Now().Add(t.timeout)); err != nil {
		return fmt.Errorf("failed to set push deadline: %w", err)
	}
	if err := json.NewEncoder(conn).Encode(msg); err != nil {
		return fmt.Errorf("failed to push companion message: %w", err)
	}
	return nil
}

// Close stops the listener and waits for in-flight connections.
func (t *SocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.shutdownChan)
		err = t.listener.Close()
		t.wg.Wait()
	})
	return err
}

func (t *SocketTransport) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: t.timeout}
	return dialer.DialContext(ctx, "unix", t.peerPath)
}

func (t *SocketTransport) acceptLoop() {
	defer t.wg.Done()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.shutdownChan:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Warn("companion accept failed", slog.String("error", err.Error()))
			continue
		}

		t.wg.Add(1)
		go t.handleConn(conn)
	}
}

// handleConn serves one exchange: read a message, hand it to the
// handler, and write the reply if the message was a request.
func (t *SocketTransport) handleConn(conn net.Conn) {
	defer t.wg.Done()
	defer logging.SafeCloseWithLogging(conn, t.logger, "companion_connection")

	if err := conn.SetDeadline(time.Now().Add(t.timeout)); err != nil {
		return
	}

	var msg Message
	if err := json.NewDecoder(conn).Decode(&msg); err != nil {
		t.logger.Debug("discarding undecodable companion message", slog.String("error", err.Error()))
		return
	}

	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()

	var reply Message
	if handler != nil {
		reply = handler(msg)
	} else {
		reply = Message{Kind: KindReply, Status: StatusError}
	}

	if msg.Kind != KindRequest {
		return
	}
	if err := json.NewEncoder(conn).Encode(reply); err != nil {
		t.logger.Debug("failed to write companion reply", slog.String("error", err.Error()))
	}
}
