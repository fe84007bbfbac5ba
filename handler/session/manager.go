// Package session performs connect, receive and close against a single
// WebSocket and turns cancellation and transport failures into a uniform
// result: a nil frame plus, when the caller has to know, an error.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"github.com/xdimtech/go-wsprobe/pkg/cancellation"
	"github.com/xdimtech/go-wsprobe/pkg/transport"
)

const (
	DefaultReceiveTimeout = 5 * time.Second
	DefaultCloseTimeout   = time.Second
)

var (
	ErrConnect        = errors.New("connect failed")
	ErrReceive        = errors.New("receive failed")
	ErrReceiveTimeout = errors.New("receiving timed out")
	ErrClose          = errors.New("close failed")
	ErrCloseTimeout   = errors.New("closing timed out")
)

// closable are the states in which a closing handshake still means something.
var closable = []transport.State{
	transport.StateOpen,
	transport.StateCloseReceived,
	transport.StateCloseSent,
}

type Manager struct {
	log  *slog.Logger
	peer string
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.log = l
	}
}

// WithPeer labels every record with the remote side, e.g. "client 3".
func WithPeer(peer string) Option {
	return func(m *Manager) {
		m.peer = peer
	}
}

func NewManager(ops ...Option) *Manager {
	m := &Manager{log: slog.Default()}
	for _, op := range ops {
		op(m)
	}
	if m.peer != "" {
		m.log = m.log.With("peer", m.peer)
	}
	return m
}

// Connect opens sock to uri. Failures wrap ErrConnect so callers can drive
// their reconnect policy; a fired ctx yields cancellation.ErrCancelled.
func (m *Manager) Connect(ctx context.Context, sock transport.Socket, uri string) error {
	if err := sock.Connect(ctx, uri); err != nil {
		if ctx.Err() != nil {
			m.log.Debug("connect cancelled", "uri", uri)
			return fmt.Errorf("connect %s: %w", uri, cancellation.ErrCancelled)
		}
		m.log.Error("connect failed", "uri", uri, "error", err)
		return fmt.Errorf("%w: %s: %w", ErrConnect, uri, err)
	}
	m.log.Info("connected", "uri", uri)
	return nil
}

// Receive reads the next frame into buf. A nil frame with a nil error means
// the peer closed the connection or ctx was cancelled.
func (m *Manager) Receive(ctx context.Context, sock transport.Socket, buf []byte) (*transport.Frame, error) {
	frame, err := sock.Receive(ctx, buf)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		m.log.Error("receive failed", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrReceive, err)
	}
	return m.accept(frame), nil
}

// ReceiveWithDeadline is Receive bounded by timeout. Cancellation of ctx is
// silent while an expired deadline is logged and returned as
// ErrReceiveTimeout.
func (m *Manager) ReceiveWithDeadline(ctx context.Context, sock transport.Socket, buf []byte, timeout time.Duration) (*transport.Frame, error) {
	if timeout <= 0 {
		timeout = DefaultReceiveTimeout
	}
	rctx, cancel := context.WithTimeoutCause(ctx, timeout, ErrReceiveTimeout)
	defer cancel()

	frame, err := sock.Receive(rctx, buf)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		if errors.Is(context.Cause(rctx), ErrReceiveTimeout) {
			m.log.Error("receiving timed out", "timeout", timeout)
			return nil, ErrReceiveTimeout
		}
		m.log.Error("receive failed", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrReceive, err)
	}
	return m.accept(frame), nil
}

func (m *Manager) accept(frame transport.Frame) *transport.Frame {
	if frame.Type == transport.MessageClose {
		m.log.Warn("close from peer", "status", int(frame.CloseStatus))
		return nil
	}
	return &frame
}

// Close runs a normal-closure handshake bounded by timeout. It is cleanup,
// so it ignores cancellation of ctx and its failures are logged and
// returned but never fatal. Sockets that are not open are left alone.
func (m *Manager) Close(ctx context.Context, sock transport.Socket, timeout time.Duration) error {
	if state := sock.State(); !lo.Contains(closable, state) {
		m.log.Debug("close skipped", "state", state.String())
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultCloseTimeout
	}
	cctx, cancel := context.WithTimeoutCause(context.WithoutCancel(ctx), timeout, ErrCloseTimeout)
	defer cancel()

	if err := sock.Close(cctx, transport.CloseNormalClosure, ""); err != nil {
		if errors.Is(context.Cause(cctx), ErrCloseTimeout) {
			m.log.Error("closing timed out", "timeout", timeout)
			return ErrCloseTimeout
		}
		m.log.Error("close failed", "error", err)
		return fmt.Errorf("%w: %w", ErrClose, err)
	}
	m.log.Info("disconnected")
	return nil
}
