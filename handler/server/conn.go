package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xdimtech/go-wsprobe/handler/base"
	"github.com/xdimtech/go-wsprobe/handler/session"
	"github.com/xdimtech/go-wsprobe/pkg/transport"
	"github.com/xdimtech/go-wsprobe/pkg/utils"
)

const (
	WriteQueueSize = 1024
	ReadBufferSize = 4096
)

var _ base.WsConnWrapper = (*ConnWrapper)(nil)

type outbound struct {
	typ  transport.MessageType
	data []byte
}

// ConnWrapper echoes every message a client sends and optionally pushes a
// payload of fixed size on an interval.
type ConnWrapper struct {
	id           int64
	sock         transport.Socket
	mgr          *session.Manager
	log          *slog.Logger
	queue        chan outbound
	bufSize      int
	idleTimeout  time.Duration
	closeTimeout time.Duration
	pushInterval time.Duration
	payload      []byte
}

type WsConnOption func(*ConnWrapper)

// WithIdleTimeout drops a client that sends nothing for idleTimeout.
func WithIdleTimeout(idleTimeout time.Duration) WsConnOption {
	return func(w *ConnWrapper) {
		w.idleTimeout = idleTimeout
	}
}

func WithConnCloseTimeout(closeTimeout time.Duration) WsConnOption {
	return func(w *ConnWrapper) {
		w.closeTimeout = closeTimeout
	}
}

func WithReadBufferSize(n int) WsConnOption {
	return func(w *ConnWrapper) {
		if n > 0 {
			w.bufSize = n
		}
	}
}

// WithPush sends size bytes every interval in addition to the echoes.
func WithPush(interval time.Duration, size int) WsConnOption {
	return func(w *ConnWrapper) {
		if interval <= 0 || size <= 0 {
			return
		}
		w.pushInterval = interval
		w.payload = bytes.Repeat([]byte("wsprobe "), size/8+1)[:size]
	}
}

func WithConnLogger(l *slog.Logger) WsConnOption {
	return func(w *ConnWrapper) {
		w.log = l
	}
}

func NewConnWrapper(id int64, sock transport.Socket, ops ...WsConnOption) *ConnWrapper {
	w := &ConnWrapper{
		id:           id,
		sock:         sock,
		log:          slog.Default(),
		queue:        make(chan outbound, WriteQueueSize),
		bufSize:      ReadBufferSize,
		closeTimeout: session.DefaultCloseTimeout,
	}
	for _, op := range ops {
		op(w)
	}
	w.log = w.log.With("client", id)
	w.mgr = session.NewManager(session.WithLogger(w.log), session.WithPeer(fmt.Sprintf("client %d", id)))
	return w
}

func (w *ConnWrapper) ID() int64 {
	return w.id
}

// Serve runs both loops until the client goes away or ctx ends, then closes
// the connection.
func (w *ConnWrapper) Serve(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error {
		// the read side decides when the client is gone
		defer cancel()
		return w.ReadLoop(gctx)
	})
	g.Go(func() error { return w.WriteLoop(gctx) })
	err := g.Wait()

	_ = w.Close(ctx)
	return err
}

func (w *ConnWrapper) ReadLoop(ctx context.Context) error {
	buf := make([]byte, w.bufSize)
	var msg []byte
	for {
		frame, err := w.receive(ctx, buf)
		if err != nil {
			if errors.Is(err, session.ErrReceiveTimeout) {
				w.log.Info("client idle, dropping")
				return nil
			}
			return err
		}
		if frame == nil {
			return nil
		}

		msg = append(msg, buf[:frame.Count]...)
		if !frame.EndOfMessage {
			continue
		}
		w.log.Debug("message received", "type", frame.Type.String(), "size", utils.HRSize(int64(len(msg))))
		select {
		case w.queue <- outbound{typ: frame.Type, data: msg}:
		case <-ctx.Done():
			return nil
		}
		msg = nil
	}
}

func (w *ConnWrapper) receive(ctx context.Context, buf []byte) (*transport.Frame, error) {
	if w.idleTimeout > 0 {
		return w.mgr.ReceiveWithDeadline(ctx, w.sock, buf, w.idleTimeout)
	}
	return w.mgr.Receive(ctx, w.sock, buf)
}

func (w *ConnWrapper) WriteLoop(ctx context.Context) error {
	var tick <-chan time.Time
	if w.pushInterval > 0 {
		ticker := time.NewTicker(w.pushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		var out outbound
		select {
		case <-ctx.Done():
			return nil
		case out = <-w.queue:
		case <-tick:
			out = outbound{typ: transport.MessageBinary, data: w.payload}
		}
		if err := w.sock.Send(ctx, out.typ, out.data); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Error("send failed", "error", err)
			return fmt.Errorf("client %d: %w", w.id, err)
		}
	}
}

func (w *ConnWrapper) Close(ctx context.Context) error {
	return w.mgr.Close(ctx, w.sock, w.closeTimeout)
}
