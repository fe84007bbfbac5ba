package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const controlWriteTimeout = time.Second

// GorillaSocket adapts a gorilla/websocket connection to Socket. gorilla has
// no context support, so cancellation is mapped onto read deadlines.
type GorillaSocket struct {
	opts   Options
	conn   *websocket.Conn
	state  atomic.Int32
	reader io.Reader
	msgTyp MessageType
}

func newGorillaSocket(o Options) *GorillaSocket {
	return &GorillaSocket{opts: o}
}

// WrapGorilla adapts an already established connection, e.g. one returned by
// websocket.Upgrader on the server side.
func WrapGorilla(conn *websocket.Conn) *GorillaSocket {
	s := &GorillaSocket{conn: conn}
	s.bind(conn)
	return s
}

func (s *GorillaSocket) State() State {
	return State(s.state.Load())
}

func (s *GorillaSocket) setState(st State) {
	s.state.Store(int32(st))
}

func (s *GorillaSocket) Connect(ctx context.Context, uri string) error {
	if s.conn != nil {
		return fmt.Errorf("gorilla: already connected in state %s", s.State())
	}
	s.setState(StateConnecting)

	dialer := *websocket.DefaultDialer
	if s.opts.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = s.opts.HandshakeTimeout
	}
	conn, resp, err := dialer.DialContext(ctx, uri, s.opts.Header)
	if err != nil {
		if ctx.Err() != nil {
			s.setState(StateAborted)
			return ctx.Err()
		}
		s.setState(StateClosed)
		return err
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		_ = conn.Close()
		s.setState(StateClosed)
		return fmt.Errorf("gorilla: unexpected handshake status %d", resp.StatusCode)
	}
	if s.opts.ReadLimit > 0 {
		conn.SetReadLimit(s.opts.ReadLimit)
	}
	s.conn = conn
	s.bind(conn)
	return nil
}

// bind installs the close handler that tracks the closing handshake instead
// of gorilla's default, which answers a peer close frame on its own.
func (s *GorillaSocket) bind(conn *websocket.Conn) {
	conn.SetCloseHandler(func(code int, text string) error {
		if s.State() == StateCloseSent {
			s.setState(StateClosed)
		} else {
			s.setState(StateCloseReceived)
		}
		return nil
	})
	s.setState(StateOpen)
}

func (s *GorillaSocket) Receive(ctx context.Context, buf []byte) (Frame, error) {
	switch s.State() {
	case StateOpen, StateCloseSent:
	default:
		return Frame{}, ErrNotConnected
	}

	release := s.watchRead(ctx)
	defer release()

	if s.reader == nil {
		mt, r, err := s.conn.NextReader()
		if err != nil {
			return s.readFailure(ctx, err)
		}
		s.reader, s.msgTyp = r, fromGorillaType(mt)
	}

	n := 0
	for n < len(buf) {
		m, err := s.reader.Read(buf[n:])
		n += m
		if errors.Is(err, io.EOF) {
			s.reader = nil
			return Frame{Type: s.msgTyp, Count: n, EndOfMessage: true}, nil
		}
		if err != nil {
			return s.readFailure(ctx, err)
		}
	}
	return Frame{Type: s.msgTyp, Count: n}, nil
}

func (s *GorillaSocket) readFailure(ctx context.Context, err error) (Frame, error) {
	s.reader = nil
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return Frame{Type: MessageClose, EndOfMessage: true, CloseStatus: CloseCode(ce.Code)}, nil
	}
	s.abort()
	if ctx.Err() != nil {
		return Frame{}, ctx.Err()
	}
	return Frame{}, err
}

// watchRead unblocks a pending read once ctx fires. The returned release
// func clears the deadline again if it was set after the read succeeded.
func (s *GorillaSocket) watchRead(ctx context.Context) func() {
	var (
		mu       sync.Mutex
		fired    bool
		released bool
	)
	stop := context.AfterFunc(ctx, func() {
		mu.Lock()
		defer mu.Unlock()
		if released {
			return
		}
		fired = true
		_ = s.conn.SetReadDeadline(time.Now())
	})
	return func() {
		if stop() {
			return
		}
		mu.Lock()
		released = true
		wasFired := fired
		mu.Unlock()
		if wasFired && s.State() != StateAborted {
			_ = s.conn.SetReadDeadline(time.Time{})
		}
	}
}

func (s *GorillaSocket) Send(ctx context.Context, typ MessageType, data []byte) error {
	if s.State() != StateOpen && s.State() != StateCloseReceived {
		return ErrNotConnected
	}
	_ = s.conn.SetWriteDeadline(writeDeadline(ctx))
	if err := s.conn.WriteMessage(toGorillaType(typ), data); err != nil {
		s.abort()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (s *GorillaSocket) Close(ctx context.Context, code CloseCode, reason string) error {
	switch s.State() {
	case StateCloseReceived:
		err := s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(int(code), reason), writeDeadline(ctx))
		_ = s.conn.Close()
		if err != nil {
			s.setState(StateAborted)
			return err
		}
		s.setState(StateClosed)
		return nil
	case StateOpen:
		s.setState(StateCloseSent)
		err := s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(int(code), reason), writeDeadline(ctx))
		if err != nil {
			s.abort()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		return s.awaitPeerClose(ctx)
	case StateCloseSent:
		return s.awaitPeerClose(ctx)
	}
	return nil
}

// awaitPeerClose drains data messages until the peer answers the close frame.
func (s *GorillaSocket) awaitPeerClose(ctx context.Context) error {
	release := s.watchRead(ctx)
	defer release()

	if s.reader != nil {
		_, _ = io.Copy(io.Discard, s.reader)
		s.reader = nil
	}
	for {
		_, r, err := s.conn.NextReader()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				s.setState(StateClosed)
				_ = s.conn.Close()
				return nil
			}
			s.abort()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if _, err = io.Copy(io.Discard, r); err != nil {
			s.abort()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

func (s *GorillaSocket) abort() {
	s.setState(StateAborted)
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

func writeDeadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(controlWriteTimeout)
}

func fromGorillaType(mt int) MessageType {
	if mt == websocket.BinaryMessage {
		return MessageBinary
	}
	return MessageText
}

func toGorillaType(t MessageType) int {
	if t == MessageBinary {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}
