package transport

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/coder/websocket"
)

// CoderSocket adapts coder/websocket. The library reads whole messages and
// completes the closing handshake by itself, so a message larger than the
// caller's buffer is handed out over several Receive calls from pending.
type CoderSocket struct {
	opts    Options
	conn    *websocket.Conn
	state   atomic.Int32
	pending []byte
	pendTyp MessageType
}

func newCoderSocket(o Options) *CoderSocket {
	return &CoderSocket{opts: o}
}

func (s *CoderSocket) State() State {
	return State(s.state.Load())
}

func (s *CoderSocket) setState(st State) {
	s.state.Store(int32(st))
}

func (s *CoderSocket) Connect(ctx context.Context, uri string) error {
	if s.conn != nil {
		return fmt.Errorf("coder: already connected in state %s", s.State())
	}
	s.setState(StateConnecting)

	dialCtx := ctx
	if s.opts.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, s.opts.HandshakeTimeout)
		defer cancel()
	}
	conn, _, err := websocket.Dial(dialCtx, uri, &websocket.DialOptions{HTTPHeader: s.opts.Header})
	if err != nil {
		if ctx.Err() != nil {
			s.setState(StateAborted)
			return ctx.Err()
		}
		s.setState(StateClosed)
		return err
	}
	if s.opts.ReadLimit > 0 {
		conn.SetReadLimit(s.opts.ReadLimit)
	}
	s.conn = conn
	s.setState(StateOpen)
	return nil
}

func (s *CoderSocket) Receive(ctx context.Context, buf []byte) (Frame, error) {
	if s.pending != nil {
		return s.drain(buf), nil
	}
	if s.State() != StateOpen {
		return Frame{}, ErrNotConnected
	}

	mt, data, err := s.conn.Read(ctx)
	if err != nil {
		if status := websocket.CloseStatus(err); status != -1 {
			s.setState(StateClosed)
			return Frame{Type: MessageClose, EndOfMessage: true, CloseStatus: CloseCode(status)}, nil
		}
		s.setState(StateAborted)
		if ctx.Err() != nil {
			return Frame{}, ctx.Err()
		}
		return Frame{}, err
	}
	s.pending, s.pendTyp = data, fromCoderType(mt)
	return s.drain(buf), nil
}

func (s *CoderSocket) drain(buf []byte) Frame {
	n := copy(buf, s.pending)
	s.pending = s.pending[n:]
	f := Frame{Type: s.pendTyp, Count: n}
	if len(s.pending) == 0 {
		s.pending = nil
		f.EndOfMessage = true
	}
	return f
}

func (s *CoderSocket) Send(ctx context.Context, typ MessageType, data []byte) error {
	if s.State() != StateOpen {
		return ErrNotConnected
	}
	if err := s.conn.Write(ctx, toCoderType(typ), data); err != nil {
		if ctx.Err() != nil {
			s.setState(StateAborted)
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (s *CoderSocket) Close(ctx context.Context, code CloseCode, reason string) error {
	switch s.State() {
	case StateOpen, StateCloseReceived, StateCloseSent:
	default:
		return nil
	}
	s.setState(StateCloseSent)

	done := make(chan error, 1)
	go func() {
		done <- s.conn.Close(websocket.StatusCode(code), reason)
	}()
	select {
	case err := <-done:
		if err != nil {
			s.setState(StateAborted)
			return err
		}
		s.setState(StateClosed)
		return nil
	case <-ctx.Done():
		_ = s.conn.CloseNow()
		s.setState(StateAborted)
		return ctx.Err()
	}
}

func fromCoderType(mt websocket.MessageType) MessageType {
	if mt == websocket.MessageBinary {
		return MessageBinary
	}
	return MessageText
}

func toCoderType(t MessageType) websocket.MessageType {
	if t == MessageBinary {
		return websocket.MessageBinary
	}
	return websocket.MessageText
}
