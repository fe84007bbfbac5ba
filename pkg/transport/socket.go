package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/samber/lo"
)

var (
	ErrNotConnected     = errors.New("socket is not connected")
	ErrUnknownTransport = errors.New("unknown transport")
)

type State int32

const (
	StateNone State = iota
	StateConnecting
	StateOpen
	StateCloseSent
	StateCloseReceived
	StateClosed
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "None"
	case StateConnecting:
		return "Connecting"
	case StateOpen:
		return "Open"
	case StateCloseSent:
		return "CloseSent"
	case StateCloseReceived:
		return "CloseReceived"
	case StateClosed:
		return "Closed"
	case StateAborted:
		return "Aborted"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

type MessageType int

const (
	MessageText MessageType = iota + 1
	MessageBinary
	MessageClose
)

func (t MessageType) String() string {
	switch t {
	case MessageText:
		return "text"
	case MessageBinary:
		return "binary"
	case MessageClose:
		return "close"
	}
	return fmt.Sprintf("MessageType(%d)", int(t))
}

type CloseCode int

const (
	CloseNormalClosure CloseCode = 1000
	CloseGoingAway     CloseCode = 1001
)

// Frame describes one Receive call: Count bytes of a message of type Type were
// written to the caller's buffer. A message larger than the buffer spans
// several frames, the last one has EndOfMessage set.
type Frame struct {
	Type         MessageType
	Count        int
	EndOfMessage bool
	CloseStatus  CloseCode
}

// Socket is a duplex WebSocket message channel. Blocking calls observe ctx
// and return its error when it fires first; a receive aborted that way leaves
// the socket in StateAborted.
type Socket interface {
	Connect(ctx context.Context, uri string) error
	Receive(ctx context.Context, buf []byte) (Frame, error)
	Send(ctx context.Context, typ MessageType, data []byte) error
	Close(ctx context.Context, code CloseCode, reason string) error
	State() State
}

type Options struct {
	Header           http.Header
	HandshakeTimeout time.Duration
	ReadLimit        int64
}

type Option func(*Options)

func WithHeader(h http.Header) Option {
	return func(o *Options) {
		o.Header = h
	}
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.HandshakeTimeout = d
	}
}

func WithReadLimit(n int64) Option {
	return func(o *Options) {
		o.ReadLimit = n
	}
}

type factory func(Options) Socket

var factories = map[string]factory{
	"gorilla": func(o Options) Socket { return newGorillaSocket(o) },
	"coder":   func(o Options) Socket { return newCoderSocket(o) },
}

// Names lists the registered transport names.
func Names() []string {
	names := lo.Keys(factories)
	sort.Strings(names)
	return names
}

// New builds an unconnected socket for the named transport.
func New(name string, ops ...Option) (Socket, error) {
	f, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("%w %q, expected one of %v", ErrUnknownTransport, name, Names())
	}
	var o Options
	for _, op := range ops {
		op(&o)
	}
	return f(o), nil
}
