// Package server is the diagnostic peer for the probe: a WebSocket server
// that echoes every message and can push payloads on its own.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xdimtech/go-wsprobe/handler/base"
	"github.com/xdimtech/go-wsprobe/pkg/config"
	"github.com/xdimtech/go-wsprobe/pkg/transport"
	"github.com/xdimtech/go-wsprobe/pkg/utils"
)

const shutdownTimeout = 5 * time.Second

type WebSocketServer struct {
	requestCounter atomic.Int64
	active         atomic.Int64
	conf           config.ServerConf
	closeTimeout   time.Duration
	upgrader       *websocket.Upgrader
	log            *slog.Logger
	conns          sync.WaitGroup
}

type Option func(*WebSocketServer)

func WithLogger(l *slog.Logger) Option {
	return func(s *WebSocketServer) {
		s.log = l
	}
}

func WithCloseTimeout(d time.Duration) Option {
	return func(s *WebSocketServer) {
		s.closeTimeout = d
	}
}

func NewWebSocketServer(conf config.ServerConf, ops ...Option) *WebSocketServer {
	s := &WebSocketServer{
		conf: conf,
		log:  slog.Default(),
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  conf.ReadBufferSize,
			WriteBufferSize: conf.WriteBufferSize,
			// diagnostic peer, any origin may probe it
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, op := range ops {
		op(s)
	}
	return s
}

func (s *WebSocketServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.conf.Path, s.RealTime)
	return mux
}

// Start listens on the configured address and serves until ctx ends.
func (s *WebSocketServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.conf.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *WebSocketServer) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:     s.Handler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	addr := ln.Addr().String()
	s.log.Info("server started at local", "url", "ws://"+addr+s.conf.Path)
	if ip, err := utils.GetLocalIP(); err == nil {
		if _, port, err := net.SplitHostPort(addr); err == nil {
			s.log.Info("server started at public", "url", "ws://"+net.JoinHostPort(ip, port)+s.conf.Path)
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	// hijacked connections are not tracked by Shutdown
	s.conns.Wait()
	s.log.Info("server stopped", "served", s.requestCounter.Load())
	return err
}

// Served is the number of connections accepted so far.
func (s *WebSocketServer) Served() int64 {
	return s.requestCounter.Load()
}

// Active is the number of connections currently open.
func (s *WebSocketServer) Active() int64 {
	return s.active.Load()
}

func (s *WebSocketServer) RealTime(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.conns.Add(1)
	defer s.conns.Done()

	id := s.requestCounter.Add(1)
	s.active.Add(1)
	defer s.active.Add(-1)

	connWrapper := s.NewConnWrapper(id, conn)
	s.log.Info("client connected", "client", id, "remote", r.RemoteAddr)
	if err := connWrapper.Serve(r.Context()); err != nil {
		s.log.Warn("client ended with error", "client", id, "error", err)
	}
	s.log.Info("client disconnected", "client", id)
}

func (s *WebSocketServer) NewConnWrapper(id int64, conn *websocket.Conn) base.WsConnWrapper {
	return NewConnWrapper(id, transport.WrapGorilla(conn),
		WithConnLogger(s.log),
		WithIdleTimeout(s.conf.IdleTimeout()),
		WithConnCloseTimeout(s.closeTimeout),
		WithReadBufferSize(s.conf.ReadBufferSize),
		WithPush(s.conf.PushInterval(), s.conf.PayloadBytes),
	)
}
