// Package shutdown turns process shutdown signals into a call to the
// session's shutdown func.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"syscall"
)

type Notifier interface {
	Notify(c chan<- os.Signal, sig ...os.Signal)
	Stop(c chan<- os.Signal)
}

type Handler struct {
	// appCtx ends the watch when the application stops on its own.
	appCtx context.Context
	// onShutdown is called once, on the first shutdown signal.
	onShutdown func()
	// 1-sized buffer: os/signal drops signals on a full channel.
	signalChan chan os.Signal
	signals    []os.Signal
	notifier   Notifier
	log        *slog.Logger
	once       sync.Once
	stopped    chan struct{}
}

type Option func(*Handler)

func WithSignals(sig ...os.Signal) Option {
	return func(h *Handler) {
		h.signals = sig
	}
}

func WithNotifier(n Notifier) Option {
	return func(h *Handler) {
		h.notifier = n
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		h.log = l
	}
}

func NewHandler(appCtx context.Context, onShutdown func(), ops ...Option) *Handler {
	h := &Handler{
		appCtx:     appCtx,
		onShutdown: onShutdown,
		signalChan: make(chan os.Signal, 1),
		signals:    []os.Signal{os.Interrupt, syscall.SIGTERM},
		notifier:   NewNotifier(),
		log:        slog.Default(),
		stopped:    make(chan struct{}),
	}
	for _, op := range ops {
		op(h)
	}
	return h
}

// Handle subscribes to the shutdown signals and returns; later calls are
// no-ops.
func (h *Handler) Handle() {
	h.once.Do(func() {
		h.notifier.Notify(h.signalChan, h.signals...)
		go h.watch()
	})
}

// Stopped is closed once the handler has unsubscribed.
func (h *Handler) Stopped() <-chan struct{} {
	return h.stopped
}

func (h *Handler) watch() {
	defer close(h.stopped)
	defer h.notifier.Stop(h.signalChan)

	select {
	case sig := <-h.signalChan:
		h.log.Warn("shutdown signal received, shutting down", "signal", sig.String())
		h.onShutdown()
	case <-h.appCtx.Done():
	}
}
