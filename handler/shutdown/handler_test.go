package shutdown

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/xdimtech/go-wsprobe/pkg/cancellation"
)

type mockNotifier struct {
	mu            sync.Mutex
	notifyCalled  int
	stopCalled    int
	notifyChan    chan<- os.Signal
	stopChan      chan<- os.Signal
	notifySignals []os.Signal
}

func (m *mockNotifier) Notify(c chan<- os.Signal, sig ...os.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifyCalled++
	m.notifyChan = c
	m.notifySignals = sig
}

func (m *mockNotifier) Stop(c chan<- os.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCalled++
	m.stopChan = c
}

func TestHandle(t *testing.T) {
	tests := []struct {
		name          string
		handleTwice   bool
		trigger       func(n *mockNotifier, appCancel context.CancelFunc)
		wantShutdowns int32
	}{
		{
			name:          "interrupt triggers shutdown",
			trigger:       func(n *mockNotifier, _ context.CancelFunc) { n.notifyChan <- os.Interrupt },
			wantShutdowns: 1,
		},
		{
			name:          "SIGTERM triggers shutdown",
			trigger:       func(n *mockNotifier, _ context.CancelFunc) { n.notifyChan <- syscall.SIGTERM },
			wantShutdowns: 1,
		},
		{
			name:          "application stops first",
			trigger:       func(_ *mockNotifier, appCancel context.CancelFunc) { appCancel() },
			wantShutdowns: 0,
		},
		{
			name:          "handle is idempotent",
			handleTwice:   true,
			trigger:       func(n *mockNotifier, _ context.CancelFunc) { n.notifyChan <- os.Interrupt },
			wantShutdowns: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			notifier := &mockNotifier{}
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			var shutdowns atomic.Int32
			h := NewHandler(ctx, func() { shutdowns.Add(1) },
				WithNotifier(notifier),
				WithSignals(os.Interrupt, syscall.SIGTERM),
				WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

			h.Handle()
			if tt.handleTwice {
				h.Handle()
			}
			if notifier.notifyCalled != 1 {
				t.Fatalf("Notify calls = %d, want 1", notifier.notifyCalled)
			}
			if len(notifier.notifySignals) != 2 {
				t.Fatalf("Notify signals = %v", notifier.notifySignals)
			}

			tt.trigger(notifier, cancel)

			select {
			case <-h.Stopped():
			case <-time.After(time.Second):
				t.Fatal("handler did not stop")
			}
			if got := shutdowns.Load(); got != tt.wantShutdowns {
				t.Errorf("shutdown calls = %d, want %d", got, tt.wantShutdowns)
			}
			notifier.mu.Lock()
			defer notifier.mu.Unlock()
			if notifier.stopCalled != 1 || notifier.stopChan != notifier.notifyChan {
				t.Errorf("Stop calls = %d, same channel = %v", notifier.stopCalled, notifier.stopChan == notifier.notifyChan)
			}
		})
	}
}

func TestSignalCancelsCurrentScope(t *testing.T) {
	notifier := &mockNotifier{}
	coord := cancellation.NewCoordinator()
	scope := coord.CurrentScope()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := NewHandler(ctx, func() {
		coord.CancelNow()
		cancel()
	}, WithNotifier(notifier), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	h.Handle()
	notifier.notifyChan <- os.Interrupt

	select {
	case <-scope.Done():
	case <-time.After(time.Second):
		t.Fatal("in-flight scope not cancelled by the shutdown signal")
	}
	<-ctx.Done()
	if coord.CurrentScope().Cancelled() {
		t.Error("current scope must be fresh after shutdown")
	}
}

func TestNotifierNotifyAndStop(t *testing.T) {
	n := NewNotifier()
	ch := make(chan os.Signal, 1)
	n.Notify(ch, os.Interrupt)
	n.Stop(ch)
}
