package probe

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xdimtech/go-wsprobe/handler/interaction"
	"github.com/xdimtech/go-wsprobe/pkg/cancellation"
	"github.com/xdimtech/go-wsprobe/pkg/config"
	"github.com/xdimtech/go-wsprobe/pkg/keys"
	"github.com/xdimtech/go-wsprobe/pkg/logging"
)

type scriptedWaiter struct {
	mu    sync.Mutex
	keys  []keys.Key
	calls int
}

func (w *scriptedWaiter) GetKey(ctx context.Context) (keys.Key, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if len(w.keys) == 0 {
		return "", keys.ErrInputUnavailable
	}
	k := w.keys[0]
	w.keys = w.keys[1:]
	return k, nil
}

// peer is the remote side of a probe round.
type peer struct {
	msgs       []string
	echo       bool
	closeAfter bool
	accepted   chan struct{}
}

func newPeer(t *testing.T, p peer) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if p.accepted != nil {
			select {
			case p.accepted <- struct{}{}:
			default:
			}
		}
		if p.echo {
			if mt, data, err := conn.ReadMessage(); err == nil {
				_ = conn.WriteMessage(mt, data)
			}
		}
		for _, m := range p.msgs {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(m))
		}
		if p.closeAfter {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/probe"
}

type harness struct {
	runner *Runner
	coord  *cancellation.Coordinator
	waiter *scriptedWaiter
	out    *bytes.Buffer
}

func newHarness(url string, toggles config.TogglesConf, answers []keys.Key, mod func(*config.SessionConf)) *harness {
	conf := config.SessionConf{
		URL:                url,
		Transport:          "gorilla",
		BufferSize:         4096,
		ReceiveTimeoutMs:   2000,
		CloseTimeoutMs:     1000,
		HandshakeTimeoutMs: 2000,
		ReconnectDelayMs:   1,
	}
	if mod != nil {
		mod(&conf)
	}
	h := &harness{
		coord:  cancellation.NewCoordinator(),
		waiter: &scriptedWaiter{keys: answers},
		out:    &bytes.Buffer{},
	}
	policy := interaction.NewPolicy(h.waiter, h.coord, interaction.TogglesFromConf(toggles),
		interaction.WithOutput(h.out), interaction.WithLogger(logging.Discard()))
	h.runner = NewRunner(conf, h.coord, policy, WithLogger(logging.Discard()))
	return h
}

func onlyRound(t *testing.T, r *Runner) RoundStats {
	t.Helper()
	rounds := r.Rounds()
	if len(rounds) != 1 {
		t.Fatalf("rounds = %+v, want exactly one", rounds)
	}
	return rounds[0]
}

func ptr[T any](v T) *T {
	return &v
}

func TestRunAutoContinueUntilPeerCloses(t *testing.T) {
	for _, name := range []string{"gorilla", "coder"} {
		t.Run(name, func(t *testing.T) {
			url := newPeer(t, peer{msgs: []string{"hello", "world!"}, closeAfter: true})
			h := newHarness(url,
				config.TogglesConf{ContinueWithoutDisconnect: ptr(true), AutoReconnect: ptr(false)},
				[]keys.Key{keys.KeyN},
				func(c *config.SessionConf) { c.Transport = name })

			if err := h.runner.Run(context.Background()); err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			got := onlyRound(t, h.runner)
			if got.Messages != 2 || got.Bytes != 11 || got.Ended != EndPeerClosed {
				t.Errorf("round = %+v", got)
			}
			if h.waiter.calls != 1 {
				t.Errorf("GetKey calls = %d, want only the reconnect prompt", h.waiter.calls)
			}
			if !strings.Contains(h.out.String(), PromptReconnect) {
				t.Errorf("output = %q", h.out.String())
			}
		})
	}
}

func TestRunOperatorStopsAfterMessage(t *testing.T) {
	url := newPeer(t, peer{msgs: []string{"one", "two", "three"}})
	h := newHarness(url,
		config.TogglesConf{ContinueWithoutDisconnect: ptr(false), AutoReconnect: ptr(false)},
		[]keys.Key{keys.KeySpace, keys.KeyN, keys.KeyN},
		nil)

	if err := h.runner.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got := onlyRound(t, h.runner)
	if got.Messages != 2 || got.Ended != EndStopped {
		t.Errorf("round = %+v", got)
	}
	if n := strings.Count(h.out.String(), PromptContinue); n != 2 {
		t.Errorf("continue prompt shown %d times, want 2", n)
	}
}

func TestRunSetupPromptsAndReconnect(t *testing.T) {
	url := newPeer(t, peer{msgs: []string{"a"}, closeAfter: true})
	h := newHarness(url, config.TogglesConf{},
		[]keys.Key{keys.KeyY, keys.KeyN, keys.KeySpace, keys.KeyN},
		nil)

	if err := h.runner.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	rounds := h.runner.Rounds()
	if len(rounds) != 2 {
		t.Fatalf("rounds = %+v, want 2", rounds)
	}
	for i, r := range rounds {
		if r.Round != i+1 || r.Messages != 1 || r.Ended != EndPeerClosed {
			t.Errorf("round %d = %+v", i+1, r)
		}
	}
	out := h.out.String()
	if !strings.Contains(out, PromptContinueSetup+"y\n") || !strings.Contains(out, PromptReconnectSetup+"n\n") {
		t.Errorf("setup prompts missing: %q", out)
	}
}

func TestRunSplitsLargeMessagesIntoFrames(t *testing.T) {
	url := newPeer(t, peer{msgs: []string{"hello world"}, closeAfter: true})
	h := newHarness(url,
		config.TogglesConf{ContinueWithoutDisconnect: ptr(true), AutoReconnect: ptr(false)},
		[]keys.Key{keys.KeyN},
		func(c *config.SessionConf) { c.BufferSize = 4 })

	if err := h.runner.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := onlyRound(t, h.runner)
	if got.Messages != 1 || got.Frames != 3 || got.Bytes != 11 || got.Size != "11 B" {
		t.Errorf("round = %+v", got)
	}
}

func TestRunGreeting(t *testing.T) {
	url := newPeer(t, peer{echo: true, closeAfter: true})
	h := newHarness(url,
		config.TogglesConf{ContinueWithoutDisconnect: ptr(true), AutoReconnect: ptr(false)},
		[]keys.Key{keys.KeyN},
		func(c *config.SessionConf) { c.Greeting = "ping" })

	if err := h.runner.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := onlyRound(t, h.runner); got.Messages != 1 || got.Bytes != 4 {
		t.Errorf("round = %+v, want the echoed greeting", got)
	}
}

func TestRunReceiveTimeout(t *testing.T) {
	url := newPeer(t, peer{})
	h := newHarness(url,
		config.TogglesConf{ContinueWithoutDisconnect: ptr(true), AutoReconnect: ptr(false)},
		[]keys.Key{keys.KeyN},
		func(c *config.SessionConf) { c.ReceiveTimeoutMs = 50 })

	if err := h.runner.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := onlyRound(t, h.runner); got.Ended != EndReceiveTimeout {
		t.Errorf("round = %+v", got)
	}
}

func TestRunCancelKeyDuringReceive(t *testing.T) {
	accepted := make(chan struct{}, 1)
	url := newPeer(t, peer{accepted: accepted})
	h := newHarness(url,
		config.TogglesConf{ContinueWithoutDisconnect: ptr(true), AutoReconnect: ptr(false)},
		[]keys.Key{keys.KeyN},
		func(c *config.SessionConf) { c.ReceiveTimeoutMs = 0 })

	go func() {
		<-accepted
		time.Sleep(20 * time.Millisecond)
		h.coord.CancelNow()
	}()

	done := make(chan error, 1)
	go func() { done <- h.runner.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancel key did not end the receive")
	}
	if got := onlyRound(t, h.runner); got.Ended != EndCancelled {
		t.Errorf("round = %+v", got)
	}
	if h.coord.CurrentScope().Cancelled() {
		t.Error("current scope must be fresh after cancellation")
	}
}

func TestRunConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	h := newHarness(url,
		config.TogglesConf{ContinueWithoutDisconnect: ptr(true), AutoReconnect: ptr(false)},
		[]keys.Key{keys.KeyN},
		nil)

	if err := h.runner.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := onlyRound(t, h.runner); got.Ended != EndConnectFailed {
		t.Errorf("round = %+v", got)
	}
}

func TestRunInputUnavailable(t *testing.T) {
	h := newHarness("ws://127.0.0.1:1/probe", config.TogglesConf{}, nil, nil)

	err := h.runner.Run(context.Background())
	if !errors.Is(err, keys.ErrInputUnavailable) {
		t.Fatalf("Run() error = %v, want ErrInputUnavailable", err)
	}
	if len(h.runner.Rounds()) != 0 {
		t.Error("no round may start without the toggles")
	}
}

func TestRunQuitKeyAtPrompt(t *testing.T) {
	url := newPeer(t, peer{msgs: []string{"one", "two"}})
	h := newHarness(url,
		config.TogglesConf{ContinueWithoutDisconnect: ptr(false), AutoReconnect: ptr(false)},
		[]keys.Key{keys.KeyCtrlC},
		nil)

	if err := h.runner.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v, want nil on quit", err)
	}
	if got := onlyRound(t, h.runner); got.Messages != 1 || got.Ended != EndAborted {
		t.Errorf("round = %+v", got)
	}
}

func TestRunStopsWithContext(t *testing.T) {
	url := newPeer(t, peer{msgs: []string{"x"}, closeAfter: true})
	h := newHarness(url,
		config.TogglesConf{ContinueWithoutDisconnect: ptr(true), AutoReconnect: ptr(true)},
		nil,
		func(c *config.SessionConf) { c.ReconnectDelayMs = 20 })

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := h.runner.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(h.runner.Rounds()) < 2 {
		t.Errorf("auto reconnect ran %d rounds, want several", len(h.runner.Rounds()))
	}
	if h.waiter.calls != 0 {
		t.Error("auto mode must never wait for a key")
	}
}

func TestRunWithScriptedKeys(t *testing.T) {
	url := newPeer(t, peer{msgs: []string{"a"}, closeAfter: true})
	listener := keys.NewListener(keys.NewReaderSource(strings.NewReader("y\nn\nn\n")),
		keys.WithQueuedInput(), keys.WithLogger(logging.Discard()))
	if err := listener.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer listener.Stop()

	conf := config.SessionConf{
		URL:                url,
		Transport:          "gorilla",
		BufferSize:         4096,
		ReceiveTimeoutMs:   2000,
		CloseTimeoutMs:     1000,
		HandshakeTimeoutMs: 2000,
		ReconnectDelayMs:   1,
	}
	coord := cancellation.NewCoordinator()
	toggles := interaction.NewToggles()
	var out bytes.Buffer
	policy := interaction.NewPolicy(listener, coord, toggles,
		interaction.WithOutput(&out), interaction.WithLogger(logging.Discard()))
	quits := 0
	defer policy.WireCancelOnEscape(listener, nil)()
	defer policy.WireQuit(listener, func() { quits++ })()

	runner := NewRunner(conf, coord, policy, WithLogger(logging.Discard()))
	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got := onlyRound(t, runner)
	if got.Messages != 1 || got.Ended != EndPeerClosed {
		t.Errorf("round = %+v", got)
	}
	if !toggles.Enabled(interaction.ContinueWithoutDisconnect) || toggles.Enabled(interaction.AutoReconnect) {
		t.Errorf("toggles = %v, want continue on and reconnect off", toggles.Snapshot())
	}
	if !strings.Contains(out.String(), PromptContinueSetup+"y\n") || !strings.Contains(out.String(), PromptReconnect) {
		t.Errorf("output = %q", out.String())
	}
	if quits != 0 {
		t.Errorf("quit fired %d times", quits)
	}
}
