// Package probe runs the interactive probe: connect, receive messages until
// the operator or the peer stops, close, then optionally go again.
package probe

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/xdimtech/go-wsprobe/handler/interaction"
	"github.com/xdimtech/go-wsprobe/handler/session"
	"github.com/xdimtech/go-wsprobe/pkg/cancellation"
	"github.com/xdimtech/go-wsprobe/pkg/config"
	"github.com/xdimtech/go-wsprobe/pkg/keys"
	"github.com/xdimtech/go-wsprobe/pkg/transport"
	"github.com/xdimtech/go-wsprobe/pkg/utils"
)

const (
	PromptContinueSetup  = "Auto continue without closing websocket[y/n]: "
	PromptReconnectSetup = "Auto reconnect[y/n]: "
	PromptContinue       = "Press space to continue without disconnecting"
	PromptReconnect      = "Press space to test again"
)

// Reasons a round ended, as reported in RoundStats.Ended.
const (
	EndPeerClosed     = "peer closed"
	EndCancelled      = "cancelled"
	EndReceiveTimeout = "receive timeout"
	EndReceiveFailed  = "receive failed"
	EndConnectFailed  = "connect failed"
	EndStopped        = "stopped"
	EndAborted        = "aborted"
)

type RoundStats struct {
	Round    int    `json:"round"`
	Messages int    `json:"messages"`
	Frames   int    `json:"frames"`
	Bytes    int64  `json:"bytes"`
	Size     string `json:"size"`
	Elapsed  string `json:"elapsed"`
	Ended    string `json:"ended"`
}

type SocketFactory func() (transport.Socket, error)

type Runner struct {
	conf      config.SessionConf
	coord     *cancellation.Coordinator
	policy    *interaction.Policy
	mgr       *session.Manager
	newSocket SocketFactory
	log       *slog.Logger
	id        string

	mu     sync.Mutex
	rounds []RoundStats
}

type Option func(*Runner)

func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		r.log = l
	}
}

func WithSocketFactory(f SocketFactory) Option {
	return func(r *Runner) {
		r.newSocket = f
	}
}

func NewRunner(conf config.SessionConf, coord *cancellation.Coordinator, policy *interaction.Policy, ops ...Option) *Runner {
	r := &Runner{
		conf:   conf,
		coord:  coord,
		policy: policy,
		log:    slog.Default(),
		id:     utils.UniqueID(),
	}
	r.newSocket = r.dial
	for _, op := range ops {
		op(r)
	}
	r.log = r.log.With("session", r.id)
	r.mgr = session.NewManager(session.WithLogger(r.log))
	return r
}

func (r *Runner) dial() (transport.Socket, error) {
	header := http.Header{}
	for k, v := range r.conf.Headers {
		header.Set(k, v)
	}
	return transport.New(r.conf.Transport,
		transport.WithHeader(header),
		transport.WithHandshakeTimeout(r.conf.HandshakeTimeout()),
		transport.WithReadLimit(r.conf.ReadLimit),
	)
}

func (r *Runner) ID() string {
	return r.id
}

// Rounds returns the statistics of every finished round.
func (r *Runner) Rounds() []RoundStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RoundStats(nil), r.rounds...)
}

// Run asks for the unset toggles and then probes until the operator declines
// another round. It returns nil when the operator or ctx ends the probe and
// an error when key input is lost.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.setupToggles(ctx); err != nil {
		return quiet(ctx, err)
	}
	r.log.Info("probe started",
		"url", r.conf.URL,
		"transport", r.conf.Transport,
		"toggles", utils.MustToJSON(r.policy.Toggles().Snapshot()))

	for round := 1; ctx.Err() == nil; round++ {
		if err := r.runRound(ctx, round); err != nil {
			return quiet(ctx, err)
		}
		again, err := r.policy.ConfirmOrAuto(ctx, interaction.AutoReconnect, PromptReconnect)
		if err != nil {
			return quiet(ctx, err)
		}
		if !again {
			break
		}
		if !r.wait(ctx, r.conf.ReconnectDelay()) {
			break
		}
	}
	r.log.Info("probe finished", "rounds", len(r.Rounds()))
	return nil
}

func (r *Runner) setupToggles(ctx context.Context) error {
	if err := r.policy.SetToggleInteractively(ctx, PromptContinueSetup, interaction.ContinueWithoutDisconnect); err != nil {
		return err
	}
	return r.policy.SetToggleInteractively(ctx, PromptReconnectSetup, interaction.AutoReconnect)
}

// quiet drops the errors that only mean the operator or the process wants
// the probe to end.
func quiet(ctx context.Context, err error) error {
	if errors.Is(err, interaction.ErrPromptAborted) || errors.Is(err, keys.ErrListenerStopped) || ctx.Err() != nil {
		return nil
	}
	return err
}

func (r *Runner) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (r *Runner) runRound(ctx context.Context, round int) error {
	sock, err := r.newSocket()
	if err != nil {
		return err
	}
	// the application stopping must also stop the operation in flight
	stop := context.AfterFunc(ctx, r.coord.CancelNow)
	defer stop()

	stats := RoundStats{Round: round}
	start := time.Now()
	defer func() {
		stats.Size = utils.HRSize(stats.Bytes)
		stats.Elapsed = time.Since(start).Round(time.Millisecond).String()
		r.mu.Lock()
		r.rounds = append(r.rounds, stats)
		r.mu.Unlock()
		r.log.Info("round finished", "summary", utils.MustToJSON(stats))
	}()

	scope := r.coord.CurrentScope()
	if err := r.mgr.Connect(scope.Context(), sock, r.conf.URL); err != nil {
		stats.Ended = EndConnectFailed
		if errors.Is(err, cancellation.ErrCancelled) {
			stats.Ended = EndCancelled
		}
		return nil
	}
	if r.conf.Greeting != "" {
		if err := sock.Send(scope.Context(), transport.MessageText, []byte(r.conf.Greeting)); err != nil {
			r.log.Warn("greeting not sent", "error", err)
		}
	}

	buf := make([]byte, r.conf.BufferSize)
	var promptErr error
	for {
		if stats.Ended = r.receiveMessage(scope, sock, buf, &stats); stats.Ended != "" {
			break
		}
		cont, err := r.policy.ConfirmOrAuto(ctx, interaction.ContinueWithoutDisconnect, PromptContinue)
		if err != nil {
			stats.Ended, promptErr = EndAborted, err
			break
		}
		if !cont {
			stats.Ended = EndStopped
			break
		}
		scope = r.coord.CurrentScope()
	}

	_ = r.mgr.Close(ctx, sock, r.conf.CloseTimeout())
	return promptErr
}

// receiveMessage reads frames until one message is complete. It returns the
// reason the round has to end, or "" after a complete message.
func (r *Runner) receiveMessage(scope *cancellation.Scope, sock transport.Socket, buf []byte, stats *RoundStats) string {
	var size int64
	for {
		frame, err := r.receive(scope.Context(), sock, buf)
		switch {
		case errors.Is(err, session.ErrReceiveTimeout):
			return EndReceiveTimeout
		case err != nil:
			return EndReceiveFailed
		case frame == nil && scope.Cancelled():
			return EndCancelled
		case frame == nil:
			return EndPeerClosed
		}

		stats.Frames++
		stats.Bytes += int64(frame.Count)
		size += int64(frame.Count)
		if frame.EndOfMessage {
			stats.Messages++
			r.log.Info("message received",
				"type", frame.Type.String(),
				"size", utils.HRSize(size),
				"message", stats.Messages)
			return ""
		}
	}
}

func (r *Runner) receive(ctx context.Context, sock transport.Socket, buf []byte) (*transport.Frame, error) {
	if timeout := r.conf.ReceiveTimeout(); timeout > 0 {
		return r.mgr.ReceiveWithDeadline(ctx, sock, buf, timeout)
	}
	return r.mgr.Receive(ctx, sock, buf)
}
