// Package interaction decides when the probe asks the operator and wires
// the cancel and quit keys to the cancellation coordinator.
package interaction

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/xdimtech/go-wsprobe/pkg/config"
	"github.com/xdimtech/go-wsprobe/pkg/keys"
)

var ErrPromptAborted = errors.New("prompt aborted")

type KeyWaiter interface {
	GetKey(ctx context.Context) (keys.Key, error)
}

type KeyPublisher interface {
	Subscribe(fn func(keys.Key)) (unsubscribe func())
}

// Canceller is satisfied by *cancellation.Coordinator.
type Canceller interface {
	CancelNow()
}

type KeyMap struct {
	Cancel   keys.Key
	Continue keys.Key
	Yes      keys.Key
	No       keys.Key
	Quit     keys.Key
}

func DefaultKeyMap() KeyMap {
	return KeyMap{
		Cancel:   keys.KeyEscape,
		Continue: keys.KeySpace,
		Yes:      keys.KeyY,
		No:       keys.KeyN,
		Quit:     keys.KeyCtrlC,
	}
}

func KeyMapFromConf(conf config.KeysConf) KeyMap {
	return KeyMap{
		Cancel:   keys.Parse(conf.Cancel),
		Continue: keys.Parse(conf.Continue),
		Yes:      keys.Parse(conf.Yes),
		No:       keys.Parse(conf.No),
		Quit:     keys.Parse(conf.Quit),
	}
}

type Policy struct {
	waiter  KeyWaiter
	coord   Canceller
	toggles *Toggles
	keys    KeyMap
	out     io.Writer
	log     *slog.Logger
}

type Option func(*Policy)

func WithKeyMap(km KeyMap) Option {
	return func(p *Policy) {
		p.keys = km
	}
}

func WithOutput(w io.Writer) Option {
	return func(p *Policy) {
		p.out = w
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Policy) {
		p.log = l
	}
}

func NewPolicy(waiter KeyWaiter, coord Canceller, toggles *Toggles, ops ...Option) *Policy {
	p := &Policy{
		waiter:  waiter,
		coord:   coord,
		toggles: toggles,
		keys:    DefaultKeyMap(),
		out:     os.Stdout,
		log:     slog.Default(),
	}
	for _, op := range ops {
		op(p)
	}
	return p
}

func (p *Policy) Keys() KeyMap {
	return p.keys
}

func (p *Policy) Toggles() *Toggles {
	return p.toggles
}

// ConfirmOrAuto returns true without any I/O when tg is enabled. Otherwise
// it prints prompt and reports whether the next key is the continue key.
// The quit key answers false with ErrPromptAborted.
func (p *Policy) ConfirmOrAuto(ctx context.Context, tg Toggle, prompt string) (bool, error) {
	if p.toggles.Enabled(tg) {
		return true, nil
	}
	fmt.Fprintln(p.out, prompt)
	k, err := p.waiter.GetKey(ctx)
	if err != nil {
		return false, err
	}
	if k == p.keys.Quit {
		return false, ErrPromptAborted
	}
	return k == p.keys.Continue, nil
}

// SetToggleInteractively asks until the operator answers yes or no. A toggle
// preset from configuration is left as is.
func (p *Policy) SetToggleInteractively(ctx context.Context, prompt string, tg Toggle) error {
	if p.toggles.IsSet(tg) {
		p.log.Debug("toggle preset", "toggle", tg.String(), "value", p.toggles.Enabled(tg))
		return nil
	}
	for {
		fmt.Fprint(p.out, prompt)
		k, err := p.waiter.GetKey(ctx)
		if err != nil {
			fmt.Fprintln(p.out)
			return err
		}
		switch k {
		case p.keys.Yes, p.keys.No:
			fmt.Fprintln(p.out, k)
			return p.toggles.Set(tg, k == p.keys.Yes)
		case p.keys.Quit:
			fmt.Fprintln(p.out)
			return ErrPromptAborted
		default:
			fmt.Fprintln(p.out)
		}
	}
}

// WireCancelOnEscape cancels the current scope whenever the cancel key is
// pressed outside a prompt, then calls onCancel if given.
func (p *Policy) WireCancelOnEscape(pub KeyPublisher, onCancel func()) (unsubscribe func()) {
	return p.wire(pub, p.keys.Cancel, "cancel key pressed", onCancel)
}

// WireQuit is WireCancelOnEscape for the quit key. In raw mode Ctrl+C does
// not raise SIGINT, so this is how the operator leaves the probe.
func (p *Policy) WireQuit(pub KeyPublisher, onQuit func()) (unsubscribe func()) {
	return p.wire(pub, p.keys.Quit, "quit key pressed", onQuit)
}

func (p *Policy) wire(pub KeyPublisher, key keys.Key, msg string, then func()) func() {
	return pub.Subscribe(func(k keys.Key) {
		if k != key {
			return
		}
		p.log.Info(msg)
		p.coord.CancelNow()
		if then != nil {
			then()
		}
	})
}
