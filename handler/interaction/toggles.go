package interaction

import (
	"errors"
	"fmt"
	"sync"

	"github.com/samber/lo"

	"github.com/xdimtech/go-wsprobe/pkg/config"
)

var ErrToggleAlreadySet = errors.New("toggle already set")

type Toggle int

const (
	ContinueWithoutDisconnect Toggle = iota
	AutoReconnect
)

func (t Toggle) String() string {
	switch t {
	case ContinueWithoutDisconnect:
		return "continueWithoutDisconnect"
	case AutoReconnect:
		return "autoReconnect"
	}
	return fmt.Sprintf("toggle(%d)", int(t))
}

// Toggles holds the session's one-shot booleans. An unset toggle reads as
// false; once set it never changes.
type Toggles struct {
	mu     sync.Mutex
	values map[Toggle]bool
}

func NewToggles() *Toggles {
	return &Toggles{values: make(map[Toggle]bool)}
}

// TogglesFromConf presets every toggle the configuration names and leaves
// the others to be asked.
func TogglesFromConf(conf config.TogglesConf) *Toggles {
	t := NewToggles()
	if conf.ContinueWithoutDisconnect != nil {
		t.values[ContinueWithoutDisconnect] = lo.FromPtr(conf.ContinueWithoutDisconnect)
	}
	if conf.AutoReconnect != nil {
		t.values[AutoReconnect] = lo.FromPtr(conf.AutoReconnect)
	}
	return t
}

func (t *Toggles) Set(tg Toggle, v bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.values[tg]; ok {
		return fmt.Errorf("%w: %s", ErrToggleAlreadySet, tg)
	}
	t.values[tg] = v
	return nil
}

func (t *Toggles) IsSet(tg Toggle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.values[tg]
	return ok
}

func (t *Toggles) Enabled(tg Toggle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.values[tg]
}

// Snapshot returns the toggles set so far keyed by name.
func (t *Toggles) Snapshot() map[string]bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return lo.MapKeys(t.values, func(_ bool, tg Toggle) string {
		return tg.String()
	})
}
