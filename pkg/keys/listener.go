// Package keys listens for operator key presses in the background and routes
// each one either to a caller blocked in GetKey or to the subscribers.
package keys

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

var (
	ErrInputUnavailable = errors.New("keyboard input unavailable")
	ErrWaiterPending    = errors.New("another caller is already waiting for a key")
	ErrListenerStopped  = errors.New("key listener stopped")
)

type Listener struct {
	src Source
	log *slog.Logger

	// queued holds keys back until a GetKey caller claims them
	queued  bool
	backlog []Key
	wanted  chan struct{}

	mu      sync.Mutex
	started bool
	waiter  chan Key
	subs    map[int]*subscription
	nextID  int
	err     error
	done    chan struct{}
	cancel  context.CancelFunc
	exited  chan struct{}
}

type ListenerOption func(*Listener)

func WithLogger(l *slog.Logger) ListenerOption {
	return func(k *Listener) {
		k.log = l
	}
}

// WithQueuedInput makes every key wait for a GetKey caller instead of going
// to the subscribers, and delays the end of input until all keys are claimed.
// Scripted answers read from a pipe need it: the whole script is read before
// the first prompt is shown.
func WithQueuedInput() ListenerOption {
	return func(k *Listener) {
		k.queued = true
	}
}

func NewListener(src Source, ops ...ListenerOption) *Listener {
	l := &Listener{
		src:    src,
		log:    slog.Default(),
		wanted: make(chan struct{}, 1),
		subs:   make(map[int]*subscription),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	for _, op := range ops {
		op(l)
	}
	return l
}

// Start opens the source and launches the listener loop; it does not block.
// If the source cannot be opened the listener is marked failed and every
// GetKey fails with ErrInputUnavailable.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return errors.New("key listener already started")
	}
	l.started = true
	ctx, l.cancel = context.WithCancel(ctx)
	l.mu.Unlock()

	if err := l.src.Open(); err != nil {
		err = fmt.Errorf("%w: %w", ErrInputUnavailable, err)
		l.fail(err)
		close(l.exited)
		return err
	}

	keys := make(chan Key, 64)
	readErr := make(chan error, 1)
	go l.readLoop(keys, readErr)
	go l.run(ctx, keys, readErr)
	return nil
}

// Stop ends the listener loop and restores the input source. Blocked GetKey
// callers return ErrListenerStopped.
func (l *Listener) Stop() {
	l.mu.Lock()
	started, cancel := l.started, l.cancel
	l.mu.Unlock()
	if !started {
		l.fail(ErrListenerStopped)
		return
	}
	cancel()
	<-l.exited
}

func (l *Listener) readLoop(keys chan<- Key, readErr chan<- error) {
	for {
		ks, err := l.src.Read()
		if err != nil {
			readErr <- err
			return
		}
		for _, k := range ks {
			select {
			case keys <- k:
			case <-l.done:
				return
			}
		}
	}
}

func (l *Listener) run(ctx context.Context, keys <-chan Key, readErr <-chan error) {
	defer close(l.exited)
	defer func() {
		if err := l.src.Close(); err != nil {
			l.log.Warn("restore key input failed", "error", err)
		}
	}()

	var inputErr error
	for {
		select {
		case <-ctx.Done():
			l.fail(ErrListenerStopped)
			return
		case err := <-readErr:
			if l.queued {
				// readLoop sent all its keys before the error
				l.drainKeys(keys)
				l.deliverBacklog()
			}
			inputErr, readErr = err, nil
		case k := <-keys:
			if l.queued {
				l.backlog = append(l.backlog, k)
				l.deliverBacklog()
			} else {
				l.dispatch(k)
			}
		case <-l.wanted:
			l.deliverBacklog()
		}

		if inputErr != nil && len(l.backlog) == 0 {
			if errors.Is(inputErr, io.EOF) {
				l.log.Info("key input ended")
			} else {
				l.log.Error("key input failed", "error", inputErr)
			}
			l.fail(fmt.Errorf("%w: %w", ErrInputUnavailable, inputErr))
			return
		}
	}
}

func (l *Listener) drainKeys(keys <-chan Key) {
	for {
		select {
		case k := <-keys:
			l.backlog = append(l.backlog, k)
		default:
			return
		}
	}
}

// deliverBacklog hands the oldest queued key to the pending waiter, if any.
func (l *Listener) deliverBacklog() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.waiter == nil || len(l.backlog) == 0 {
		return
	}
	l.waiter <- l.backlog[0]
	l.waiter = nil
	l.backlog = l.backlog[1:]
}

// dispatch routes k to the pending waiter or, when there is none, to every
// subscriber. Both branches run under l.mu so a key never reaches both.
func (l *Listener) dispatch(k Key) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.waiter != nil {
		l.waiter <- k
		l.waiter = nil
		return
	}
	for _, sub := range l.subs {
		sub.push(k)
	}
}

func (l *Listener) fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return
	}
	l.err = err
	close(l.done)
	for id, sub := range l.subs {
		sub.stop()
		delete(l.subs, id)
	}
}

// Err reports why the listener stopped, or nil while it is running.
func (l *Listener) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// GetKey blocks until the next key pressed after the call began, or with
// WithQueuedInput the oldest unclaimed key. Only one caller may wait at a
// time; a second one gets ErrWaiterPending.
func (l *Listener) GetKey(ctx context.Context) (Key, error) {
	l.mu.Lock()
	if l.err != nil {
		err := l.err
		l.mu.Unlock()
		return "", err
	}
	if l.waiter != nil {
		l.mu.Unlock()
		return "", ErrWaiterPending
	}
	ch := make(chan Key, 1)
	l.waiter = ch
	l.mu.Unlock()
	if l.queued {
		select {
		case l.wanted <- struct{}{}:
		default:
		}
	}

	select {
	case k := <-ch:
		return k, nil
	case <-l.done:
		l.mu.Lock()
		defer l.mu.Unlock()
		select {
		case k := <-ch:
			return k, nil
		default:
		}
		if l.waiter == ch {
			l.waiter = nil
		}
		return "", l.err
	case <-ctx.Done():
		l.mu.Lock()
		if l.waiter == ch {
			l.waiter = nil
			l.mu.Unlock()
			return "", ctx.Err()
		}
		l.mu.Unlock()
		// dispatch claimed this waiter before we withdrew it
		return <-ch, nil
	}
}

// Subscribe registers fn for keys that are not claimed by GetKey. Each
// subscriber receives its keys in press order on its own goroutine.
func (l *Listener) Subscribe(fn func(Key)) (unsubscribe func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return func() {}
	}

	id := l.nextID
	l.nextID++
	sub := newSubscription(fn)
	l.subs[id] = sub
	go sub.loop()

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if s, ok := l.subs[id]; ok {
			s.stop()
			delete(l.subs, id)
		}
	}
}

type subscription struct {
	fn   func(Key)
	mu   sync.Mutex
	q    []Key
	wake chan struct{}
	quit chan struct{}
}

func newSubscription(fn func(Key)) *subscription {
	return &subscription{
		fn:   fn,
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
}

func (s *subscription) push(k Key) {
	s.mu.Lock()
	s.q = append(s.q, k)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// stop is called under the listener mutex, exactly once per subscription.
func (s *subscription) stop() {
	close(s.quit)
}

func (s *subscription) loop() {
	for {
		select {
		case <-s.wake:
		case <-s.quit:
			return
		}
		for {
			s.mu.Lock()
			if len(s.q) == 0 {
				s.mu.Unlock()
				break
			}
			k := s.q[0]
			s.q = s.q[1:]
			s.mu.Unlock()

			select {
			case <-s.quit:
				return
			default:
			}
			s.fn(k)
		}
	}
}
