// Package cancellation hands out the single live cancellation scope shared by
// a probe session's operations.
package cancellation

import (
	"context"
	"errors"
	"sync"
)

var ErrCancelled = errors.New("operation cancelled")

// Scope is a revocable token for a family of operations. Once cancelled it
// stays cancelled; the Coordinator replaces it with a fresh one.
type Scope struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// NewScope derives a scope from parent, e.g. to supply an external context to
// the session manager.
func NewScope(parent context.Context) *Scope {
	ctx, cancel := context.WithCancelCause(parent)
	return &Scope{ctx: ctx, cancel: cancel}
}

func (s *Scope) Context() context.Context {
	return s.ctx
}

func (s *Scope) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Cancel triggers the scope with ErrCancelled as the cause.
func (s *Scope) Cancel() {
	s.cancel(ErrCancelled)
}

func (s *Scope) Cancelled() bool {
	return s.ctx.Err() != nil
}

// Coordinator owns exactly one live scope at a time.
type Coordinator struct {
	mu      sync.Mutex
	current *Scope
}

func NewCoordinator() *Coordinator {
	return &Coordinator{current: NewScope(context.Background())}
}

func (c *Coordinator) CurrentScope() *Scope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// CancelNow cancels the live scope and publishes its replacement in the same
// critical section, so no caller can be handed the cancelled one.
func (c *Coordinator) CancelNow() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current.Cancel()
	c.current = NewScope(context.Background())
}

// ResetToken replaces the live scope without cancelling it. Operations that
// already hold the old scope keep running.
func (c *Coordinator) ResetToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = NewScope(context.Background())
}
