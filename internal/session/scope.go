package session

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/codevault/backend/internal/identity"
)

// Scope owns every subscription opened on behalf of one signed-in identity.
// Closing it releases them all; it is closed whenever the identity changes.
type Scope struct {
	user   identity.User
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closers []func()
	closed  bool
}

func newScope(parent context.Context, user identity.User) *Scope {
	ctx, cancel := context.WithCancel(identity.WithUser(parent, user))
	return &Scope{user: user, ctx: ctx, cancel: cancel}
}

// User is the identity the scope belongs to.
func (s *Scope) User() identity.User {
	return s.user
}

// Context carries the scope's identity and is cancelled on Close.
func (s *Scope) Context() context.Context {
	return s.ctx
}

// Defer registers fn to run on Close. When the scope is already closed fn runs
// immediately and Defer reports false.
func (s *Scope) Defer(fn func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return false
	}
	s.closers = append(s.closers, fn)
	s.mu.Unlock()
	return true
}

// Closed reports whether Close has run.
func (s *Scope) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases registered resources in reverse order. It is idempotent.
func (s *Scope) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	s.cancel()
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}
