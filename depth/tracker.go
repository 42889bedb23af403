package depth

import (
	"context"
	"sync"
)

// Token identifies one in-flight depth build.
type Token uint64

// Tracker lets a viewer start a new depth build whenever the portrait or
// model changes while discarding results from builds that were superseded.
type Tracker struct {
	mu      sync.Mutex
	gen     Token
	cancel  context.CancelFunc
	current *Field
}

// Begin cancels any in-flight build and returns a context and token for a
// new one.
func (t *Tracker) Begin(parent context.Context) (context.Context, Token) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
	}
	ctx, cancel := context.WithCancel(parent)
	t.cancel = cancel
	t.gen++
	return ctx, t.gen
}

// Commit installs field if tok is still the latest build. Late results return
// false and are dropped.
func (t *Tracker) Commit(tok Token, field *Field) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tok != t.gen {
		return false
	}
	t.current = field
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	return true
}

// Stale reports whether tok has been superseded.
func (t *Tracker) Stale(tok Token) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return tok != t.gen
}

// Current returns the last committed field, or nil.
func (t *Tracker) Current() *Field {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Stop cancels any in-flight build and invalidates its token.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.gen++
}
