package session

import (
	"context"
	"fmt"
	"sync"
)

// Registry serializes pipeline work per session and tracks cancel functions
// for in-flight research. One instance is owned by the engine; nothing here
// is global.
type Registry struct {
	mu      sync.Mutex
	busy    map[string]struct{}
	cancels map[string]context.CancelFunc
	pending map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		busy:    make(map[string]struct{}),
		cancels: make(map[string]context.CancelFunc),
		pending: make(map[string]struct{}),
	}
}

// Begin claims the session for exclusive processing. The returned release
// must be called when the work finishes. A second Begin while the first is
// outstanding fails with ErrInvalidTransition.
func (r *Registry) Begin(id string) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.busy[id]; ok {
		return nil, fmt.Errorf("%w: session %s is already processing", ErrInvalidTransition, id)
	}
	r.busy[id] = struct{}{}
	return func() {
		r.mu.Lock()
		delete(r.busy, id)
		delete(r.cancels, id)
		delete(r.pending, id)
		r.mu.Unlock()
	}, nil
}

// Busy reports whether the session is currently claimed.
func (r *Registry) Busy(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.busy[id]
	return ok
}

// SetCancel registers the cancel function for the session's running
// pipeline. A cancellation that arrived between Begin and SetCancel fires
// immediately.
func (r *Registry) SetCancel(id string, cancel context.CancelFunc) {
	r.mu.Lock()
	_, cancelled := r.pending[id]
	delete(r.pending, id)
	if !cancelled {
		r.cancels[id] = cancel
	}
	r.mu.Unlock()
	if cancelled {
		cancel()
	}
}

// Cancel fires the session's cancel function and reports whether the
// session had work in flight. A claimed session whose pipeline has not yet
// registered its cancel func gets the cancellation recorded for SetCancel
// to deliver, so a caller never mistakes it for an idle session.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[id]
	delete(r.cancels, id)
	if !ok {
		if _, busy := r.busy[id]; busy {
			r.pending[id] = struct{}{}
			r.mu.Unlock()
			return true
		}
	}
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}
