// Package registry tracks in-flight requests so they can be aborted by id.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrDuplicate indicates a request id that is already live.
var ErrDuplicate = errors.New("request id already registered")

// ErrAborted is the cancellation cause recorded by Cancel.
var ErrAborted = errors.New("request aborted")

type entry struct {
	cancel context.CancelCauseFunc
}

// Registry maps request ids to cancellation handles.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Lease is the scoped ownership of one registry entry.
type Lease struct {
	reg  *Registry
	id   string
	e    *entry
	once sync.Once
}

// ID returns the request id the lease was acquired for.
func (l *Lease) ID() string { return l.id }

// Release removes the entry and cancels its context. Safe to call more
// than once; only the first call has an effect, and it never removes an
// entry registered by somebody else under the same id.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.reg.mu.Lock()
		if cur, ok := l.reg.entries[l.id]; ok && cur == l.e {
			delete(l.reg.entries, l.id)
		}
		l.reg.mu.Unlock()
		l.e.cancel(context.Canceled)
	})
}

// Acquire registers id and returns a context derived from parent that is
// cancelled by Cancel(id) or by releasing the lease.
func (r *Registry) Acquire(parent context.Context, id string) (context.Context, *Lease, error) {
	if id == "" {
		return nil, nil, fmt.Errorf("register request: empty id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; exists {
		return nil, nil, fmt.Errorf("register request %s: %w", id, ErrDuplicate)
	}

	ctx, cancel := context.WithCancelCause(parent)
	e := &entry{cancel: cancel}
	r.entries[id] = e

	return ctx, &Lease{reg: r, id: id, e: e}, nil
}

// Cancel triggers the handle registered for id. It reports false when no
// live entry exists.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()

	if !ok {
		return false
	}
	e.cancel(ErrAborted)
	return true
}

// Release removes the entry for id without cancelling it. Unknown ids are ignored.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Has reports whether id is live.
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
