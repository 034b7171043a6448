// Package trust tracks which guest execution contexts may exchange messages
// with the host. The unit of trust is the context identity, never message
// content.
package trust

import (
	"iter"
	"sync"
)

// Capabilities is the explicit grant given to a guest context. Anything not
// granted here is denied.
type Capabilities struct {
	// RunScripts allows the context to execute code at all.
	RunScripts bool
	// TopNavigationByUserActivation allows the context to navigate the top
	// level page, but only while handling a user gesture.
	TopNavigationByUserActivation bool
}

// Context is one isolated guest execution environment.
type Context interface {
	// ID identifies inbound transport messages as coming from this context.
	ID() string
	// Locator is a human readable source, e.g. the script URL.
	Locator() string
	Capabilities() Capabilities
	// Post delivers an encoded envelope to the context without blocking.
	Post(message []byte) error
}

// Registry is the set of trusted contexts. It is the only place context
// membership is tested.
type Registry struct {
	mu       sync.RWMutex
	contexts map[string]Context
	order    []string
}

func NewRegistry() *Registry {
	return &Registry{
		contexts: map[string]Context{},
	}
}

// Register adds ctx to the trusted set. Registering an already present
// context is a no-op. Registering a different context with the same id
// replaces the old one.
func (r *Registry) Register(ctx Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := ctx.ID()
	if _, found := r.contexts[id]; !found {
		r.order = append(r.order, id)
	}
	r.contexts[id] = ctx
}

// Unregister removes ctx. Later messages from it are ignored.
// Returns whether it was present.
func (r *Registry) Unregister(ctx Context) bool {
	_, found := r.UnregisterID(ctx.ID())
	return found
}

// UnregisterID removes the context with the given id and returns it.
func (r *Registry) UnregisterID(id string) (Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx, found := r.contexts[id]
	if !found {
		return nil, false
	}
	delete(r.contexts, id)
	for i, candidate := range r.order {
		if candidate == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return ctx, true
}

// IsTrusted reports whether a message claiming to come from id may be
// accepted.
func (r *Registry) IsTrusted(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, found := r.contexts[id]
	return found
}

func (r *Registry) Lookup(id string) (Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctx, found := r.contexts[id]
	return ctx, found
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contexts)
}

// Each iterates over a snapshot of the trusted contexts in registration
// order. The registry is not locked while yielding, so the caller may
// register or unregister from inside the loop.
func (r *Registry) Each() iter.Seq[Context] {
	r.mu.RLock()
	snapshot := make([]Context, 0, len(r.order))
	for _, id := range r.order {
		snapshot = append(snapshot, r.contexts[id])
	}
	r.mu.RUnlock()
	return func(yield func(Context) bool) {
		for _, ctx := range snapshot {
			if !yield(ctx) {
				return
			}
		}
	}
}

// IDs returns the trusted ids in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}
