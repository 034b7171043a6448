package router

import (
	"context"
	"log"
	"runtime/debug"
	"sync"
)

// MaxDispatchDepth bounds how deep publications may nest along one dispatch
// chain. Deeper publications are dropped, which breaks subscriber cycles.
const MaxDispatchDepth = 8

type contextKey int

var (
	dispatchDepthKey contextKey = 0
)

// DispatchDepth returns how many publications ctx is nested in.
func DispatchDepth(ctx context.Context) int {
	if depth, ok := ctx.Value(dispatchDepthKey).(int); ok {
		return depth
	}
	return 0
}

type subscription[T any] struct {
	id int64
	f  func(context.Context, T)
}

// Channel is a synchronous multicast notification stream. Subscribers are
// called in subscription order on the publishing goroutine.
type Channel[T any] struct {
	name   string
	mu     sync.RWMutex
	nextID int64
	subs   []subscription[T]
}

// Subscribe adds f to the channel and returns a function removing it again.
// Removal only affects later publications.
func (c *Channel[T]) Subscribe(f func(T)) func() {
	return c.SubscribeContext(func(_ context.Context, v T) {
		f(v)
	})
}

// SubscribeContext is Subscribe for subscribers that publish in turn. They
// must pass the context they get on, so the depth of the chain is known.
func (c *Channel[T]) SubscribeContext(f func(context.Context, T)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.subs = append(c.subs, subscription[T]{id: id, f: f})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, sub := range c.subs {
			if sub.id == id {
				c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

func (c *Channel[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

// Publish starts a new dispatch chain delivering v to every current
// subscriber.
func (c *Channel[T]) Publish(v T) {
	c.PublishContext(context.Background(), v)
}

// PublishContext delivers v to every current subscriber as part of the
// dispatch chain of ctx. A panicking subscriber is logged and skipped.
func (c *Channel[T]) PublishContext(ctx context.Context, v T) {
	depth := DispatchDepth(ctx) + 1
	if depth > MaxDispatchDepth {
		log.Printf("dropping %s publication nested %v deep", c.name, depth)
		return
	}
	ctx = context.WithValue(ctx, dispatchDepthKey, depth)
	c.mu.RLock()
	subs := c.subs
	c.mu.RUnlock()
	for _, sub := range subs {
		c.deliver(ctx, sub, v)
	}
}

func (c *Channel[T]) deliver(ctx context.Context, sub subscription[T], v T) {
	defer func() {
		if e := recover(); e != nil {
			log.Printf("subscriber to %s panicked: %v\n%s", c.name, e, debug.Stack())
		}
	}()
	sub.f(ctx, v)
}
