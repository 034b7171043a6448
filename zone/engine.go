// Package zone resolves the properties active at the player's position on a
// tile map and reports every change as the player crosses tile boundaries.
package zone

import (
	"log"
	"maps"
	"math"
	"runtime/debug"
	"sync"

	"github.com/zond/mapscript/tilemap"
)

// Snapshot maps property names to scalar values (string, float64 or bool).
type Snapshot map[string]any

// Callback receives the new and old value of a property, nil meaning
// absent, and the complete new snapshot.
type Callback func(newValue, oldValue any, all Snapshot)

type registration struct {
	id int64
	cb Callback
}

type firing struct {
	name     string
	newValue any
	oldValue any
}

// MaxChainedMoves bounds how many moves requested from inside callbacks one
// SetPosition applies. Moves beyond that are dropped, which breaks callback
// cycles.
const MaxChainedMoves = 8

type Engine struct {
	m *tilemap.Map

	mu        sync.RWMutex
	key       int
	hasKey    bool
	current   Snapshot
	nextID    int64
	callbacks map[string][]registration

	// moving is set while a SetPosition fires callbacks. Moves requested
	// meanwhile end up in pending, latest wins.
	moving  bool
	pending *Vector2

	geo *geoAnchors
}

func New(m *tilemap.Map) *Engine {
	return &Engine{
		m:         m,
		current:   Snapshot{},
		callbacks: map[string][]registration{},
		geo:       newGeoAnchors(m),
	}
}

func (e *Engine) Map() *tilemap.Map {
	return e.m
}

// OnPropertyChange registers cb for changes to the property name. Callbacks
// for the same name run in registration order. The returned function
// removes cb from later firings.
func (e *Engine) OnPropertyChange(name string, cb Callback) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.callbacks[name] = append(e.callbacks[name], registration{id: id, cb: cb})
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		regs := e.callbacks[name]
		for i, reg := range regs {
			if reg.id == id {
				e.callbacks[name] = append(regs[:i:i], regs[i+1:]...)
				return
			}
		}
	}
}

// CurrentProperties returns a copy of the current snapshot.
func (e *Engine) CurrentProperties() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return maps.Clone(e.current)
}

// Key returns the current tile key, and false before the first position.
func (e *Engine) Key() (int, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.key, e.hasKey
}

// TileCoordinates quantizes a pixel position to tile coordinates.
func (e *Engine) TileCoordinates(x, y float64) (int, int) {
	return int(math.Floor(x / float64(e.m.TileWidth))), int(math.Floor(y / float64(e.m.TileHeight)))
}

// SetPosition moves the player to pixel position x, y. Properties are only
// resolved when the tile key changes, and the result reports whether they
// were.
//
// Callbacks fire without any engine lock held. A move requested while
// another SetPosition fires callbacks, from a callback or another
// goroutine, is queued and reports false; the firing call applies the
// latest queued position once its callbacks return, at most
// MaxChainedMoves times.
func (e *Engine) SetPosition(x, y float64) bool {
	e.mu.Lock()
	if e.moving {
		e.pending = &Vector2{X: x, Y: y}
		e.mu.Unlock()
		return false
	}
	e.moving = true
	e.mu.Unlock()

	moved := e.move(x, y)
	for range MaxChainedMoves {
		e.mu.Lock()
		next := e.pending
		e.pending = nil
		if next == nil {
			e.moving = false
			e.mu.Unlock()
			return moved
		}
		e.mu.Unlock()
		e.move(next.X, next.Y)
	}
	e.mu.Lock()
	dropped := e.pending
	e.pending = nil
	e.moving = false
	e.mu.Unlock()
	if dropped != nil {
		log.Printf("dropping move to %v,%v after %v chained moves", dropped.X, dropped.Y, MaxChainedMoves)
	}
	return moved
}

func (e *Engine) move(x, y float64) bool {
	tx, ty := e.TileCoordinates(x, y)
	key := tx + ty*e.m.Width

	e.mu.Lock()
	if e.hasKey && key == e.key {
		e.mu.Unlock()
		return false
	}
	e.key, e.hasKey = key, true
	newProps := e.resolve(tx, ty)
	oldProps := e.current
	e.current = newProps
	firings := diff(oldProps, newProps)
	e.mu.Unlock()

	for _, f := range firings {
		e.trigger(f, newProps)
	}
	return true
}

// diff lists changed and added properties in name order of the new
// snapshot, followed by removed ones.
func diff(oldProps, newProps Snapshot) []firing {
	result := []firing{}
	for _, name := range sortedNames(newProps) {
		newValue := newProps[name]
		if oldValue, found := oldProps[name]; !found || oldValue != newValue {
			result = append(result, firing{name: name, newValue: newValue, oldValue: oldValue})
		}
	}
	for _, name := range sortedNames(oldProps) {
		if _, found := newProps[name]; !found {
			result = append(result, firing{name: name, oldValue: oldProps[name]})
		}
	}
	return result
}

func (e *Engine) trigger(f firing, all Snapshot) {
	e.mu.RLock()
	regs := e.callbacks[f.name]
	e.mu.RUnlock()
	for _, reg := range regs {
		e.call(f, reg, all)
	}
}

func (e *Engine) call(f firing, reg registration, all Snapshot) {
	defer func() {
		if err := recover(); err != nil {
			log.Printf("callback for %q panicked: %v\n%s", f.name, err, debug.Stack())
		}
	}()
	// Each callback gets its own copy, so one cannot change what the next sees.
	reg.cb(f.newValue, f.oldValue, maps.Clone(all))
}
