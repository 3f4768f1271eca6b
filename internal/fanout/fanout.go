// Package fanout provides a listener registry that delivers events to every
// registered listener and isolates listener panics from the caller.
package fanout

import (
	"fmt"
	"log/slog"
	"sync"
)

// Registry holds listeners of type L.
type Registry[L any] struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners []entry[L]
	logger    *slog.Logger
	name      string
}

type entry[L any] struct {
	id       uint64
	listener L
}

// New creates an empty registry. The name appears in panic log records.
func New[L any](name string, logger *slog.Logger) *Registry[L] {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry[L]{name: name, logger: logger}
}

// Add registers a listener and returns a function that removes it.
func (r *Registry[L]) Add(l L) (remove func()) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners = append(r.listeners, entry[L]{id: id, listener: l})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *Registry[L]) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.listeners {
		if e.id == id {
			r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered listeners.
func (r *Registry[L]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}

// Each calls fn for every listener, in registration order.
// A panic in one call is logged and does not prevent the remaining calls.
// Each must not be called while holding a lock that listeners may need.
func (r *Registry[L]) Each(fn func(L)) {
	r.mu.RLock()
	snapshot := make([]entry[L], len(r.listeners))
	copy(snapshot, r.listeners)
	r.mu.RUnlock()

	for _, e := range snapshot {
		r.call(e.listener, fn)
	}
}

func (r *Registry[L]) call(l L, fn func(L)) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("listener panicked",
				"registry", r.name,
				"panic", fmt.Sprint(p))
		}
	}()
	fn(l)
}
