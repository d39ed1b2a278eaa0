// Package reactive provides observable values for the live stores.
package reactive

import (
	"sort"
	"sync"
)

// Value holds a T and notifies subscribers on every Set.
//
// Subscribers are invoked synchronously in subscription order. Notifications
// for successive Sets are serialized, so a subscriber observes values in the
// order they were written.
type Value[T any] struct {
	mu        sync.RWMutex
	notifyMu  sync.Mutex
	current   T
	listeners map[int64]func(T)
	nextID    int64
}

// NewValue returns a Value holding initial.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{current: initial, listeners: make(map[int64]func(T))}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current
}

// Set replaces the current value and notifies subscribers.
func (v *Value[T]) Set(next T) {
	v.notifyMu.Lock()
	defer v.notifyMu.Unlock()

	v.mu.Lock()
	v.current = next
	listeners := v.snapshotLocked()
	v.mu.Unlock()

	for _, listener := range listeners {
		listener(next)
	}
}

// Update applies fn to the current value and stores the result.
func (v *Value[T]) Update(fn func(T) T) {
	v.notifyMu.Lock()
	defer v.notifyMu.Unlock()

	v.mu.Lock()
	next := fn(v.current)
	v.current = next
	listeners := v.snapshotLocked()
	v.mu.Unlock()

	for _, listener := range listeners {
		listener(next)
	}
}

// Subscribe calls fn with the current value and again after every change.
// The returned function removes the subscription and is safe to call twice.
func (v *Value[T]) Subscribe(fn func(T)) func() {
	v.notifyMu.Lock()
	v.mu.Lock()
	v.nextID++
	id := v.nextID
	v.listeners[id] = fn
	current := v.current
	v.mu.Unlock()
	fn(current)
	v.notifyMu.Unlock()

	return func() {
		v.mu.Lock()
		delete(v.listeners, id)
		v.mu.Unlock()
	}
}

func (v *Value[T]) snapshotLocked() []func(T) {
	ids := make([]int64, 0, len(v.listeners))
	for id := range v.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	listeners := make([]func(T), 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, v.listeners[id])
	}
	return listeners
}

// Derive returns a Value recomputed from source whenever it changes, and a stop
// function that detaches it.
func Derive[S, T any](source *Value[S], fn func(S) T) (*Value[T], func()) {
	derived := NewValue(fn(source.Get()))
	stop := source.Subscribe(func(next S) {
		derived.Set(fn(next))
	})
	return derived, stop
}

// Derive2 is Derive over two sources. Every recompute reads both sources
// under one lock, so the last write always reflects their latest values.
func Derive2[A, B, T any](a *Value[A], b *Value[B], fn func(A, B) T) (*Value[T], func()) {
	var mu sync.Mutex
	derived := NewValue(fn(a.Get(), b.Get()))
	recompute := func() {
		mu.Lock()
		defer mu.Unlock()
		derived.Set(fn(a.Get(), b.Get()))
	}
	stopA := a.Subscribe(func(A) { recompute() })
	stopB := b.Subscribe(func(B) { recompute() })
	return derived, func() {
		stopA()
		stopB()
	}
}
