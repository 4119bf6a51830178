// Package observe holds published state and the subscribers that are told
// about every change to it.
package observe

import "sync"

// Value is a published snapshot of type T with an explicit subscriber list.
// Set is expected to be called from the owning dispatch queue; subscribers
// are invoked synchronously, in subscription order, after the value changes.
type Value[T any] struct {
	mu    sync.RWMutex
	cur   T
	seq   int
	subs  map[int]func(T)
	order []int
}

// NewValue creates a Value holding initial.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{cur: initial, subs: make(map[int]func(T))}
}

// Get returns the current snapshot.
func (v *Value[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cur
}

// Set replaces the snapshot and notifies subscribers.
func (v *Value[T]) Set(next T) {
	v.mu.Lock()
	v.cur = next
	fns := make([]func(T), 0, len(v.order))
	for _, id := range v.order {
		fns = append(fns, v.subs[id])
	}
	v.mu.Unlock()

	for _, fn := range fns {
		fn(next)
	}
}

// Update applies fn to a copy of the current snapshot and publishes the result.
func (v *Value[T]) Update(fn func(*T)) {
	cur := v.Get()
	fn(&cur)
	v.Set(cur)
}

// Subscribe registers fn and returns a function that removes it.
func (v *Value[T]) Subscribe(fn func(T)) (cancel func()) {
	v.mu.Lock()
	v.seq++
	id := v.seq
	v.subs[id] = fn
	v.order = append(v.order, id)
	v.mu.Unlock()

	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		if _, ok := v.subs[id]; !ok {
			return
		}
		delete(v.subs, id)
		for i, x := range v.order {
			if x == id {
				v.order = append(v.order[:i], v.order[i+1:]...)
				break
			}
		}
	}
}
