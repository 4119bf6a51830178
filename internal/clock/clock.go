// Package clock abstracts wall time and periodic timers so that timer-driven
// state can be stepped by hand in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock reports the current time and runs periodic callbacks.
type Clock interface {
	Now() time.Time
	// Every calls fn once per interval until stop is called. fn never runs
	// concurrently with itself.
	Every(interval time.Duration, fn func()) (stop func())
}

// Real is the system clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) Every(interval time.Duration, fn func()) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// Manual only moves when Advance is called. Callbacks run synchronously on
// the goroutine calling Advance.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers map[int]*manualTimer
}

type manualTimer struct {
	id       int
	interval time.Duration
	next     time.Time
	fn       func()
}

// NewManual returns a manual clock starting at now.
func NewManual(now time.Time) *Manual {
	return &Manual{now: now, timers: make(map[int]*manualTimer)}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Every(interval time.Duration, fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := m.seq
	m.timers[id] = &manualTimer{id: id, interval: interval, next: m.now.Add(interval), fn: fn}
	return func() {
		m.mu.Lock()
		delete(m.timers, id)
		m.mu.Unlock()
	}
}

// Active returns the number of running timers.
func (m *Manual) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Advance moves time forward by d, firing every due callback in time order.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		due := make([]*manualTimer, 0, len(m.timers))
		for _, t := range m.timers {
			if !t.next.After(target) {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			m.now = target
			m.mu.Unlock()
			return
		}
		sort.Slice(due, func(i, j int) bool {
			if due[i].next.Equal(due[j].next) {
				return due[i].id < due[j].id
			}
			return due[i].next.Before(due[j].next)
		})
		t := due[0]
		m.now = t.next
		t.next = t.next.Add(t.interval)
		fn := t.fn
		m.mu.Unlock()

		fn()
	}
}
