// Package debounce coalesces bursts of calls into one.
package debounce

import (
	"sync"
	"time"
)

// Debouncer calls fn with the latest triggered value once no new value has
// arrived for the configured window.
type Debouncer[T any] struct {
	mu     sync.Mutex
	window time.Duration
	fn     func(T)
	timer  *time.Timer
	gen    uint64
}

func New[T any](window time.Duration, fn func(T)) *Debouncer[T] {
	return &Debouncer[T]{window: window, fn: fn}
}

// Trigger restarts the quiet window with v as the pending value.
func (d *Debouncer[T]) Trigger(v T) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, func() {
		d.mu.Lock()
		// A later Trigger or Stop won the race with this timer.
		if gen != d.gen {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		d.mu.Unlock()
		d.fn(v)
	})
}

// Stop cancels any pending call.
func (d *Debouncer[T]) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
