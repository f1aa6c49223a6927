package selection

import (
	"sync"
	"time"
)

// DefaultDebounceInterval coalesces bursts of mutation notifications
// before the controller re-verifies its selection.
const DefaultDebounceInterval = 200 * time.Millisecond

// Debouncer coalesces rapid triggers into a single delayed callback.
// Each controller owns its own instance, so concurrent selection
// workflows never share timer state.
type Debouncer struct {
	mu       sync.Mutex
	interval time.Duration
	fn       func()
	timer    *time.Timer
	stopped  bool
}

// NewDebouncer creates a debouncer firing fn once per quiet interval.
func NewDebouncer(interval time.Duration, fn func()) *Debouncer {
	if interval <= 0 {
		interval = DefaultDebounceInterval
	}
	return &Debouncer{interval: interval, fn: fn}
}

// Trigger schedules the callback, resetting any pending timer.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.interval, d.fn)
}

// Stop cancels any pending callback and prevents further triggers.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
