package timeutil

import (
	"sync"
	"time"
)

// Timer wraps time.Timer with the remaining duration bookkeeping
// required to reschedule with a shrinking deadline.
type Timer struct {
	mu      sync.Mutex
	tm      *time.Timer
	dur     time.Duration
	start   time.Time
	expired bool
}

// AfterFunc schedules fn to run once after d elapses.
func AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{dur: d, start: time.Now()}
	t.tm = time.AfterFunc(d, func() {
		t.mu.Lock()
		t.expired = true
		t.mu.Unlock()
		fn()
	})
	return t
}

// Stop cancels the timer. It reports whether the call prevented the
// timer from firing.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tm.Stop()
}

// Reset reschedules the timer to fire after d.
func (t *Timer) Reset(d time.Duration) {
	t.mu.Lock()
	t.dur = d
	t.start = time.Now()
	t.expired = false
	t.mu.Unlock()
	t.tm.Reset(d)
}

// Duration returns the duration the timer was last scheduled with.
func (t *Timer) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dur
}

// Left returns how much of the scheduled duration remains.
func (t *Timer) Left() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.expired {
		return 0
	}
	left := t.dur - time.Since(t.start)
	if left < 0 {
		return 0
	}
	return left
}

// Expired reports whether the timer has already fired.
func (t *Timer) Expired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expired
}
