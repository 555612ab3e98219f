package timeutil_test

import (
	"testing"
	"time"

	"github.com/ghettovoice/sipcall/internal/timeutil"
)

func TestTimer_Fires(t *testing.T) {
	t.Parallel()

	fired := make(chan struct{})
	tmr := timeutil.AfterFunc(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatalf("timer did not fire")
	}
	if !tmr.Expired() {
		t.Errorf("tmr.Expired() = false, want true after firing")
	}
	if got := tmr.Left(); got != 0 {
		t.Errorf("tmr.Left() = %v, want 0 after firing", got)
	}
	if tmr.Stop() {
		t.Errorf("tmr.Stop() = true, want false after firing")
	}
}

func TestTimer_Stop(t *testing.T) {
	t.Parallel()

	tmr := timeutil.AfterFunc(30*time.Millisecond, func() {
		t.Errorf("stopped timer fired")
	})
	if !tmr.Stop() {
		t.Fatalf("tmr.Stop() = false, want true before firing")
	}
	time.Sleep(60 * time.Millisecond)

	var nilTmr *timeutil.Timer
	if nilTmr.Stop() {
		t.Errorf("nil timer Stop() = true, want false")
	}
}

func TestTimer_Reset(t *testing.T) {
	t.Parallel()

	fired := make(chan time.Time, 2)
	tmr := timeutil.AfterFunc(10*time.Millisecond, func() { fired <- time.Now() })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatalf("timer did not fire")
	}

	// A doubled reschedule carries the new duration.
	tmr.Reset(20 * time.Millisecond)
	if got := tmr.Duration(); got != 20*time.Millisecond {
		t.Errorf("tmr.Duration() = %v, want 20ms", got)
	}
	if tmr.Expired() {
		t.Errorf("tmr.Expired() = true right after Reset, want false")
	}
	if got := tmr.Left(); got <= 0 || got > 20*time.Millisecond {
		t.Errorf("tmr.Left() = %v, want within (0, 20ms]", got)
	}

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatalf("reset timer did not fire")
	}
}
