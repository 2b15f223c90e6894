// Package scheduler provides the execution model shared by the proctoring
// components: every callback (frame ticks, debounce timers, external calls
// routed through Do) is serialized, so state owned by the scheduler's users
// needs no further locking.
package scheduler

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultFrameInterval approximates a 30 Hz display refresh.
const DefaultFrameInterval = 33 * time.Millisecond

// Timer is a handle to a scheduled callback.
type Timer interface {
	// Stop prevents the callback from running. It reports whether this call
	// stopped the timer; false means it already fired or was stopped before.
	Stop() bool
}

// Scheduler runs callbacks one at a time.
type Scheduler interface {
	Now() time.Time
	// AfterFunc schedules fn to run once after d.
	AfterFunc(d time.Duration, fn func()) Timer
	// RequestFrame schedules fn for the next frame tick. Callers that want a
	// continuous loop request the next frame from inside fn.
	RequestFrame(fn func(now time.Time)) Timer
	// Do runs fn serialized with all scheduled callbacks and returns after it
	// completes. It must not be called from inside a scheduled callback.
	Do(fn func())
}

const (
	timerPending int32 = iota
	timerFired
	timerStopped
)

type loopTimer struct {
	state atomic.Int32
	t     *time.Timer
}

func (lt *loopTimer) Stop() bool {
	if !lt.state.CompareAndSwap(timerPending, timerStopped) {
		return false
	}
	if lt.t != nil {
		lt.t.Stop()
	}
	return true
}

// Loop is the wall-clock Scheduler. Callbacks fire from runtime timers but
// are funnelled through one lock, so they never overlap and a timer stopped
// from inside any callback can no longer run, even when its deadline has
// already passed and its goroutine is waiting on the lock.
type Loop struct {
	mu            sync.Mutex
	frameInterval time.Duration
	closed        bool
}

// NewLoop creates a Loop that ticks frames every frameInterval.
func NewLoop(frameInterval time.Duration) *Loop {
	if frameInterval <= 0 {
		frameInterval = DefaultFrameInterval
	}
	return &Loop{frameInterval: frameInterval}
}

// Now returns the wall-clock time.
func (l *Loop) Now() time.Time {
	return time.Now()
}

// AfterFunc implements Scheduler.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	lt := &loopTimer{}
	lt.t = time.AfterFunc(d, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.closed {
			return
		}
		if !lt.state.CompareAndSwap(timerPending, timerFired) {
			return
		}
		fn()
	})
	return lt
}

// RequestFrame implements Scheduler.
func (l *Loop) RequestFrame(fn func(now time.Time)) Timer {
	return l.AfterFunc(l.frameInterval, func() {
		fn(time.Now())
	})
}

// Do implements Scheduler.
func (l *Loop) Do(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn()
}

// Close drops every pending timer callback. Do keeps working so shutdown
// paths can still run their cleanup.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}
