package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

func TestManualFiresInDeadlineOrder(t *testing.T) {
	m := NewManual(epoch, 10*time.Millisecond)

	var order []string
	m.AfterFunc(30*time.Millisecond, func() { order = append(order, "c") })
	m.AfterFunc(10*time.Millisecond, func() { order = append(order, "a") })
	m.AfterFunc(10*time.Millisecond, func() { order = append(order, "b") })

	m.Advance(29 * time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, order)

	m.Advance(time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, epoch.Add(30*time.Millisecond), m.Now())
}

func TestManualStopPreventsFire(t *testing.T) {
	m := NewManual(epoch, 0)

	fired := false
	timer := m.AfterFunc(time.Second, func() { fired = true })
	require.Equal(t, 1, m.Pending())

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop(), "second Stop reports false")

	m.Advance(time.Hour)
	assert.False(t, fired)
	assert.Equal(t, 0, m.Pending())
}

func TestManualSelfRescheduledFrames(t *testing.T) {
	m := NewManual(epoch, 10*time.Millisecond)

	var ticks []time.Time
	var tick func(now time.Time)
	tick = func(now time.Time) {
		ticks = append(ticks, now)
		m.RequestFrame(tick)
	}
	m.RequestFrame(tick)

	m.Advance(50 * time.Millisecond)
	require.Len(t, ticks, 5)
	assert.Equal(t, epoch.Add(10*time.Millisecond), ticks[0])
	assert.Equal(t, epoch.Add(50*time.Millisecond), ticks[4])
	assert.Equal(t, 1, m.Pending(), "next frame is queued")
}

func TestLoopAfterFuncFires(t *testing.T) {
	l := NewLoop(time.Millisecond)
	defer l.Close()

	done := make(chan struct{})
	l.AfterFunc(5*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestLoopStopInsideDoWinsOverExpiredTimer(t *testing.T) {
	l := NewLoop(time.Millisecond)
	defer l.Close()

	var fired atomic.Bool
	var timer Timer

	l.Do(func() {
		timer = l.AfterFunc(time.Millisecond, func() { fired.Store(true) })
		// Hold the loop past the deadline so the timer goroutine is queued
		// behind us when we stop it.
		time.Sleep(20 * time.Millisecond)
		assert.True(t, timer.Stop())
	})

	time.Sleep(20 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestLoopSerializesCallbacks(t *testing.T) {
	l := NewLoop(time.Millisecond)
	defer l.Close()

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		l.AfterFunc(time.Millisecond, func() {
			defer wg.Done()
			n := active.Add(1)
			if n > maxActive.Load() {
				maxActive.Store(n)
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
		})
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestLoopCloseDropsPendingTimers(t *testing.T) {
	l := NewLoop(time.Millisecond)

	var fired atomic.Bool
	l.AfterFunc(10*time.Millisecond, func() { fired.Store(true) })
	l.Close()

	time.Sleep(30 * time.Millisecond)
	assert.False(t, fired.Load())

	ran := false
	l.Do(func() { ran = true })
	assert.True(t, ran, "Do still runs after Close")
}
