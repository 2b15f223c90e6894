package scheduler

import (
	"sort"
	"time"
)

// Manual is a Scheduler driven by virtual time. Nothing fires until Advance
// is called; due callbacks then run synchronously on the caller's goroutine
// in deadline order (ties broken by scheduling order).
type Manual struct {
	now           time.Time
	frameInterval time.Duration
	seq           uint64
	tasks         []*manualTask
}

type manualTask struct {
	at    time.Time
	seq   uint64
	fn    func()
	state int32
}

func (t *manualTask) Stop() bool {
	if t.state != timerPending {
		return false
	}
	t.state = timerStopped
	return true
}

// NewManual creates a Manual scheduler starting at start.
func NewManual(start time.Time, frameInterval time.Duration) *Manual {
	if frameInterval <= 0 {
		frameInterval = DefaultFrameInterval
	}
	return &Manual{now: start, frameInterval: frameInterval}
}

// Now returns the virtual time.
func (m *Manual) Now() time.Time {
	return m.now
}

// AfterFunc implements Scheduler.
func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	m.seq++
	t := &manualTask{at: m.now.Add(d), seq: m.seq, fn: fn}
	m.tasks = append(m.tasks, t)
	return t
}

// RequestFrame implements Scheduler.
func (m *Manual) RequestFrame(fn func(now time.Time)) Timer {
	return m.AfterFunc(m.frameInterval, func() {
		fn(m.now)
	})
}

// Do runs fn immediately.
func (m *Manual) Do(fn func()) {
	fn()
}

// Advance moves virtual time forward by d, firing every callback that
// becomes due, including ones scheduled by callbacks during the advance.
func (m *Manual) Advance(d time.Duration) {
	target := m.now.Add(d)
	for {
		next := m.popDue(target)
		if next == nil {
			break
		}
		m.now = next.at
		next.state = timerFired
		next.fn()
	}
	m.now = target
}

// Pending returns the number of callbacks still waiting to fire.
func (m *Manual) Pending() int {
	m.compact()
	return len(m.tasks)
}

func (m *Manual) popDue(target time.Time) *manualTask {
	m.compact()
	if len(m.tasks) == 0 {
		return nil
	}
	sort.Slice(m.tasks, func(i, j int) bool {
		if m.tasks[i].at.Equal(m.tasks[j].at) {
			return m.tasks[i].seq < m.tasks[j].seq
		}
		return m.tasks[i].at.Before(m.tasks[j].at)
	})
	first := m.tasks[0]
	if first.at.After(target) {
		return nil
	}
	m.tasks = m.tasks[1:]
	return first
}

func (m *Manual) compact() {
	live := m.tasks[:0]
	for _, t := range m.tasks {
		if t.state == timerPending {
			live = append(live, t)
		}
	}
	m.tasks = live
}
