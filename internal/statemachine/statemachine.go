package statemachine

import (
	"time"

	"github.com/tiroq/proctor/internal/scheduler"
)

// DefaultDebounce is how long "looking away" must persist before it counts.
const DefaultDebounce = 3000 * time.Millisecond

// State is the debounced gaze state.
type State string

const (
	LookingAtScreen State = "looking_at_screen" // On screen, or given the benefit of the doubt
	PendingAway     State = "pending_away"      // Away, debounce timer running
	ConfirmedAway   State = "confirmed_away"    // Away for the full debounce interval
)

// Tracker turns noisy per-frame "looking away" signals into violations.
//
// All methods must run on the scheduler passed to NewTracker (inside a
// scheduled callback or Scheduler.Do); the debounce timer fires there too.
type Tracker struct {
	sched    scheduler.Scheduler
	debounce time.Duration

	state        State
	pendingSince time.Time
	timer        scheduler.Timer
	count        int
	showWarning  bool
	closed       bool

	onViolation func(count int)
	onChange    func()
}

// NewTracker creates a tracker whose violation count resumes at initialCount.
func NewTracker(sched scheduler.Scheduler, debounce time.Duration, initialCount int) *Tracker {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if initialCount < 0 {
		initialCount = 0
	}
	return &Tracker{
		sched:    sched,
		debounce: debounce,
		state:    LookingAtScreen,
		count:    initialCount,
	}
}

// OnViolation registers fn to receive the new count after each confirmed
// violation.
func (t *Tracker) OnViolation(fn func(count int)) {
	t.onViolation = fn
}

// OnChange registers fn to run after any visible state change.
func (t *Tracker) OnChange(fn func()) {
	t.onChange = fn
}

// Observe feeds one estimator result into the tracker.
func (t *Tracker) Observe(lookingAway bool) {
	if t.closed {
		return
	}

	switch {
	case lookingAway && t.state == LookingAtScreen:
		t.stopTimer()
		t.state = PendingAway
		t.pendingSince = t.sched.Now()
		t.timer = t.sched.AfterFunc(t.debounce, t.confirm)
		t.changed()

	case lookingAway:
		// Still away: a timer is running or the episode is already counted.

	case t.state != LookingAtScreen:
		t.stopTimer()
		t.state = LookingAtScreen
		t.pendingSince = time.Time{}
		t.changed()
	}
}

// confirm runs when the debounce timer fires.
func (t *Tracker) confirm() {
	t.timer = nil
	if t.closed || t.state != PendingAway {
		return
	}
	t.state = ConfirmedAway
	t.count++
	t.showWarning = true
	if t.onViolation != nil {
		t.onViolation(t.count)
	}
	t.changed()
}

// Dismiss acknowledges the warning and optimistically assumes the user is
// back on screen. The violation count is untouched. A cancelled tracker
// still clears its visible state but notifies nobody.
func (t *Tracker) Dismiss() {
	t.stopTimer()
	wasVisible := t.showWarning || t.state != LookingAtScreen
	t.showWarning = false
	t.state = LookingAtScreen
	t.pendingSince = time.Time{}
	if wasVisible && !t.closed {
		t.changed()
	}
}

// Cancel stops any pending timer and closes the tracker: later observations
// and already-scheduled timers have no effect.
func (t *Tracker) Cancel() {
	t.stopTimer()
	t.closed = true
}

// Reset zeroes the counter and reopens the tracker for a new session.
func (t *Tracker) Reset() {
	t.stopTimer()
	t.state = LookingAtScreen
	t.pendingSince = time.Time{}
	t.count = 0
	t.showWarning = false
	t.closed = false
	t.changed()
}

func (t *Tracker) stopTimer() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Tracker) changed() {
	if t.onChange != nil {
		t.onChange()
	}
}

// State returns the debounced state.
func (t *Tracker) State() State {
	return t.state
}

// ViolationCount returns the number of confirmed violations.
func (t *Tracker) ViolationCount() int {
	return t.count
}

// ShowWarning reports whether a violation is waiting to be acknowledged.
func (t *Tracker) ShowWarning() bool {
	return t.showWarning
}

// IsLookingAway reports a confirmed away episode that is still in progress.
func (t *Tracker) IsLookingAway() bool {
	return t.state == ConfirmedAway
}

// PendingSince returns when the current unconfirmed episode began.
func (t *Tracker) PendingSince() (time.Time, bool) {
	if t.state != PendingAway {
		return time.Time{}, false
	}
	return t.pendingSince, true
}

// Closed reports whether Cancel was called since the last Reset.
func (t *Tracker) Closed() bool {
	return t.closed
}

// HasPendingTimer reports whether a debounce timer is outstanding.
func (t *Tracker) HasPendingTimer() bool {
	return t.timer != nil
}
