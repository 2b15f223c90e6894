// Package proctor runs a webcam proctoring session: it owns the camera
// stream, samples frames on the scheduler, feeds the gaze estimate into the
// violation tracker and persists the running count.
package proctor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tiroq/proctor/internal/diaglog"
	"github.com/tiroq/proctor/internal/emitter"
	"github.com/tiroq/proctor/internal/fileutil"
	"github.com/tiroq/proctor/internal/gaze"
	"github.com/tiroq/proctor/internal/logger"
	"github.com/tiroq/proctor/internal/scheduler"
	"github.com/tiroq/proctor/internal/statemachine"
	"github.com/tiroq/proctor/internal/store"
)

// ErrCameraUnavailable is returned by Start when the camera is denied or
// missing.
var ErrCameraUnavailable = errors.New("camera unavailable")

var errNoCamera = errors.New("no camera configured")

// storeTimeout bounds each store write made from a scheduler callback.
const storeTimeout = 2 * time.Second

// Camera opens a frame stream.
type Camera interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream hands out the most recent frame. Frame reports false while no frame
// has arrived yet.
type Stream interface {
	Frame() (*gaze.Frame, bool)
	Close() error
}

// Status is the camera lifecycle state.
type Status string

const (
	StatusInitializing Status = "INITIALIZING"
	StatusReady        Status = "READY"
	StatusError        Status = "ERROR"
)

// Snapshot is the observable state of a session.
type Snapshot struct {
	SessionID      string             `json:"session_id,omitempty"`
	Status         Status             `json:"status"`
	Running        bool               `json:"running"`
	IsLookingAway  bool               `json:"is_looking_away"`
	ShowWarning    bool               `json:"show_warning"`
	ViolationCount int                `json:"violation_count"`
	IsWebcamReady  bool               `json:"is_webcam_ready"`
	WebcamError    string             `json:"webcam_error,omitempty"`
	GazeState      statemachine.State `json:"gaze_state"`
	Estimate       gaze.Estimate      `json:"estimate"`
	StartedAt      time.Time          `json:"started_at,omitempty"`
}

// Options configures a Session.
type Options struct {
	Camera    Camera
	Scheduler scheduler.Scheduler
	Store     store.Store
	Estimator *gaze.Estimator
	Debounce  time.Duration
	Logger    *zap.Logger
	Diag      *diaglog.Logger
	Events    emitter.Publisher
}

// Session is one proctoring session. Its fields are owned by the scheduler:
// every access goes through a scheduled callback or Scheduler.Do.
type Session struct {
	camera    Camera
	sched     scheduler.Scheduler
	store     store.Store
	estimator *gaze.Estimator
	debounce  time.Duration
	logger    *zap.Logger
	diag      *diaglog.Logger
	events    emitter.Publisher

	// generation is the cancellation token of the sampling loop. Stop bumps
	// it; a tick or a camera open carrying an older value is discarded.
	generation uint64
	starting   bool
	running    bool
	stream     Stream
	frameTimer scheduler.Timer
	lastSeq    uint64
	tracker    *statemachine.Tracker

	sessionID   string
	status      Status
	webcamError string
	estimate    gaze.Estimate
	startedAt   time.Time
	stoppedAt   time.Time
	violations  []time.Time

	snap atomic.Pointer[Snapshot]

	subMu   sync.Mutex
	subs    map[int]func(Snapshot)
	nextSub int
}

// New creates an idle Session.
func New(opts Options) *Session {
	s := &Session{
		camera:    opts.Camera,
		sched:     opts.Scheduler,
		store:     opts.Store,
		estimator: opts.Estimator,
		debounce:  opts.Debounce,
		logger:    logger.OrNop(opts.Logger).Named("proctor"),
		diag:      opts.Diag,
		events:    opts.Events,
		status:    StatusInitializing,
		subs:      make(map[int]func(Snapshot)),
	}
	if s.sched == nil {
		s.sched = scheduler.NewLoop(scheduler.DefaultFrameInterval)
	}
	if s.store == nil {
		s.store = store.NewMemory()
	}
	if s.estimator == nil {
		s.estimator = gaze.NewEstimator(gaze.DefaultThresholds())
	}
	if s.debounce <= 0 {
		s.debounce = statemachine.DefaultDebounce
	}
	if s.events == nil {
		s.events = emitter.Nop{}
	}
	s.tracker = statemachine.NewTracker(s.sched, s.debounce, 0)
	s.snap.Store(&Snapshot{Status: StatusInitializing, GazeState: statemachine.LookingAtScreen})
	return s
}

// AutoStart starts the session only when the interview is marked active,
// which covers a daemon restart mid-interview.
func (s *Session) AutoStart(ctx context.Context) error {
	active, err := store.GetBool(ctx, s.store, store.KeyInterviewActive)
	if err != nil {
		return fmt.Errorf("read %s: %w", store.KeyInterviewActive, err)
	}
	if !active {
		s.logger.Debug("interview not active, proctoring not started")
		return nil
	}
	return s.Start(ctx)
}

// Start opens the camera and begins sampling. A failure to open the camera
// is returned wrapped in ErrCameraUnavailable and is also recorded in the
// snapshot as WebcamError; it never takes anything else down. Start on a
// running session is a no-op.
func (s *Session) Start(ctx context.Context) error {
	var (
		gen  uint64
		skip bool
	)
	s.sched.Do(func() {
		if s.running || s.starting {
			skip = true
			return
		}
		s.starting = true
		s.generation++
		gen = s.generation
		s.status = StatusInitializing
		s.publish()
	})
	if skip {
		return nil
	}

	// Opening may wait on the user's permission prompt; the scheduler keeps
	// running meanwhile.
	var (
		stream  Stream
		openErr error
	)
	if s.camera == nil {
		openErr = errNoCamera
	} else {
		stream, openErr = s.camera.Open(ctx)
	}

	initial, countErr := store.GetInt(ctx, s.store, store.KeyGazeViolations)
	if countErr != nil {
		s.logger.Warn("read violation count failed, starting from zero", zap.Error(countErr))
	}

	var result error
	s.sched.Do(func() {
		if gen != s.generation {
			// Stopped while the camera was opening.
			if stream != nil {
				_ = stream.Close()
			}
			return
		}
		s.starting = false

		if openErr != nil {
			s.status = StatusError
			s.webcamError = openErr.Error()
			s.logger.Warn("camera unavailable", zap.Error(openErr))
			s.diag.Log(diaglog.LogEntry{
				Component: diaglog.ComponentProctor,
				Event:     diaglog.EventCameraError,
				Reason:    openErr.Error(),
			})
			s.emit(emitter.TypeCameraError, map[string]any{"error": openErr.Error()})
			s.publish()
			result = fmt.Errorf("%w: %v", ErrCameraUnavailable, openErr)
			return
		}

		s.begin(stream, initial)
	})
	return result
}

// begin moves to READY and schedules the first frame. Runs on the scheduler.
func (s *Session) begin(stream Stream, initialCount int) {
	s.stream = stream
	s.running = true
	s.status = StatusReady
	s.webcamError = ""
	s.sessionID = uuid.NewString()
	s.startedAt = s.sched.Now()
	s.stoppedAt = time.Time{}
	s.lastSeq = 0
	s.estimate = gaze.Estimate{}

	s.tracker = statemachine.NewTracker(s.sched, s.debounce, initialCount)
	s.tracker.OnViolation(s.onViolation)
	s.tracker.OnChange(s.publish)

	s.persistBool(store.KeyWebcamActive, true)

	s.logger.Info("proctoring started",
		zap.String(logger.FieldSessionID, s.sessionID),
		zap.Int(logger.FieldCount, initialCount))
	s.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentProctor,
		Event:     diaglog.EventSessionStart,
		SessionID: s.sessionID,
		Payload:   map[string]any{"violation_count": initialCount},
	})
	s.emit(emitter.TypeSessionStarted, map[string]any{"violation_count": initialCount})

	s.scheduleFrame(s.generation)
	s.publish()
}

func (s *Session) scheduleFrame(gen uint64) {
	s.frameTimer = s.sched.RequestFrame(func(now time.Time) {
		s.tick(gen, now)
	})
}

// tick samples one frame and schedules the next.
func (s *Session) tick(gen uint64, now time.Time) {
	if gen != s.generation || !s.running {
		return
	}
	s.frameTimer = nil

	if frame, ok := s.stream.Frame(); ok && (frame.Seq == 0 || frame.Seq != s.lastSeq) {
		s.lastSeq = frame.Seq
		est, err := s.estimator.Estimate(frame)
		switch {
		case err == nil:
			s.estimate = est
			s.tracker.Observe(est.LookingAway)
		case errors.Is(err, gaze.ErrFrameNotReady):
			// Stream not producing sized frames yet; try again next tick.
		default:
			s.logger.Debug("frame rejected", zap.Error(err), zap.Uint64("seq", frame.Seq))
		}
	}

	if gen == s.generation && s.running {
		s.scheduleFrame(gen)
	}
	s.refresh()
}

func (s *Session) onViolation(count int) {
	at := s.sched.Now()
	s.violations = append(s.violations, at)
	s.persistInt(store.KeyGazeViolations, count)

	s.logger.Warn("gaze violation",
		zap.String(logger.FieldSessionID, s.sessionID),
		zap.Int(logger.FieldCount, count),
		zap.Bool("face_present", s.estimate.FacePresent),
		zap.Bool("looking_left", s.estimate.LookingLeft),
		zap.Bool("looking_right", s.estimate.LookingRight))
	s.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentTracker,
		Event:     diaglog.EventGazeViolation,
		SessionID: s.sessionID,
		Payload: map[string]any{
			"count":        count,
			"face_present": s.estimate.FacePresent,
		},
	})
	s.emit(emitter.TypeGazeViolation, map[string]any{
		"count":         count,
		"face_present":  s.estimate.FacePresent,
		"looking_left":  s.estimate.LookingLeft,
		"looking_right": s.estimate.LookingRight,
	})
}

// Stop releases the camera, cancels the sampling loop and any pending
// debounce timer. Once Stop returns no further violation can be recorded.
// Idempotent.
func (s *Session) Stop() {
	s.sched.Do(s.stop)
}

func (s *Session) stop() {
	if !s.running && !s.starting {
		return
	}
	wasRunning := s.running
	s.generation++
	s.starting = false
	s.running = false

	if s.frameTimer != nil {
		s.frameTimer.Stop()
		s.frameTimer = nil
	}
	s.tracker.Cancel()
	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			s.logger.Debug("close camera stream", zap.Error(err))
		}
		s.stream = nil
	}
	if s.status == StatusReady {
		s.status = StatusInitializing
	}

	if wasRunning {
		s.stoppedAt = s.sched.Now()
		s.logger.Info("proctoring stopped",
			zap.String(logger.FieldSessionID, s.sessionID),
			zap.Int(logger.FieldCount, s.tracker.ViolationCount()))
		s.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentProctor,
			Event:     diaglog.EventSessionStop,
			SessionID: s.sessionID,
			Payload:   map[string]any{"violation_count": s.tracker.ViolationCount()},
		})
		s.emit(emitter.TypeSessionStopped, map[string]any{"violation_count": s.tracker.ViolationCount()})
	}
	s.publish()
}

// DismissWarning acknowledges the gaze warning. The count is kept.
func (s *Session) DismissWarning() {
	s.sched.Do(func() {
		if !s.tracker.ShowWarning() && s.tracker.State() == statemachine.LookingAtScreen {
			return
		}
		closed := s.tracker.Closed()
		s.tracker.Dismiss()
		if closed {
			// A cancelled tracker stays silent.
			s.publish()
		}
		s.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentTracker,
			Event:     diaglog.EventGazeDismissed,
			SessionID: s.sessionID,
			Payload:   map[string]any{"count": s.tracker.ViolationCount()},
		})
	})
}

// Reset stops the session and zeroes the persisted counter. Only an explicit
// session reset (a new interview) clears violations.
func (s *Session) Reset(ctx context.Context) error {
	s.sched.Do(func() {
		s.stop()
		s.tracker.Reset()
		s.violations = nil
		s.webcamError = ""
		s.status = StatusInitializing
		s.sessionID = ""
		s.startedAt = time.Time{}
		s.publish()
	})
	if err := store.SetInt(ctx, s.store, store.KeyGazeViolations, 0); err != nil {
		return fmt.Errorf("reset %s: %w", store.KeyGazeViolations, err)
	}
	return nil
}

// Snapshot returns the latest observable state. Safe from any goroutine,
// including subscriber callbacks.
func (s *Session) Snapshot() Snapshot {
	return *s.snap.Load()
}

// Subscribe registers fn for state changes and returns a function that
// removes it. fn runs on the scheduler: it must not block or call Start,
// Stop, DismissWarning or Reset.
func (s *Session) Subscribe(fn func(Snapshot)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// Report summarises the session for the end-of-session sidecar.
func (s *Session) Report() fileutil.SessionReport {
	var r fileutil.SessionReport
	s.sched.Do(func() {
		r = fileutil.SessionReport{
			SessionID:      s.sessionID,
			ViolationCount: s.tracker.ViolationCount(),
			Violations:     append([]time.Time(nil), s.violations...),
			WebcamError:    s.webcamError,
		}
		stopped := s.stoppedAt
		if s.running || stopped.IsZero() {
			stopped = s.sched.Now()
		}
		r.SetTimes(s.startedAt, stopped)
	})
	return r
}

// build assembles a Snapshot. Runs on the scheduler.
func (s *Session) build() Snapshot {
	return Snapshot{
		SessionID:      s.sessionID,
		Status:         s.status,
		Running:        s.running,
		IsLookingAway:  s.tracker.IsLookingAway(),
		ShowWarning:    s.tracker.ShowWarning(),
		ViolationCount: s.tracker.ViolationCount(),
		IsWebcamReady:  s.status == StatusReady,
		WebcamError:    s.webcamError,
		GazeState:      s.tracker.State(),
		Estimate:       s.estimate,
		StartedAt:      s.startedAt,
	}
}

// refresh updates the stored snapshot without notifying subscribers. Used
// per frame, where only the raw estimate moves.
func (s *Session) refresh() {
	snap := s.build()
	s.snap.Store(&snap)
}

// publish updates the snapshot and notifies subscribers.
func (s *Session) publish() {
	snap := s.build()
	s.snap.Store(&snap)

	s.subMu.Lock()
	subs := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

func (s *Session) emit(typ string, data map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	ev := emitter.NewEvent(typ, s.sessionID, s.sched.Now(), data)
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Debug("publish event failed", zap.String("type", typ), zap.Error(err))
	}
}

func (s *Session) persistInt(key string, v int) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := store.SetInt(ctx, s.store, key, v); err != nil {
		s.logger.Error("persist failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *Session) persistBool(key string, v bool) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := store.SetBool(ctx, s.store, key, v); err != nil {
		s.logger.Error("persist failed", zap.String("key", key), zap.Error(err))
	}
}
