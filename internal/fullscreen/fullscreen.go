// Package fullscreen enforces fullscreen mode while an interview is active.
// The platform side (a browser tab, a kiosk window) is reached through
// Capability; the controller only keeps the two observable flags and decides
// when to warn and when to ask for fullscreen again.
package fullscreen

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tiroq/proctor/internal/diaglog"
	"github.com/tiroq/proctor/internal/emitter"
	"github.com/tiroq/proctor/internal/logger"
	"github.com/tiroq/proctor/internal/store"
)

var (
	// ErrUnsupported is returned when the platform cannot go fullscreen.
	ErrUnsupported = errors.New("fullscreen: not supported")
	// ErrRequestFailed wraps a platform refusal (no user gesture, denied).
	ErrRequestFailed = errors.New("fullscreen: request failed")
)

// Capability is the platform fullscreen API.
type Capability interface {
	IsSupported() bool
	IsFullscreen() bool
	Request(ctx context.Context) error
	Exit(ctx context.Context) error
	// OnChange registers fn for every fullscreen change and returns a
	// function that removes it.
	OnChange(fn func(active bool)) (unsubscribe func())
}

// State is what the UI renders.
type State struct {
	Supported    bool `json:"supported"`
	IsFullscreen bool `json:"is_fullscreen"`
	ShowWarning  bool `json:"show_warning"`
	Exits        int  `json:"exits"` // fullscreen exits seen while the interview was active
}

// Options configures a Controller.
type Options struct {
	Capability Capability
	Store      store.Store
	Logger     *zap.Logger
	Diag       *diaglog.Logger
	Events     emitter.Publisher
	// SessionID labels published events; may be nil.
	SessionID func() string
	Now       func() time.Time
}

// Controller tracks fullscreen state for one interview page.
type Controller struct {
	cap    Capability
	store  store.Store
	logger *zap.Logger
	diag   *diaglog.Logger
	events emitter.Publisher
	sessID func() string
	now    func() time.Time

	mu          sync.Mutex
	state       State
	unsubscribe func()
	subs        map[int]func(State)
	nextSub     int
}

// New creates a Controller. Call Mount to start observing.
func New(opts Options) *Controller {
	c := &Controller{
		cap:    opts.Capability,
		store:  opts.Store,
		logger: logger.OrNop(opts.Logger).Named("fullscreen"),
		diag:   opts.Diag,
		events: opts.Events,
		sessID: opts.SessionID,
		now:    opts.Now,
		subs:   make(map[int]func(State)),
	}
	if c.events == nil {
		c.events = emitter.Nop{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.store == nil {
		c.store = store.NewMemory()
	}
	return c
}

// Mount subscribes to platform changes and, when an interview is active but
// the page is not fullscreen (a reload mid-interview), asks for it again.
func (c *Controller) Mount(ctx context.Context) {
	c.mu.Lock()
	if c.unsubscribe != nil {
		c.mu.Unlock()
		return
	}
	c.unsubscribe = c.cap.OnChange(c.handleChange)
	c.state.Supported = c.cap.IsSupported()
	c.state.IsFullscreen = c.cap.IsFullscreen()
	fullscreen := c.state.IsFullscreen
	c.mu.Unlock()

	c.notify()

	if !fullscreen && c.interviewActive(ctx) {
		c.logger.Info("interview active without fullscreen, re-entering")
		_ = c.Enter(ctx)
	}
}

// Unmount stops observing. Safe to call more than once.
func (c *Controller) Unmount() {
	c.mu.Lock()
	unsub := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

// Enter requests fullscreen. Failures are logged and returned, never fatal:
// the warning modal stays up as the manual recovery path.
func (c *Controller) Enter(ctx context.Context) error {
	if !c.cap.IsSupported() {
		c.logger.Debug("fullscreen not supported")
		return ErrUnsupported
	}
	if err := c.cap.Request(ctx); err != nil {
		c.logger.Warn("fullscreen request failed", zap.Error(err))
		c.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentFullscreen,
			Event:     diaglog.EventFullscreenFailed,
			SessionID: c.sessionID(),
			Reason:    err.Error(),
		})
		return fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	return nil
}

// Exit leaves fullscreen, with the same failure tolerance as Enter.
func (c *Controller) Exit(ctx context.Context) error {
	if !c.cap.IsSupported() {
		return ErrUnsupported
	}
	if err := c.cap.Exit(ctx); err != nil {
		c.logger.Warn("exit fullscreen failed", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	return nil
}

// Dismiss clears the warning and asks for fullscreen again. There is no way
// to clear the warning without the re-entry attempt.
func (c *Controller) Dismiss(ctx context.Context) {
	c.mu.Lock()
	wasShown := c.state.ShowWarning
	c.state.ShowWarning = false
	c.mu.Unlock()

	if wasShown {
		c.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentFullscreen,
			Event:     diaglog.EventFullscreenDismiss,
			SessionID: c.sessionID(),
		})
		c.notify()
	}
	_ = c.Enter(ctx)
}

// State returns the current flags.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers fn for every state change and returns a function that
// removes it. fn must not call back into the controller's mutating methods.
func (c *Controller) Subscribe(fn func(State)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *Controller) handleChange(active bool) {
	ctx := context.Background()
	warn := !active && c.interviewActive(ctx)

	c.mu.Lock()
	c.state.IsFullscreen = active
	if warn {
		c.state.ShowWarning = true
		c.state.Exits++
	}
	exits := c.state.Exits
	c.mu.Unlock()

	c.logger.Debug("fullscreen changed", zap.Bool("active", active), zap.Bool("warning", warn))

	if warn {
		sid := c.sessionID()
		c.logger.Warn("fullscreen exited during interview", zap.Int("exits", exits))
		c.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentFullscreen,
			Event:     diaglog.EventFullscreenExited,
			SessionID: sid,
			Payload:   map[string]any{"exits": exits},
		})
		ev := emitter.NewEvent(emitter.TypeFullscreenExited, sid, c.now(), map[string]any{"exits": exits})
		if err := c.events.Publish(ctx, ev); err != nil {
			c.logger.Debug("publish fullscreen event failed", zap.Error(err))
		}
	}
	c.notify()
}

func (c *Controller) interviewActive(ctx context.Context) bool {
	active, err := store.GetBool(ctx, c.store, store.KeyInterviewActive)
	if err != nil {
		c.logger.Warn("read interview_active failed", zap.Error(err))
		return false
	}
	return active
}

func (c *Controller) sessionID() string {
	if c.sessID == nil {
		return ""
	}
	return c.sessID()
}

func (c *Controller) notify() {
	c.mu.Lock()
	st := c.state
	subs := make([]func(State), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(st)
	}
}
