// Package daemon wires the proctoring core together: the browser bridge
// supplies camera and fullscreen, the interview flow decides when
// proctoring runs, and the CLI reaches the daemon through ipc files.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tiroq/proctor/internal/bridge"
	"github.com/tiroq/proctor/internal/config"
	"github.com/tiroq/proctor/internal/diaglog"
	"github.com/tiroq/proctor/internal/emitter"
	"github.com/tiroq/proctor/internal/fileutil"
	"github.com/tiroq/proctor/internal/fullscreen"
	"github.com/tiroq/proctor/internal/gaze"
	"github.com/tiroq/proctor/internal/interview"
	"github.com/tiroq/proctor/internal/ipc"
	"github.com/tiroq/proctor/internal/logger"
	"github.com/tiroq/proctor/internal/proctor"
	"github.com/tiroq/proctor/internal/scheduler"
	"github.com/tiroq/proctor/internal/store"
)

const (
	statusInterval  = time.Second
	shutdownTimeout = 5 * time.Second
)

// Options configures a Daemon. Config is required; the rest default.
type Options struct {
	Config     *config.Config
	Logger     *zap.Logger
	Diag       *diaglog.Logger
	Store      store.Store
	Events     emitter.Publisher
	Scheduler  scheduler.Scheduler
	Interview  interview.API
	RuntimeDir ipc.Dir
	Version    string
}

// Daemon is one running proctor-core.
type Daemon struct {
	cfg     *config.Config
	logger  *zap.Logger
	diag    *diaglog.Logger
	store   store.Store
	events  emitter.Publisher
	sched   scheduler.Scheduler
	dir     ipc.Dir
	version string

	bridge     *bridge.Server
	session    *proctor.Session
	fullscreen *fullscreen.Controller
	flow       *interview.Flow

	changed  chan struct{}
	quit     chan struct{}
	quitOnce sync.Once

	mu         sync.Mutex
	lastAction string
	lastError  string
	addr       net.Addr
}

// New builds the daemon's components.
func New(opts Options) (*Daemon, error) {
	if opts.Config == nil {
		return nil, errors.New("daemon: config is required")
	}
	cfg := opts.Config
	l := logger.OrNop(opts.Logger)

	d := &Daemon{
		cfg:     cfg,
		logger:  l.Named("daemon"),
		diag:    opts.Diag,
		store:   opts.Store,
		events:  opts.Events,
		sched:   opts.Scheduler,
		dir:     opts.RuntimeDir,
		version: opts.Version,
		changed: make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
	if d.store == nil {
		d.store = store.NewMemory()
	}
	if d.events == nil {
		d.events = emitter.Nop{}
	}
	if d.sched == nil {
		d.sched = scheduler.NewLoop(cfg.Gaze.FrameInterval())
	}
	if d.dir == "" {
		d.dir = ipc.DefaultDir()
	}

	d.bridge = bridge.NewServer(bridge.Options{
		Logger:         l,
		Diag:           d.diag,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Version:        d.version,
	})

	d.session = proctor.New(proctor.Options{
		Camera:    d.bridge,
		Scheduler: d.sched,
		Store:     d.store,
		Estimator: gaze.NewEstimator(cfg.Gaze.Thresholds()),
		Debounce:  cfg.Gaze.Debounce(),
		Logger:    l,
		Diag:      d.diag,
		Events:    d.events,
	})

	d.fullscreen = fullscreen.New(fullscreen.Options{
		Capability: d.bridge,
		Store:      d.store,
		Logger:     l,
		Diag:       d.diag,
		Events:     d.events,
		SessionID:  func() string { return d.session.Snapshot().SessionID },
	})

	api := opts.Interview
	if api == nil {
		api = interview.NewClient(cfg.Interview.APIBase, cfg.Interview.Timeout(), l)
	}
	d.flow = interview.NewFlow(api, d.store, l, d.diag)

	d.flow.OnStage(d.onStage)
	d.flow.OnActive(d.onActive)
	d.bridge.SetHandler(d)
	d.bridge.OnAgent(d.onAgent)
	d.session.Subscribe(func(proctor.Snapshot) { d.notify() })
	d.fullscreen.Subscribe(func(fullscreen.State) { d.notify() })

	return d, nil
}

// Session returns the proctoring session.
func (d *Daemon) Session() *proctor.Session {
	return d.session
}

// Fullscreen returns the fullscreen controller.
func (d *Daemon) Fullscreen() *fullscreen.Controller {
	return d.fullscreen
}

// Flow returns the interview flow.
func (d *Daemon) Flow() *interview.Flow {
	return d.flow
}

// Bridge returns the agent websocket server.
func (d *Daemon) Bridge() *bridge.Server {
	return d.bridge
}

// Handler returns the HTTP routes served by Run.
func (d *Daemon) Handler() http.Handler {
	return d.bridge.Handler()
}

// Addr returns the listen address once Run has bound it.
func (d *Daemon) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addr
}

// Quit asks Run to return.
func (d *Daemon) Quit() {
	d.quitOnce.Do(func() { close(d.quit) })
}

// Run serves the bridge and the command file until ctx is cancelled or Quit
// is called, then shuts everything down.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.flow.Restore(ctx); err != nil {
		d.logger.Warn("restore interview state failed", zap.Error(err))
	}
	d.fullscreen.Mount(ctx)

	ln, err := net.Listen("tcp", d.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.cfg.Server.Addr, err)
	}
	d.mu.Lock()
	d.addr = ln.Addr()
	d.mu.Unlock()

	srv := &http.Server{
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	d.logger.Info("bridge listening", zap.String("addr", ln.Addr().String()))

	// A command left over from a previous run is not for us.
	if stale, err := d.dir.ReadCommand(); err == nil && stale != "" {
		d.logger.Info("discarding stale command", zap.String("command", string(stale)))
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go d.watchCommands(watchCtx)

	d.writeStatus()
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("shutdown requested", zap.Error(ctx.Err()))
			break loop
		case <-d.quit:
			d.logger.Info("quit command received")
			break loop
		case err := <-serveErr:
			runErr = fmt.Errorf("bridge server: %w", err)
			break loop
		case <-d.changed:
			d.writeStatus()
			d.pushStatus()
		case <-ticker.C:
			d.writeStatus()
		}
	}

	d.shutdown(srv)
	return runErr
}

func (d *Daemon) shutdown(srv *http.Server) {
	d.finishSession()
	d.fullscreen.Unmount()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	d.bridge.Close()
	if err := srv.Shutdown(ctx); err != nil {
		d.logger.Warn("http shutdown", zap.Error(err))
	}
	if closer, ok := d.sched.(interface{ Close() }); ok {
		closer.Close()
	}
	if err := d.dir.RemoveStatus(); err != nil {
		d.logger.Warn("remove status file", zap.Error(err))
	}
	d.logger.Info("daemon stopped")
}

// onStage keeps proctoring in step with the interview: it runs only in the
// technical and scenario rounds.
func (d *Daemon) onStage(from, to interview.Stage) {
	d.setAction(fmt.Sprintf("stage %s -> %s", from, to))
	d.notify()
	go d.syncProctoring(context.Background())
}

// onActive runs when an interview starts or is abandoned.
func (d *Daemon) onActive(active bool) {
	ctx := context.Background()
	if active {
		d.finishSession()
		if err := d.session.Reset(ctx); err != nil {
			d.logger.Error("reset proctoring session", zap.Error(err))
		}
		go func() {
			if err := d.fullscreen.Enter(ctx); err != nil {
				d.setError(err)
			}
		}()
		return
	}
	d.finishSession()
	go func() {
		if err := d.fullscreen.Exit(ctx); err != nil {
			d.logger.Debug("exit fullscreen", zap.Error(err))
		}
	}()
}

// onAgent handles the interview page loading or going away.
func (d *Daemon) onAgent(connected bool) {
	ctx := context.Background()
	if !connected {
		// The camera went with the page; the count survives in the store.
		d.session.Stop()
		d.notify()
		return
	}

	d.fullscreen.Unmount()
	d.fullscreen.Mount(ctx)
	d.sendRound(nil, nil)
	d.notify()
	d.syncProctoring(ctx)
}

// syncProctoring starts or stops the session to match the current stage.
// Concurrent calls converge on the latest stage.
func (d *Daemon) syncProctoring(ctx context.Context) {
	if !interview.ProctoredStage(d.flow.Stage()) {
		d.finishSession()
		return
	}
	if !d.bridge.Connected() {
		return
	}
	if err := d.session.Start(ctx); err != nil {
		d.setError(err)
		return
	}
	if !interview.ProctoredStage(d.flow.Stage()) {
		d.finishSession()
	}
}

// finishSession stops a running session and writes its report.
func (d *Daemon) finishSession() {
	if !d.session.Snapshot().Running {
		d.session.Stop()
		return
	}
	d.session.Stop()
	d.writeReport()
}

func (d *Daemon) writeReport() {
	r := d.session.Report()
	if r.StartedAt.IsZero() || d.cfg.Reports.Dir == "" {
		return
	}
	r.Version = d.version
	r.Stage = string(d.flow.Stage())
	r.FullscreenExits = d.fullscreen.State().Exits

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if role, ok, err := d.store.Get(ctx, store.KeyInterviewRole); err == nil && ok {
		r.Role = role
	}

	path, err := fileutil.WriteReport(d.cfg.Reports.Dir, &r)
	if err != nil {
		d.logger.Error("write session report", zap.Error(err))
		return
	}
	d.logger.Info("session report written",
		zap.String("path", path),
		zap.String(logger.FieldSessionID, r.SessionID),
		zap.Int(logger.FieldCount, r.ViolationCount))
}

func (d *Daemon) notify() {
	select {
	case d.changed <- struct{}{}:
	default:
	}
}

func (d *Daemon) setAction(action string) {
	d.mu.Lock()
	d.lastAction = action
	d.mu.Unlock()
}

func (d *Daemon) setError(err error) {
	d.logger.Warn("daemon error", zap.Error(err))
	d.mu.Lock()
	d.lastError = err.Error()
	d.mu.Unlock()
	d.notify()
}

// Status assembles the snapshot published to the CLI and the page.
func (d *Daemon) Status() *ipc.StatusSnapshot {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	role, _, _ := d.store.Get(ctx, store.KeyInterviewRole)

	d.mu.Lock()
	action, lastErr := d.lastAction, d.lastError
	d.mu.Unlock()

	return &ipc.StatusSnapshot{
		PID:             os.Getpid(),
		Version:         d.version,
		AgentConnected:  d.bridge.Connected(),
		InterviewActive: d.flow.Active(ctx),
		Stage:           string(d.flow.Stage()),
		Role:            role,
		Proctor:         d.session.Snapshot(),
		Fullscreen:      d.fullscreen.State(),
		LastAction:      action,
		LastError:       lastErr,
		Timestamp:       time.Now(),
	}
}

func (d *Daemon) writeStatus() {
	if err := d.dir.WriteStatus(d.Status()); err != nil {
		d.logger.Warn("write status", zap.Error(err))
	}
}

func (d *Daemon) pushStatus() {
	d.bridge.Push(bridge.TypeStatus, d.Status())
}
