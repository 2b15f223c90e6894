package daemon

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiroq/proctor/internal/bridge"
	"github.com/tiroq/proctor/internal/config"
	"github.com/tiroq/proctor/internal/interview"
	"github.com/tiroq/proctor/internal/ipc"
	"github.com/tiroq/proctor/internal/proctor"
	"github.com/tiroq/proctor/internal/store"
	"github.com/tiroq/proctor/testutil"
)

const waitTimeout = 3 * time.Second

type fakeAPI struct {
	mu       sync.Mutex
	start    *interview.RoundResult
	startErr error
	answers  []*interview.RoundResult
	final    *interview.FinalDecision
}

func (f *fakeAPI) Reset(context.Context) error { return nil }

func (f *fakeAPI) Start(context.Context, string, string) (*interview.RoundResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.start, f.startErr
}

func (f *fakeAPI) Answer(context.Context, int, string) (*interview.RoundResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.answers) == 0 {
		return nil, errors.New("no scripted answer")
	}
	res := f.answers[0]
	f.answers = f.answers[1:]
	return res, nil
}

func (f *fakeAPI) FinalDecision(context.Context) (*interview.FinalDecision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.final, nil
}

type fixture struct {
	d       *Daemon
	api     *fakeAPI
	srv     *httptest.Server
	store   *store.Memory
	reports string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Gaze.DebounceMs = 150
	cfg.Gaze.FrameIntervalMs = 10
	cfg.Reports.Dir = filepath.Join(t.TempDir(), "reports")

	f := &fixture{
		api: &fakeAPI{
			start: &interview.RoundResult{
				Status:    interview.StatusContinue,
				Verdict:   "good fit",
				NextRound: 2,
				Question:  "Design a rate limiter.",
			},
			answers: []*interview.RoundResult{{Status: interview.StatusComplete, Verdict: "solid"}},
			final:   &interview.FinalDecision{Decision: "HIRE", Rationale: "strong", Status: interview.StatusComplete},
		},
		store:   store.NewMemory(),
		reports: cfg.Reports.Dir,
	}

	d, err := New(Options{
		Config:     cfg,
		Store:      f.store,
		Interview:  f.api,
		RuntimeDir: ipc.Dir(t.TempDir()),
		Version:    "test",
	})
	require.NoError(t, err)
	f.d = d
	f.srv = httptest.NewServer(d.Handler())
	t.Cleanup(func() {
		d.Session().Stop()
		d.Bridge().Close()
		f.srv.Close()
	})
	return f
}

func (f *fixture) dial(t *testing.T, opts testutil.AgentOptions) *testutil.MockAgent {
	t.Helper()
	a, err := testutil.DialAgent(f.srv, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	_, ok := a.WaitFor(bridge.TypeRound, waitTimeout)
	require.True(t, ok, "agent should get the current round on hello")
	return a
}

// stream sends frames from next() until the returned stop is called.
func stream(a *testutil.MockAgent, next func(seq uint64) error) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		var seq uint64
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				seq++
				if next(seq) != nil {
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

func TestInterviewGatesProctoring(t *testing.T) {
	f := newFixture(t)
	a := f.dial(t, testutil.AgentOptions{FullscreenSupported: true})

	require.NoError(t, a.Send(bridge.TypeInterviewStart, bridge.InterviewStartPayload{Resume: "cv", Role: "Backend Developer"}))

	require.Eventually(t, func() bool {
		return f.d.Flow().Stage() == interview.StageTechnical && f.d.Session().Snapshot().Running
	}, waitTimeout, 10*time.Millisecond, "proctoring starts with the technical round")

	_, ok := a.WaitFor(bridge.TypeFullscreenRequest, waitTimeout)
	assert.True(t, ok, "starting an interview requests fullscreen")
	require.Eventually(t, func() bool { return f.d.Fullscreen().State().IsFullscreen }, waitTimeout, 10*time.Millisecond)

	stop := stream(a, func(seq uint64) error {
		frame := testutil.NoFaceFrame()
		frame.Seq = seq
		return a.SendFrame(frame)
	})
	require.Eventually(t, func() bool {
		return f.d.Session().Snapshot().ViolationCount >= 1
	}, waitTimeout, 10*time.Millisecond, "sustained absence is a violation")
	stop()

	snap := f.d.Session().Snapshot()
	assert.True(t, snap.ShowWarning)
	assert.Equal(t, proctor.StatusReady, snap.Status)

	count, err := store.GetInt(context.Background(), f.store, store.KeyGazeViolations)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, 1)

	require.NoError(t, a.Send(bridge.TypeDismiss, bridge.DismissPayload{Target: bridge.TargetGaze}))
	require.Eventually(t, func() bool { return !f.d.Session().Snapshot().ShowWarning }, waitTimeout, 10*time.Millisecond)

	require.NoError(t, a.Send(bridge.TypeAnswer, bridge.AnswerPayload{Answer: "token bucket"}))
	require.Eventually(t, func() bool {
		return f.d.Flow().Stage() == interview.StageDecision && !f.d.Session().Snapshot().Running
	}, waitTimeout, 10*time.Millisecond, "proctoring stops after the last round")

	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(f.reports)
		return err == nil && len(entries) == 1
	}, waitTimeout, 10*time.Millisecond, "a report is written when proctoring ends")
}

func TestRateLimitedStartReportsError(t *testing.T) {
	f := newFixture(t)
	f.api.startErr = &interview.APIError{StatusCode: http.StatusTooManyRequests, Detail: interview.RateLimitMessage}
	a := f.dial(t, testutil.AgentOptions{})

	require.NoError(t, a.Send(bridge.TypeInterviewStart, bridge.InterviewStartPayload{Resume: "cv", Role: "SDE 1"}))

	msg, ok := a.WaitFor(bridge.TypeError, waitTimeout)
	require.True(t, ok)
	var p bridge.ErrorPayload
	require.NoError(t, msg.Decode(&p))
	assert.True(t, p.RateLimited)
	assert.Equal(t, interview.RateLimitMessage, p.Message)
	assert.Equal(t, interview.StageScreening, f.d.Flow().Stage())
	assert.False(t, f.d.Session().Snapshot().Running)
}

func TestCameraDeniedSurfacesInStatus(t *testing.T) {
	f := newFixture(t)
	a := f.dial(t, testutil.AgentOptions{CameraMode: testutil.ModeDeny})

	require.NoError(t, a.Send(bridge.TypeInterviewStart, bridge.InterviewStartPayload{Resume: "cv", Role: "SDE 1"}))

	require.Eventually(t, func() bool {
		return f.d.Session().Snapshot().Status == proctor.StatusError && f.d.Status().LastError != ""
	}, waitTimeout, 10*time.Millisecond)

	status := f.d.Status()
	assert.Equal(t, "TECHNICAL", status.Stage)
	assert.True(t, status.InterviewActive)
	assert.Contains(t, status.Proctor.WebcamError, "Permission denied")
}

func TestFinalDecision(t *testing.T) {
	f := newFixture(t)
	f.api.start = &interview.RoundResult{Status: interview.StatusComplete, Verdict: "skip ahead"}
	a := f.dial(t, testutil.AgentOptions{})

	require.NoError(t, a.Send(bridge.TypeInterviewStart, bridge.InterviewStartPayload{Resume: "cv", Role: "SDE 1"}))
	require.Eventually(t, func() bool { return f.d.Flow().Stage() == interview.StageDecision }, waitTimeout, 10*time.Millisecond)

	require.NoError(t, a.Send(bridge.TypeFinal, nil))
	require.Eventually(t, func() bool {
		for _, m := range a.Received() {
			var p bridge.RoundPayload
			if m.Type == bridge.TypeRound && m.Decode(&p) == nil && p.Decision == "HIRE" {
				return p.Verdicts[1] == "skip ahead"
			}
		}
		return false
	}, waitTimeout, 10*time.Millisecond)
}

func TestAgentDisconnectStopsProctoring(t *testing.T) {
	f := newFixture(t)
	a := f.dial(t, testutil.AgentOptions{})

	require.NoError(t, a.Send(bridge.TypeInterviewStart, bridge.InterviewStartPayload{Resume: "cv", Role: "SDE 1"}))
	require.Eventually(t, func() bool { return f.d.Session().Snapshot().Running }, waitTimeout, 10*time.Millisecond)

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return !f.d.Session().Snapshot().Running }, waitTimeout, 10*time.Millisecond)

	// A reloaded page picks proctoring up again.
	f.dial(t, testutil.AgentOptions{})
	require.Eventually(t, func() bool { return f.d.Session().Snapshot().Running }, waitTimeout, 10*time.Millisecond)
}

func TestHandleCommand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, store.SetInt(ctx, f.store, store.KeyGazeViolations, 4))
	f.d.HandleCommand(ctx, ipc.CmdReset)

	count, err := store.GetInt(ctx, f.store, store.KeyGazeViolations)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Equal(t, "reset", f.d.Status().LastAction)

	f.d.HandleCommand(ctx, ipc.CmdQuit)
	select {
	case <-f.d.quit:
	default:
		t.Fatal("quit command should close the quit channel")
	}
}

func TestRunServesAndQuits(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Reports.Dir = ""
	dir := ipc.Dir(t.TempDir())

	d, err := New(Options{Config: cfg, RuntimeDir: dir, Interview: &fakeAPI{}})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	require.Eventually(t, func() bool { return d.Addr() != nil }, waitTimeout, 10*time.Millisecond)
	resp, err := http.Get("http://" + d.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		_, err := dir.ReadStatus()
		return err == nil
	}, waitTimeout, 10*time.Millisecond, "status file is written while running")

	require.NoError(t, dir.WriteCommand(ipc.CmdQuit))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not quit")
	}

	_, err = dir.ReadStatus()
	assert.True(t, os.IsNotExist(err), "status file is removed on shutdown")
}
