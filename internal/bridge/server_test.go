package bridge_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiroq/proctor/internal/bridge"
	"github.com/tiroq/proctor/testutil"
)

const waitTimeout = 2 * time.Second

func newServer(t *testing.T, opts bridge.Options) (*bridge.Server, *httptest.Server) {
	t.Helper()
	s := bridge.NewServer(opts)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		srv.Close()
	})
	return s, srv
}

func dial(t *testing.T, srv *httptest.Server, opts testutil.AgentOptions) *testutil.MockAgent {
	t.Helper()
	a, err := testutil.DialAgent(srv, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	_, ok := a.WaitFor(bridge.TypeWelcome, waitTimeout)
	require.True(t, ok, "no welcome")
	flush(t, a)
	return a
}

// flush waits until the server has processed everything a sent so far. The
// server reads one connection sequentially, so a pong implies the rest.
func flush(t *testing.T, a *testutil.MockAgent) {
	t.Helper()
	before := countType(a, bridge.TypePong)
	require.NoError(t, a.Send(bridge.TypePing, nil))
	require.Eventually(t, func() bool {
		return countType(a, bridge.TypePong) > before
	}, waitTimeout, 5*time.Millisecond)
}

func countType(a *testutil.MockAgent, typ string) int {
	n := 0
	for _, m := range a.Received() {
		if m.Type == typ {
			n++
		}
	}
	return n
}

func TestHealthz(t *testing.T) {
	_, srv := newServer(t, bridge.Options{})

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["agent_connected"])
}

func TestWelcomeCarriesVersion(t *testing.T) {
	s, srv := newServer(t, bridge.Options{Version: "1.2.3"})
	a := dial(t, srv, testutil.AgentOptions{})

	msg, ok := a.WaitFor(bridge.TypeWelcome, waitTimeout)
	require.True(t, ok)
	var p bridge.WelcomePayload
	require.NoError(t, msg.Decode(&p))
	assert.Equal(t, "1.2.3", p.Version)
	assert.NotEmpty(t, p.AgentID)
	assert.True(t, s.Connected())
}

func TestOpenWithoutAgent(t *testing.T) {
	s, _ := newServer(t, bridge.Options{})

	_, err := s.Open(context.Background())
	assert.ErrorIs(t, err, bridge.ErrNoAgent)
}

func TestCameraGrantedStreamsFrames(t *testing.T) {
	s, srv := newServer(t, bridge.Options{})
	a := dial(t, srv, testutil.AgentOptions{})

	stream, err := s.Open(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	_, ok := stream.Frame()
	assert.False(t, ok, "no frame before the first one arrives")

	f := testutil.LookingFrame()
	f.Seq = 7
	require.NoError(t, a.SendFrame(f))
	flush(t, a)

	got, ok := stream.Frame()
	require.True(t, ok)
	assert.Equal(t, uint64(7), got.Seq)
	assert.Equal(t, f.Width, got.Width)
	assert.Equal(t, f.Data, got.Data)
	assert.Equal(t, uint64(1), s.FramesReceived())
}

func TestCameraDenied(t *testing.T) {
	s, srv := newServer(t, bridge.Options{})
	dial(t, srv, testutil.AgentOptions{CameraMode: testutil.ModeDeny})

	_, err := s.Open(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, bridge.ErrCameraDenied)
	assert.Contains(t, err.Error(), "Permission denied")
}

func TestCameraTimeout(t *testing.T) {
	s, srv := newServer(t, bridge.Options{CameraTimeout: 50 * time.Millisecond})
	dial(t, srv, testutil.AgentOptions{CameraMode: testutil.ModeSilent})

	_, err := s.Open(context.Background())
	assert.ErrorIs(t, err, bridge.ErrTimeout)
}

func TestCameraOpenCancelled(t *testing.T) {
	s, srv := newServer(t, bridge.Options{})
	dial(t, srv, testutil.AgentOptions{CameraMode: testutil.ModeSilent})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := s.Open(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFramesIgnoredWhileCameraClosed(t *testing.T) {
	s, srv := newServer(t, bridge.Options{})
	a := dial(t, srv, testutil.AgentOptions{})

	require.NoError(t, a.SendFrame(testutil.LookingFrame()))
	flush(t, a)
	assert.Zero(t, s.FramesReceived())
}

func TestMalformedFrameDropped(t *testing.T) {
	s, srv := newServer(t, bridge.Options{})
	a := dial(t, srv, testutil.AgentOptions{})

	stream, err := s.Open(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	f := testutil.LookingFrame()
	f.Data = f.Data[:len(f.Data)-4]
	require.NoError(t, a.SendFrame(f))
	flush(t, a)

	_, ok := stream.Frame()
	assert.False(t, ok)
}

func TestStreamCloseStopsFrames(t *testing.T) {
	s, srv := newServer(t, bridge.Options{})
	a := dial(t, srv, testutil.AgentOptions{})

	stream, err := s.Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, a.SendFrame(testutil.LookingFrame()))
	flush(t, a)

	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())

	_, ok := a.WaitFor(bridge.TypeCameraClose, waitTimeout)
	assert.True(t, ok)
	_, ok = stream.Frame()
	assert.False(t, ok)

	require.NoError(t, a.SendFrame(testutil.LookingFrame()))
	flush(t, a)
	assert.Equal(t, uint64(1), s.FramesReceived())
}

func TestStreamDeadAfterDisconnect(t *testing.T) {
	s, srv := newServer(t, bridge.Options{})
	a := dial(t, srv, testutil.AgentOptions{})

	stream, err := s.Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, a.SendFrame(testutil.LookingFrame()))
	flush(t, a)

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return !s.Connected() }, waitTimeout, 5*time.Millisecond)

	_, ok := stream.Frame()
	assert.False(t, ok)
}

func TestFullscreenRequestGranted(t *testing.T) {
	s, srv := newServer(t, bridge.Options{})
	dial(t, srv, testutil.AgentOptions{FullscreenSupported: true})

	assert.True(t, s.IsSupported())
	assert.False(t, s.IsFullscreen())
	require.NoError(t, s.Request(context.Background()))
	assert.True(t, s.IsFullscreen())

	require.NoError(t, s.Exit(context.Background()))
	assert.False(t, s.IsFullscreen())
}

func TestFullscreenRequestDenied(t *testing.T) {
	s, srv := newServer(t, bridge.Options{})
	dial(t, srv, testutil.AgentOptions{FullscreenSupported: true, FullscreenMode: testutil.ModeDeny})

	err := s.Request(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Permissions check failed")
	assert.False(t, s.IsFullscreen())
}

func TestFullscreenRequestTimeout(t *testing.T) {
	s, srv := newServer(t, bridge.Options{ReplyTimeout: 50 * time.Millisecond})
	dial(t, srv, testutil.AgentOptions{FullscreenSupported: true, FullscreenMode: testutil.ModeSilent})

	assert.ErrorIs(t, s.Request(context.Background()), bridge.ErrTimeout)
}

func TestFullscreenUnsupportedWithoutAgent(t *testing.T) {
	s, _ := newServer(t, bridge.Options{})

	assert.False(t, s.IsSupported())
	assert.ErrorIs(t, s.Request(context.Background()), bridge.ErrNoAgent)
}

func TestFullscreenChangeNotifiesListeners(t *testing.T) {
	s, srv := newServer(t, bridge.Options{})

	var mu sync.Mutex
	var seen []bool
	unsubscribe := s.OnChange(func(active bool) {
		mu.Lock()
		seen = append(seen, active)
		mu.Unlock()
	})

	a := dial(t, srv, testutil.AgentOptions{FullscreenSupported: true, Fullscreen: true})
	require.NoError(t, a.SetFullscreen(false))
	require.NoError(t, a.SetFullscreen(false))
	flush(t, a)

	mu.Lock()
	assert.Equal(t, []bool{true, false}, seen, "hello reports the initial state, repeats are ignored")
	mu.Unlock()

	unsubscribe()
	require.NoError(t, a.SetFullscreen(true))
	flush(t, a)

	mu.Lock()
	assert.Len(t, seen, 2)
	mu.Unlock()
}

func TestAgentReplaced(t *testing.T) {
	s, srv := newServer(t, bridge.Options{})
	first := dial(t, srv, testutil.AgentOptions{})
	second := dial(t, srv, testutil.AgentOptions{})

	select {
	case <-first.Done():
	case <-time.After(waitTimeout):
		t.Fatal("first agent was not disconnected")
	}
	assert.True(t, s.Connected())

	stream, err := s.Open(context.Background())
	require.NoError(t, err)
	defer stream.Close()
	_, ok := second.WaitFor(bridge.TypeCameraOpen, waitTimeout)
	assert.True(t, ok)
}

func TestOnAgentHook(t *testing.T) {
	s, srv := newServer(t, bridge.Options{})

	events := make(chan bool, 4)
	s.OnAgent(func(connected bool) { events <- connected })

	a := dial(t, srv, testutil.AgentOptions{})
	select {
	case v := <-events:
		assert.True(t, v)
	case <-time.After(waitTimeout):
		t.Fatal("no connect hook")
	}

	require.NoError(t, a.Close())
	select {
	case v := <-events:
		assert.False(t, v)
	case <-time.After(waitTimeout):
		t.Fatal("no disconnect hook")
	}
}

type recordingHandler struct {
	mu    sync.Mutex
	calls []string
}

func (h *recordingHandler) record(call string) {
	h.mu.Lock()
	h.calls = append(h.calls, call)
	h.mu.Unlock()
}

func (h *recordingHandler) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func (h *recordingHandler) Dismiss(target string) { h.record("dismiss:" + target) }
func (h *recordingHandler) InterviewStart(_ context.Context, resume, role string) {
	h.record("start:" + role + ":" + resume)
}
func (h *recordingHandler) Answer(_ context.Context, answer string) { h.record("answer:" + answer) }
func (h *recordingHandler) Final(context.Context)                   { h.record("final") }
func (h *recordingHandler) Restart(context.Context)                 { h.record("restart") }

func TestCommandsReachHandler(t *testing.T) {
	s, srv := newServer(t, bridge.Options{})
	h := &recordingHandler{}
	s.SetHandler(h)
	a := dial(t, srv, testutil.AgentOptions{})

	require.NoError(t, a.Send(bridge.TypeInterviewStart, bridge.InterviewStartPayload{Resume: "cv", Role: "Backend Engineer"}))
	require.Eventually(t, func() bool { return len(h.Calls()) == 1 }, waitTimeout, 5*time.Millisecond)
	require.NoError(t, a.Send(bridge.TypeAnswer, bridge.AnswerPayload{Answer: "42"}))
	require.Eventually(t, func() bool { return len(h.Calls()) == 2 }, waitTimeout, 5*time.Millisecond)
	require.NoError(t, a.Send(bridge.TypeDismiss, bridge.DismissPayload{Target: bridge.TargetGaze}))
	require.Eventually(t, func() bool { return len(h.Calls()) == 3 }, waitTimeout, 5*time.Millisecond)

	assert.Equal(t, []string{"start:Backend Engineer:cv", "answer:42", "dismiss:gaze"}, h.Calls())
}

func TestCommandWithoutHandlerReportsError(t *testing.T) {
	_, srv := newServer(t, bridge.Options{})
	a := dial(t, srv, testutil.AgentOptions{})

	require.NoError(t, a.Send(bridge.TypeFinal, nil))
	msg, ok := a.WaitFor(bridge.TypeError, waitTimeout)
	require.True(t, ok)
	var p bridge.ErrorPayload
	require.NoError(t, msg.Decode(&p))
	assert.Equal(t, "daemon not ready", p.Message)
}

func TestSendAndPush(t *testing.T) {
	s, srv := newServer(t, bridge.Options{})

	assert.True(t, errors.Is(s.Send(bridge.TypeStatus, nil), bridge.ErrNoAgent))
	s.Push(bridge.TypeStatus, nil)

	a := dial(t, srv, testutil.AgentOptions{})
	require.NoError(t, s.Send(bridge.TypeRound, map[string]any{"question": "Q1"}))
	s.Push(bridge.TypeStatus, map[string]any{"violations": 1})

	_, ok := a.WaitFor(bridge.TypeRound, waitTimeout)
	assert.True(t, ok)
	msg, ok := a.WaitFor(bridge.TypeStatus, waitTimeout)
	require.True(t, ok)
	var p map[string]any
	require.NoError(t, msg.Decode(&p))
	assert.EqualValues(t, 1, p["violations"])
}

func TestOriginCheck(t *testing.T) {
	_, srv := newServer(t, bridge.Options{AllowedOrigins: []string{"interview.example.com"}})

	header := http.Header{"Origin": []string{"https://evil.example.org"}}
	url := "ws" + srv.URL[len("http"):] + "/ws"
	_, resp, err := websocketDial(url, header)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}

	header.Set("Origin", "https://interview.example.com")
	conn, _, err := websocketDial(url, header)
	require.NoError(t, err)
	_ = conn.Close()
}
