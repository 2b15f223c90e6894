package fullscreen_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiroq/proctor/internal/emitter"
	"github.com/tiroq/proctor/internal/fullscreen"
	"github.com/tiroq/proctor/internal/store"
	"github.com/tiroq/proctor/testutil"
)

// fakeCapability plays the browser's fullscreen API.
type fakeCapability struct {
	mu         sync.Mutex
	supported  bool
	active     bool
	requestErr error
	requests   int
	exits      int
	listeners  map[int]func(bool)
	next       int
}

func newFakeCapability() *fakeCapability {
	return &fakeCapability{supported: true, listeners: make(map[int]func(bool))}
}

func (f *fakeCapability) IsSupported() bool { return f.supported }

func (f *fakeCapability) IsFullscreen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeCapability) Request(context.Context) error {
	f.mu.Lock()
	f.requests++
	err := f.requestErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.set(true)
	return nil
}

func (f *fakeCapability) Exit(context.Context) error {
	f.mu.Lock()
	f.exits++
	f.mu.Unlock()
	f.set(false)
	return nil
}

func (f *fakeCapability) OnChange(fn func(bool)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.listeners[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners, id)
	}
}

// set changes the platform state and fires listeners, like the user
// pressing Esc or the browser granting a request.
func (f *fakeCapability) set(active bool) {
	f.mu.Lock()
	f.active = active
	fns := make([]func(bool), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(active)
	}
}

func (f *fakeCapability) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

func (f *fakeCapability) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

type fixture struct {
	cap    *fakeCapability
	store  *store.Memory
	events *testutil.EventRecorder
	logs   *testutil.LogCapture
	ctrl   *fullscreen.Controller
}

func newFixture(t *testing.T, interviewActive bool) *fixture {
	t.Helper()
	f := &fixture{
		cap:    newFakeCapability(),
		store:  store.NewMemory(),
		events: &testutil.EventRecorder{},
		logs:   testutil.NewLogCapture(),
	}
	require.NoError(t, store.SetBool(context.Background(), f.store, store.KeyInterviewActive, interviewActive))
	f.ctrl = fullscreen.New(fullscreen.Options{
		Capability: f.cap,
		Store:      f.store,
		Logger:     f.logs.Logger(),
		Events:     f.events,
		SessionID:  func() string { return "sess-1" },
	})
	t.Cleanup(f.ctrl.Unmount)
	return f
}

func TestMount_ReentersWhenInterviewActive(t *testing.T) {
	f := newFixture(t, true)

	f.ctrl.Mount(context.Background())

	assert.Equal(t, 1, f.cap.requestCount())
	st := f.ctrl.State()
	assert.True(t, st.IsFullscreen)
	assert.False(t, st.ShowWarning)
	assert.True(t, st.Supported)
}

func TestMount_NoRequestWhenInactive(t *testing.T) {
	f := newFixture(t, false)

	f.ctrl.Mount(context.Background())

	assert.Equal(t, 0, f.cap.requestCount())
	assert.False(t, f.ctrl.State().IsFullscreen)
}

func TestMount_NoRequestWhenAlreadyFullscreen(t *testing.T) {
	f := newFixture(t, true)
	f.cap.active = true

	f.ctrl.Mount(context.Background())

	assert.Equal(t, 0, f.cap.requestCount())
	assert.True(t, f.ctrl.State().IsFullscreen)
}

func TestExitDuringInterviewShowsWarning(t *testing.T) {
	f := newFixture(t, true)
	f.ctrl.Mount(context.Background())

	var seen []fullscreen.State
	f.ctrl.Subscribe(func(s fullscreen.State) { seen = append(seen, s) })

	f.cap.set(false)

	st := f.ctrl.State()
	assert.False(t, st.IsFullscreen)
	assert.True(t, st.ShowWarning, "warning must be raised within one notification")
	assert.Equal(t, 1, st.Exits)
	require.NotEmpty(t, seen)
	assert.True(t, seen[len(seen)-1].ShowWarning)

	evs := f.events.OfType(emitter.TypeFullscreenExited)
	require.Len(t, evs, 1)
	assert.Equal(t, "sess-1", evs[0].SessionID)
	assert.True(t, f.logs.Contains("fullscreen exited during interview"))
}

func TestExitWhenInactiveNoWarning(t *testing.T) {
	f := newFixture(t, false)
	f.ctrl.Mount(context.Background())
	f.cap.set(true)

	f.cap.set(false)

	assert.False(t, f.ctrl.State().ShowWarning)
	assert.Empty(t, f.events.Events())
}

func TestInterviewActiveReadOnEveryChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.ctrl.Mount(ctx)
	f.cap.set(true)

	require.NoError(t, store.SetBool(ctx, f.store, store.KeyInterviewActive, true))
	f.cap.set(false)

	assert.True(t, f.ctrl.State().ShowWarning)
}

func TestDismissClearsWarningAndReenters(t *testing.T) {
	f := newFixture(t, true)
	f.ctrl.Mount(context.Background())
	f.cap.set(false)
	require.True(t, f.ctrl.State().ShowWarning)
	before := f.cap.requestCount()

	f.ctrl.Dismiss(context.Background())

	assert.Equal(t, before+1, f.cap.requestCount())
	st := f.ctrl.State()
	assert.False(t, st.ShowWarning)
	assert.True(t, st.IsFullscreen)
}

func TestRequestFailureIsLoggedOnly(t *testing.T) {
	f := newFixture(t, true)
	f.cap.requestErr = errors.New("no user gesture")

	assert.NotPanics(t, func() { f.ctrl.Mount(context.Background()) })
	f.cap.set(false)
	f.ctrl.Dismiss(context.Background())

	st := f.ctrl.State()
	assert.False(t, st.IsFullscreen)
	assert.False(t, st.ShowWarning)
	assert.True(t, f.logs.Contains("fullscreen request failed"))

	err := f.ctrl.Enter(context.Background())
	assert.ErrorIs(t, err, fullscreen.ErrRequestFailed)
}

func TestUnsupported(t *testing.T) {
	f := newFixture(t, true)
	f.cap.supported = false

	f.ctrl.Mount(context.Background())

	assert.Equal(t, 0, f.cap.requestCount())
	assert.False(t, f.ctrl.State().Supported)
	assert.ErrorIs(t, f.ctrl.Enter(context.Background()), fullscreen.ErrUnsupported)
	assert.ErrorIs(t, f.ctrl.Exit(context.Background()), fullscreen.ErrUnsupported)
}

func TestExit(t *testing.T) {
	f := newFixture(t, false)
	f.ctrl.Mount(context.Background())
	require.NoError(t, f.ctrl.Enter(context.Background()))

	require.NoError(t, f.ctrl.Exit(context.Background()))

	assert.False(t, f.ctrl.State().IsFullscreen)
	assert.Equal(t, 1, f.cap.exits)
}

func TestUnmountStopsObserving(t *testing.T) {
	f := newFixture(t, true)
	f.ctrl.Mount(context.Background())
	require.Equal(t, 1, f.cap.listenerCount())

	f.ctrl.Unmount()
	f.ctrl.Unmount()
	f.cap.set(false)

	assert.Equal(t, 0, f.cap.listenerCount())
	assert.False(t, f.ctrl.State().ShowWarning)
}

func TestSubscribeUnsubscribe(t *testing.T) {
	f := newFixture(t, false)
	calls := 0
	unsub := f.ctrl.Subscribe(func(fullscreen.State) { calls++ })

	f.ctrl.Mount(context.Background())
	afterMount := calls
	unsub()
	f.cap.set(true)

	assert.Equal(t, 1, afterMount)
	assert.Equal(t, afterMount, calls)
}
