package testutil

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tiroq/proctor/internal/bridge"
	"github.com/tiroq/proctor/internal/gaze"
)

// How the mock agent answers camera and fullscreen requests.
const (
	ModeGrant  = "grant"
	ModeDeny   = "deny"
	ModeSilent = "silent"
)

// AgentOptions configures a MockAgent.
type AgentOptions struct {
	CameraMode          string
	FullscreenMode      string
	FullscreenSupported bool
	// Fullscreen is the state reported in hello.
	Fullscreen bool
}

// MockAgent simulates the browser agent on the interview page.
type MockAgent struct {
	opts AgentOptions
	conn *websocket.Conn

	writeMu sync.Mutex

	mu         sync.Mutex
	received   []bridge.Message
	fullscreen bool
	notify     chan struct{}
	done       chan struct{}
}

// DialAgent connects to the /ws endpoint of srv and says hello.
func DialAgent(srv *httptest.Server, opts AgentOptions) (*MockAgent, error) {
	if opts.CameraMode == "" {
		opts.CameraMode = ModeGrant
	}
	if opts.FullscreenMode == "" {
		opts.FullscreenMode = ModeGrant
	}
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	m := &MockAgent{
		opts:       opts,
		conn:       conn,
		fullscreen: opts.Fullscreen,
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	go m.readLoop()

	err = m.Send(bridge.TypeHello, bridge.HelloPayload{
		UserAgent:           "mock-agent",
		FullscreenSupported: opts.FullscreenSupported,
		Fullscreen:          opts.Fullscreen,
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return m, nil
}

// Send writes one message.
func (m *MockAgent) Send(typ string, payload any) error {
	msg, err := bridge.NewMessage(typ, payload)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.conn.WriteJSON(msg)
}

// SendFrame streams f as the next webcam frame.
func (m *MockAgent) SendFrame(f *gaze.Frame) error {
	return m.Send(bridge.TypeFrame, bridge.FramePayload{
		Seq:    f.Seq,
		Width:  f.Width,
		Height: f.Height,
		Data:   f.Data,
	})
}

// SetFullscreen simulates the user entering or leaving fullscreen.
func (m *MockAgent) SetFullscreen(active bool) error {
	m.mu.Lock()
	m.fullscreen = active
	m.mu.Unlock()
	return m.Send(bridge.TypeFullscreen, bridge.FullscreenPayload{Active: active})
}

// Received returns a copy of every message received so far.
func (m *MockAgent) Received() []bridge.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]bridge.Message, len(m.received))
	copy(out, m.received)
	return out
}

// WaitFor blocks until a message of type typ has arrived.
func (m *MockAgent) WaitFor(typ string, timeout time.Duration) (bridge.Message, bool) {
	deadline := time.After(timeout)
	for {
		for _, msg := range m.Received() {
			if msg.Type == typ {
				return msg, true
			}
		}
		select {
		case <-m.notify:
		case <-m.done:
			return bridge.Message{}, false
		case <-deadline:
			return bridge.Message{}, false
		}
	}
}

// Done is closed when the connection ends.
func (m *MockAgent) Done() <-chan struct{} {
	return m.done
}

// Close disconnects the agent.
func (m *MockAgent) Close() error {
	m.writeMu.Lock()
	_ = m.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	m.writeMu.Unlock()
	return m.conn.Close()
}

func (m *MockAgent) readLoop() {
	defer close(m.done)
	for {
		var msg bridge.Message
		if err := m.conn.ReadJSON(&msg); err != nil {
			return
		}
		m.mu.Lock()
		m.received = append(m.received, msg)
		m.mu.Unlock()
		select {
		case m.notify <- struct{}{}:
		default:
		}
		m.answer(msg)
	}
}

func (m *MockAgent) answer(msg bridge.Message) {
	switch msg.Type {
	case bridge.TypeCameraOpen:
		switch m.opts.CameraMode {
		case ModeGrant:
			_ = m.Send(bridge.TypeCamera, bridge.CameraPayload{Ready: true})
		case ModeDeny:
			_ = m.Send(bridge.TypeCamera, bridge.CameraPayload{Error: "Permission denied"})
		}

	case bridge.TypeFullscreenRequest:
		switch m.opts.FullscreenMode {
		case ModeGrant:
			m.mu.Lock()
			m.fullscreen = true
			m.mu.Unlock()
			_ = m.Send(bridge.TypeFullscreen, bridge.FullscreenPayload{Active: true, Reply: true})
		case ModeDeny:
			_ = m.Send(bridge.TypeFullscreen, bridge.FullscreenPayload{Reply: true, Error: "Permissions check failed"})
		}

	case bridge.TypeFullscreenExit:
		m.mu.Lock()
		m.fullscreen = false
		m.mu.Unlock()
		_ = m.Send(bridge.TypeFullscreen, bridge.FullscreenPayload{Reply: true})
	}
}
