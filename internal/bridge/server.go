// Package bridge connects the daemon to the browser agent running on the
// candidate's interview page. The agent streams webcam frames and fullscreen
// changes over a websocket; the daemon pushes status back. On the daemon
// side the Server stands in for the camera and the fullscreen API.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tiroq/proctor/internal/diaglog"
	"github.com/tiroq/proctor/internal/gaze"
	"github.com/tiroq/proctor/internal/logger"
)

var (
	// ErrNoAgent is returned when no browser agent is connected.
	ErrNoAgent = errors.New("bridge: no agent connected")
	// ErrCameraDenied is returned when the agent could not open the camera.
	ErrCameraDenied = errors.New("bridge: camera denied")
	// ErrTimeout is returned when the agent does not answer in time.
	ErrTimeout = errors.New("bridge: agent did not answer")
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 20 // a 640x480 RGBA frame is ~1.6 MiB as base64
	sendBuffer     = 64
)

// Handler receives the interview commands the agent forwards from the page.
// Calls run on their own goroutine.
type Handler interface {
	Dismiss(target string)
	InterviewStart(ctx context.Context, resume, role string)
	Answer(ctx context.Context, answer string)
	Final(ctx context.Context)
	Restart(ctx context.Context)
}

// Options configures a Server.
type Options struct {
	Logger *zap.Logger
	Diag   *diaglog.Logger
	// AllowedOrigins restricts the Origin header of /ws; empty allows any.
	AllowedOrigins []string
	// CameraTimeout bounds the wait for the permission prompt.
	CameraTimeout time.Duration
	// ReplyTimeout bounds fullscreen request/exit round trips.
	ReplyTimeout time.Duration
	Version      string
}

type agent struct {
	id   string
	conn *websocket.Conn
	send chan Message
	done chan struct{}
	once sync.Once
}

// close signals the pumps to stop. The write pump owns the connection and
// closes it.
func (a *agent) close() {
	a.once.Do(func() { close(a.done) })
}

// Server is the websocket endpoint for one browser agent at a time. A new
// connection replaces the previous one.
type Server struct {
	opts     Options
	logger   *zap.Logger
	diag     *diaglog.Logger
	upgrader websocket.Upgrader

	mu           sync.Mutex
	agent        *agent
	handler      Handler
	onAgent      []func(connected bool)
	fsSupported  bool
	fsActive     bool
	fsListeners  map[int]func(bool)
	nextListener int
	cameraWait   chan CameraPayload
	fsWait       chan FullscreenPayload
	streamOpen   bool

	frame  atomic.Pointer[gaze.Frame]
	frames atomic.Uint64
}

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	if opts.CameraTimeout <= 0 {
		opts.CameraTimeout = 30 * time.Second
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = 3 * time.Second
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	s := &Server{
		opts:        opts,
		logger:      logger.OrNop(opts.Logger).Named("bridge"),
		diag:        opts.Diag,
		fsListeners: make(map[int]func(bool)),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 16 * 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// SetHandler installs the command handler.
func (s *Server) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// OnAgent registers fn, called with true once an agent has said hello and
// with false when it disconnects. fn runs on its own goroutine.
func (s *Server) OnAgent(fn func(connected bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAgent = append(s.onAgent, fn)
}

// Handler returns the HTTP routes: /ws and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.ServeWS)
	mux.HandleFunc("/healthz", s.serveHealth)
	return mux
}

// Connected reports whether an agent is attached.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent != nil
}

// FramesReceived returns how many frames were accepted since start.
func (s *Server) FramesReceived() uint64 {
	return s.frames.Load()
}

// Close disconnects the current agent.
func (s *Server) Close() {
	s.mu.Lock()
	a := s.agent
	s.mu.Unlock()
	if a != nil {
		a.close()
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == origin || allowed == u.Host {
			return true
		}
	}
	return false
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":          "ok",
		"agent_connected": s.Connected(),
		"frames":          s.FramesReceived(),
	})
}

// ServeWS upgrades the request and serves the agent until it disconnects.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	a := &agent{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan Message, sendBuffer),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	old := s.agent
	s.agent = a
	s.streamOpen = false
	s.mu.Unlock()
	s.frame.Store(nil)

	if old != nil {
		old.close()
		s.logger.Info("agent replaced", zap.String("old", old.id), zap.String(logger.FieldAgentID, a.id))
		s.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentBridge,
			Event:     diaglog.EventAgentReplaced,
			Payload:   map[string]any{"old": old.id, "new": a.id},
		})
	}
	s.logger.Info("agent connected", zap.String(logger.FieldAgentID, a.id), zap.String("remote", r.RemoteAddr))
	s.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentBridge,
		Event:     diaglog.EventAgentConnect,
		Payload:   map[string]any{"agent_id": a.id, "remote": r.RemoteAddr},
	})

	go s.writePump(a)
	_ = s.enqueue(a, TypeWelcome, WelcomePayload{AgentID: a.id, Version: s.opts.Version}, false)

	s.readPump(a)
	s.disconnect(a)
}

func (s *Server) disconnect(a *agent) {
	a.close()

	s.mu.Lock()
	current := s.agent == a
	var hooks []func(bool)
	if current {
		s.agent = nil
		s.streamOpen = false
		s.fsActive = false
		s.fsSupported = false
		hooks = append(hooks, s.onAgent...)
	}
	s.mu.Unlock()

	if !current {
		return
	}
	s.frame.Store(nil)
	s.logger.Info("agent disconnected", zap.String(logger.FieldAgentID, a.id))
	s.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentBridge,
		Event:     diaglog.EventAgentDisconnect,
		Payload:   map[string]any{"agent_id": a.id},
	})
	for _, fn := range hooks {
		go fn(false)
	}
}

func (s *Server) readPump(a *agent) {
	a.conn.SetReadLimit(maxMessageSize)
	_ = a.conn.SetReadDeadline(time.Now().Add(pongWait))
	a.conn.SetPongHandler(func(string) error {
		return a.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := a.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("agent read error", zap.String(logger.FieldAgentID, a.id), zap.Error(err))
			}
			return
		}
		_ = a.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.handle(a, msg)
	}
}

func (s *Server) writePump(a *agent) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		a.close()
		_ = a.conn.Close()
	}()

	for {
		select {
		case msg := <-a.send:
			_ = a.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := a.conn.WriteJSON(msg); err != nil {
				s.logger.Debug("agent write failed", zap.String(logger.FieldAgentID, a.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = a.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := a.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-a.done:
			_ = a.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

func (s *Server) handle(a *agent, msg Message) {
	switch msg.Type {
	case TypeHello:
		var p HelloPayload
		if err := msg.Decode(&p); err != nil {
			s.reject(a, msg.Type, err)
			return
		}
		s.mu.Lock()
		if s.agent != a {
			s.mu.Unlock()
			return
		}
		s.fsSupported = p.FullscreenSupported
		changed := s.fsActive != p.Fullscreen
		s.fsActive = p.Fullscreen
		hooks := append([]func(bool){}, s.onAgent...)
		s.mu.Unlock()

		s.logger.Info("agent hello",
			zap.String(logger.FieldAgentID, a.id),
			zap.Bool("fullscreen_supported", p.FullscreenSupported),
			zap.Bool("fullscreen", p.Fullscreen))
		if changed {
			s.fireFullscreen(p.Fullscreen)
		}
		for _, fn := range hooks {
			go fn(true)
		}

	case TypeFrame:
		var p FramePayload
		if err := msg.Decode(&p); err != nil {
			s.logger.Debug("bad frame", zap.Error(err))
			return
		}
		s.acceptFrame(a, p)

	case TypeCamera:
		var p CameraPayload
		if err := msg.Decode(&p); err != nil {
			s.reject(a, msg.Type, err)
			return
		}
		s.mu.Lock()
		wait := s.cameraWait
		s.cameraWait = nil
		s.mu.Unlock()
		if wait != nil {
			wait <- p
		} else {
			s.logger.Debug("unsolicited camera message", zap.Bool("ready", p.Ready))
		}

	case TypeFullscreen:
		var p FullscreenPayload
		if err := msg.Decode(&p); err != nil {
			s.reject(a, msg.Type, err)
			return
		}
		s.mu.Lock()
		changed := s.fsActive != p.Active
		s.fsActive = p.Active
		var wait chan FullscreenPayload
		if p.Reply {
			wait = s.fsWait
			s.fsWait = nil
		}
		s.mu.Unlock()
		if changed {
			s.fireFullscreen(p.Active)
		}
		if wait != nil {
			wait <- p
		}

	case TypeDismiss:
		var p DismissPayload
		if err := msg.Decode(&p); err != nil {
			s.reject(a, msg.Type, err)
			return
		}
		s.dispatch(a, msg.Type, func(h Handler) { h.Dismiss(p.Target) })

	case TypeInterviewStart:
		var p InterviewStartPayload
		if err := msg.Decode(&p); err != nil {
			s.reject(a, msg.Type, err)
			return
		}
		s.dispatch(a, msg.Type, func(h Handler) { h.InterviewStart(context.Background(), p.Resume, p.Role) })

	case TypeAnswer:
		var p AnswerPayload
		if err := msg.Decode(&p); err != nil {
			s.reject(a, msg.Type, err)
			return
		}
		s.dispatch(a, msg.Type, func(h Handler) { h.Answer(context.Background(), p.Answer) })

	case TypeFinal:
		s.dispatch(a, msg.Type, func(h Handler) { h.Final(context.Background()) })

	case TypeRestart:
		s.dispatch(a, msg.Type, func(h Handler) { h.Restart(context.Background()) })

	case TypePing:
		_ = s.enqueue(a, TypePong, nil, true)

	default:
		s.logger.Debug("unknown message type", zap.String("type", msg.Type))
	}
}

func (s *Server) acceptFrame(a *agent, p FramePayload) {
	s.mu.Lock()
	open := s.streamOpen && s.agent == a
	s.mu.Unlock()
	if !open {
		return
	}
	if p.Width <= 0 || p.Height <= 0 || len(p.Data) != p.Width*p.Height*4 {
		s.logger.Debug("frame size mismatch",
			zap.Int("width", p.Width), zap.Int("height", p.Height), zap.Int("bytes", len(p.Data)))
		return
	}
	s.frame.Store(&gaze.Frame{
		Seq:       p.Seq,
		Timestamp: time.Now(),
		Width:     p.Width,
		Height:    p.Height,
		Data:      p.Data,
	})
	s.frames.Add(1)
}

func (s *Server) dispatch(a *agent, typ string, fn func(Handler)) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h == nil {
		_ = s.enqueue(a, TypeError, ErrorPayload{Message: "daemon not ready"}, true)
		return
	}
	s.logger.Debug("agent command", zap.String("type", typ))
	go fn(h)
}

func (s *Server) reject(a *agent, typ string, err error) {
	s.logger.Debug("bad payload", zap.String("type", typ), zap.Error(err))
	_ = s.enqueue(a, TypeError, ErrorPayload{Message: fmt.Sprintf("bad %s payload", typ)}, true)
}

func (s *Server) fireFullscreen(active bool) {
	s.mu.Lock()
	fns := make([]func(bool), 0, len(s.fsListeners))
	for _, fn := range s.fsListeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(active)
	}
}

// enqueue queues a message for a. With drop set a full queue discards the
// message; otherwise it waits up to writeWait.
func (s *Server) enqueue(a *agent, typ string, payload any, drop bool) error {
	msg, err := NewMessage(typ, payload)
	if err != nil {
		return err
	}
	if drop {
		select {
		case a.send <- msg:
		case <-a.done:
			return ErrNoAgent
		default:
			s.logger.Debug("send queue full, dropping", zap.String("type", typ))
		}
		return nil
	}

	timer := time.NewTimer(writeWait)
	defer timer.Stop()
	select {
	case a.send <- msg:
		return nil
	case <-a.done:
		return ErrNoAgent
	case <-timer.C:
		return ErrTimeout
	}
}

func (s *Server) current() *agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent
}

// Send delivers a message to the agent, waiting for queue space.
func (s *Server) Send(typ string, payload any) error {
	a := s.current()
	if a == nil {
		return ErrNoAgent
	}
	return s.enqueue(a, typ, payload, false)
}

// Push delivers a message if the queue has room. Used for status updates,
// where a newer one always follows.
func (s *Server) Push(typ string, payload any) {
	if a := s.current(); a != nil {
		_ = s.enqueue(a, typ, payload, true)
	}
}
