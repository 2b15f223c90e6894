package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tiroq/proctor/internal/diaglog"
	"github.com/tiroq/proctor/internal/gaze"
	"github.com/tiroq/proctor/internal/proctor"
)

// Preferred capture settings sent with camera_open.
var DefaultCameraConstraints = CameraOpenPayload{
	Width:      640,
	Height:     480,
	FacingMode: "user",
	FrameRate:  30,
}

// Open asks the agent for the webcam and waits for the answer. It
// implements proctor.Camera.
func (s *Server) Open(ctx context.Context) (proctor.Stream, error) {
	s.mu.Lock()
	a := s.agent
	if a == nil {
		s.mu.Unlock()
		return nil, ErrNoAgent
	}
	wait := make(chan CameraPayload, 1)
	s.cameraWait = wait
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.cameraWait == wait {
			s.cameraWait = nil
		}
		s.mu.Unlock()
	}()

	if err := s.enqueue(a, TypeCameraOpen, DefaultCameraConstraints, false); err != nil {
		return nil, err
	}
	s.diag.Log(diaglog.LogEntry{Component: diaglog.ComponentBridge, Event: diaglog.EventCameraOpen})

	timer := time.NewTimer(s.opts.CameraTimeout)
	defer timer.Stop()

	var reply CameraPayload
	select {
	case reply = <-wait:
	case <-a.done:
		return nil, ErrNoAgent
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%w: camera permission", ErrTimeout)
	}

	if !reply.Ready {
		reason := reply.Error
		if reason == "" {
			reason = "Failed to access webcam"
		}
		return nil, fmt.Errorf("%w: %s", ErrCameraDenied, reason)
	}

	s.mu.Lock()
	if s.agent != a {
		s.mu.Unlock()
		return nil, ErrNoAgent
	}
	s.streamOpen = true
	s.mu.Unlock()
	s.frame.Store(nil)

	s.logger.Info("camera stream open")
	return &stream{s: s, a: a}, nil
}

// stream is the daemon-side view of the agent's webcam.
type stream struct {
	s    *Server
	a    *agent
	once sync.Once
}

func (st *stream) Frame() (*gaze.Frame, bool) {
	if st.s.current() != st.a {
		return nil, false
	}
	f := st.s.frame.Load()
	return f, f != nil
}

// Close stops frame delivery. It never blocks: it runs on the scheduler.
func (st *stream) Close() error {
	st.once.Do(func() {
		st.s.mu.Lock()
		if st.s.agent == st.a {
			st.s.streamOpen = false
		}
		st.s.mu.Unlock()
		st.s.frame.Store(nil)

		if err := st.s.enqueue(st.a, TypeCameraClose, nil, true); err != nil {
			st.s.logger.Debug("camera_close not sent", zap.Error(err))
		}
		st.s.diag.Log(diaglog.LogEntry{Component: diaglog.ComponentBridge, Event: diaglog.EventCameraClose})
	})
	return nil
}
