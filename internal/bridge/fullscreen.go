package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// IsSupported reports whether an agent is connected and its page can go
// fullscreen.
func (s *Server) IsSupported() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent != nil && s.fsSupported
}

// IsFullscreen returns the last fullscreen state the agent reported.
func (s *Server) IsFullscreen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fsActive
}

// Request asks the page to go fullscreen and waits for the browser's answer.
func (s *Server) Request(ctx context.Context) error {
	p, err := s.roundTrip(ctx, TypeFullscreenRequest)
	if err != nil {
		return err
	}
	if !p.Active {
		return errors.New("fullscreen not entered")
	}
	return nil
}

// Exit asks the page to leave fullscreen.
func (s *Server) Exit(ctx context.Context) error {
	_, err := s.roundTrip(ctx, TypeFullscreenExit)
	return err
}

// OnChange registers fn for fullscreen changes reported by the agent.
func (s *Server) OnChange(fn func(active bool)) func() {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.fsListeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.fsListeners, id)
		s.mu.Unlock()
	}
}

func (s *Server) roundTrip(ctx context.Context, typ string) (FullscreenPayload, error) {
	s.mu.Lock()
	a := s.agent
	if a == nil {
		s.mu.Unlock()
		return FullscreenPayload{}, ErrNoAgent
	}
	wait := make(chan FullscreenPayload, 1)
	s.fsWait = wait
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.fsWait == wait {
			s.fsWait = nil
		}
		s.mu.Unlock()
	}()

	if err := s.enqueue(a, typ, nil, false); err != nil {
		return FullscreenPayload{}, err
	}

	timer := time.NewTimer(s.opts.ReplyTimeout)
	defer timer.Stop()

	select {
	case p := <-wait:
		if p.Error != "" {
			return p, errors.New(p.Error)
		}
		return p, nil
	case <-a.done:
		return FullscreenPayload{}, ErrNoAgent
	case <-ctx.Done():
		return FullscreenPayload{}, ctx.Err()
	case <-timer.C:
		return FullscreenPayload{}, fmt.Errorf("%w: %s", ErrTimeout, typ)
	}
}
