// Package emitter publishes proctoring events (violations, fullscreen exits,
// camera failures) to downstream consumers.
package emitter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	TypeGazeViolation    = "gaze_violation"
	TypeFullscreenExited = "fullscreen_exited"
	TypeCameraError      = "camera_error"
	TypeSessionStarted   = "session_started"
	TypeSessionStopped   = "session_stopped"
	TypeStageChanged     = "stage_changed"
)

// Event is one published occurrence.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Time      time.Time      `json:"time"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent stamps an event with a fresh ID.
func NewEvent(typ, sessionID string, at time.Time, data map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		SessionID: sessionID,
		Time:      at.UTC(),
		Data:      data,
	}
}

// JSON encodes the event for the wire.
func (e Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher delivers events. Publish must not block for long; callers on the
// scheduler treat failures as log-only.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards every event. Used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error { return nil }
