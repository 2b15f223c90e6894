// Package diaglog is the proctoring audit trail: every violation, fullscreen
// exit, camera failure and agent connection is appended as one NDJSON line.
// It is enabled by PROCTOR_DIAG=true or the diag.enabled setting; otherwise
// every Log call is a no-op and no file is created.
package diaglog

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// Components.
const (
	ComponentBridge     = "bridge"
	ComponentProctor    = "proctor"
	ComponentTracker    = "violation-tracker"
	ComponentFullscreen = "fullscreen"
	ComponentInterview  = "interview"
	ComponentCore       = "proctor-core"
	ComponentExport     = "diag-export"
)

// Events.
const (
	EventAgentConnect      = "agent_connect"
	EventAgentDisconnect   = "agent_disconnect"
	EventAgentReplaced     = "agent_replaced"
	EventCameraOpen        = "camera_open"
	EventCameraError       = "camera_error"
	EventCameraClose       = "camera_close"
	EventSessionStart      = "session_start"
	EventSessionStop       = "session_stop"
	EventGazeViolation     = "gaze_violation"
	EventGazeDismissed     = "gaze_dismissed"
	EventFullscreenExited  = "fullscreen_exited"
	EventFullscreenFailed  = "fullscreen_request_failed"
	EventFullscreenDismiss = "fullscreen_dismissed"
	EventStageChange       = "stage_change"
	EventRateLimited       = "rate_limited"
	EventCommandReceived   = "command_received"
)

// LogEntry is one audit record.
type LogEntry struct {
	Timestamp string `json:"ts"` // RFC3339Nano, filled in by Log when empty
	Component string `json:"component"`
	Event     string `json:"event"`
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Payload   any    `json:"payload,omitempty"` // redacted before write
}

// MaxSize is the size at which the log file starts over.
const MaxSize = 10 * 1024 * 1024

// Logger appends entries to a rolling NDJSON file.
type Logger struct {
	rw      *rollingWriter
	mu      sync.Mutex
	enabled bool
}

// New opens path for appending when enabled (or PROCTOR_DIAG=true);
// otherwise it returns a no-op logger and path is ignored.
func New(path string, enabled bool) (*Logger, error) {
	if !Enabled(enabled) {
		return NewNoOp(), nil
	}
	rw, err := newRollingWriter(path, MaxSize)
	if err != nil {
		return nil, err
	}
	return &Logger{rw: rw, enabled: true}, nil
}

// NewNoOp returns a logger that drops everything. Used as the fallback when
// New fails so that audit logging never takes the daemon down.
func NewNoOp() *Logger {
	return &Logger{}
}

// Enabled reports whether audit logging is on, either from configuration or
// from the PROCTOR_DIAG environment variable.
func Enabled(configured bool) bool {
	return configured || os.Getenv("PROCTOR_DIAG") == "true"
}

// Log writes entry as one line. Safe on a nil logger.
func (l *Logger) Log(entry LogEntry) {
	if l == nil || !l.enabled {
		return
	}
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if entry.Payload != nil {
		entry.Payload = Redact(entry.Payload)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.rw.Write(data)
}

// Close closes the file. Safe on nil or disabled loggers.
func (l *Logger) Close() error {
	if l == nil || !l.enabled || l.rw == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rw.close()
}
