package logger

import "go.uber.org/zap"

// Structured field keys shared across components.
const (
	FieldSessionID = "session_id"
	FieldAgentID   = "agent_id"
	FieldStage     = "stage"
	FieldCount     = "violation_count"
)

// Session returns the session_id field, or nothing when id is empty.
func Session(id string) []zap.Field {
	if id == "" {
		return nil
	}
	return []zap.Field{zap.String(FieldSessionID, id)}
}

// WithSession attaches the session_id field to l.
func WithSession(l *zap.Logger, id string) *zap.Logger {
	return OrNop(l).With(Session(id)...)
}
