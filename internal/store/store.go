// Package store is the session-scoped key-value persistence used by the
// proctoring core. Values are strings; helpers cover the boolean and counter
// encodings the core uses.
package store

import (
	"context"
	"fmt"
	"strconv"
)

// Keys shared by the proctoring core and the interview flow.
const (
	KeyInterviewActive  = "interview_active"
	KeyGazeViolations   = "gaze_violations"
	KeyWebcamActive     = "webcam_active"
	KeyInterviewRole    = "interview_role"
	KeyCurrentQuestion  = "current_question"
	KeyCurrentRound     = "current_round"
	KeyRejectedAt       = "rejected_at"
	KeyRejectionVerdict = "rejection_verdict"
)

// RoundVerdictKey is where round n's verdict text is kept.
func RoundVerdictKey(round int) string {
	return fmt.Sprintf("round%d_verdict", round)
}

// RoundDecisionKey is where round n's decision is kept.
func RoundDecisionKey(round int) string {
	return fmt.Sprintf("round%d_decision", round)
}

// Store persists string values for one interview session.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// Clear removes every key in the session.
	Clear(ctx context.Context) error
}

// GetBool reads a flag stored as "true". Missing keys read as false.
func GetBool(ctx context.Context, s Store, key string) (bool, error) {
	v, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	return v == "true", nil
}

// SetBool stores a flag as "true" or "false".
func SetBool(ctx context.Context, s Store, key string, v bool) error {
	return s.Set(ctx, key, strconv.FormatBool(v))
}

// GetInt reads a decimal counter. Missing keys read as 0.
func GetInt(ctx context.Context, s Store, key string) (int, error) {
	v, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("store: %s is not an integer: %w", key, err)
	}
	return n, nil
}

// SetInt stores a decimal counter.
func SetInt(ctx context.Context, s Store, key string, v int) error {
	return s.Set(ctx, key, strconv.Itoa(v))
}
