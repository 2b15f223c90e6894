// Package fileutil writes the end-of-session proctoring report.
package fileutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SessionReport is the JSON summary written when a proctoring session ends.
type SessionReport struct {
	Version         string      `json:"version"`
	SessionID       string      `json:"session_id"`
	Role            string      `json:"role,omitempty"`
	Stage           string      `json:"stage,omitempty"`
	StartedAt       time.Time   `json:"started_at"`
	StoppedAt       time.Time   `json:"stopped_at"`
	Duration        string      `json:"duration"`
	DurationMs      int64       `json:"duration_ms"`
	ViolationCount  int         `json:"violation_count"`
	Violations      []time.Time `json:"violations,omitempty"`
	FullscreenExits int         `json:"fullscreen_exits"`
	WebcamError     string      `json:"webcam_error,omitempty"`
}

// SetTimes fills StoppedAt and the duration fields.
func (r *SessionReport) SetTimes(started, stopped time.Time) {
	r.StartedAt = started.UTC()
	r.StoppedAt = stopped.UTC()
	d := stopped.Sub(started)
	if d < 0 || started.IsZero() {
		d = 0
	}
	r.Duration = d.Round(time.Second).String()
	r.DurationMs = d.Milliseconds()
}

// ReportBasename is YYYY-MM-DD_HHMM_<role>_<short session id>.
func ReportBasename(r *SessionReport) string {
	id := r.SessionID
	if len(id) > 8 {
		id = id[:8]
	}
	name := r.StartedAt.UTC().Format("2006-01-02_1504") + "_" + SanitizeForFilename(r.Role)
	if id != "" {
		name += "_" + id
	}
	return name
}

// WriteReport writes r into dir as <basename>.report.json using an atomic
// temp-file rename, and returns the final path.
func WriteReport(dir string, r *SessionReport) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	path, err := UniquePath(dir, ReportBasename(r), ".report.json")
	if err != nil {
		return "", err
	}

	tmpFile, err := os.CreateTemp(dir, "report-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create report temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(r); err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return "", fmt.Errorf("sync report: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return "", fmt.Errorf("close report temp: %w", err)
	}
	success = true

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("rename report: %w", err)
	}
	return path, nil
}

// ReadReport loads a report written by WriteReport.
func ReadReport(path string) (*SessionReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r SessionReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse report %s: %w", filepath.Base(path), err)
	}
	return &r, nil
}
