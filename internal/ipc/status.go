package ipc

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/tiroq/proctor/internal/fullscreen"
	"github.com/tiroq/proctor/internal/proctor"
)

// StatusSnapshot is the daemon state published for the CLI.
type StatusSnapshot struct {
	PID             int              `json:"pid"`
	Version         string           `json:"version"`
	AgentConnected  bool             `json:"agent_connected"`
	InterviewActive bool             `json:"interview_active"`
	Stage           string           `json:"stage"`
	Role            string           `json:"role,omitempty"`
	Proctor         proctor.Snapshot `json:"proctor"`
	Fullscreen      fullscreen.State `json:"fullscreen"`
	LastAction      string           `json:"last_action,omitempty"`
	LastError       string           `json:"last_error,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
}

// StatusPath returns the status file.
func (d Dir) StatusPath() string {
	return filepath.Join(string(d), "status.json")
}

// WriteStatus replaces status.json atomically.
func (d Dir) WriteStatus(status *StatusSnapshot) error {
	if err := os.MkdirAll(string(d), 0o755); err != nil {
		return err
	}
	return atomicWriteJSON(d.StatusPath(), status)
}

// ReadStatus loads status.json.
func (d Dir) ReadStatus() (*StatusSnapshot, error) {
	data, err := os.ReadFile(d.StatusPath())
	if err != nil {
		return nil, err
	}
	var status StatusSnapshot
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// RemoveStatus deletes status.json on shutdown.
func (d Dir) RemoveStatus() error {
	err := os.Remove(d.StatusPath())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func atomicWriteJSON(path string, data any) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "status-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmp != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	tmp = nil
	return os.Rename(tmpPath, path)
}
