// Package pidfile keeps a single proctor-core daemon per runtime directory.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrAlreadyRunning is returned by Acquire when a live daemon holds the file.
var ErrAlreadyRunning = errors.New("another instance is already running")

// PIDFile is a held PID file.
type PIDFile struct {
	path string
	pid  int
}

// Acquire writes the current PID to path. A file left behind by a dead
// process is replaced; one held by a live process yields ErrAlreadyRunning.
func Acquire(path string) (*PIDFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create PID directory: %w", err)
	}

	if pid, err := Read(path); err == nil {
		if Running(pid) && pid != os.Getpid() {
			return nil, fmt.Errorf("%w (PID %d)", ErrAlreadyRunning, pid)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove stale PID file: %w", err)
		}
	}

	current := os.Getpid()
	if err := os.WriteFile(path, []byte(strconv.Itoa(current)+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write PID file: %w", err)
	}
	return &PIDFile{path: path, pid: current}, nil
}

// Read returns the PID stored at path.
func Read(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file %s: %w", path, err)
	}
	return pid, nil
}

// Path returns the file name.
func (p *PIDFile) Path() string {
	return p.path
}

// Release deletes the file if it still holds our PID.
func (p *PIDFile) Release() error {
	if p == nil {
		return nil
	}
	pid, err := Read(p.path)
	if err != nil || pid != p.pid {
		return nil
	}
	return os.Remove(p.path)
}

// Running reports whether a process with pid exists.
func Running(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// FindProcess always succeeds on Unix; signal 0 probes for existence.
	err = process.Signal(syscall.Signal(0))
	switch {
	case err == nil:
		return true
	case errors.Is(err, syscall.EPERM):
		return true
	default:
		return false
	}
}

// PathIn returns the PID file for app inside the runtime directory dir.
func PathIn(dir, app string) string {
	return filepath.Join(dir, app+".pid")
}
