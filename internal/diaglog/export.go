package diaglog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Version is set from the main package at startup.
var Version = "dev"

// Bundle is the metadata header line of an exported audit log.
type Bundle struct {
	ExportedAt     string `json:"exported_at"`
	ProctorVersion string `json:"proctor_version"`
	GoVersion      string `json:"go_version"`
	OS             string `json:"os"`
	Arch           string `json:"arch"`
	LogFile        string `json:"log_file"`
	EntryCount     int    `json:"entry_count"`
	Violations     int    `json:"violations"`
}

// Export copies the audit log at logPath into dest/proctor-diag-<ts>.ndjson,
// prefixed by a Bundle line. It returns the written path and the number of
// entries copied.
func Export(logPath, dest string) (string, int, error) {
	src, err := os.Open(logPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", 0, fmt.Errorf("audit log not found at %s: %w", logPath, os.ErrNotExist)
		}
		return "", 0, fmt.Errorf("audit log unreadable: %w", err)
	}
	defer func() { _ = src.Close() }()

	var (
		lines      [][]byte
		violations int
	)
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), MaxSize)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		if len(line) == 0 {
			continue
		}
		var head struct {
			Event string `json:"event"`
		}
		if json.Unmarshal(line, &head) == nil && head.Event == EventGazeViolation {
			violations++
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return "", 0, fmt.Errorf("audit log unreadable: %w", err)
	}

	now := time.Now().UTC()
	outPath := filepath.Join(dest, "proctor-diag-"+now.Format("20060102T150405")+".ndjson")
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", 0, fmt.Errorf("export file could not be created: %w", err)
	}
	defer func() { _ = out.Close() }()

	header, err := json.Marshal(Bundle{
		ExportedAt:     now.Format(time.RFC3339),
		ProctorVersion: Version,
		GoVersion:      runtime.Version(),
		OS:             runtime.GOOS,
		Arch:           runtime.GOARCH,
		LogFile:        logPath,
		EntryCount:     len(lines),
		Violations:     violations,
	})
	if err != nil {
		return "", 0, err
	}

	w := bufio.NewWriter(out)
	if _, err := w.Write(append(header, '\n')); err != nil {
		return "", 0, err
	}
	for _, line := range lines {
		if _, err := w.Write(append(line, '\n')); err != nil {
			return "", 0, err
		}
	}
	if err := w.Flush(); err != nil {
		return "", 0, err
	}
	return outPath, len(lines), nil
}
