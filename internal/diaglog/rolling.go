package diaglog

import (
	"io"
	"os"
	"path/filepath"
)

// rollingWriter appends to a file and starts it over from zero once the next
// write would push it past maxSize. The write that overflowed lands at the
// start of the fresh file. Callers serialize access.
type rollingWriter struct {
	f       *os.File
	size    int64
	maxSize int64
}

func newRollingWriter(path string, maxSize int64) (*rollingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &rollingWriter{f: f, size: info.Size(), maxSize: maxSize}, nil
}

func (rw *rollingWriter) Write(p []byte) (int, error) {
	if rw.size+int64(len(p)) > rw.maxSize {
		if err := rw.f.Truncate(0); err != nil {
			return 0, err
		}
		if _, err := rw.f.Seek(0, io.SeekStart); err != nil {
			return 0, err
		}
		rw.size = 0
	}

	n, err := rw.f.Write(p)
	rw.size += int64(n)
	if err != nil {
		return n, err
	}
	// Audit lines must survive a crash of the daemon.
	_ = rw.f.Sync()
	return n, nil
}

func (rw *rollingWriter) close() error {
	_ = rw.f.Sync()
	return rw.f.Close()
}
