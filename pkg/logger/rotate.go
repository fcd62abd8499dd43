package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	defaultMaxSizeMB = 100
	defaultBackups   = 5
)

// rotator is an io.WriteCloser that renames path to path.1 (shifting older
// backups up to path.N) once the active file would exceed maxSize.
type rotator struct {
	mu      sync.Mutex
	path    string
	maxSize int64
	backups int

	f    *os.File
	size int64
}

func newRotator(path string, maxSizeMB, backups int) (*rotator, error) {
	if path == "" {
		return nil, errors.New("log path is required")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = defaultMaxSizeMB
	}
	if backups <= 0 {
		backups = defaultBackups
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	return &rotator{path: path, maxSize: int64(maxSizeMB) << 20, backups: backups}, nil
}

func (r *rotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.f != nil && r.size > 0 && r.size+int64(len(p)) > r.maxSize {
		r.f.Close()
		r.f = nil
		r.shift()
	}
	if r.f == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	n, err := r.f.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *rotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f, r.size = nil, 0
	return err
}

func (r *rotator) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log %s: %w", r.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log %s: %w", r.path, err)
	}
	r.f, r.size = f, info.Size()
	return nil
}

// shift drops the oldest backup and renames the rest one slot up.
func (r *rotator) shift() {
	backup := func(i int) string { return fmt.Sprintf("%s.%d", r.path, i) }
	_ = os.Remove(backup(r.backups))
	for i := r.backups - 1; i >= 1; i-- {
		_ = os.Rename(backup(i), backup(i+1))
	}
	_ = os.Rename(r.path, backup(1))
	r.size = 0
}
