// Package lockfile guarantees a single daemon per state directory with an
// advisory lock on architect.lock. The lock file also records who holds it.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("architect lock already held by another process")

// Info is the holder record written into the lock file.
type Info struct {
	PID       int       `json:"pid"`
	StateDir  string    `json:"state_dir"`
	Version   string    `json:"version,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Lock is a held lock. Release it when the daemon exits.
type Lock struct {
	f    *os.File
	path string
}

// Acquire takes the exclusive lock on path without blocking and writes info
// into the file. The process id is filled in when zero.
func Acquire(path string, info Info) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("lockfile: create dir: %w", err)
	}
	// #nosec G304 - lock path is daemon-owned
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("lockfile: open %s: %w", path, err)
	}
	if err := flockExclusive(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrLocked) {
			if holder, herr := ReadInfo(path); herr == nil && holder.PID > 0 {
				return nil, fmt.Errorf("%w (pid %d)", ErrLocked, holder.PID)
			}
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("lockfile: lock %s: %w", path, err)
	}

	if info.PID == 0 {
		info.PID = os.Getpid()
	}
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now().UTC()
	}
	data, err := json.Marshal(info)
	if err == nil {
		if err = f.Truncate(0); err == nil {
			_, err = f.WriteAt(append(data, '\n'), 0)
		}
	}
	if err != nil {
		_ = flockUnlock(f)
		_ = f.Close()
		return nil, fmt.Errorf("lockfile: record holder: %w", err)
	}
	_ = f.Sync()
	return &Lock{f: f, path: path}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release drops the lock. The file is left in place; a later Acquire reuses it.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = l.f.Truncate(0)
	err := flockUnlock(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}

// ReadInfo reads the holder record. Files holding only a bare pid are
// accepted too.
func ReadInfo(path string) (Info, error) {
	// #nosec G304 - lock path is daemon-owned
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err == nil {
		return info, nil
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return Info{}, fmt.Errorf("lockfile: parse %s: %w", filepath.Base(path), err)
	}
	return Info{PID: pid}, nil
}

// Holder reports the recorded holder of path and whether that process is
// still alive. A missing or empty file means no holder.
func Holder(path string) (Info, bool) {
	info, err := ReadInfo(path)
	if err != nil || info.PID <= 0 {
		return Info{}, false
	}
	return info, isProcessRunning(info.PID)
}
