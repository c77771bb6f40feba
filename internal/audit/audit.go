// Package audit implements the append-only JSONL ledger that records every
// daemon transition.
package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// FileName is the ledger file inside the state directory.
	FileName = "ledger.jsonl"

	// TimeLayout is the ts format written on every entry.
	TimeLayout = "2006-01-02 15:04:05"
)

// Entry is one decoded ledger line.
type Entry map[string]any

// Event returns the entry's event name.
func (e Entry) Event() string {
	s, _ := e["event"].(string)
	return s
}

// Appender is the write side of the ledger.
type Appender interface {
	Append(event string, fields map[string]any) error
}

// Log appends entries to a JSONL file. Safe for concurrent use.
type Log struct {
	path   string
	source string
	now    func() time.Time

	mu sync.Mutex
}

// New returns a ledger writing to path. source is stamped on every entry.
func New(path, source string) *Log {
	return &Log{path: path, source: source, now: time.Now}
}

// SetClock overrides the timestamp source.
func (l *Log) SetClock(now func() time.Time) { l.now = now }

// Path returns the ledger file path.
func (l *Log) Path() string { return l.path }

// Append writes {ts, source, event, ...fields} as one line. The reserved keys
// cannot be overridden by fields.
func (l *Log) Append(event string, fields map[string]any) error {
	if event == "" {
		return errors.New("audit: event is required")
	}
	entry := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		entry[k] = v
	}
	entry["ts"] = l.now().Format(TimeLayout)
	entry["source"] = l.source
	entry["event"] = event

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal %s: %w", event, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0750); err != nil {
		return fmt.Errorf("audit: create dir: %w", err)
	}
	// #nosec G304 - path is the daemon-owned ledger
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("audit: open: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write: %w", err)
	}
	return nil
}

// Tail returns up to the last n entries, oldest first. Unparseable lines are
// skipped. A missing ledger yields no entries.
func (l *Log) Tail(n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	// #nosec G304 - path is the daemon-owned ledger
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	defer func() { _ = f.Close() }()

	ring := make([]Entry, 0, n)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if len(ring) == n {
			ring = append(ring[:0], ring[1:]...)
		}
		ring = append(ring, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan: %w", err)
	}
	return ring, nil
}
