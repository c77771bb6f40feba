package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// PulseLog appends every envelope it sees to a JSONL file so tools outside
// the process can follow the daemon's pulses.
type PulseLog struct {
	path string
	mu   sync.Mutex
}

// NewPulseLog returns a handler appending to path.
func NewPulseLog(path string) *PulseLog {
	return &PulseLog{path: path}
}

func (p *PulseLog) ID() string           { return "pulse-log" }
func (p *PulseLog) Handles() []EventType { return []EventType{EventAny} }
func (p *PulseLog) Priority() int        { return 0 }

// Path returns the log file path.
func (p *PulseLog) Path() string { return p.path }

func (p *PulseLog) Handle(_ context.Context, env *Envelope, _ *Result) error {
	line, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("pulse log: marshal: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(p.path), 0o750); err != nil {
		return fmt.Errorf("pulse log: create dir: %w", err)
	}
	// #nosec G304 - path is the daemon-owned pulse log
	f, err := os.OpenFile(p.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("pulse log: open: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("pulse log: write: %w", err)
	}
	return nil
}
