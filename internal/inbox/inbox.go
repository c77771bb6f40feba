// Package inbox is the file-drop transport for inbound pulses. Producers
// write one JSON envelope per file into the inbox directory; the consumer
// dispatches each onto the bus and removes the file.
package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/steveyegge/architect/internal/eventbus"
	"github.com/steveyegge/architect/internal/utils"
)

const (
	ext = ".json"
	// rejectedDir holds files that could not be decoded.
	rejectedDir = "rejected"
)

// Dispatcher receives consumed envelopes, typically an eventbus.Bus.
type Dispatcher interface {
	Dispatch(ctx context.Context, env *eventbus.Envelope) (*eventbus.Result, error)
}

// Consumer drains an inbox directory.
type Consumer struct {
	dir  string
	bus  Dispatcher
	log  *zap.SugaredLogger
	poll time.Duration
}

// NewConsumer returns a consumer for dir. The directory is created on Run.
func NewConsumer(dir string, bus Dispatcher, log *zap.SugaredLogger) *Consumer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Consumer{dir: dir, bus: bus, log: log, poll: time.Minute}
}

// SetPollInterval sets how often the directory is rescanned in case a
// notification was missed. Zero disables the rescan.
func (c *Consumer) SetPollInterval(d time.Duration) { c.poll = d }

// Dir returns the watched directory.
func (c *Consumer) Dir() string { return c.dir }

// Run drains files already present, then consumes new files until ctx is
// cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	if err := os.MkdirAll(c.dir, 0o750); err != nil {
		return fmt.Errorf("inbox: create %s: %w", c.dir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("inbox: create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(c.dir); err != nil {
		return fmt.Errorf("inbox: watch %s: %w", c.dir, err)
	}

	// Scan after the watch is in place so nothing written in between is lost.
	c.Drain(ctx)

	var tick <-chan time.Time
	if c.poll > 0 {
		t := time.NewTicker(c.poll)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isEnvelopeFile(event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				c.consume(ctx, event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.log.Warnw("inbox watcher error", "error", err)
		case <-tick:
			c.Drain(ctx)
		}
	}
}

// Drain consumes every envelope currently in the directory, oldest name
// first, and returns how many were dispatched.
func (c *Consumer) Drain(ctx context.Context) int {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			c.log.Warnw("inbox scan failed", "dir", c.dir, "error", err)
		}
		return 0
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && isEnvelopeFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	n := 0
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		if c.consume(ctx, filepath.Join(c.dir, name)) {
			n++
		}
	}
	return n
}

// consume dispatches one file. The file is removed once read, whatever the
// handlers return; undecodable files are moved aside.
func (c *Consumer) consume(ctx context.Context, path string) bool {
	// #nosec G304 - path is inside the daemon-owned inbox
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.log.Warnw("inbox read failed", "path", path, "error", err)
		}
		return false
	}
	var env eventbus.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.EventType == "" {
		if err == nil {
			err = fmt.Errorf("%w: event_type", eventbus.ErrMissingField)
		}
		c.log.Warnw("inbox envelope rejected", "path", path, "error", err)
		c.reject(path)
		return false
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			// Another pass already took it.
			return false
		}
		c.log.Warnw("inbox remove failed", "path", path, "error", err)
	}
	if env.Payload == nil {
		env.Payload = map[string]any{}
	}
	if _, err := c.bus.Dispatch(ctx, &env); err != nil {
		c.log.Warnw("inbox dispatch failed", "event", env.EventType, "source", env.SourceDaemon, "error", err)
	}
	return true
}

func (c *Consumer) reject(path string) {
	dest := filepath.Join(c.dir, rejectedDir)
	if err := os.MkdirAll(dest, 0o750); err == nil {
		if err := os.Rename(path, filepath.Join(dest, filepath.Base(path))); err == nil {
			return
		}
	}
	_ = os.Remove(path)
}

func isEnvelopeFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(base, ext) && !strings.HasPrefix(base, ".")
}

// Write drops env into dir under a unique, time-ordered name and returns the
// file path.
func Write(dir string, env *eventbus.Envelope) (string, error) {
	if env == nil || env.EventType == "" {
		return "", fmt.Errorf("inbox: %w: event_type", eventbus.ErrMissingField)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("inbox: create %s: %w", dir, err)
	}
	stem := fmt.Sprintf("%s_%s_%s",
		time.Now().UTC().Format("20060102T150405.000000000"),
		utils.SanitizeName(string(env.EventType)),
		uuid.NewString()[:8])
	path := filepath.Join(dir, stem+ext)
	if err := utils.WriteJSONAtomic(path, env); err != nil {
		return "", fmt.Errorf("inbox: %w", err)
	}
	return path, nil
}
