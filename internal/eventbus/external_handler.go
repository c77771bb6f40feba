package eventbus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// DefaultHookTimeout bounds a pulse hook that sets no timeout of its own.
const DefaultHookTimeout = 30 * time.Second

// ExternalHandlerConfig is one entry of pulse_hooks in architect.yaml.
type ExternalHandlerConfig struct {
	ID       string   `json:"id" yaml:"id" mapstructure:"id"`
	Command  []string `json:"command" yaml:"command" mapstructure:"command"` // argv, never a shell
	Events   []string `json:"events" yaml:"events" mapstructure:"events"`    // event types, "*" for all
	Priority int      `json:"priority,omitempty" yaml:"priority,omitempty" mapstructure:"priority"`
	// TimeoutSeconds caps each run; zero means DefaultHookTimeout.
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty" mapstructure:"timeout_seconds"`
}

// ExternalHandler pipes each matching envelope as JSON to a process's stdin.
// The event type and source are also exported as ARCHITECT_EVENT_TYPE and
// ARCHITECT_EVENT_SOURCE. A non-zero exit is reported as an error.
type ExternalHandler struct {
	config  ExternalHandlerConfig
	events  []EventType
	timeout time.Duration
}

// NewExternalHandler builds a hook. Priority defaults to 50 so hooks run
// after the pulse log and before the daemon's own handler.
func NewExternalHandler(cfg ExternalHandlerConfig) *ExternalHandler {
	if cfg.Priority == 0 {
		cfg.Priority = 50
	}
	events := make([]EventType, 0, len(cfg.Events))
	for _, e := range cfg.Events {
		if e = strings.TrimSpace(e); e != "" {
			events = append(events, EventType(e))
		}
	}
	if len(events) == 0 {
		events = []EventType{EventAny}
	}
	timeout := DefaultHookTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds * float64(time.Second))
	}
	return &ExternalHandler{config: cfg, events: events, timeout: timeout}
}

func (h *ExternalHandler) ID() string           { return h.config.ID }
func (h *ExternalHandler) Handles() []EventType { return h.events }
func (h *ExternalHandler) Priority() int        { return h.config.Priority }

// Config returns the hook's configuration.
func (h *ExternalHandler) Config() ExternalHandlerConfig { return h.config }

func (h *ExternalHandler) Handle(ctx context.Context, env *Envelope, _ *Result) error {
	if len(h.config.Command) == 0 {
		return fmt.Errorf("pulse hook %s: empty command", h.config.ID)
	}
	input, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("pulse hook %s: marshal envelope: %w", h.config.ID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	// #nosec G204 - argv comes from the operator's config file
	cmd := exec.CommandContext(ctx, h.config.Command[0], h.config.Command[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Env = append(os.Environ(),
		"ARCHITECT_EVENT_TYPE="+string(env.EventType),
		"ARCHITECT_EVENT_SOURCE="+env.SourceDaemon,
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("pulse hook %s: timed out after %s", h.config.ID, h.timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("pulse hook %s: exit %d: %s", h.config.ID, exitErr.ExitCode(), strings.TrimSpace(out.String()))
		}
		return fmt.Errorf("pulse hook %s: %w", h.config.ID, err)
	}
	return nil
}
