// Package backend wraps the code-generation collaborator used to suggest
// merges for federated backlog conflicts. Output is untrusted text; callers
// validate it.
package backend

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/steveyegge/architect/internal/pipeline"
)

// ErrEmptyPrompt is returned when no prompt is given.
var ErrEmptyPrompt = errors.New("empty prompt")

// Backend turns a prompt into raw text output. On failure the returned
// output may still hold whatever the backend printed.
type Backend interface {
	Suggest(ctx context.Context, prompt string) (string, error)
}

// Command runs an external generator as argv + prompt, e.g.
// `codex exec <prompt>`.
type Command struct {
	Exec pipeline.Executor
	Argv []string
	Dir  string
}

// NewCommand returns a Command backend. An empty argv means `codex exec`.
func NewCommand(exec pipeline.Executor, argv []string, dir string) *Command {
	if len(argv) == 0 {
		argv = []string{"codex", "exec"}
	}
	return &Command{Exec: exec, Argv: slices.Clone(argv), Dir: dir}
}

// Suggest implements Backend. A non-zero exit yields an error of the form
// "codex_exit_N: stderr".
func (c *Command) Suggest(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", ErrEmptyPrompt
	}
	argv := append(slices.Clone(c.Argv), prompt)
	res, err := c.Exec.Run(ctx, c.Dir, argv)
	if err != nil {
		return res.Stdout, fmt.Errorf("codex_execution_failed: %w", err)
	}
	if res.ExitCode != 0 {
		msg := fmt.Sprintf("codex_exit_%d", res.ExitCode)
		if s := strings.TrimSpace(res.Stderr); s != "" {
			msg += ": " + s
		}
		return res.Stdout, errors.New(msg)
	}
	return res.Stdout, nil
}

// SafetyEnvelope is prepended to every prompt handed to a backend.
const SafetyEnvelope = "Safety envelope: propose changes only inside this repository, never " +
	"weaken tests or integrity checks, never touch credentials or governance files, and " +
	"stop and explain instead of guessing when a requirement is unclear."
