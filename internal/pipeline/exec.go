// Package pipeline runs the external processes the daemon depends on: git
// branch and merge commands, the CI command list and the integrity check.
// Every command is an argv slice; nothing goes through a shell.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// ErrEmptyCommand is returned for an empty argv.
var ErrEmptyCommand = errors.New("empty command")

// Result is the captured outcome of one process.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Executor runs argv in dir. A non-zero exit is reported in Result, not as
// an error; err is reserved for processes that could not be started.
type Executor interface {
	Run(ctx context.Context, dir string, argv []string) (Result, error)
}

// OSExecutor runs commands with os/exec.
type OSExecutor struct {
	// Env, when non-nil, replaces the inherited environment.
	Env []string
}

// Run implements Executor.
func (e OSExecutor) Run(ctx context.Context, dir string, argv []string) (Result, error) {
	if len(argv) == 0 {
		return Result{ExitCode: -1}, ErrEmptyCommand
	}
	// #nosec G204 - argv comes from daemon configuration
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	if e.Env != nil {
		cmd.Env = e.Env
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	res.ExitCode = -1
	return res, fmt.Errorf("run %s: %w", argv[0], err)
}
