// Package lifecycle tracks code-generation requests from prompt to merge.
// Each request carries a small state machine; the Manager owns the live set
// and the correlation prefixes used to match asynchronous results.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/looplab/fsm"
)

// Mode is the kind of work a request asks for.
type Mode string

const (
	ModeExpand  Mode = "expand"
	ModeRepair  Mode = "repair"
	ModeReflect Mode = "reflect"
)

// ErrUnknownMode is returned for modes outside the closed set.
var ErrUnknownMode = errors.New("unknown request mode")

// ParseMode validates s.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeExpand, ModeRepair, ModeReflect:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Status is a request's lifecycle state.
type Status string

const (
	StatusSubmitted        Status = "submitted"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
)

// Terminal reports whether the request has left the live set.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

const (
	eventAwait    = "await"
	eventComplete = "complete"
	eventRetry    = "retry"
	eventFail     = "fail"
)

// ErrInvalidTransition wraps state machine refusals.
var ErrInvalidTransition = errors.New("invalid request transition")

// Request is one outstanding unit of generation work.
type Request struct {
	ID            string         `json:"architect_id"`
	Mode          Mode           `json:"mode"`
	Reason        string         `json:"reason"`
	CreatedAt     time.Time      `json:"created_at"`
	Iterations    int            `json:"iterations"`
	MaxIterations int            `json:"max_iterations"`
	Status        Status         `json:"status"`
	PromptPath    string         `json:"prompt_path,omitempty"`
	MetadataPath  string         `json:"metadata_path,omitempty"`
	Prefix        string         `json:"codex_prefix,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
	PriorityID    string         `json:"priority_id,omitempty"`
	PriorityText  string         `json:"priority_text,omitempty"`
	Branch        string         `json:"branch,omitempty"`
	CycleID       string         `json:"cycle_id,omitempty"`
	CycleNumber   int            `json:"cycle_number,omitempty"`
	PatchID       string         `json:"patch_id,omitempty"`
	Files         []string       `json:"files_changed,omitempty"`
	Details       map[string]any `json:"details,omitempty"`

	context []map[string]any
	history []string
	machine *fsm.FSM
}

func newMachine(r *Request) *fsm.FSM {
	live := []string{string(StatusSubmitted), string(StatusAwaitingApproval)}
	return fsm.NewFSM(
		string(StatusSubmitted),
		fsm.Events{
			{Name: eventAwait, Src: []string{string(StatusSubmitted)}, Dst: string(StatusAwaitingApproval)},
			{Name: eventComplete, Src: live, Dst: string(StatusCompleted)},
			{Name: eventRetry, Src: live, Dst: string(StatusSubmitted)},
			{Name: eventFail, Src: live, Dst: string(StatusFailed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				r.Status = Status(e.Dst)
			},
		},
	)
}

// fire runs event on the request's machine. A self-transition (retry while
// submitted) is not an error.
func (r *Request) fire(ctx context.Context, event string) error {
	err := r.machine.Event(ctx, event)
	var same fsm.NoTransitionError
	if err == nil || errors.As(err, &same) {
		return nil
	}
	return fmt.Errorf("%w: %s %s from %s: %v", ErrInvalidTransition, r.ID, event, r.machine.Current(), err)
}

// snapshot returns a copy safe to hand to callers.
func (r *Request) snapshot() Request {
	out := *r
	out.machine = nil
	out.Files = slices.Clone(r.Files)
	if r.Details != nil {
		out.Details = make(map[string]any, len(r.Details))
		for k, v := range r.Details {
			out.Details[k] = v
		}
	}
	return out
}
