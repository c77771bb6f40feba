// Package cycle records one orchestration cycle at a time and persists each
// as an immutable, validated summary.
package cycle

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// AttemptStatus is the terminal status of a backlog attempt.
type AttemptStatus string

const (
	AttemptDone      AttemptStatus = "done"
	AttemptFailed    AttemptStatus = "failed"
	AttemptDiscarded AttemptStatus = "discarded"
)

// ConflictStatus is how a touched federation conflict stood at close.
type ConflictStatus string

const (
	ConflictResolved   ConflictStatus = "resolved"
	ConflictUnresolved ConflictStatus = "unresolved"
)

// Attempt is one backlog item driven by the cycle.
type Attempt struct {
	ID     string        `json:"id" validate:"required"`
	Text   string        `json:"text"`
	Status AttemptStatus `json:"status" validate:"oneof=done failed discarded"`
}

// ConflictTouch is a federation conflict seen during the cycle.
type ConflictTouch struct {
	ID             string         `json:"id" validate:"required"`
	Peers          []string       `json:"peers" validate:"dive,required"`
	Status         ConflictStatus `json:"status" validate:"oneof=resolved unresolved"`
	ResolutionPath string         `json:"resolution_path"`
}

// Summary is the persisted record of one cycle.
type Summary struct {
	CycleID             string          `json:"cycle_id" validate:"required,uuid"`
	Cycle               int             `json:"cycle" validate:"gte=0"`
	StartedAt           time.Time       `json:"started_at" validate:"required"`
	EndedAt             time.Time       `json:"ended_at" validate:"required,gtefield=StartedAt"`
	Cooldown            bool            `json:"cooldown"`
	Anomalies           []string        `json:"anomalies" validate:"dive,required"`
	Notes               string          `json:"notes"`
	Result              string          `json:"result,omitempty"`
	BacklogAttempts     []Attempt       `json:"backlog_attempts" validate:"dive"`
	Reflections         []string        `json:"reflections" validate:"dive,required"`
	FederationConflicts []ConflictTouch `json:"federation_conflicts" validate:"dive"`

	// Path is set when the summary is loaded from or written to disk.
	Path string `json:"-"`
}

// Stats are the counts reported with a written summary.
type Stats struct {
	Successes         int `json:"successes"`
	Failures          int `json:"failures"`
	ConflictsResolved int `json:"conflicts_resolved"`
}

// Stats counts done attempts, failed or discarded attempts and resolved
// conflicts.
func (s Summary) Stats() Stats {
	var st Stats
	for _, a := range s.BacklogAttempts {
		switch a.Status {
		case AttemptDone:
			st.Successes++
		case AttemptFailed, AttemptDiscarded:
			st.Failures++
		}
	}
	for _, c := range s.FederationConflicts {
		if c.Status == ConflictResolved {
			st.ConflictsResolved++
		}
	}
	return st
}

// ErrInvalidSummary is wrapped by Validate failures.
var ErrInvalidSummary = errors.New("invalid cycle summary")

// ValidationError carries the machine-readable reason for a rejected
// summary, e.g. missing_cycle_id or invalid_backlog_status.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid cycle summary: " + e.Reason }

func (e *ValidationError) Unwrap() error { return ErrInvalidSummary }

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks s and returns a *ValidationError for the first problem.
func Validate(s Summary) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) || len(errs) == 0 {
		return fmt.Errorf("%w: %v", ErrInvalidSummary, err)
	}
	return &ValidationError{Reason: Reason(errs[0])}
}

// Reason maps a field error to a reason string named after the JSON field.
// An empty top-level string is "missing_<field>"; everything else is
// "invalid_<field>", with list entries prefixed backlog_ or conflict_.
func Reason(fe validator.FieldError) string {
	ns := fe.Namespace()
	field, _, _ := strings.Cut(fe.Field(), "[")
	switch {
	case strings.Contains(ns, ".backlog_attempts["):
		field = "backlog_" + field
	case strings.Contains(ns, ".federation_conflicts["):
		field = "conflict_" + field
	}
	if fe.Tag() == "required" && fe.Kind() == reflect.String && !strings.Contains(ns, "[") {
		return "missing_" + field
	}
	return "invalid_" + field
}
