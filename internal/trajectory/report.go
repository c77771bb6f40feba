// Package trajectory analyzes recent cycle summaries and derives steering
// overrides from the trends it finds.
package trajectory

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/steveyegge/architect/internal/backlog"
	"github.com/steveyegge/architect/internal/cycle"
	"github.com/steveyegge/architect/internal/utils"
)

// ErrNoCycles is returned by Build when there is nothing to analyze.
var ErrNoCycles = errors.New("no_cycle_summaries")

// ErrInvalidReport is wrapped by Validate failures.
var ErrInvalidReport = errors.New("invalid trajectory report")

// Followthrough compares reflection plans with what the backlog delivered.
type Followthrough struct {
	Planned   int `json:"planned" validate:"gte=0"`
	Completed int `json:"completed" validate:"gte=0"`
	Discarded int `json:"discarded" validate:"gte=0"`
}

// PriorityFailure counts failed attempts for one canonical priority.
type PriorityFailure struct {
	Canonical string `json:"canonical"`
	Label     string `json:"label"`
	Count     int    `json:"count"`
}

// Report is a validated analysis of the most recent cycles.
type Report struct {
	TrajectoryID          string            `json:"trajectory_id" validate:"required,uuid"`
	StartedAt             time.Time         `json:"started_at" validate:"required"`
	EndedAt               time.Time         `json:"ended_at" validate:"required,gtefield=StartedAt"`
	CyclesIncluded        []string          `json:"cycles_included" validate:"min=1,dive,required"`
	SuccessRate           float64           `json:"success_rate" validate:"gte=0,lte=1"`
	FailureRate           float64           `json:"failure_rate" validate:"gte=0,lte=1"`
	ConflictRate          float64           `json:"conflict_rate" validate:"gte=0,lte=1"`
	RecurringRegressions  []string          `json:"recurring_regressions" validate:"dive,required"`
	PriorityFollowthrough Followthrough     `json:"priority_followthrough"`
	Notes                 string            `json:"notes"`
	TotalConflicts        int               `json:"total_conflicts" validate:"gte=0"`
	CurrentFailureStreak  int               `json:"current_failure_streak" validate:"gte=0"`
	PriorityFailures      []PriorityFailure `json:"priority_failures"`
	PriorityStatus        map[string]string `json:"priority_status"`

	Path string `json:"-"`
}

// Warning is a non-fatal problem found while building a report.
type Warning struct {
	Reason string
	Path   string
}

// ReflectionLoader returns the next_priorities of a persisted reflection.
type ReflectionLoader func(path string) ([]string, error)

// Input feeds Build.
type Input struct {
	Summaries            []cycle.Summary
	CurrentFailureStreak int
	LoadReflection       ReflectionLoader
	NewID                func() string
}

// LoadReflectionFile reads next_priorities from a reflection JSON file.
func LoadReflectionFile(path string) ([]string, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- reflection paths come from our own summaries
	if err != nil {
		return nil, err
	}
	var doc struct {
		NextPriorities []string `json:"next_priorities"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc.NextPriorities, nil
}

func round4(v float64) float64 { return math.Round(v*10000) / 10000 }

// Build computes a report over in.Summaries. Reflection files that are
// missing or unreadable produce warnings, not errors.
func Build(in Input) (Report, []Warning, error) {
	if len(in.Summaries) == 0 {
		return Report{}, nil, ErrNoCycles
	}
	load := in.LoadReflection
	if load == nil {
		load = LoadReflectionFile
	}
	newID := in.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	summaries := slices.Clone(in.Summaries)
	sort.SliceStable(summaries, func(i, j int) bool { return summaries[i].EndedAt.Before(summaries[j].EndedAt) })

	var (
		warnings       []Warning
		paths          []string
		successes      int
		failures       int
		conflictCycles int
		totalConflicts int
		failureCounts  = map[string]int{}
		failureLabels  = map[string]string{}
		conflictCounts = map[string]int{}
		status         = map[string]string{}
		planned        = map[string]bool{}
	)
	for _, s := range summaries {
		if s.Path != "" {
			paths = append(paths, s.Path)
		}
		for _, a := range s.BacklogAttempts {
			text := strings.TrimSpace(a.Text)
			if text == "" {
				text = strings.TrimSpace(a.ID)
			}
			canonical := backlog.Canonicalize(text)
			if canonical == "" {
				continue
			}
			switch a.Status {
			case cycle.AttemptDone:
				successes++
				status[canonical] = string(backlog.StatusDone)
			case cycle.AttemptFailed, cycle.AttemptDiscarded:
				failures++
				if status[canonical] != string(backlog.StatusDone) {
					status[canonical] = string(backlog.StatusDiscarded)
				}
				failureCounts[canonical]++
				if _, ok := failureLabels[canonical]; !ok {
					failureLabels[canonical] = text
				}
			}
		}
		unresolved := 0
		for _, c := range s.FederationConflicts {
			if c.Status == cycle.ConflictResolved || c.ID == "" {
				continue
			}
			unresolved++
			conflictCounts[c.ID]++
		}
		if unresolved > 0 {
			conflictCycles++
			totalConflicts += unresolved
		}
		for _, ref := range s.Reflections {
			next, err := load(ref)
			if err != nil {
				reason := "reflection_invalid"
				if errors.Is(err, os.ErrNotExist) {
					reason = "reflection_missing"
				}
				warnings = append(warnings, Warning{Reason: reason, Path: ref})
				continue
			}
			for _, p := range next {
				if c := backlog.Canonicalize(p); c != "" {
					planned[c] = true
				}
			}
		}
	}

	attempts := successes + failures
	r := Report{
		TrajectoryID:         newID(),
		StartedAt:            summaries[0].StartedAt,
		EndedAt:              summaries[len(summaries)-1].EndedAt,
		CyclesIncluded:       paths,
		ConflictRate:         round4(float64(conflictCycles) / float64(len(summaries))),
		TotalConflicts:       totalConflicts,
		CurrentFailureStreak: in.CurrentFailureStreak,
		PriorityStatus:       status,
		PriorityFailures:     []PriorityFailure{},
	}
	if attempts > 0 {
		r.SuccessRate = round4(float64(successes) / float64(attempts))
		r.FailureRate = round4(float64(failures) / float64(attempts))
	}

	seen := map[string]bool{}
	for c, n := range failureCounts {
		if n > 1 {
			seen[failureLabels[c]] = true
		}
	}
	for id, n := range conflictCounts {
		if n > 1 {
			seen[id] = true
		}
	}
	r.RecurringRegressions = make([]string, 0, len(seen))
	for label := range seen {
		r.RecurringRegressions = append(r.RecurringRegressions, label)
	}
	sort.Strings(r.RecurringRegressions)

	canonicals := make([]string, 0, len(failureCounts))
	for c := range failureCounts {
		canonicals = append(canonicals, c)
	}
	sort.Strings(canonicals)
	for _, c := range canonicals {
		r.PriorityFailures = append(r.PriorityFailures, PriorityFailure{Canonical: c, Label: failureLabels[c], Count: failureCounts[c]})
	}

	r.PriorityFollowthrough.Planned = len(planned)
	for c := range planned {
		switch status[c] {
		case string(backlog.StatusDone):
			r.PriorityFollowthrough.Completed++
		case string(backlog.StatusDiscarded):
			r.PriorityFollowthrough.Discarded++
		}
	}

	follow := "no planned priorities"
	if r.PriorityFollowthrough.Planned > 0 {
		follow = fmt.Sprintf("%d/%d completed", r.PriorityFollowthrough.Completed, r.PriorityFollowthrough.Planned)
	}
	regressions := "none"
	if len(r.RecurringRegressions) > 0 {
		regressions = strings.Join(r.RecurringRegressions, ", ")
	}
	r.Notes = fmt.Sprintf("%d cycles, success %.0f%% (%d/%d), follow-through %s, recurring regressions: %s.",
		len(summaries), r.SuccessRate*100, successes, attempts, follow, regressions)
	return r, warnings, nil
}

// ValidationError carries the machine-readable reason a report was
// rejected, e.g. invalid_cycles or negative_rates.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid trajectory report: " + e.Reason }

func (e *ValidationError) Unwrap() error { return ErrInvalidReport }

var validate = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}()

// Validate checks r and returns a *ValidationError for the first problem.
func Validate(r Report) error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) || len(errs) == 0 {
		return fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}
	return &ValidationError{Reason: reason(errs[0])}
}

func reason(fe validator.FieldError) string {
	field, _, _ := strings.Cut(fe.Field(), "[")
	indexed := strings.Contains(fe.Field(), "[")
	switch {
	case field == "cycles_included" && indexed:
		return "invalid_cycle_path"
	case field == "cycles_included":
		return "invalid_cycles"
	case field == "recurring_regressions":
		return "invalid_regression_entry"
	case strings.HasSuffix(field, "_rate") && fe.Tag() == "gte":
		return "negative_rates"
	case strings.Contains(fe.Namespace(), ".priority_followthrough."):
		return "invalid_followthrough_" + field
	case fe.Tag() == "required" && fe.Kind() == reflect.String:
		return "missing_" + field
	}
	return "invalid_" + field
}

// Persist writes r as trajectory_<ended>[_n].json under dir.
func Persist(dir string, r Report) (string, error) {
	path := utils.UniquePath(dir, "trajectory_"+r.EndedAt.UTC().Format("20060102_150405"), ".json")
	if err := utils.WriteJSONAtomic(path, r); err != nil {
		return "", fmt.Errorf("write trajectory report: %w", err)
	}
	return path, nil
}

// LoadRecent returns up to n persisted reports from dir, newest first.
func LoadRecent(dir string, n int) ([]Report, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "trajectory_*.json"))
	if err != nil {
		return nil, err
	}
	var out []Report
	for _, path := range matches {
		data, err := os.ReadFile(path) // #nosec G304 -- path comes from Glob over our own directory
		if err != nil {
			continue
		}
		var r Report
		if err := json.Unmarshal(data, &r); err != nil || Validate(r) != nil {
			continue
		}
		r.Path = path
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].EndedAt.Equal(out[j].EndedAt) {
			return out[i].EndedAt.After(out[j].EndedAt)
		}
		return filepath.Base(out[i].Path) > filepath.Base(out[j].Path)
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}
