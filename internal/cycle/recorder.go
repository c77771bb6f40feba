package cycle

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/steveyegge/architect/internal/backlog"
	"github.com/steveyegge/architect/internal/eventbus"
	"github.com/steveyegge/architect/internal/utils"
)

const fileLayout = "20060102_150405"

// ConflictSource looks up the current state of a federation conflict.
type ConflictSource func(id string) (backlog.Conflict, bool)

type attempt struct {
	Attempt
	reason string
}

// Recorder accumulates the active cycle. Signals that arrive between
// cycles (anomalies, conflicts, cooldown) carry into the next one.
type Recorder struct {
	dir  string
	emit eventbus.Emitter
	log  *zap.SugaredLogger

	newID     func() string
	conflicts ConflictSource

	active      bool
	id          string
	number      int
	startedAt   time.Time
	cooldown    bool
	anomalies   []string
	notes       []string
	attempts    []*attempt
	reflections []string
	touched     []string
}

// NewRecorder writes summaries under dir and reports through emit.
func NewRecorder(dir string, emit eventbus.Emitter, log *zap.SugaredLogger) *Recorder {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Recorder{dir: dir, emit: emit, log: log, newID: uuid.NewString}
}

// Dir returns the summary directory.
func (r *Recorder) Dir() string { return r.dir }

// SetIDSource overrides cycle id generation.
func (r *Recorder) SetIDSource(fn func() string) { r.newID = fn }

// SetConflictSource installs the lookup used to classify touched conflicts.
func (r *Recorder) SetConflictSource(fn ConflictSource) { r.conflicts = fn }

// Active reports whether a cycle is open.
func (r *Recorder) Active() bool { return r.active }

// CycleID returns the open cycle's id, or "".
func (r *Recorder) CycleID() string {
	if !r.active {
		return ""
	}
	return r.id
}

// Start opens a cycle. Any open cycle is discarded.
func (r *Recorder) Start(now time.Time, number int, cooldown bool, notes ...string) string {
	if r.active {
		r.log.Warnw("discarding unclosed cycle", "cycle_id", r.id)
	}
	r.active = true
	r.id = r.newID()
	r.number = number
	r.startedAt = now
	r.cooldown = r.cooldown || cooldown
	r.notes = append([]string(nil), notes...)
	r.attempts = nil
	r.reflections = nil
	return r.id
}

// AddAttempt records a backlog item selected in this cycle.
func (r *Recorder) AddAttempt(id, text string) {
	if !r.active || id == "" {
		return
	}
	for _, a := range r.attempts {
		if a.ID == id {
			return
		}
	}
	r.attempts = append(r.attempts, &attempt{Attempt: Attempt{ID: id, Text: text}})
}

// SetAttemptOutcome records the terminal status of an attempt. Discards
// caused by a blocked merge or exhausted retries count as failures.
func (r *Recorder) SetAttemptOutcome(id string, status backlog.Status, reason string) {
	for _, a := range r.attempts {
		if a.ID != id {
			continue
		}
		a.reason = reason
		switch status {
		case backlog.StatusDone:
			a.Status = AttemptDone
		case backlog.StatusDiscarded:
			if reason == "merge_failed" || reason == "max_iterations" {
				a.Status = AttemptFailed
			} else {
				a.Status = AttemptDiscarded
			}
		default:
			a.Status = AttemptFailed
		}
		return
	}
}

// AddConflict notes a conflict detected or resolved around this cycle.
func (r *Recorder) AddConflict(id string) {
	if id != "" && !slices.Contains(r.touched, id) {
		r.touched = append(r.touched, id)
	}
}

// AddReflection records the path of a persisted reflection.
func (r *Recorder) AddReflection(path string) {
	if r.active && path != "" {
		r.reflections = append(r.reflections, path)
	}
}

// AddAnomaly records a slugified anomaly label.
func (r *Recorder) AddAnomaly(label string) {
	slug := Slug(label)
	if !slices.Contains(r.anomalies, slug) {
		r.anomalies = append(r.anomalies, slug)
	}
}

// MarkCooldown flags the cycle as having entered cooldown.
func (r *Recorder) MarkCooldown() { r.cooldown = true }

// AddNote appends a free-form note.
func (r *Recorder) AddNote(note string) {
	if r.active && note != "" {
		r.notes = append(r.notes, note)
	}
}

// Slug lowercases label and collapses anything outside [a-z0-9._-] to "_".
func Slug(label string) string {
	return strings.ToLower(utils.SanitizeName(label))
}

func (r *Recorder) build(now time.Time, result string) Summary {
	s := Summary{
		CycleID:             r.id,
		Cycle:               r.number,
		StartedAt:           r.startedAt,
		EndedAt:             now,
		Cooldown:            r.cooldown,
		Anomalies:           append([]string{}, r.anomalies...),
		Notes:               strings.Join(r.notes, "; "),
		Result:              result,
		BacklogAttempts:     []Attempt{},
		Reflections:         append([]string{}, r.reflections...),
		FederationConflicts: []ConflictTouch{},
	}
	for _, a := range r.attempts {
		at := a.Attempt
		if at.Status == "" {
			at.Status = AttemptFailed
		}
		s.BacklogAttempts = append(s.BacklogAttempts, at)
	}
	for _, id := range r.touched {
		touch := ConflictTouch{ID: id, Peers: []string{}, Status: ConflictUnresolved}
		if r.conflicts != nil {
			if c, ok := r.conflicts(id); ok {
				touch.Peers = c.Peers()
				if c.Status == backlog.ConflictAccepted || c.Status == backlog.ConflictSeparate {
					touch.Status = ConflictResolved
				}
				if c.Suggestion != nil {
					touch.ResolutionPath = c.Suggestion.Path
				}
			}
		}
		s.FederationConflicts = append(s.FederationConflicts, touch)
	}
	return s
}

// Close finalizes the active cycle. An invalid summary is reported once via
// architect_cycle_summary_failed and nothing is written. The recorder is
// reset either way.
func (r *Recorder) Close(ctx context.Context, now time.Time, result, note string) (Summary, error) {
	if !r.active {
		return Summary{}, fmt.Errorf("close cycle: no active cycle")
	}
	r.AddNote(note)
	s := r.build(now, result)
	r.reset()

	if err := Validate(s); err != nil {
		reason := err.Error()
		if ve, ok := err.(*ValidationError); ok {
			reason = ve.Reason
		}
		r.emit.Emit(ctx, eventbus.EventCycleSummaryFailed, eventbus.PriorityWarning, map[string]any{
			"cycle":    s.Cycle,
			"cycle_id": s.CycleID,
			"reason":   reason,
		})
		return s, err
	}

	path := utils.UniquePath(r.dir, "cycle_"+s.EndedAt.UTC().Format(fileLayout), ".json")
	if err := utils.WriteJSONAtomic(path, s); err != nil {
		r.emit.Emit(ctx, eventbus.EventCycleSummaryFailed, eventbus.PriorityWarning, map[string]any{
			"cycle":    s.Cycle,
			"cycle_id": s.CycleID,
			"reason":   "write_failed",
		})
		return s, fmt.Errorf("write cycle summary: %w", err)
	}
	s.Path = path
	st := s.Stats()
	r.emit.Emit(ctx, eventbus.EventCycleSummary, eventbus.PriorityInfo, map[string]any{
		"cycle":              s.Cycle,
		"cycle_id":           s.CycleID,
		"successes":          st.Successes,
		"failures":           st.Failures,
		"conflicts_resolved": st.ConflictsResolved,
		"summary_path":       path,
		"ended_at":           s.EndedAt.UTC().Format(time.RFC3339),
	})
	r.log.Debugw("cycle summary written", "path", path, "cycle", s.Cycle)
	return s, nil
}

// Abort drops the open cycle without writing anything. Anomalies, conflicts
// and cooldown observed so far carry into the next cycle.
func (r *Recorder) Abort() {
	r.active = false
	r.id = ""
	r.notes = nil
	r.attempts = nil
	r.reflections = nil
}

func (r *Recorder) reset() {
	r.active = false
	r.id = ""
	r.cooldown = false
	r.anomalies = nil
	r.notes = nil
	r.attempts = nil
	r.reflections = nil
	r.touched = nil
}

// LoadRecent returns up to n summaries from dir, newest first. Files that
// fail to parse or validate are skipped.
func LoadRecent(dir string, n int) ([]Summary, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "cycle_*.json"))
	if err != nil {
		return nil, err
	}
	var out []Summary
	for _, path := range matches {
		data, err := os.ReadFile(path) // #nosec G304 -- path comes from Glob over our own directory
		if err != nil {
			continue
		}
		var s Summary
		if err := json.Unmarshal(data, &s); err != nil {
			continue
		}
		if Validate(s) != nil {
			continue
		}
		s.Path = path
		out = append(out, s)
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
