// Package session persists the daemon's counters and steering state across
// restarts in a single JSON document.
package session

import (
	"fmt"
	"time"

	"github.com/steveyegge/architect/internal/scheduler"
	"github.com/steveyegge/architect/internal/trajectory"
	"github.com/steveyegge/architect/internal/utils"
)

// FileName is the session document name inside the state directory.
const FileName = "session.json"

// HistoryLimit caps the number of cycle records kept in the session.
const HistoryLimit = 50

// CycleRecord is the short per-cycle entry kept for status output.
type CycleRecord struct {
	Cycle      int       `json:"cycle"`
	ID         string    `json:"id"`
	Trigger    string    `json:"trigger"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at,omitzero"`
	Cooldown   bool      `json:"cooldown"`
	Reflection bool      `json:"reflection,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	PriorityID string    `json:"priority_id,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	Anomalies  []string  `json:"anomalies,omitempty"`
}

// ReflectionInfo points at the most recent reflection.
type ReflectionInfo struct {
	Cycle   int       `json:"cycle"`
	Path    string    `json:"path"`
	Summary string    `json:"summary"`
	At      time.Time `json:"at"`
}

// TrajectoryInfo points at the most recent trajectory report.
type TrajectoryInfo struct {
	Path   string    `json:"path"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Session is the persisted daemon state.
type Session struct {
	Runs        int       `json:"runs"`
	Successes   int       `json:"successes"`
	Failures    int       `json:"failures"`
	CycleCount  int       `json:"cycle_count"`
	Activated   bool      `json:"activated"`
	ActivatedAt time.Time `json:"activated_at,omitzero"`

	Scheduler scheduler.State `json:"scheduler"`
	Cycles    []CycleRecord   `json:"cycles,omitempty"`

	LastReflection *ReflectionInfo `json:"last_reflection,omitempty"`
	LastTrajectory *TrajectoryInfo `json:"last_trajectory,omitempty"`

	Overrides        trajectory.Overrides `json:"overrides"`
	AdjustmentReason string               `json:"adjustment_reason,omitempty"`
	LowConfidence    []string             `json:"low_confidence,omitempty"`

	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// AppendCycle records a new cycle, dropping the oldest beyond HistoryLimit.
func (s *Session) AppendCycle(rec CycleRecord) {
	s.Cycles = append(s.Cycles, rec)
	if n := len(s.Cycles); n > HistoryLimit {
		s.Cycles = append([]CycleRecord(nil), s.Cycles[n-HistoryLimit:]...)
	}
}

// UpdateCycle applies fn to the record for cycle n. Returns false when the
// cycle is no longer in the history.
func (s *Session) UpdateCycle(n int, fn func(*CycleRecord)) bool {
	for i := len(s.Cycles) - 1; i >= 0; i-- {
		if s.Cycles[i].Cycle == n {
			fn(&s.Cycles[i])
			return true
		}
	}
	return false
}

// LastCycle returns the newest cycle record, if any.
func (s *Session) LastCycle() (CycleRecord, bool) {
	if len(s.Cycles) == 0 {
		return CycleRecord{}, false
	}
	return s.Cycles[len(s.Cycles)-1], true
}

// Store reads and writes the session document.
type Store struct {
	path string
}

// NewStore returns a store for the given file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the session file path.
func (st *Store) Path() string { return st.path }

// Load reads the session. A missing file yields a fresh session.
func (st *Store) Load() (Session, error) {
	var s Session
	if _, err := utils.ReadJSON(st.path, &s); err != nil {
		return Session{Scheduler: scheduler.State{Multiplier: 1}}, fmt.Errorf("load session: %w", err)
	}
	if s.Scheduler.Multiplier < 1 {
		s.Scheduler.Multiplier = 1
	}
	return s, nil
}

// Save writes the session atomically.
func (st *Store) Save(s Session) error {
	if n := len(s.Cycles); n > HistoryLimit {
		s.Cycles = s.Cycles[n-HistoryLimit:]
	}
	if err := utils.WriteJSONAtomic(st.path, s); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}
