package cycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/architect/internal/backlog"
	"github.com/steveyegge/architect/internal/eventbus"
)

var t0 = time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)

func newRecorder(t *testing.T) (*Recorder, *eventbus.Recorder) {
	t.Helper()
	rec := &eventbus.Recorder{}
	r := NewRecorder(t.TempDir(), rec, nil)
	return r, rec
}

func TestClose_WritesSummaryOnce(t *testing.T) {
	r, rec := newRecorder(t)
	r.Start(t0, 1, false, "scheduled")
	r.AddAttempt("p1", "Add retry to fetcher")
	r.AddAttempt("p2", "Fix flaky test")
	r.AddAttempt("p3", "Tighten CI")
	r.SetAttemptOutcome("p1", backlog.StatusDone, "")
	r.SetAttemptOutcome("p2", backlog.StatusDiscarded, "merge_failed")
	r.SetAttemptOutcome("p3", backlog.StatusDiscarded, "operator")
	r.AddReflection("/tmp/reflection_1.json")

	s, err := r.Close(context.Background(), t0.Add(time.Minute), "ok", "done")
	require.NoError(t, err)
	assert.False(t, r.Active())

	require.FileExists(t, s.Path)
	assert.Equal(t, "cycle_20260506_070909.json", filepath.Base(s.Path))
	assert.Equal(t, "scheduled; done", s.Notes)
	assert.Equal(t, AttemptFailed, s.BacklogAttempts[1].Status)
	assert.Equal(t, AttemptDiscarded, s.BacklogAttempts[2].Status)
	assert.Equal(t, Stats{Successes: 1, Failures: 2}, s.Stats())

	events := rec.Of(eventbus.EventCycleSummary)
	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].Fields["successes"])
	assert.Equal(t, s.Path, events[0].Fields["summary_path"])
	assert.Zero(t, rec.Count(eventbus.EventCycleSummaryFailed))

	loaded, err := LoadRecent(r.Dir(), 5)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, s.CycleID, loaded[0].CycleID)
}

func TestClose_InvalidSummaryWritesNothing(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(r *Recorder)
		end    time.Time
		reason string
	}{
		{
			name:   "missing cycle id",
			setup:  func(r *Recorder) { r.SetIDSource(func() string { return "" }) },
			end:    t0.Add(time.Minute),
			reason: "missing_cycle_id",
		},
		{
			name:   "malformed cycle id",
			setup:  func(r *Recorder) { r.SetIDSource(func() string { return "cycle-7" }) },
			end:    t0.Add(time.Minute),
			reason: "invalid_cycle_id",
		},
		{
			name:   "ended before started",
			setup:  func(r *Recorder) {},
			end:    t0.Add(-time.Minute),
			reason: "invalid_ended_at",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, rec := newRecorder(t)
			tt.setup(r)
			r.Start(t0, 3, false)
			_, err := r.Close(context.Background(), tt.end, "", "")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidSummary))

			failed := rec.Of(eventbus.EventCycleSummaryFailed)
			require.Len(t, failed, 1)
			assert.Equal(t, tt.reason, failed[0].Fields["reason"])
			assert.Zero(t, rec.Count(eventbus.EventCycleSummary))

			entries, err := os.ReadDir(r.Dir())
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestValidate_NestedReasons(t *testing.T) {
	base := Summary{
		CycleID:   "8c2b3c1e-5f7a-4a43-9a7e-2c1d0b9e6f10",
		StartedAt: t0,
		EndedAt:   t0,
	}

	s := base
	s.BacklogAttempts = []Attempt{{ID: "p1", Status: "pending"}}
	var ve *ValidationError
	require.ErrorAs(t, Validate(s), &ve)
	assert.Equal(t, "invalid_backlog_status", ve.Reason)

	s = base
	s.FederationConflicts = []ConflictTouch{{ID: "c1", Status: "open"}}
	require.ErrorAs(t, Validate(s), &ve)
	assert.Equal(t, "invalid_conflict_status", ve.Reason)

	s = base
	s.StartedAt = time.Time{}
	require.ErrorAs(t, Validate(s), &ve)
	assert.Equal(t, "invalid_started_at", ve.Reason)

	require.NoError(t, Validate(base))
}

func TestRecorder_CarriesSignalsBetweenCycles(t *testing.T) {
	r, _ := newRecorder(t)
	conflicts := map[string]backlog.Conflict{
		"c1": {ID: "c1", Status: backlog.ConflictAccepted, Variants: []backlog.Variant{{Peer: "peer-a"}, {Peer: "peer-b"}},
			Suggestion: &backlog.Suggestion{Path: "/res/c1.json"}},
		"c2": {ID: "c2", Status: backlog.ConflictPending},
	}
	r.SetConflictSource(func(id string) (backlog.Conflict, bool) {
		c, ok := conflicts[id]
		return c, ok
	})

	r.AddAnomaly("CI Latency Spike")
	r.AddConflict("c1")
	r.AddConflict("c2")
	r.AddConflict("c1")
	r.MarkCooldown()

	r.Start(t0, 1, false)
	s, err := r.Close(context.Background(), t0.Add(time.Second), "", "")
	require.NoError(t, err)

	assert.True(t, s.Cooldown)
	assert.Equal(t, []string{"ci_latency_spike"}, s.Anomalies)
	require.Len(t, s.FederationConflicts, 2)
	assert.Equal(t, ConflictResolved, s.FederationConflicts[0].Status)
	assert.Equal(t, []string{"peer-a", "peer-b"}, s.FederationConflicts[0].Peers)
	assert.Equal(t, "/res/c1.json", s.FederationConflicts[0].ResolutionPath)
	assert.Equal(t, ConflictUnresolved, s.FederationConflicts[1].Status)
	assert.Equal(t, 1, s.Stats().ConflictsResolved)

	r.Start(t0.Add(time.Hour), 2, false)
	s, err = r.Close(context.Background(), t0.Add(time.Hour+time.Second), "", "")
	require.NoError(t, err)
	assert.False(t, s.Cooldown)
	assert.Empty(t, s.Anomalies)
	assert.Empty(t, s.FederationConflicts)
}

func TestClose_PendingAttemptCountsAsFailure(t *testing.T) {
	r, _ := newRecorder(t)
	r.Start(t0, 1, false)
	r.AddAttempt("p1", "Something")
	s, err := r.Close(context.Background(), t0, "", "")
	require.NoError(t, err)
	assert.Equal(t, AttemptFailed, s.BacklogAttempts[0].Status)
}

func TestClose_WithoutActiveCycle(t *testing.T) {
	r, rec := newRecorder(t)
	_, err := r.Close(context.Background(), t0, "", "")
	require.Error(t, err)
	assert.Empty(t, rec.Events())
}

func TestLoadRecent_OrderAndCorruption(t *testing.T) {
	r, _ := newRecorder(t)
	for i := 0; i < 3; i++ {
		start := t0.Add(time.Duration(i) * time.Hour)
		r.Start(start, i+1, false)
		_, err := r.Close(context.Background(), start.Add(time.Minute), "", "")
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(filepath.Join(r.Dir(), "cycle_corrupt.json"), []byte("{not json"), 0o600))

	all, err := LoadRecent(r.Dir(), 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, 3, all[0].Cycle)
	assert.Equal(t, 1, all[2].Cycle)

	two, err := LoadRecent(r.Dir(), 2)
	require.NoError(t, err)
	require.Len(t, two, 2)
	assert.Equal(t, 2, two[1].Cycle)

	none, err := LoadRecent(filepath.Join(r.Dir(), "missing"), 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}
