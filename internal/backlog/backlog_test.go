package backlog

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/architect/internal/eventbus"
)

var t0 = time.Date(2026, 4, 5, 6, 7, 8, 0, time.UTC)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), FileName))
	require.NoError(t, err)
	s.SetClock(func() time.Time { return t0 })
	n := 0
	s.SetIDSource(func() string { n++; return fmt.Sprintf("p%d", n) })
	return s
}

func TestCanonicalize(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Fix the Logger!", "fixthelogger"},
		{"  fix-the  logger ", "fixthelogger"},
		{"???", "???"},
		{"  ÉCOLE  ", "cole"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Canonicalize(tt.in), tt.in)
	}
}

func TestParseReflection(t *testing.T) {
	r, err := ParseReflection([]byte(`{"summary":" ok ","successes":["a"],"failures":[],"regressions":[],"next_priorities":["x"," ","y"]}`))
	require.NoError(t, err)
	assert.Equal(t, "ok", r.Summary)
	assert.Equal(t, []string{"x", "y"}, r.Priorities())

	quoted := `"{\"summary\":\"s\",\"successes\":[],\"failures\":[],\"regressions\":[],\"next_priorities\":[]}"`
	r, err = ParseReflection([]byte(quoted))
	require.NoError(t, err)
	assert.Equal(t, "s", r.Summary)
	assert.Empty(t, r.Priorities())
}

func TestParseReflectionRejectsMalformed(t *testing.T) {
	bad := []string{
		`not json`,
		`[1,2]`,
		`{"successes":[],"failures":[],"regressions":[],"next_priorities":[]}`,
		`{"summary":"s","successes":"nope","failures":[],"regressions":[],"next_priorities":[]}`,
		`{"summary":"s","successes":[],"failures":[],"regressions":[]}`,
		`{"summary":3,"successes":[],"failures":[],"regressions":[],"next_priorities":[]}`,
	}
	for _, raw := range bad {
		_, err := ParseReflection([]byte(raw))
		assert.ErrorIs(t, err, ErrInvalidReflection, raw)
	}
}

func TestReflectionRoundTrip(t *testing.T) {
	s := newStore(t)
	r, err := ParseReflection([]byte(`{"summary":"s","successes":[],"failures":[],"regressions":[],"next_priorities":["a","b"]}`))
	require.NoError(t, err)

	created := s.AddPriorities(r.Priorities())
	require.Len(t, created, 2)
	assert.Equal(t, "a", created[0].Text)
	assert.Equal(t, "b", created[1].Text)
	for _, it := range s.Active() {
		assert.Equal(t, StatusPending, it.Status)
	}

	first, ok := s.SelectNext()
	require.True(t, ok)
	assert.Equal(t, "a", first.Text)
	assert.Equal(t, StatusInProgress, first.Status)

	done, err := s.Finalize(first.ID, StatusDone, "")
	require.NoError(t, err)
	assert.Equal(t, t0, done.CompletedAt)

	_, err = s.Finalize(first.ID, StatusDone, "")
	require.NoError(t, err)

	got, ok := s.Get(first.ID)
	require.True(t, ok)
	assert.Equal(t, StatusDone, got.Status)
	hist := s.History()
	require.Len(t, hist, 1)
	assert.Equal(t, StatusDone, hist[0].Status)
	assert.Equal(t, t0, hist[0].CompletedAt)

	next, ok := s.SelectNext()
	require.True(t, ok)
	assert.Equal(t, "b", next.Text)
	_, ok = s.SelectNext()
	assert.False(t, ok)
}

func TestFinalizeErrors(t *testing.T) {
	s := newStore(t)
	_, err := s.Finalize("missing", StatusDone, "")
	assert.ErrorIs(t, err, ErrNotFound)
	it := s.Add(Item{Text: "x"})
	_, err = s.Finalize(it.ID, StatusInProgress, "")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestSaveAndReopenRecoversInProgress(t *testing.T) {
	s := newStore(t)
	s.AddPriorities([]string{"a", "b"})
	s.SelectNext()
	require.NoError(t, s.Save())

	again, err := Open(s.Path())
	require.NoError(t, err)
	active := again.Active()
	require.Len(t, active, 2)
	assert.Equal(t, StatusPending, active[0].Status)
	assert.Equal(t, t0, again.Updated())
}

func TestOpenDropsInvalidEntries(t *testing.T) {
	p := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(p, []byte(`{
  "active": [
    {"id": "a", "text": "keep", "status": "weird"},
    {"id": "", "text": "no id"},
    {"id": "b", "text": "  "}
  ],
  "history": [
    {"id": "h", "text": "t", "status": "done"},
    {"id": "h", "text": "t", "status": "done"},
    {"id": "p", "text": "t", "status": "pending"}
  ]
}`), 0644))
	s, err := Open(p)
	require.NoError(t, err)
	active := s.Active()
	require.Len(t, active, 1)
	assert.Equal(t, StatusPending, active[0].Status)
	assert.Equal(t, "keep", active[0].Canonical)
	assert.Len(t, s.History(), 1)
}

func TestMarkLowConfidenceMovesPendingToEnd(t *testing.T) {
	s := newStore(t)
	s.AddPriorities([]string{"Fix logger", "Add cache", "Tune GC"})

	require.True(t, s.MarkLowConfidence([]string{"fix LOGGER"}))
	active := s.Active()
	assert.Equal(t, []string{"Add cache", "Tune GC", "Fix logger"}, texts(active))
	assert.Equal(t, ConfidenceLow, active[2].Confidence)

	assert.False(t, s.MarkLowConfidence([]string{"fixlogger"}))
	assert.Equal(t, 1, s.ClearConfidence())
	assert.Equal(t, 0, s.ClearConfidence())
}

func TestDiffPending(t *testing.T) {
	prev := map[string]eventbus.BacklogItemRef{
		"1": {ID: "1", Text: "a", Status: "pending"},
		"2": {ID: "2", Text: "b", Status: "pending"},
	}
	cur := map[string]eventbus.BacklogItemRef{
		"2": {ID: "2", Text: "b2", Status: "pending"},
		"3": {ID: "3", Text: "c", Status: "pending"},
	}
	d := DiffPending(prev, cur)
	assert.Equal(t, []eventbus.BacklogItemRef{cur["3"]}, d.Added)
	assert.Equal(t, []eventbus.BacklogItemRef{cur["2"]}, d.Updated)
	assert.Equal(t, []eventbus.BacklogItemRef{prev["1"]}, d.Removed)
	assert.True(t, DiffPending(cur, cur).Empty())
}

func TestPendingSnapshotTracksSelection(t *testing.T) {
	s := newStore(t)
	s.AddPriorities([]string{"a", "b"})
	before := s.PendingSnapshot()
	s.SelectNext()
	d := DiffPending(before, s.PendingSnapshot())
	require.Len(t, d.Removed, 1)
	assert.Equal(t, "a", d.Removed[0].Text)
	assert.Len(t, s.PendingList(), 1)
}

func TestConflictPeers(t *testing.T) {
	c := Conflict{Variants: []Variant{{Peer: "b"}, {Peer: "a"}, {Peer: "b"}}}
	assert.Equal(t, []string{"a", "b"}, c.Peers())
	assert.True(t, ConflictRejected.Open())
	assert.False(t, ConflictSeparate.Open())
}

func texts(items []Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Text
	}
	return out
}
