package architect

import (
	"errors"

	"github.com/steveyegge/architect/internal/backlog"
	"github.com/steveyegge/architect/internal/cycle"
	"github.com/steveyegge/architect/internal/session"
	"github.com/steveyegge/architect/internal/trajectory"
	"github.com/steveyegge/architect/internal/utils"
)

// Status is a read-only view of the persisted daemon state, assembled from
// files so it works whether or not a daemon is running.
type Status struct {
	Active        bool
	Session       session.Session
	Backlog       []backlog.Item
	History       []backlog.Item
	OpenConflicts []backlog.Conflict
	Cycles        []cycle.Summary
	Trajectory    *trajectory.Report
}

// Pending counts the pending and in-progress backlog items.
func (s Status) Pending() int {
	n := 0
	for _, it := range s.Backlog {
		if !it.Status.Terminal() {
			n++
		}
	}
	return n
}

// LoadStatus reads the session, backlog, the last n cycle summaries and the
// newest trajectory report. Unreadable pieces are reported together and the
// rest is still returned.
func LoadStatus(paths Paths, n int) (Status, error) {
	var errs []error
	st := Status{}

	sess, err := session.NewStore(paths.Session).Load()
	if err != nil {
		errs = append(errs, err)
	}
	st.Session = sess
	st.Active = sess.Activated || fileExists(paths.Completion)

	var doc backlog.Document
	if _, err := utils.ReadJSON(paths.Backlog, &doc); err != nil {
		errs = append(errs, err)
	}
	st.Backlog = doc.Active
	st.History = doc.History
	for _, c := range doc.Conflicts {
		if c.Status.Open() {
			st.OpenConflicts = append(st.OpenConflicts, c)
		}
	}

	if n > 0 {
		cycles, err := cycle.LoadRecent(paths.Cycles, n)
		if err != nil {
			errs = append(errs, err)
		}
		st.Cycles = cycles
	}

	reports, err := trajectory.LoadRecent(paths.Trajectory, 1)
	if err != nil {
		errs = append(errs, err)
	}
	if len(reports) > 0 {
		st.Trajectory = &reports[0]
	}
	return st, errors.Join(errs...)
}
