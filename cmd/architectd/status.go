package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/architect/internal/architect"
	"github.com/steveyegge/architect/internal/backlog"
	"github.com/steveyegge/architect/internal/cycle"
	"github.com/steveyegge/architect/internal/lockfile"
	"github.com/steveyegge/architect/internal/timeparsing"
	"github.com/steveyegge/architect/internal/trajectory"
	"github.com/steveyegge/architect/internal/ui"
)

var (
	statusCycles   int
	listLimit      int
	backlogHistory bool
	listSince      string
)

// sinceBound parses --since; the zero time means no bound.
func sinceBound() (time.Time, error) {
	if listSince == "" {
		return time.Time{}, nil
	}
	t, err := timeparsing.ParseSince(listSince, time.Now())
	if err != nil {
		return time.Time{}, fmt.Errorf("--since: %w", err)
	}
	return t, nil
}

// loadStatus reads the persisted state. Partial reads are reported but do not
// abort the command.
func loadStatus(n int) architect.Status {
	st, err := architect.LoadStatus(paths(), n)
	if err != nil && !jsonOutput {
		fmt.Printf("%s %v\n", ui.RenderWarn(ui.IconWarn), err)
	}
	return st
}

func when(t time.Time) string {
	if t.IsZero() {
		return ui.RenderMuted("-")
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show scheduler, backlog and recent cycle state",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		st := loadStatus(statusCycles)
		holder, running := lockfile.Holder(paths().Lock)
		if jsonOutput {
			outputJSON(map[string]any{
				"running":        running,
				"pid":            holder.PID,
				"active":         st.Active,
				"session":        st.Session,
				"pending":        st.Pending(),
				"open_conflicts": len(st.OpenConflicts),
				"cycles":         st.Cycles,
				"trajectory":     st.Trajectory,
			})
			return
		}
		renderStatus(st, holder, running)
	},
}

func renderStatus(st architect.Status, holder lockfile.Info, running bool) {
	sess, sched := st.Session, st.Session.Scheduler
	now := time.Now()

	fmt.Println(ui.RenderCategory("Daemon"))
	if running {
		fmt.Println(ui.RenderField("process", ui.RenderPass(fmt.Sprintf("running (pid %d)", holder.PID))))
	} else {
		fmt.Println(ui.RenderField("process", ui.RenderMuted("not running")))
	}
	if st.Active {
		fmt.Println(ui.RenderField("activation", ui.RenderPass("active")))
	} else {
		fmt.Println(ui.RenderField("activation", ui.RenderWarn("waiting for first boot")))
	}
	fmt.Println(ui.RenderField("cycles", fmt.Sprint(sess.CycleCount)))
	fmt.Println(ui.RenderField("runs", fmt.Sprintf("%d (%d ok, %d failed)", sess.Runs, sess.Successes, sess.Failures)))

	fmt.Println()
	fmt.Println(ui.RenderCategory("Schedule"))
	fmt.Println(ui.RenderField("next cycle", when(sched.NextDue)))
	fmt.Println(ui.RenderField("last cycle", when(sched.LastCycle)))
	streak := fmt.Sprint(sched.FailureStreak)
	if sched.FailureStreak > 0 {
		streak = ui.RenderWarn(streak)
	}
	fmt.Println(ui.RenderField("failure streak", streak))
	if sched.CooldownUntil.After(now) {
		fmt.Println(ui.RenderField("cooldown", ui.RenderFail("until "+when(sched.CooldownUntil))))
	}
	if sched.Throttled {
		fmt.Println(ui.RenderField("throttle", ui.RenderWarn(fmt.Sprintf("x%.0f after %d anomalies", sched.Multiplier, sched.AnomalyStreak))))
	}
	if sess.AdjustmentReason != "" {
		fmt.Println(ui.RenderField("adjusted", ui.RenderWarn(sess.AdjustmentReason)))
	}

	fmt.Println()
	fmt.Println(ui.RenderCategory("Backlog"))
	fmt.Println(ui.RenderField("pending", fmt.Sprint(st.Pending())))
	fmt.Println(ui.RenderField("completed", fmt.Sprint(len(st.History))))
	conflicts := fmt.Sprint(len(st.OpenConflicts))
	if len(st.OpenConflicts) > 0 {
		conflicts = ui.RenderWarn(conflicts)
	}
	fmt.Println(ui.RenderField("open conflicts", conflicts))

	if len(st.Cycles) > 0 {
		fmt.Println()
		fmt.Println(ui.RenderCategory("Recent cycles"))
		renderCycles(st.Cycles)
	}
	if st.Trajectory != nil {
		fmt.Println()
		fmt.Println(ui.RenderCategory("Trajectory"))
		renderTrajectory(*st.Trajectory)
	}
}

func renderCycles(summaries []cycle.Summary) {
	width := ui.Width() - 48
	if width < 20 {
		width = 20
	}
	for _, s := range summaries {
		stats := s.Stats()
		line := fmt.Sprintf("#%04d %s  %-28s ok=%d failed=%d", s.Cycle, when(s.EndedAt), ui.RenderState(s.Result), stats.Successes, stats.Failures)
		if s.Cooldown {
			line += " " + ui.RenderFail("cooldown")
		}
		fmt.Println(line)
		for _, a := range s.BacklogAttempts {
			fmt.Printf("  %s%s %s\n", ui.TreeLast, ui.RenderState(string(a.Status)), ui.Truncate(a.Text, width))
		}
	}
}

func renderTrajectory(r trajectory.Report) {
	fmt.Println(ui.RenderField("generated", when(r.EndedAt)))
	fmt.Println(ui.RenderField("cycles", fmt.Sprint(len(r.CyclesIncluded))))
	fmt.Println(ui.RenderField("success rate", fmt.Sprintf("%.0f%%", r.SuccessRate*100)))
	fmt.Println(ui.RenderField("failure rate", fmt.Sprintf("%.0f%%", r.FailureRate*100)))
	fmt.Println(ui.RenderField("conflict rate", fmt.Sprintf("%.0f%%", r.ConflictRate*100)))
	if len(r.RecurringRegressions) > 0 {
		fmt.Println(ui.RenderField("regressions", ui.RenderWarn(strings.Join(r.RecurringRegressions, ", "))))
	}
	if r.Notes != "" {
		fmt.Println(ui.RenderMuted(ui.Wrap(r.Notes, ui.Width())))
	}
}

var cyclesCmd = &cobra.Command{
	Use:   "cycles",
	Short: "List recent cycle summaries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		since, err := sinceBound()
		if err != nil {
			return err
		}
		summaries, err := cycle.LoadRecent(paths().Cycles, listLimit)
		if err != nil {
			return err
		}
		if !since.IsZero() {
			kept := summaries[:0]
			for _, s := range summaries {
				if !s.StartedAt.Before(since) {
					kept = append(kept, s)
				}
			}
			summaries = kept
		}
		if jsonOutput {
			outputJSON(summaries)
			return nil
		}
		if len(summaries) == 0 {
			fmt.Println(ui.RenderMuted("no cycles recorded"))
			return nil
		}
		renderCycles(summaries)
		return nil
	},
}

var trajectoriesCmd = &cobra.Command{
	Use:   "trajectories",
	Short: "List recent trajectory reports",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		since, err := sinceBound()
		if err != nil {
			return err
		}
		reports, err := trajectory.LoadRecent(paths().Trajectory, listLimit)
		if err != nil {
			return err
		}
		if !since.IsZero() {
			kept := reports[:0]
			for _, r := range reports {
				if !r.EndedAt.Before(since) {
					kept = append(kept, r)
				}
			}
			reports = kept
		}
		if jsonOutput {
			outputJSON(reports)
			return nil
		}
		if len(reports) == 0 {
			fmt.Println(ui.RenderMuted("no trajectory reports"))
			return nil
		}
		for i, r := range reports {
			if i > 0 {
				fmt.Println(ui.RenderSeparator())
			}
			renderTrajectory(r)
		}
		return nil
	},
}

var backlogCmd = &cobra.Command{
	Use:   "backlog",
	Short: "Show the priority backlog and open conflicts",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		st := loadStatus(0)
		if jsonOutput {
			out := map[string]any{"active": st.Backlog, "conflicts": st.OpenConflicts}
			if backlogHistory {
				out["history"] = st.History
			}
			outputJSON(out)
			return
		}
		width := ui.Width() - 30
		if width < 20 {
			width = 20
		}
		renderItems := func(items []backlog.Item) {
			for _, it := range items {
				text := ui.Truncate(it.Text, width)
				if it.Confidence == backlog.ConfidenceLow {
					text += " " + ui.RenderWarn("(low confidence)")
				}
				fmt.Printf("%-24s %s\n", ui.RenderState(string(it.Status)), text)
			}
		}
		fmt.Println(ui.RenderCategory("Backlog"))
		if len(st.Backlog) == 0 {
			fmt.Println(ui.RenderMuted("empty"))
		}
		renderItems(st.Backlog)
		if backlogHistory && len(st.History) > 0 {
			fmt.Println()
			fmt.Println(ui.RenderCategory("History"))
			renderItems(st.History)
		}
		if len(st.OpenConflicts) > 0 {
			fmt.Println()
			fmt.Println(ui.RenderCategory("Conflicts"))
			for _, c := range st.OpenConflicts {
				fmt.Printf("%s %s similarity=%.2f peers=%s\n", ui.RenderAccent(c.ID), ui.RenderState(string(c.Status)), c.Similarity, strings.Join(c.Peers(), ","))
				for _, v := range c.Variants {
					fmt.Printf("  %s%s: %s\n", ui.TreeLast, v.Peer, ui.Truncate(v.Text, width))
				}
			}
		}
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusCycles, "cycles", 5, "Recent cycles to show")
	for _, c := range []*cobra.Command{cyclesCmd, trajectoriesCmd} {
		c.Flags().IntVarP(&listLimit, "limit", "n", 10, "Entries to show, newest first")
		c.Flags().StringVar(&listSince, "since", "", "Only entries since this time (2d, 2026-01-02, yesterday)")
	}
	backlogCmd.Flags().BoolVar(&backlogHistory, "history", false, "Include completed and discarded items")
	rootCmd.AddCommand(statusCmd, cyclesCmd, trajectoriesCmd, backlogCmd)
}
