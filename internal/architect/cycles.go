package architect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/steveyegge/architect/internal/backlog"
	"github.com/steveyegge/architect/internal/cycle"
	"github.com/steveyegge/architect/internal/eventbus"
	"github.com/steveyegge/architect/internal/lifecycle"
	"github.com/steveyegge/architect/internal/session"
	"github.com/steveyegge/architect/internal/trajectory"
)

// reflectionWindow is the number of cycles a reflection looks back over.
const reflectionWindow = 10

const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func (d *Daemon) reflectionInterval() int {
	if o := d.sess.Overrides.ReflectionInterval; o != nil && *o > 0 {
		return *o
	}
	return max(1, d.cfg.ReflectionInterval)
}

// applyOverrides pushes the session's steering overrides into the scheduler.
func (d *Daemon) applyOverrides() {
	d.sched.SetCooldownOverride(d.sess.Overrides.CooldownPeriod)
}

func (d *Daemon) createRequest(ctx context.Context, spec lifecycle.Spec) (lifecycle.Request, error) {
	req, err := d.requests.Create(ctx, spec)
	if err != nil {
		return lifecycle.Request{}, err
	}
	d.metrics.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", string(req.Mode))))
	return req, nil
}

// Tick runs one scheduler step and reports the request that opened a cycle,
// if one did.
func (d *Daemon) Tick(ctx context.Context) (lifecycle.Request, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active {
		return lifecycle.Request{}, false
	}
	now := d.now()
	if d.sched.ExpireCooldown(now) {
		d.emit(ctx, eventbus.EventCooldownComplete, eventbus.PriorityInfo, map[string]any{
			"trigger":        "elapsed",
			"next_cycle_due": formatTime(d.sched.Snapshot().NextDue),
		})
		d.saveSession()
	}
	if d.requests.HasActive() || d.sched.InCooldown(now) {
		return lifecycle.Request{}, false
	}
	d.sched.EnsureScheduled(now)
	if !d.sched.Due(now) {
		return lifecycle.Request{}, false
	}
	req, err := d.beginCycle(ctx, TriggerScheduled)
	if err != nil {
		d.log.Warnw("cycle not started", "trigger", TriggerScheduled, "error", err)
		return lifecycle.Request{}, false
	}
	return req, true
}

// beginCycle opens cycle N+1. Every reflectionInterval-th cycle reflects
// instead of expanding.
func (d *Daemon) beginCycle(ctx context.Context, trigger string) (lifecycle.Request, error) {
	now := d.now()
	number := d.sess.CycleCount + 1
	reflection := number%d.reflectionInterval() == 0
	cycleType := "expansion"
	if reflection {
		cycleType = "reflection"
	}
	cycleID := d.recorder.Start(now, number, d.sched.InCooldown(now),
		fmt.Sprintf("cycle=%d", number), "trigger="+trigger)

	var (
		req      lifecycle.Request
		priority backlog.Item
		err      error
	)
	if reflection {
		req, err = d.draftReflection(ctx, number, cycleID)
	} else {
		req, priority, err = d.draftExpansion(ctx, number, cycleID, trigger)
	}
	if err != nil {
		d.recorder.Abort()
		return lifecycle.Request{}, err
	}
	d.recorder.AddNote("mode=" + string(req.Mode))

	d.sess.CycleCount = number
	next := d.sched.MarkStarted(now)
	d.cycleRequest = req.ID
	d.cycleNumber = number
	d.sess.AppendCycle(session.CycleRecord{
		Cycle:      number,
		ID:         cycleID,
		Trigger:    trigger,
		StartedAt:  now.UTC(),
		Reflection: reflection,
		RequestID:  req.ID,
		PriorityID: priority.ID,
	})
	d.metrics.cycles.Add(ctx, 1, metric.WithAttributes(attribute.String("cycle_type", cycleType)))
	d.emit(ctx, eventbus.EventCycleStart, eventbus.PriorityInfo, map[string]any{
		"cycle":          number,
		"cycle_id":       cycleID,
		"cycle_type":     cycleType,
		"architect_id":   req.ID,
		"trigger":        trigger,
		"throttled":      d.sched.Snapshot().Throttled,
		"next_cycle_due": formatTime(next),
	})
	d.saveSession()
	return req, nil
}

func (d *Daemon) draftExpansion(ctx context.Context, number int, cycleID, trigger string) (lifecycle.Request, backlog.Item, error) {
	details := map[string]any{
		"cycle_number": number,
		"trigger":      trigger,
		"throttled":    d.sched.Snapshot().Throttled,
	}
	spec := lifecycle.Spec{
		Mode:        lifecycle.ModeExpand,
		Details:     details,
		CycleID:     cycleID,
		CycleNumber: number,
	}
	item, ok := d.store.SelectNext()
	if !ok {
		spec.Reason = fmt.Sprintf("Scheduled cycle %04d", number)
		req, err := d.createRequest(ctx, spec)
		return req, backlog.Item{}, err
	}

	spec.Reason = "Backlog priority: " + item.Text
	spec.PriorityID = item.ID
	spec.PriorityText = item.Text
	details["priority_status"] = string(item.Status)
	details["priority_origin"] = "reflection_backlog"
	req, err := d.createRequest(ctx, spec)
	if err != nil {
		if _, ferr := d.store.Finalize(item.ID, backlog.StatusDiscarded, "request_failed"); ferr != nil {
			d.log.Warnw("priority not released", "priority_id", item.ID, "error", ferr)
		}
		d.persistBacklog(ctx)
		return lifecycle.Request{}, backlog.Item{}, err
	}
	d.persistBacklog(ctx)
	d.recorder.AddAttempt(item.ID, item.Text)
	d.emit(ctx, eventbus.EventPrioritySelected, eventbus.PriorityInfo, map[string]any{
		"priority_id":  item.ID,
		"text":         item.Text,
		"cycle":        number,
		"architect_id": req.ID,
		"confidence":   string(item.Confidence),
	})
	return req, item, nil
}

func (d *Daemon) draftReflection(ctx context.Context, number int, cycleID string) (lifecycle.Request, error) {
	topic := fmt.Sprintf("cycle_%04d_reflection", number)
	start := max(1, number-reflectionWindow+1)
	req, err := d.createRequest(ctx, lifecycle.Spec{
		Mode:   lifecycle.ModeReflect,
		Reason: topic,
		Details: map[string]any{
			"topic":        topic,
			"cycle_number": number,
			"window_start": start,
			"window_end":   number,
			"window_size":  number - start + 1,
		},
		CycleID:     cycleID,
		CycleNumber: number,
		History:     d.cycleHistory(reflectionWindow),
	})
	if err != nil {
		return lifecycle.Request{}, err
	}
	d.emit(ctx, eventbus.EventReflectionStart, eventbus.PriorityInfo, map[string]any{
		"cycle":        number,
		"architect_id": req.ID,
		"prompt":       req.PromptPath,
		"cycle_range":  map[string]any{"start": start, "end": number},
	})
	return req, nil
}

// cycleHistory renders the last n cycle records for reflection prompts.
func (d *Daemon) cycleHistory(n int) []string {
	records := d.sess.Cycles
	if len(records) > n {
		records = records[len(records)-n:]
	}
	lines := make([]string, 0, len(records))
	for _, rec := range records {
		outcome := rec.Outcome
		if outcome == "" {
			outcome = "pending"
		}
		kind := "expansion"
		if rec.Reflection {
			kind = "reflection"
		}
		line := fmt.Sprintf("cycle %d (%s, %s): %s", rec.Cycle, kind, rec.Trigger, outcome)
		if rec.Cooldown {
			line += " [cooldown]"
		}
		lines = append(lines, line)
	}
	return lines
}

// closeCycle writes the summary for the cycle opened by requestID. Requests
// outside the current cycle, such as repairs, are ignored.
func (d *Daemon) closeCycle(ctx context.Context, requestID, result, reason string) {
	if requestID == "" || requestID != d.cycleRequest || !d.recorder.Active() {
		return
	}
	note := "result=" + result
	if reason != "" {
		note += ":" + reason
	}
	now := d.now()
	summary, err := d.recorder.Close(ctx, now, result, note)
	if err != nil {
		d.log.Warnw("cycle summary not written", "cycle", d.cycleNumber, "error", err)
	}
	d.sess.UpdateCycle(d.cycleNumber, func(rec *session.CycleRecord) {
		rec.EndedAt = now.UTC()
		rec.Outcome = result
		rec.Cooldown = summary.Cooldown
		rec.Anomalies = summary.Anomalies
	})
	d.cycleRequest = ""

	if interval := d.cfg.TrajectoryInterval; interval > 0 && d.sess.CycleCount%interval == 0 {
		d.runTrajectory(ctx, TriggerScheduled)
	}
	d.saveSession()
}

// RunTrajectory analyzes the recent cycle summaries now.
func (d *Daemon) RunTrajectory(ctx context.Context) (trajectory.Report, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active {
		return trajectory.Report{}, ErrInactive
	}
	r, err := d.runTrajectory(ctx, TriggerManual)
	d.saveSession()
	return r, err
}

func (d *Daemon) runTrajectory(ctx context.Context, trigger string) (trajectory.Report, error) {
	window := max(1, d.cfg.TrajectoryInterval)
	d.emit(ctx, eventbus.EventTrajectoryStart, eventbus.PriorityInfo, map[string]any{
		"cycle":   d.sess.CycleCount,
		"window":  window,
		"trigger": trigger,
	})
	failed := func(reason string, err error) (trajectory.Report, error) {
		d.emit(ctx, eventbus.EventTrajectoryFailed, eventbus.PriorityWarning, map[string]any{
			"cycle":  d.sess.CycleCount,
			"reason": reason,
		})
		return trajectory.Report{}, err
	}

	summaries, err := cycle.LoadRecent(d.paths.Cycles, window)
	if err != nil {
		return failed("load_failed", err)
	}
	if len(summaries) > 0 && len(summaries) < window {
		d.emit(ctx, eventbus.EventTrajectoryWarning, eventbus.PriorityWarning, map[string]any{
			"reason":    "insufficient_cycles",
			"available": len(summaries),
			"expected":  window,
		})
	}
	report, warnings, err := trajectory.Build(trajectory.Input{
		Summaries:            summaries,
		CurrentFailureStreak: d.sched.Snapshot().FailureStreak,
		LoadReflection:       trajectory.LoadReflectionFile,
	})
	for _, w := range warnings {
		d.emit(ctx, eventbus.EventTrajectoryWarning, eventbus.PriorityWarning, map[string]any{
			"reason": w.Reason,
			"path":   w.Path,
		})
	}
	if err != nil {
		if errors.Is(err, trajectory.ErrNoCycles) {
			return failed(trajectory.ErrNoCycles.Error(), err)
		}
		return failed("build_failed", err)
	}
	if err := trajectory.Validate(report); err != nil {
		reason := err.Error()
		var ve *trajectory.ValidationError
		if errors.As(err, &ve) {
			reason = ve.Reason
		}
		return failed(reason, err)
	}
	path, err := trajectory.Persist(d.paths.Trajectory, report)
	if err != nil {
		return failed("write_failed", err)
	}
	report.Path = path

	d.emit(ctx, eventbus.EventTrajectoryReport, eventbus.PriorityInfo, map[string]any{
		"trajectory_id":          report.TrajectoryID,
		"path":                   path,
		"cycles":                 len(report.CyclesIncluded),
		"success_rate":           report.SuccessRate,
		"failure_rate":           report.FailureRate,
		"conflict_rate":          report.ConflictRate,
		"current_failure_streak": report.CurrentFailureStreak,
		"recurring_regressions":  report.RecurringRegressions,
		"notes":                  report.Notes,
	})
	d.sess.LastTrajectory = &session.TrajectoryInfo{Path: path, At: d.now().UTC()}
	d.applyAdjustments(ctx, report)
	return report, nil
}

func (d *Daemon) applyAdjustments(ctx context.Context, report trajectory.Report) {
	adj := trajectory.Adjust(report, d.thresholds, trajectory.Defaults{
		ReflectionInterval: d.cfg.ReflectionInterval,
		CooldownPeriod:     d.cfg.CooldownPeriod,
	}, d.sess.Overrides, d.sess.LowConfidence)

	if len(adj.LowConfidence) > 0 {
		if d.store.MarkLowConfidence(adj.LowConfidence) {
			d.persistBacklog(ctx)
			d.emit(ctx, eventbus.EventPriorityReordered, eventbus.PriorityInfo, map[string]any{
				"reason": "low_confidence",
				"labels": adj.LowConfidenceLabels(),
			})
		}
		d.sess.LowConfidence = adj.LowConfidence
	}
	if !adj.Changed() {
		return
	}
	d.sess.Overrides = adj.Overrides
	d.sess.AdjustmentReason = adj.Reason()
	if d.sess.LastTrajectory != nil {
		d.sess.LastTrajectory.Reason = adj.Reason()
	}
	d.applyOverrides()
	d.emit(ctx, eventbus.EventTrajectoryAdjusted, eventbus.PriorityWarning, map[string]any{
		"reason":      adj.Reason(),
		"settings":    adj.Settings,
		"overrides":   adj.Overrides.Settings(),
		"report_path": report.Path,
	})
	if adj.EscalateConflicts && d.cfg.AutonomyEnabled {
		if n := d.fed.Escalate(ctx); n > 0 {
			d.log.Infow("escalated pending conflicts", "count", n)
		}
	}
}

// ResetAdjustments clears trajectory overrides, confidence tags and the
// adjustment reason.
func (d *Daemon) ResetAdjustments(ctx context.Context, actor string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetAdjustments(ctx, actor)
}

func (d *Daemon) resetAdjustments(ctx context.Context, actor string) {
	previous := d.sess.Overrides.Settings()
	cleared := d.store.ClearConfidence()
	d.sess.Overrides = trajectory.Overrides{}
	d.sess.AdjustmentReason = ""
	d.sess.LowConfidence = nil
	if d.sess.LastTrajectory != nil {
		d.sess.LastTrajectory.Reason = ""
	}
	d.applyOverrides()
	if cleared > 0 {
		d.persistBacklog(ctx)
	}
	d.emit(ctx, eventbus.EventAdjustmentsReset, eventbus.PriorityInfo, map[string]any{
		"actor":              actor,
		"previous":           previous,
		"confidence_cleared": cleared,
	})
	d.saveSession()
}

// RunNow asks for an immediate cycle. It is blocked during cooldown and
// skipped while a request is live.
func (d *Daemon) RunNow(ctx context.Context, actor string) (lifecycle.Request, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runNow(ctx, actor)
}

// ErrRunNowBlocked and ErrRunNowSkipped explain a refused manual cycle.
var (
	ErrRunNowBlocked = errors.New("cycle blocked by cooldown")
	ErrRunNowSkipped = errors.New("a request is already in flight")
)

func (d *Daemon) runNow(ctx context.Context, actor string) (lifecycle.Request, error) {
	if !d.active {
		return lifecycle.Request{}, ErrInactive
	}
	now := d.now()
	if d.sched.InCooldown(now) {
		d.emit(ctx, eventbus.EventRunNowBlocked, eventbus.PriorityWarning, map[string]any{
			"actor":          actor,
			"reason":         "cooldown",
			"cooldown_until": formatTime(d.sched.Snapshot().CooldownUntil),
		})
		return lifecycle.Request{}, ErrRunNowBlocked
	}
	if d.requests.HasActive() {
		d.emit(ctx, eventbus.EventRunNowSkipped, eventbus.PriorityInfo, map[string]any{
			"actor":  actor,
			"reason": "request_active",
		})
		return lifecycle.Request{}, ErrRunNowSkipped
	}
	req, err := d.beginCycle(ctx, TriggerManual)
	if err != nil {
		return lifecycle.Request{}, err
	}
	d.emit(ctx, eventbus.EventRunNowTriggered, eventbus.PriorityInfo, map[string]any{
		"actor":        actor,
		"architect_id": req.ID,
		"cycle":        d.sess.CycleCount,
	})
	return req, nil
}

// ResetCooldown clears cooldown and the failure streak on operator request.
func (d *Daemon) ResetCooldown(ctx context.Context, actor string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetCooldown(ctx, actor)
}

func (d *Daemon) resetCooldown(ctx context.Context, actor string) {
	wasActive := d.sched.ResetCooldown(d.now())
	next := formatTime(d.sched.Snapshot().NextDue)
	d.emit(ctx, eventbus.EventCooldownReset, eventbus.PriorityInfo, map[string]any{
		"actor":          actor,
		"was_active":     wasActive,
		"next_cycle_due": next,
	})
	if wasActive {
		d.emit(ctx, eventbus.EventCooldownComplete, eventbus.PriorityInfo, map[string]any{
			"trigger":        "manual_reset",
			"next_cycle_due": next,
		})
	}
	d.saveSession()
}

// recordRun updates run counters after a request finishes. A failure may
// put the scheduler into cooldown.
func (d *Daemon) recordRun(ctx context.Context, success bool) {
	d.sess.Runs++
	outcome := "failure"
	if success {
		outcome = "success"
		d.sess.Successes++
		d.sched.RecordSuccess()
	} else {
		d.sess.Failures++
		if d.sched.RecordFailure(d.now()) {
			st := d.sched.Snapshot()
			d.recorder.MarkCooldown()
			d.emit(ctx, eventbus.EventCooldown, eventbus.PriorityWarning, map[string]any{
				"reason":         "failure_streak",
				"cooldown_until": formatTime(st.CooldownUntil),
				"failure_streak": st.FailureStreak,
			})
		}
	}
	d.metrics.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	d.saveSession()
}
