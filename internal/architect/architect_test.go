package architect

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/architect/internal/backend"
	"github.com/steveyegge/architect/internal/backlog"
	"github.com/steveyegge/architect/internal/config"
	"github.com/steveyegge/architect/internal/cycle"
	"github.com/steveyegge/architect/internal/eventbus"
	"github.com/steveyegge/architect/internal/lifecycle"
	"github.com/steveyegge/architect/internal/pipeline"
	"github.com/steveyegge/architect/internal/trajectory"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type capture struct{ envs []*eventbus.Envelope }

func (c *capture) Dispatch(_ context.Context, env *eventbus.Envelope) (*eventbus.Result, error) {
	c.envs = append(c.envs, env)
	return &eventbus.Result{}, nil
}

func (c *capture) of(t eventbus.EventType) []*eventbus.Envelope {
	var out []*eventbus.Envelope
	for _, e := range c.envs {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

func (c *capture) last(tb testing.TB, t eventbus.EventType) *eventbus.Envelope {
	tb.Helper()
	envs := c.of(t)
	require.NotEmpty(tb, envs, "no %s published", t)
	return envs[len(envs)-1]
}

type fakeExec struct {
	failOn string
	calls  []string
}

func (f *fakeExec) Run(_ context.Context, _ string, argv []string) (pipeline.Result, error) {
	cmd := strings.Join(argv, " ")
	f.calls = append(f.calls, cmd)
	if f.failOn != "" && strings.Contains(cmd, f.failOn) {
		return pipeline.Result{ExitCode: 1, Stderr: "boom"}, nil
	}
	return pipeline.Result{}, nil
}

type stubBackend struct{}

func (stubBackend) Suggest(context.Context, string) (string, error) {
	return `{"merged_priority": "merged", "notes": "ok"}`, nil
}

type fixture struct {
	d     *Daemon
	cfg   config.Config
	clock *clock
	pub   *capture
	exec  *fakeExec
	paths Paths
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	return newFixtureAt(t, t.TempDir(), mutate)
}

func newFixtureAt(t *testing.T, dir string, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Jitter = 0
	if mutate != nil {
		mutate(&cfg)
	}
	f := &fixture{
		cfg:   cfg,
		clock: &clock{t: t0},
		pub:   &capture{},
		exec:  &fakeExec{},
		paths: DefaultPaths(dir),
	}
	d, err := New(Deps{
		Config:   cfg,
		Paths:    f.paths,
		Executor: f.exec,
		Backend: func(config.Config, pipeline.Executor) (backend.Backend, error) {
			return stubBackend{}, nil
		},
		Publisher: f.pub,
		Now:       f.clock.now,
		Uniform:   func() float64 { return 0.5 },
	})
	require.NoError(t, err)
	f.d = d
	return f
}

func (f *fixture) activate(t *testing.T) {
	t.Helper()
	require.NoError(t, f.d.HandlePulse(context.Background(), pulse(eventbus.EventFirstBootComplete, nil)))
	require.True(t, f.d.Active())
}

func (f *fixture) startCycle(t *testing.T) lifecycle.Request {
	t.Helper()
	f.clock.advance(f.cfg.Interval)
	req, ok := f.d.Tick(context.Background())
	require.True(t, ok, "cycle did not start")
	return req
}

func (f *fixture) ledger(event eventbus.EventType, fields map[string]any) error {
	entry := map[string]any{"event": string(event)}
	for k, v := range fields {
		entry[k] = v
	}
	return f.d.HandleLedgerEntry(context.Background(), entry)
}

func (f *fixture) prefix(t *testing.T, id string) string {
	t.Helper()
	req, ok := f.d.requests.Get(id)
	require.True(t, ok, "request %s is not live", id)
	return req.Prefix
}

func pulse(t eventbus.EventType, payload map[string]any) *eventbus.Envelope {
	return eventbus.NewEnvelope(t0, "Operator", t, eventbus.PriorityInfo, payload)
}

func TestInactiveUntilFirstBoot(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.d.RequestExpand(ctx, "add metrics", nil)
	require.ErrorIs(t, err, ErrInactive)
	_, err = f.d.RunNow(ctx, "ops")
	require.ErrorIs(t, err, ErrInactive)

	require.NoError(t, f.d.HandlePulse(ctx, pulse(eventbus.EventRunNow, nil)))
	assert.Empty(t, f.pub.envs)

	f.activate(t)
	f.activate(t)
	enabled := f.pub.of(eventbus.EventEnabled)
	require.Len(t, enabled, 1)
	assert.Equal(t, "first_boot_complete", enabled[0].Payload["reason"])
	summary, ok := enabled[0].Payload["summary"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "observe", summary["mode"])
}

func TestStartActivatesFromCompletionMarker(t *testing.T) {
	f := newFixture(t, nil)
	f.d.Start(context.Background())
	assert.False(t, f.d.Active())

	require.NoError(t, os.WriteFile(f.paths.Completion, []byte("ok"), 0o600))
	f.d.Start(context.Background())
	assert.True(t, f.d.Active())
	assert.Equal(t, "startup", f.pub.last(t, eventbus.EventEnabled).Payload["reason"])
}

func TestTickWaitsForSchedule(t *testing.T) {
	f := newFixture(t, nil)
	f.activate(t)
	ctx := context.Background()

	_, ok := f.d.Tick(ctx)
	assert.False(t, ok)
	f.clock.advance(f.cfg.Interval - time.Minute)
	_, ok = f.d.Tick(ctx)
	assert.False(t, ok)

	f.clock.advance(time.Minute)
	req, ok := f.d.Tick(ctx)
	require.True(t, ok)
	assert.Equal(t, lifecycle.ModeExpand, req.Mode)
	assert.Equal(t, "Scheduled cycle 0001", req.Reason)

	start := f.pub.last(t, eventbus.EventCycleStart)
	assert.Equal(t, 1, start.Payload["cycle"])
	assert.Equal(t, "expansion", start.Payload["cycle_type"])
	assert.Equal(t, TriggerScheduled, start.Payload["trigger"])
	assert.Equal(t, f.clock.t.Add(f.cfg.Interval).Format(time.RFC3339), start.Payload["next_cycle_due"])

	f.clock.advance(f.cfg.Interval)
	_, ok = f.d.Tick(ctx)
	assert.False(t, ok, "a live request blocks the next cycle")
}

func TestRetryCapEndToEnd(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.MaxIterations = 2 })
	f.activate(t)
	item := f.d.store.AddPriorities([]string{"Improve logging"})[0]

	req := f.startCycle(t)
	assert.Equal(t, item.ID, req.PriorityID)
	assert.Equal(t, "Backlog priority: Improve logging", req.Reason)
	assert.Equal(t, item.ID, f.pub.last(t, eventbus.EventPrioritySelected).Payload["priority_id"])

	first := req.Prefix
	require.NoError(t, f.ledger(eventbus.EventSelfExpandRejected, map[string]any{
		"request_id": first + "a1", "reason": "tests failed",
	}))
	require.Len(t, f.pub.of(eventbus.EventRetry), 1)
	assert.Equal(t, 1, f.pub.last(t, eventbus.EventRetry).Payload["next_iteration"])

	second := f.prefix(t, req.ID)
	assert.NotEqual(t, first, second)
	assert.ErrorIs(t, f.ledger(eventbus.EventSelfExpandRejected, map[string]any{
		"request_id": first + "a2",
	}), ErrUnmatched)

	require.NoError(t, f.ledger(eventbus.EventSelfExpandRejected, map[string]any{
		"request_id": second + "a2", "reason": "tests failed",
	}))
	assert.Len(t, f.pub.of(eventbus.EventFailure), 1)
	assert.False(t, f.d.requests.HasActive())

	discarded := f.pub.last(t, eventbus.EventPriorityDiscarded)
	assert.Equal(t, item.ID, discarded.Payload["priority_id"])
	hist := f.d.store.History()
	require.Len(t, hist, 1)
	assert.Equal(t, backlog.StatusDiscarded, hist[0].Status)

	sum := f.pub.last(t, eventbus.EventCycleSummary)
	assert.Equal(t, 0, sum.Payload["successes"])
	assert.Equal(t, 1, sum.Payload["failures"])
	assert.Equal(t, 1, f.d.sess.Runs)
	assert.Equal(t, 1, f.d.sess.Failures)

	summaries, err := cycle.LoadRecent(f.paths.Cycles, 5)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	require.Len(t, summaries[0].BacklogAttempts, 1)
	assert.Equal(t, cycle.AttemptFailed, summaries[0].BacklogAttempts[0].Status)
	assert.Contains(t, summaries[0].Notes, "result=failed:tests failed")

	rec, ok := f.d.sess.LastCycle()
	require.True(t, ok)
	assert.Equal(t, "failed", rec.Outcome)
}

func TestMergedCompletionMarksPriorityDone(t *testing.T) {
	f := newFixture(t, nil)
	f.activate(t)
	item := f.d.store.AddPriorities([]string{"Add retries"})[0]
	req := f.startCycle(t)

	require.NoError(t, f.ledger(eventbus.EventSelfExpand, map[string]any{
		"request_id":    req.Prefix + "ok",
		"files_changed": []string{"a.go"},
	}))
	success := f.pub.last(t, eventbus.EventSuccess)
	assert.Equal(t, string(pipeline.StatusMerged), success.Payload["merge_status"])
	assert.True(t, strings.HasPrefix(success.Payload["branch"].(string), "architect/addretries_"))
	assert.Equal(t, item.ID, f.pub.last(t, eventbus.EventPriorityDone).Payload["priority_id"])
	assert.Contains(t, f.exec.calls, "git merge --no-ff "+success.Payload["branch"].(string))

	sum := f.pub.last(t, eventbus.EventCycleSummary)
	assert.Equal(t, 1, sum.Payload["successes"])
	assert.Equal(t, 1, f.d.sess.Successes)
	assert.Zero(t, f.d.sched.Snapshot().FailureStreak)
}

func TestBlockedMergeDiscardsPriority(t *testing.T) {
	f := newFixture(t, nil)
	f.activate(t)
	f.exec.failOn = "go test"
	item := f.d.store.AddPriorities([]string{"Refactor parser"})[0]
	req := f.startCycle(t)

	require.NoError(t, f.ledger(eventbus.EventSelfExpand, map[string]any{"request_id": req.Prefix + "x"}))
	assert.Len(t, f.pub.of(eventbus.EventCIFailed), 1)
	assert.Equal(t, string(pipeline.StatusBlocked), f.pub.last(t, eventbus.EventSuccess).Payload["merge_status"])

	discarded := f.pub.last(t, eventbus.EventPriorityDiscarded)
	assert.Equal(t, item.ID, discarded.Payload["priority_id"])
	assert.Equal(t, "merge_failed", discarded.Payload["reason"])
	assert.Equal(t, 1, f.pub.last(t, eventbus.EventCycleSummary).Payload["failures"])
	assert.Equal(t, 1, f.d.sched.Snapshot().FailureStreak)
}

func TestFailureStreakCooldownAndManualReset(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.MaxIterations = 1
		c.MaxFailures = 1
	})
	f.activate(t)
	ctx := context.Background()
	req := f.startCycle(t)

	require.NoError(t, f.ledger(eventbus.EventSelfExpandRejected, map[string]any{"request_id": req.Prefix + "1"}))
	cooldown := f.pub.last(t, eventbus.EventCooldown)
	assert.Equal(t, "failure_streak", cooldown.Payload["reason"])
	assert.Equal(t, f.clock.t.Add(f.cfg.CooldownPeriod).Format(time.RFC3339), cooldown.Payload["cooldown_until"])

	summaries, err := cycle.LoadRecent(f.paths.Cycles, 1)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.True(t, summaries[0].Cooldown)

	f.clock.advance(f.cfg.Interval)
	_, ok := f.d.Tick(ctx)
	assert.False(t, ok)

	_, err = f.d.RunNow(ctx, "ops")
	require.ErrorIs(t, err, ErrRunNowBlocked)
	assert.Len(t, f.pub.of(eventbus.EventRunNowBlocked), 1)

	require.NoError(t, f.d.HandlePulse(ctx, pulse(eventbus.EventResetCooldown, map[string]any{"actor": "ops"})))
	reset := f.pub.last(t, eventbus.EventCooldownReset)
	assert.Equal(t, "ops", reset.Payload["actor"])
	assert.Equal(t, "manual_reset", f.pub.last(t, eventbus.EventCooldownComplete).Payload["trigger"])

	next, err := f.d.RunNow(ctx, "ops")
	require.NoError(t, err)
	assert.Equal(t, TriggerManual, f.pub.last(t, eventbus.EventCycleStart).Payload["trigger"])
	assert.Equal(t, next.ID, f.pub.last(t, eventbus.EventRunNowTriggered).Payload["architect_id"])

	_, err = f.d.RunNow(ctx, "ops")
	require.ErrorIs(t, err, ErrRunNowSkipped)
}

func TestCooldownExpiresOnTick(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.MaxIterations = 1
		c.MaxFailures = 1
	})
	f.activate(t)
	req := f.startCycle(t)
	require.NoError(t, f.ledger(eventbus.EventSelfExpandRejected, map[string]any{"request_id": req.Prefix + "1"}))

	f.clock.advance(f.cfg.CooldownPeriod)
	_, ok := f.d.Tick(context.Background())
	assert.False(t, ok)
	assert.Equal(t, "elapsed", f.pub.last(t, eventbus.EventCooldownComplete).Payload["trigger"])
	assert.Zero(t, f.d.sched.Snapshot().FailureStreak)
}

func reflectionBody(priorities ...string) map[string]any {
	return map[string]any{
		"summary":         "steady progress",
		"successes":       []string{"logging"},
		"failures":        []string{},
		"regressions":     []string{},
		"next_priorities": priorities,
	}
}

func TestReflectionCycleFeedsBacklog(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.ReflectionInterval = 1 })
	f.activate(t)
	req := f.startCycle(t)
	require.Equal(t, lifecycle.ModeReflect, req.Mode)
	start := f.pub.last(t, eventbus.EventReflectionStart)
	assert.Equal(t, map[string]any{"start": 1, "end": 1}, start.Payload["cycle_range"])

	require.NoError(t, f.ledger(eventbus.EventSelfReflection, map[string]any{
		"request_id": req.Prefix + "r",
		"reflection": reflectionBody("Add retries", "Document API"),
	}))
	assert.Equal(t, 2, f.pub.last(t, eventbus.EventPrioritiesParsed).Payload["count"])
	active := f.d.store.Active()
	require.Len(t, active, 2)
	assert.Equal(t, "Add retries", active[0].Text)

	require.NotNil(t, f.d.sess.LastReflection)
	path := f.d.sess.LastReflection.Path
	assert.FileExists(t, path)
	complete := f.pub.last(t, eventbus.EventReflectionComplete)
	assert.Equal(t, path, complete.Payload["path"])
	assert.NotContains(t, complete.Payload, "peers")

	summaries, err := cycle.LoadRecent(f.paths.Cycles, 1)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, []string{path}, summaries[0].Reflections)
	assert.Equal(t, "reflection_recorded", summaries[0].Result)
}

func TestInvalidReflectionFailsCycle(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.ReflectionInterval = 1 })
	f.activate(t)
	req := f.startCycle(t)

	err := f.ledger(eventbus.EventSelfReflection, map[string]any{
		"request_id": req.Prefix + "r",
		"output":     "not json",
	})
	require.ErrorIs(t, err, backlog.ErrInvalidReflection)
	failed := f.pub.last(t, eventbus.EventReflectionFailed)
	assert.Equal(t, "invalid_reflection_output", failed.Payload["reason"])
	assert.False(t, f.d.requests.HasActive())
	assert.Empty(t, f.d.store.Active())

	summaries, err := cycle.LoadRecent(f.paths.Cycles, 1)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "reflection_failed", summaries[0].Result)
	assert.Empty(t, summaries[0].Reflections)
}

func TestMonitorAlertsThrottleAndRequestRepair(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.AnomalyThreshold = 2 })
	f.activate(t)
	ctx := context.Background()
	base := f.d.sched.EffectiveInterval()

	alert := pulse(eventbus.EventMonitorAlert, map[string]any{"anomaly": "CPU Spike"})
	require.NoError(t, f.d.HandlePulse(ctx, alert))
	assert.Empty(t, f.pub.of(eventbus.EventThrottled))
	require.NoError(t, f.d.HandlePulse(ctx, alert))
	require.Len(t, f.pub.of(eventbus.EventThrottled), 1)
	assert.Equal(t, 2*base, f.d.sched.EffectiveInterval())
	assert.Equal(t, []string{"cpu_spike"}, f.d.sched.Snapshot().Anomalies)

	repairs := 0
	for _, e := range f.pub.of(eventbus.EventRequest) {
		if e.Payload["mode"] == string(lifecycle.ModeRepair) {
			repairs++
		}
	}
	assert.Equal(t, 2, repairs)

	summary := pulse(eventbus.EventMonitorSummary, map[string]any{"anomalies": []any{}})
	require.NoError(t, f.d.HandlePulse(ctx, summary))
	require.NoError(t, f.d.HandlePulse(ctx, summary))
	assert.Len(t, f.pub.of(eventbus.EventThrottleCleared), 1)
	assert.Equal(t, base, f.d.sched.EffectiveInterval())
}

func TestRepairRequestsCompleteOutsideCycles(t *testing.T) {
	f := newFixture(t, nil)
	f.activate(t)
	ctx := context.Background()

	require.NoError(t, f.d.HandlePulse(ctx, pulse(eventbus.EventDriverFailure, map[string]any{
		"driver": "camera", "error": "timeout",
	})))
	live := f.d.LiveRequests()
	require.Len(t, live, 1)
	assert.Equal(t, "driver_failure", live[0].Reason)

	require.NoError(t, f.ledger(eventbus.EventSelfRepair, nil))
	assert.Len(t, f.pub.of(eventbus.EventRepairComplete), 1)
	assert.Empty(t, f.pub.of(eventbus.EventCycleSummary))
	assert.Equal(t, 1, f.d.sess.Successes)
}

func TestVeilPendingParksRequest(t *testing.T) {
	f := newFixture(t, nil)
	f.activate(t)
	req := f.startCycle(t)

	require.NoError(t, f.ledger(eventbus.EventVeilPending, map[string]any{
		"patch_id":      req.Prefix + "p1",
		"files_changed": []string{"core/x.go"},
	}))
	veil := f.pub.last(t, eventbus.EventVeilRequest)
	assert.Equal(t, req.ID, veil.Payload["architect_id"])
	live, ok := f.d.requests.Get(req.ID)
	require.True(t, ok)
	assert.Equal(t, lifecycle.StatusAwaitingApproval, live.Status)

	require.NoError(t, f.ledger(eventbus.EventSelfExpand, map[string]any{"request_id": req.Prefix + "p1"}))
	assert.Len(t, f.pub.of(eventbus.EventSuccess), 1)
}

func TestTrajectoryAdjustsAndResets(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.MaxIterations = 1
		c.TrajectoryInterval = 2
	})
	f.activate(t)
	ctx := context.Background()
	f.d.store.AddPriorities([]string{"Fix cache", "Fix queue"})

	for i := 0; i < 2; i++ {
		req := f.startCycle(t)
		require.NoError(t, f.ledger(eventbus.EventSelfExpandRejected, map[string]any{
			"request_id": req.Prefix + "n", "reason": "ci_failed",
		}))
	}

	require.Len(t, f.pub.of(eventbus.EventTrajectoryStart), 1)
	report := f.pub.last(t, eventbus.EventTrajectoryReport)
	assert.Equal(t, 0.0, report.Payload["success_rate"])
	assert.Equal(t, 2, report.Payload["cycles"])
	assert.Empty(t, f.pub.of(eventbus.EventTrajectoryWarning))

	adjusted := f.pub.last(t, eventbus.EventTrajectoryAdjusted)
	assert.Contains(t, adjusted.Payload["reason"], "reflection interval set to 5")
	require.NotNil(t, f.d.sess.Overrides.ReflectionInterval)
	assert.Equal(t, 5, *f.d.sess.Overrides.ReflectionInterval)
	assert.Equal(t, trajectory.ExtendedCooldown(f.cfg.CooldownPeriod), f.d.sched.CooldownPeriod())
	assert.Equal(t, 5, f.d.reflectionInterval())

	reports, err := trajectory.LoadRecent(f.paths.Trajectory, 1)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Len(t, reports[0].CyclesIncluded, 2)

	require.NoError(t, f.d.HandlePulse(ctx, pulse(eventbus.EventResetAdjustments, map[string]any{"actor": "ops"})))
	assert.Equal(t, "ops", f.pub.last(t, eventbus.EventAdjustmentsReset).Payload["actor"])
	assert.True(t, f.d.sess.Overrides.IsZero())
	assert.Empty(t, f.d.sess.AdjustmentReason)
	assert.Equal(t, f.cfg.CooldownPeriod, f.d.sched.CooldownPeriod())
	assert.Equal(t, f.cfg.ReflectionInterval, f.d.reflectionInterval())
}

func TestTrajectoryWithoutSummariesFails(t *testing.T) {
	f := newFixture(t, nil)
	f.activate(t)
	_, err := f.d.RunTrajectory(context.Background())
	require.ErrorIs(t, err, trajectory.ErrNoCycles)
	assert.Equal(t, "no_cycle_summaries", f.pub.last(t, eventbus.EventTrajectoryFailed).Payload["reason"])
}

func TestApplyConfigReportsChanges(t *testing.T) {
	f := newFixture(t, nil)
	f.activate(t)
	ctx := context.Background()

	assert.Empty(t, f.d.ApplyConfig(ctx, f.cfg))
	assert.Empty(t, f.pub.of(eventbus.EventConfigUpdate))

	next := f.cfg
	next.MaxIterations = 5
	changes := f.d.ApplyConfig(ctx, next)
	require.Contains(t, changes, "max_iterations")
	assert.Equal(t, 5, changes["max_iterations"].Current)
	assert.Equal(t, []string{"max_iterations"}, f.pub.last(t, eventbus.EventConfigUpdate).Payload["keys"])

	req, err := f.d.RequestExpand(ctx, "add tracing", nil)
	require.NoError(t, err)
	assert.Equal(t, 5, req.MaxIterations)
}

func TestBacklogActions(t *testing.T) {
	f := newFixture(t, nil)
	f.activate(t)
	ctx := context.Background()

	err := f.d.HandlePulse(ctx, pulse(eventbus.EventBacklogAction, map[string]any{
		"action": "merge_all", "conflict_id": "c1",
	}))
	require.ErrorIs(t, err, ErrUnknownAction)

	err = f.d.HandlePulse(ctx, pulse(eventbus.EventBacklogAction, map[string]any{
		"action": "accept", "conflict_id": "missing",
	}))
	require.Error(t, err)

	err = f.d.HandlePulse(ctx, pulse(eventbus.EventBacklogAction, map[string]any{"action": "accept"}))
	require.ErrorIs(t, err, eventbus.ErrMissingField)
}

func TestSignedBacklogShareRoundTrip(t *testing.T) {
	alpha := newFixture(t, func(c *config.Config) {
		c.PeerName = "alpha"
		c.FederationSecret = "s3cret"
	})
	beta := newFixture(t, func(c *config.Config) {
		c.PeerName = "beta"
		c.FederationSecret = "s3cret"
	})
	alpha.activate(t)
	beta.activate(t)
	ctx := context.Background()

	alpha.d.store.AddPriorities([]string{"Add retries"})
	alpha.d.persistBacklog(ctx)
	shared := alpha.pub.last(t, eventbus.EventBacklogShared)
	assert.Equal(t, "alpha", shared.SourcePeer)
	assert.NotEmpty(t, shared.Signature)
	assert.True(t, eventbus.NewHMACSigner("s3cret").Verify(shared))

	require.NoError(t, beta.d.HandlePulse(ctx, shared))
	received := beta.pub.last(t, eventbus.EventBacklogReceived)
	assert.Equal(t, "alpha", received.Payload["peer"])

	shared.Signature = "forged"
	require.Error(t, beta.d.HandlePulse(ctx, shared))
	assert.Len(t, beta.pub.of(eventbus.EventBacklogInvalid), 1)
}

func TestAuditLedgerRecordsEmits(t *testing.T) {
	f := newFixture(t, nil)
	f.activate(t)
	entries, err := f.d.audit.Tail(10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, string(eventbus.EventEnabled), entries[len(entries)-1].Event())
}

func TestRestartRestoresSessionAndStatus(t *testing.T) {
	dir := t.TempDir()
	f := newFixtureAt(t, dir, nil)
	f.activate(t)
	f.d.store.AddPriorities([]string{"Add retries"})
	req := f.startCycle(t)
	require.NoError(t, f.ledger(eventbus.EventSelfExpand, map[string]any{"request_id": req.Prefix + "ok"}))

	st, err := LoadStatus(f.paths, 5)
	require.NoError(t, err)
	assert.True(t, st.Active)
	assert.Equal(t, 1, st.Session.CycleCount)
	assert.Equal(t, 1, st.Session.Successes)
	require.Len(t, st.Cycles, 1)
	assert.Equal(t, 1, st.Cycles[0].Stats().Successes)
	require.Len(t, st.History, 1)
	assert.Equal(t, backlog.StatusDone, st.History[0].Status)
	assert.Zero(t, st.Pending())

	again := newFixtureAt(t, dir, nil)
	again.d.Start(context.Background())
	assert.True(t, again.d.Active())
	assert.Equal(t, 1, again.d.sess.CycleCount)
	assert.True(t, f.d.sched.Snapshot().NextDue.Equal(again.d.sched.Snapshot().NextDue))
}
