// Package scheduler decides when the next orchestration cycle may run.
//
// Three controls compose: the base interval plus jitter (drawn once per
// scheduling), a failure-streak cooldown that hard-gates Due, and an
// anomaly throttle that multiplies the interval. The Scheduler is not safe for
// concurrent use; the daemon serializes access.
package scheduler

import (
	"math/rand"
	"slices"
	"time"
)

// MinGap is the smallest delay between two scheduled cycles.
const MinGap = 60 * time.Second

// DefaultThrottleFactor multiplies the interval while throttled.
const DefaultThrottleFactor = 2.0

// Settings are the configured inputs.
type Settings struct {
	Interval         time.Duration
	Jitter           time.Duration
	CooldownPeriod   time.Duration
	MaxFailures      int
	AnomalyThreshold int
	ThrottleFactor   float64
}

// State is the persisted scheduler state.
type State struct {
	NextDue       time.Time `json:"next_cycle_due"`
	LastCycle     time.Time `json:"last_cycle_started"`
	CooldownUntil time.Time `json:"cooldown_until"`
	FailureStreak int       `json:"failure_streak"`
	Throttled     bool      `json:"throttled"`
	Multiplier    float64   `json:"throttle_multiplier"`
	AnomalyStreak int       `json:"anomaly_streak"`
	Anomalies     []string  `json:"anomalies,omitempty"`
}

// Scheduler tracks cadence, cooldown and throttle.
type Scheduler struct {
	settings         Settings
	state            State
	cooldownOverride *time.Duration
	uniform          func() float64
}

// New returns a scheduler. uniform must return values in [0, 1); nil uses
// math/rand.
func New(settings Settings, uniform func() float64) *Scheduler {
	if uniform == nil {
		uniform = rand.Float64
	}
	s := &Scheduler{uniform: uniform, state: State{Multiplier: 1}}
	s.Configure(settings)
	return s
}

// Configure replaces the settings. The current schedule is kept.
func (s *Scheduler) Configure(settings Settings) {
	if settings.ThrottleFactor <= 1 {
		settings.ThrottleFactor = DefaultThrottleFactor
	}
	if settings.MaxFailures < 1 {
		settings.MaxFailures = 1
	}
	if settings.AnomalyThreshold < 1 {
		settings.AnomalyThreshold = 1
	}
	s.settings = settings
}

// Settings returns the active settings.
func (s *Scheduler) Settings() Settings { return s.settings }

// Snapshot returns a copy of the persisted state.
func (s *Scheduler) Snapshot() State {
	st := s.state
	st.Anomalies = append([]string(nil), s.state.Anomalies...)
	return st
}

// Restore replaces the state, e.g. after loading the session file.
func (s *Scheduler) Restore(st State) {
	if st.Multiplier < 1 {
		st.Multiplier = 1
	}
	st.Anomalies = append([]string(nil), st.Anomalies...)
	s.state = st
}

// EffectiveInterval is the base interval times the throttle multiplier.
func (s *Scheduler) EffectiveInterval() time.Duration {
	return time.Duration(float64(s.settings.Interval) * s.state.Multiplier)
}

// CooldownPeriod returns the override when set, else the configured period.
func (s *Scheduler) CooldownPeriod() time.Duration {
	if s.cooldownOverride != nil {
		return *s.cooldownOverride
	}
	return s.settings.CooldownPeriod
}

// SetCooldownOverride installs or (with nil) clears a cooldown override.
func (s *Scheduler) SetCooldownOverride(d *time.Duration) {
	if d == nil {
		s.cooldownOverride = nil
		return
	}
	v := *d
	s.cooldownOverride = &v
}

// InCooldown reports whether now is before the cooldown deadline.
func (s *Scheduler) InCooldown(now time.Time) bool {
	return !s.state.CooldownUntil.IsZero() && now.Before(s.state.CooldownUntil)
}

// Schedule draws jitter once and sets the next due time relative to start
// (or to the cooldown deadline when start falls inside cooldown).
func (s *Scheduler) Schedule(start time.Time) time.Time {
	base := start
	inCooldown := s.InCooldown(start)
	if inCooldown && s.state.CooldownUntil.After(base) {
		base = s.state.CooldownUntil
	}
	var offset time.Duration
	if j := s.settings.Jitter; j > 0 {
		offset = time.Duration((s.uniform()*2 - 1) * float64(j))
	}
	gap := s.EffectiveInterval() + offset
	if gap < MinGap {
		gap = MinGap
	}
	due := base.Add(gap)
	if inCooldown && due.Before(s.state.CooldownUntil) {
		due = s.state.CooldownUntil
	}
	s.state.NextDue = due
	return due
}

// EnsureScheduled schedules from now when nothing is scheduled yet.
func (s *Scheduler) EnsureScheduled(now time.Time) {
	if s.state.NextDue.IsZero() {
		s.Schedule(now)
	}
}

// Due reports whether a cycle may start at now. Cooldown always wins.
func (s *Scheduler) Due(now time.Time) bool {
	if s.InCooldown(now) {
		return false
	}
	if s.state.NextDue.IsZero() {
		return false
	}
	return !now.Before(s.state.NextDue)
}

// MarkStarted records a cycle start and schedules the following one.
func (s *Scheduler) MarkStarted(now time.Time) time.Time {
	s.state.LastCycle = now
	return s.Schedule(now)
}

// RecordSuccess clears the failure streak.
func (s *Scheduler) RecordSuccess() {
	s.state.FailureStreak = 0
}

// RecordFailure bumps the failure streak and enters cooldown when it reaches
// MaxFailures. Returns true when cooldown was entered by this call.
func (s *Scheduler) RecordFailure(now time.Time) bool {
	s.state.FailureStreak++
	if s.state.FailureStreak < s.settings.MaxFailures || s.InCooldown(now) {
		return false
	}
	s.EnterCooldown(now)
	return true
}

// EnterCooldown starts a cooldown at now and schedules past it.
func (s *Scheduler) EnterCooldown(now time.Time) time.Time {
	period := s.CooldownPeriod()
	if period < 0 {
		period = 0
	}
	s.state.CooldownUntil = now.Add(period)
	s.Schedule(s.state.CooldownUntil)
	return s.state.CooldownUntil
}

// ExpireCooldown exits a cooldown whose deadline has passed. Returns true when
// a cooldown ended.
func (s *Scheduler) ExpireCooldown(now time.Time) bool {
	if s.state.CooldownUntil.IsZero() || now.Before(s.state.CooldownUntil) {
		return false
	}
	s.exitCooldown(now)
	return true
}

// ResetCooldown clears cooldown on operator request and always zeroes the
// failure streak. Returns true when a cooldown was active.
func (s *Scheduler) ResetCooldown(now time.Time) bool {
	if s.state.CooldownUntil.IsZero() {
		s.state.FailureStreak = 0
		return false
	}
	s.exitCooldown(now)
	return true
}

func (s *Scheduler) exitCooldown(now time.Time) {
	s.state.CooldownUntil = time.Time{}
	s.state.FailureStreak = 0
	s.Schedule(now)
}

// RecordAnomaly counts one anomaly signal and remembers its label. Returns
// true when this call engaged the throttle.
func (s *Scheduler) RecordAnomaly(now time.Time, label string) bool {
	if label != "" && !slices.Contains(s.state.Anomalies, label) {
		s.state.Anomalies = append(s.state.Anomalies, label)
	}
	limit := s.settings.AnomalyThreshold * 2
	s.state.AnomalyStreak++
	if s.state.AnomalyStreak > limit {
		s.state.AnomalyStreak = limit
	}
	if s.state.AnomalyStreak < s.settings.AnomalyThreshold || s.state.Throttled {
		return false
	}
	s.state.Throttled = true
	if s.state.Multiplier < s.settings.ThrottleFactor {
		s.state.Multiplier = s.settings.ThrottleFactor
	}
	s.Schedule(now)
	return true
}

// ObserveSummary applies a monitoring summary listing open anomalies. Zero
// open anomalies releases the throttle; returns true only when this call
// released it.
func (s *Scheduler) ObserveSummary(now time.Time, open int) bool {
	if open > 0 {
		if open > s.settings.AnomalyThreshold {
			open = s.settings.AnomalyThreshold
		}
		s.state.AnomalyStreak = open
		return false
	}
	return s.ClearAnomalies(now)
}

// ClearAnomalies zeroes the anomaly streak and releases the throttle. Returns
// true only when a throttle was released, so repeated calls are no-ops.
func (s *Scheduler) ClearAnomalies(now time.Time) bool {
	s.state.AnomalyStreak = 0
	s.state.Anomalies = nil
	if !s.state.Throttled {
		return false
	}
	s.state.Throttled = false
	s.state.Multiplier = 1
	s.Schedule(now)
	return true
}
