package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixed(v float64) func() float64 { return func() float64 { return v } }

func settings() Settings {
	return Settings{
		Interval:         time.Hour,
		Jitter:           10 * time.Minute,
		CooldownPeriod:   24 * time.Hour,
		MaxFailures:      3,
		AnomalyThreshold: 2,
	}
}

func TestScheduleStaysInsideJitterWindow(t *testing.T) {
	for _, u := range []float64{0, 0.1, 0.5, 0.77, 0.999999} {
		s := New(settings(), fixed(u))
		due := s.Schedule(t0)
		assert.False(t, due.Before(t0.Add(50*time.Minute)), "u=%v", u)
		assert.False(t, due.After(t0.Add(70*time.Minute)), "u=%v", u)
		assert.False(t, s.Due(due.Add(-time.Second)))
		assert.True(t, s.Due(due))
	}
}

func TestScheduleDrawsJitterOnce(t *testing.T) {
	calls := 0
	s := New(settings(), func() float64 { calls++; return 0.25 })
	due := s.Schedule(t0)
	for i := 0; i < 5; i++ {
		s.Due(t0.Add(time.Duration(i) * time.Minute))
	}
	assert.Equal(t, 1, calls)
	assert.Equal(t, due, s.Snapshot().NextDue)
}

func TestScheduleFloorsGap(t *testing.T) {
	s := New(Settings{Interval: 30 * time.Second, Jitter: time.Hour}, fixed(0))
	assert.Equal(t, t0.Add(MinGap), s.Schedule(t0))
}

func TestNothingScheduledIsNotDue(t *testing.T) {
	s := New(settings(), fixed(0.5))
	assert.False(t, s.Due(t0))
	s.EnsureScheduled(t0)
	assert.True(t, s.Due(t0.Add(time.Hour)))
}

func TestCooldownAfterMaxFailures(t *testing.T) {
	s := New(settings(), fixed(0.5))
	s.Schedule(t0)

	assert.False(t, s.RecordFailure(t0))
	assert.False(t, s.RecordFailure(t0))
	require.True(t, s.RecordFailure(t0))

	until := t0.Add(24 * time.Hour)
	assert.Equal(t, until, s.Snapshot().CooldownUntil)
	assert.True(t, s.InCooldown(t0.Add(2*time.Hour)))
	assert.False(t, s.Due(t0.Add(23*time.Hour)))
	assert.False(t, s.Snapshot().NextDue.Before(until))

	assert.False(t, s.ExpireCooldown(until.Add(-time.Second)))
	require.True(t, s.ExpireCooldown(until))
	assert.Zero(t, s.Snapshot().FailureStreak)
	assert.False(t, s.InCooldown(until))
}

func TestSuccessResetsStreak(t *testing.T) {
	s := New(settings(), fixed(0.5))
	s.RecordFailure(t0)
	s.RecordFailure(t0)
	s.RecordSuccess()
	assert.False(t, s.RecordFailure(t0))
	assert.Equal(t, 1, s.Snapshot().FailureStreak)
}

func TestResetCooldownAlwaysZeroesStreak(t *testing.T) {
	s := New(settings(), fixed(0.5))
	s.RecordFailure(t0)
	assert.False(t, s.ResetCooldown(t0))
	assert.Zero(t, s.Snapshot().FailureStreak)

	for i := 0; i < 3; i++ {
		s.RecordFailure(t0)
	}
	require.True(t, s.InCooldown(t0.Add(time.Minute)))
	assert.True(t, s.ResetCooldown(t0.Add(time.Minute)))
	assert.Zero(t, s.Snapshot().FailureStreak)
	assert.True(t, s.Snapshot().CooldownUntil.IsZero())
	assert.True(t, s.Due(t0.Add(2*time.Hour)))
}

func TestCooldownOverride(t *testing.T) {
	s := New(settings(), fixed(0.5))
	d := 30 * time.Hour
	s.SetCooldownOverride(&d)
	assert.Equal(t, d, s.CooldownPeriod())
	assert.Equal(t, t0.Add(d), s.EnterCooldown(t0))
	s.SetCooldownOverride(nil)
	assert.Equal(t, 24*time.Hour, s.CooldownPeriod())
}

func TestThrottleEngagesOnceAndClearsOnce(t *testing.T) {
	s := New(settings(), fixed(0.5))

	assert.False(t, s.RecordAnomaly(t0, "cpu"))
	require.True(t, s.RecordAnomaly(t0, "disk"))
	assert.Equal(t, 2*time.Hour, s.EffectiveInterval())

	assert.False(t, s.RecordAnomaly(t0, "disk"))
	assert.False(t, s.RecordAnomaly(t0, "net"))
	assert.Equal(t, 2*time.Hour, s.EffectiveInterval())
	assert.Equal(t, []string{"cpu", "disk", "net"}, s.Snapshot().Anomalies)
	assert.Equal(t, 4, s.Snapshot().AnomalyStreak)

	assert.False(t, s.ObserveSummary(t0, 5))
	assert.Equal(t, 2, s.Snapshot().AnomalyStreak)

	require.True(t, s.ObserveSummary(t0, 0))
	assert.Equal(t, time.Hour, s.EffectiveInterval())
	assert.False(t, s.ObserveSummary(t0, 0))
	assert.False(t, s.ClearAnomalies(t0))
}

func TestThrottledScheduleUsesEffectiveInterval(t *testing.T) {
	s := New(Settings{Interval: time.Hour, AnomalyThreshold: 1}, fixed(0.5))
	require.True(t, s.RecordAnomaly(t0, "x"))
	assert.Equal(t, t0.Add(2*time.Hour), s.Snapshot().NextDue)
}

func TestRestoreRoundTrip(t *testing.T) {
	s := New(settings(), fixed(0.5))
	s.MarkStarted(t0)
	s.RecordAnomaly(t0, "a")
	st := s.Snapshot()

	other := New(settings(), fixed(0.1))
	other.Restore(st)
	assert.Equal(t, st, other.Snapshot())

	other.Restore(State{})
	assert.Equal(t, 1.0, other.Snapshot().Multiplier)
}
