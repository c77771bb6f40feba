package trajectory

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/steveyegge/architect/internal/backlog"
)

// Thresholds trigger adjustments when crossed.
type Thresholds struct {
	SuccessRate   float64
	FailureStreak int
	ConflictRate  float64
}

// DefaultThresholds returns the stock thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{SuccessRate: 0.7, FailureStreak: 3, ConflictRate: 0.3}
}

// Defaults are the configured values overrides are derived from.
type Defaults struct {
	ReflectionInterval int
	CooldownPeriod     time.Duration
}

// Adjustment is the outcome of applying a report to the current overrides.
type Adjustment struct {
	Overrides Overrides
	Reasons   []string
	Settings  map[string]any

	// LowConfidence is the full sorted set of canonical labels that should
	// carry the low-confidence tag, including those already tagged.
	LowConfidence []string
	// Labels maps canonical labels to the text reported for them.
	Labels map[string]string

	EscalateConflicts bool
}

// Changed reports whether any override moved.
func (a Adjustment) Changed() bool { return len(a.Reasons) > 0 }

// Reason joins the individual reasons.
func (a Adjustment) Reason() string { return strings.Join(a.Reasons, "; ") }

// LowConfidenceLabels returns LowConfidence rendered with reported labels.
func (a Adjustment) LowConfidenceLabels() []string {
	out := make([]string, 0, len(a.LowConfidence))
	for _, c := range a.LowConfidence {
		if l, ok := a.Labels[c]; ok && l != "" {
			out = append(out, l)
		} else {
			out = append(out, c)
		}
	}
	return out
}

// ExtendedCooldown is the cooldown applied on poor trajectories.
func ExtendedCooldown(base time.Duration) time.Duration {
	if base < 0 {
		base = 0
	}
	return max(time.Duration(float64(base)*1.5), base+6*time.Hour)
}

// Adjust derives new overrides from r. lowConfidence holds labels already
// tagged; they stay in the returned set.
func Adjust(r Report, th Thresholds, d Defaults, current Overrides, lowConfidence []string) Adjustment {
	adj := Adjustment{
		Overrides: current,
		Settings:  map[string]any{},
		Labels:    map[string]string{},
	}

	applyCooldown := func(why string) {
		target := ExtendedCooldown(d.CooldownPeriod)
		if adj.Overrides.CooldownPeriod != nil && *adj.Overrides.CooldownPeriod == target {
			return
		}
		adj.Overrides.CooldownPeriod = &target
		hours := max(1, int(math.Round(target.Hours())))
		adj.Reasons = append(adj.Reasons, fmt.Sprintf("%s: cooldown extended to %dh", why, hours))
		adj.Settings["cooldown_period"] = target.Seconds()
	}

	if r.SuccessRate < th.SuccessRate {
		target := max(1, max(1, d.ReflectionInterval)/2)
		why := fmt.Sprintf("Success rate %.0f%% below %.0f%%", r.SuccessRate*100, th.SuccessRate*100)
		if adj.Overrides.ReflectionInterval == nil || *adj.Overrides.ReflectionInterval != target {
			adj.Overrides.ReflectionInterval = &target
			adj.Reasons = append(adj.Reasons, fmt.Sprintf("%s: reflection interval set to %d", why, target))
			adj.Settings["reflection_interval"] = target
		}
		applyCooldown(why)
	}

	if th.FailureStreak > 0 && r.CurrentFailureStreak >= th.FailureStreak {
		applyCooldown(fmt.Sprintf("Failure streak %d reached %d", r.CurrentFailureStreak, th.FailureStreak))
	}

	if r.ConflictRate >= th.ConflictRate && th.ConflictRate > 0 && !adj.Overrides.ConflictPriority {
		adj.Overrides.ConflictPriority = true
		adj.EscalateConflicts = true
		adj.Reasons = append(adj.Reasons, fmt.Sprintf("Conflict rate %.0f%% at or above %.0f%%: conflict resolution escalated",
			r.ConflictRate*100, th.ConflictRate*100))
		adj.Settings["conflict_priority"] = true
	}

	set := map[string]bool{}
	for _, l := range lowConfidence {
		if c := backlog.Canonicalize(l); c != "" {
			set[c] = true
		}
	}
	limit := max(2, th.FailureStreak)
	for _, f := range r.PriorityFailures {
		c := backlog.Canonicalize(f.Canonical)
		if c == "" {
			continue
		}
		adj.Labels[c] = f.Label
		if f.Count >= limit && r.PriorityStatus[c] != string(backlog.StatusDone) {
			set[c] = true
		}
	}
	for c := range set {
		adj.LowConfidence = append(adj.LowConfidence, c)
	}
	slices.Sort(adj.LowConfidence)
	return adj
}
