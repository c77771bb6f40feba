package trajectory

import "time"

// Overrides are steering values layered over the configured defaults until
// an operator resets them.
type Overrides struct {
	ReflectionInterval *int           `json:"reflection_interval,omitempty"`
	CooldownPeriod     *time.Duration `json:"cooldown_period,omitempty"`
	ConflictPriority   bool           `json:"conflict_priority,omitempty"`
}

// IsZero reports whether no override is set.
func (o Overrides) IsZero() bool {
	return o.ReflectionInterval == nil && o.CooldownPeriod == nil && !o.ConflictPriority
}

// Settings renders the overrides for event payloads. Unset values are nil and
// the cooldown is expressed in seconds.
func (o Overrides) Settings() map[string]any {
	out := map[string]any{
		"reflection_interval": nil,
		"cooldown_period":     nil,
		"conflict_priority":   o.ConflictPriority,
	}
	if o.ReflectionInterval != nil {
		out["reflection_interval"] = *o.ReflectionInterval
	}
	if o.CooldownPeriod != nil {
		out["cooldown_period"] = o.CooldownPeriod.Seconds()
	}
	return out
}
