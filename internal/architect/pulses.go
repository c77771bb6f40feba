package architect

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/steveyegge/architect/internal/cycle"
	"github.com/steveyegge/architect/internal/eventbus"
)

// ErrUnknownAction is returned for backlog actions outside the closed set.
var ErrUnknownAction = errors.New("unknown backlog action")

// HandlerID is the bus registration id of the daemon's pulse handler.
const HandlerID = "architect"

// Handler adapts the daemon to the inbound bus.
func (d *Daemon) Handler() eventbus.Handler {
	return &eventbus.FuncHandler{
		HandlerID: HandlerID,
		Types:     []eventbus.EventType{eventbus.EventAny},
		Order:     100,
		Fn:        d.HandlePulse,
	}
}

// HandlePulse ingests one inbound pulse. Until first boot completes only the
// activation pulse is honored.
func (d *Daemon) HandlePulse(ctx context.Context, env *eventbus.Envelope) error {
	if env == nil {
		return errors.New("architect: nil envelope")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if env.EventType == eventbus.EventFirstBootComplete {
		d.activate(ctx, string(eventbus.EventFirstBootComplete))
		return nil
	}
	if !d.active {
		return nil
	}
	d.requests.Observe(env)

	payload, err := eventbus.Decode(env)
	if err != nil {
		if errors.Is(err, eventbus.ErrUnknownEvent) {
			return nil
		}
		d.log.Warnw("pulse rejected", "event", env.EventType, "source", env.SourceDaemon, "error", err)
		return err
	}

	switch p := payload.(type) {
	case eventbus.BacklogActionPayload:
		return d.backlogAction(ctx, p)
	case eventbus.BacklogSharedPayload:
		if !d.cfg.FederatePriorities {
			return nil
		}
		return d.fed.Receive(ctx, env)
	case eventbus.MonitorAlertPayload:
		return d.monitorAlert(ctx, p)
	case eventbus.MonitorSummaryPayload:
		if d.sched.ObserveSummary(d.now(), len(p.Anomalies)) {
			d.emit(ctx, eventbus.EventThrottleCleared, eventbus.PriorityInfo, map[string]any{
				"effective_interval": d.sched.EffectiveInterval().Seconds(),
				"next_cycle_due":     formatTime(d.sched.Snapshot().NextDue),
			})
		}
		d.saveSession()
	case eventbus.ActorPayload:
		switch env.EventType {
		case eventbus.EventRunNow:
			_, err := d.runNow(ctx, p.Actor)
			if errors.Is(err, ErrRunNowBlocked) || errors.Is(err, ErrRunNowSkipped) {
				return nil
			}
			return err
		case eventbus.EventResetCooldown:
			d.resetCooldown(ctx, p.Actor)
		case eventbus.EventResetAdjustments:
			d.resetAdjustments(ctx, p.Actor)
		}
	case eventbus.DriverFailurePayload:
		_, err := d.requestRepair(ctx, "driver_failure", map[string]any{
			"driver": p.Driver,
			"error":  p.Error,
		})
		return err
	case eventbus.LedgerSignal:
		if err := d.handleLedgerSignal(ctx, p); err != nil && !errors.Is(err, ErrUnmatched) {
			return err
		}
	}
	return nil
}

func (d *Daemon) backlogAction(ctx context.Context, p eventbus.BacklogActionPayload) error {
	actor := strings.TrimSpace(p.Actor)
	if actor == "" {
		actor = "operator"
	}
	switch p.Action {
	case "accept":
		_, err := d.fed.Accept(ctx, p.ConflictID, actor)
		return err
	case "reject":
		return d.fed.Reject(ctx, p.ConflictID, actor, p.Reason)
	case "separate", "keep_separate":
		_, err := d.fed.Separate(ctx, p.ConflictID, actor)
		return err
	}
	return fmt.Errorf("%w: %q", ErrUnknownAction, p.Action)
}

// monitorAlert counts the anomaly toward the throttle and asks for a repair.
func (d *Daemon) monitorAlert(ctx context.Context, p eventbus.MonitorAlertPayload) error {
	label, slug := p.Label(), ""
	if label != "" {
		slug = cycle.Slug(label)
		d.recorder.AddAnomaly(label)
	}
	if d.sched.RecordAnomaly(d.now(), slug) {
		st := d.sched.Snapshot()
		d.emit(ctx, eventbus.EventThrottled, eventbus.PriorityWarning, map[string]any{
			"anomaly_streak":     st.AnomalyStreak,
			"anomalies":          st.Anomalies,
			"multiplier":         st.Multiplier,
			"effective_interval": d.sched.EffectiveInterval().Seconds(),
			"next_cycle_due":     formatTime(st.NextDue),
		})
	}
	d.saveSession()
	details := map[string]any{}
	if label != "" {
		details["anomaly"] = label
	}
	_, err := d.requestRepair(ctx, string(eventbus.EventMonitorAlert), details)
	return err
}
