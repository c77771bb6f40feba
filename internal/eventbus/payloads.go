package eventbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMissingField is returned by Decode when a required payload field is absent.
var ErrMissingField = errors.New("eventbus: missing required field")

// ErrUnknownEvent is returned by Decode for event types without a typed payload.
var ErrUnknownEvent = errors.New("eventbus: no payload type for event")

// BacklogItemRef is one backlog entry as exchanged between peers. Peers may
// send either an object or a bare string.
type BacklogItemRef struct {
	ID     string `json:"id,omitempty"`
	Text   string `json:"text"`
	Status string `json:"status,omitempty"`
}

func (r *BacklogItemRef) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*r = BacklogItemRef{Text: s, Status: "pending"}
		return nil
	}
	type plain BacklogItemRef
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = BacklogItemRef(p)
	return nil
}

// BacklogDiff is the change set between two pending snapshots.
type BacklogDiff struct {
	Added   []BacklogItemRef `json:"added"`
	Removed []BacklogItemRef `json:"removed"`
	Updated []BacklogItemRef `json:"updated"`
}

// Empty reports whether the diff carries no changes.
func (d BacklogDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Updated) == 0
}

// FirstBootPayload activates the daemon.
type FirstBootPayload struct{}

// BacklogActionPayload is an operator decision on a conflict.
type BacklogActionPayload struct {
	Action     string `json:"action"`
	ConflictID string `json:"conflict_id"`
	Reason     string `json:"reason,omitempty"`
	Actor      string `json:"actor,omitempty"`
}

// BacklogSharedPayload is a peer's pending backlog plus its diff.
type BacklogSharedPayload struct {
	Diff    BacklogDiff      `json:"diff"`
	Pending []BacklogItemRef `json:"pending"`
	Updated string           `json:"updated,omitempty"`
}

// PendingTexts returns the trimmed texts of pending or in-progress entries.
func (p BacklogSharedPayload) PendingTexts() []string {
	var out []string
	for _, item := range p.Pending {
		text := strings.TrimSpace(item.Text)
		if text == "" {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(item.Status)) {
		case "", "pending", "in_progress":
			out = append(out, text)
		}
	}
	return out
}

// MonitorAlertPayload is one anomaly reported by the monitoring daemon.
type MonitorAlertPayload struct {
	Anomaly string `json:"anomaly,omitempty"`
	Detail  string `json:"detail,omitempty"`
	Type    string `json:"type,omitempty"`
}

// Label returns the first non-empty descriptor, or "" when none is set.
func (p MonitorAlertPayload) Label() string {
	for _, s := range []string{p.Anomaly, p.Detail, p.Type} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

// MonitorSummaryPayload lists the currently open anomalies.
type MonitorSummaryPayload struct {
	Anomalies []json.RawMessage `json:"anomalies"`
}

// ActorPayload carries the operator identity for manual controls.
type ActorPayload struct {
	Actor string `json:"actor,omitempty"`
}

// DriverFailurePayload reports a failed host driver.
type DriverFailurePayload struct {
	Driver string `json:"driver,omitempty"`
	Error  string `json:"error,omitempty"`
}

// LedgerSignal is a result written to the ledger by the backend or the
// governance layer.
type LedgerSignal struct {
	Event        EventType       `json:"event"`
	RequestID    string          `json:"request_id,omitempty"`
	PatchID      string          `json:"patch_id,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	FilesChanged []string        `json:"files_changed,omitempty"`
	Reflection   json.RawMessage `json:"reflection,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
}

// ReflectionOutput returns the reflection body, preferring "reflection".
func (s LedgerSignal) ReflectionOutput() json.RawMessage {
	if len(s.Reflection) > 0 {
		return s.Reflection
	}
	return s.Output
}

// Decode converts an envelope payload into its typed variant. Required fields
// are enforced; nothing is coerced.
func Decode(env *Envelope) (any, error) {
	if env == nil {
		return nil, errors.New("eventbus: nil envelope")
	}
	switch env.EventType {
	case EventFirstBootComplete:
		return FirstBootPayload{}, nil
	case EventBacklogAction:
		var p BacklogActionPayload
		if err := decodeInto(env.Payload, &p); err != nil {
			return nil, err
		}
		p.Action = strings.ToLower(strings.TrimSpace(p.Action))
		p.ConflictID = strings.TrimSpace(p.ConflictID)
		if p.Action == "" {
			return nil, fmt.Errorf("%w: action", ErrMissingField)
		}
		if p.ConflictID == "" {
			return nil, fmt.Errorf("%w: conflict_id", ErrMissingField)
		}
		return p, nil
	case EventBacklogShared:
		if _, ok := env.Payload["pending"]; !ok {
			return nil, fmt.Errorf("%w: pending", ErrMissingField)
		}
		var p BacklogSharedPayload
		if err := decodeInto(env.Payload, &p); err != nil {
			return nil, err
		}
		return p, nil
	case EventMonitorAlert:
		var p MonitorAlertPayload
		if err := decodeInto(env.Payload, &p); err != nil {
			return nil, err
		}
		return p, nil
	case EventMonitorSummary:
		var p MonitorSummaryPayload
		if err := decodeInto(env.Payload, &p); err != nil {
			return nil, err
		}
		return p, nil
	case EventRunNow, EventResetCooldown, EventResetAdjustments:
		var p ActorPayload
		if err := decodeInto(env.Payload, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.Actor) == "" {
			p.Actor = env.SourceDaemon
		}
		return p, nil
	case EventDriverFailure:
		var p DriverFailurePayload
		if err := decodeInto(env.Payload, &p); err != nil {
			return nil, err
		}
		return p, nil
	}
	if env.EventType.IsLedgerSignal() {
		return DecodeLedgerSignal(env.EventType, env.Payload)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, env.EventType)
}

// DecodeLedgerSignal decodes a ledger entry into a LedgerSignal, enforcing
// the correlation field each signal needs.
func DecodeLedgerSignal(event EventType, fields map[string]any) (LedgerSignal, error) {
	var s LedgerSignal
	if err := decodeInto(fields, &s); err != nil {
		return s, err
	}
	s.Event = event
	switch event {
	case EventSelfExpand, EventSelfExpandRejected, EventSelfReflection:
		if strings.TrimSpace(s.RequestID) == "" {
			return s, fmt.Errorf("%w: request_id", ErrMissingField)
		}
	case EventVeilPending:
		if strings.TrimSpace(s.PatchID) == "" {
			return s, fmt.Errorf("%w: patch_id", ErrMissingField)
		}
	case EventSelfRepair, EventSelfRepairFailed:
	default:
		return s, fmt.Errorf("%w: %s", ErrUnknownEvent, event)
	}
	return s, nil
}

func decodeInto(payload map[string]any, out any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("eventbus: encode payload: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("eventbus: decode payload: %w", err)
	}
	return nil
}
