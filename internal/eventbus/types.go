package eventbus

import (
	"time"
)

// EventType identifies an event flowing through the bus.
type EventType string

// Priority is the pulse severity.
type Priority string

const (
	PriorityInfo     Priority = "info"
	PriorityWarning  Priority = "warning"
	PriorityCritical Priority = "critical"
)

// EventAny matches every event type when returned from Handler.Handles.
const EventAny EventType = "*"

const (
	// Inbound control events.
	EventFirstBootComplete EventType = "first_boot_complete"
	EventBacklogAction     EventType = "architect_backlog_action"
	EventBacklogShared     EventType = "architect_backlog_shared"
	EventMonitorAlert      EventType = "monitor_alert"
	EventMonitorSummary    EventType = "monitor_summary"
	EventRunNow            EventType = "architect_run_now"
	EventResetCooldown     EventType = "architect_reset_cooldown"
	EventResetAdjustments  EventType = "architect_reset_adjustments"
	EventDriverFailure     EventType = "driver_failure"

	// Ledger signals written by the code-generation backend and governance layer.
	EventSelfExpand         EventType = "self_expand"
	EventSelfExpandRejected EventType = "self_expand_rejected"
	EventVeilPending        EventType = "veil_pending"
	EventSelfRepair         EventType = "self_repair"
	EventSelfRepairFailed   EventType = "self_repair_failed"
	EventSelfReflection     EventType = "self_reflection"

	// Request lifecycle.
	EventCodexRequest       EventType = "codex_request"
	EventRequest            EventType = "architect_request"
	EventPromptSuggested    EventType = "architect_prompt_suggested"
	EventPromptSubmitted    EventType = "architect_prompt_submitted"
	EventPromptPending      EventType = "architect_prompt_pending"
	EventRetry              EventType = "architect_retry"
	EventFailure            EventType = "architect_failure"
	EventSuccess            EventType = "architect_success"
	EventMerge              EventType = "architect_merge"
	EventMergeFailed        EventType = "architect_merge_failed"
	EventBranchFailed       EventType = "architect_branch_failed"
	EventCIFailed           EventType = "architect_ci_failed"
	EventImmutabilityFailed EventType = "architect_immutability_failed"
	EventVeilRequest        EventType = "veil_request"
	EventRepairComplete     EventType = "architect_repair_complete"
	EventRepairFailed       EventType = "architect_repair_failed"

	// Scheduler.
	EventEnabled          EventType = "architect_enabled"
	EventConfigUpdate     EventType = "architect_config_update"
	EventCycleStart       EventType = "architect_cycle_start"
	EventCooldown         EventType = "architect_cooldown"
	EventCooldownReset    EventType = "architect_cooldown_reset"
	EventCooldownComplete EventType = "architect_cooldown_complete"
	EventThrottled        EventType = "architect_throttled"
	EventThrottleCleared  EventType = "architect_throttle_cleared"
	EventRunNowBlocked    EventType = "architect_run_now_blocked"
	EventRunNowSkipped    EventType = "architect_run_now_skipped"
	EventRunNowTriggered  EventType = "architect_run_now_triggered"

	// Reflection and backlog.
	EventReflectionStart    EventType = "architect_reflection_start"
	EventReflectionComplete EventType = "architect_reflection_complete"
	EventReflectionFailed   EventType = "architect_reflection_failed"
	EventPrioritiesParsed   EventType = "architect_priorities_parsed"
	EventPrioritySelected   EventType = "architect_priority_selected"
	EventPriorityDone       EventType = "architect_priority_done"
	EventPriorityDiscarded  EventType = "architect_priority_discarded"
	EventPriorityReordered  EventType = "architect_priority_reordered"

	// Federation.
	EventBacklogReceived         EventType = "architect_backlog_received"
	EventBacklogInvalid          EventType = "architect_backlog_invalid"
	EventBacklogConflict         EventType = "architect_backlog_conflict"
	EventBacklogResolved         EventType = "architect_backlog_resolved"
	EventBacklogResolutionFailed EventType = "architect_backlog_resolution_failed"
	EventBacklogMergeAccepted    EventType = "architect_backlog_merge_accepted"
	EventBacklogMergeRejected    EventType = "architect_backlog_merge_rejected"
	EventBacklogMergeSeparated   EventType = "architect_backlog_merge_separated"
	EventBacklogMerged           EventType = "architect_backlog_merged"

	// Cycle summaries and trajectory.
	EventCycleSummary       EventType = "architect_cycle_summary"
	EventCycleSummaryFailed EventType = "architect_cycle_summary_failed"
	EventTrajectoryStart    EventType = "architect_trajectory_start"
	EventTrajectoryWarning  EventType = "architect_trajectory_warning"
	EventTrajectoryReport   EventType = "architect_trajectory_report"
	EventTrajectoryFailed   EventType = "architect_trajectory_failed"
	EventTrajectoryAdjusted EventType = "architect_trajectory_adjusted"
	EventAdjustmentsReset   EventType = "architect_adjustments_reset"
)

// IsLedgerSignal reports whether t is a result signal the backend writes to
// the ledger rather than a control pulse.
func (t EventType) IsLedgerSignal() bool {
	switch t {
	case EventSelfExpand, EventSelfExpandRejected, EventVeilPending,
		EventSelfRepair, EventSelfRepairFailed, EventSelfReflection:
		return true
	}
	return false
}

// Envelope is the pulse shape exchanged with the host bus.
type Envelope struct {
	Timestamp    string         `json:"timestamp"`
	SourceDaemon string         `json:"source_daemon"`
	EventType    EventType      `json:"event_type"`
	Priority     Priority       `json:"priority"`
	Payload      map[string]any `json:"payload"`
	SourcePeer   string         `json:"source_peer,omitempty"`
	Signature    string         `json:"signature,omitempty"`
}

// NewEnvelope stamps an envelope with the given time in RFC 3339.
func NewEnvelope(now time.Time, source string, eventType EventType, priority Priority, payload map[string]any) *Envelope {
	if priority == "" {
		priority = PriorityInfo
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return &Envelope{
		Timestamp:    now.UTC().Format(time.RFC3339),
		SourceDaemon: source,
		EventType:    eventType,
		Priority:     priority,
		Payload:      payload,
	}
}

// Result aggregates handler responses for an envelope.
type Result struct {
	Handled  int      `json:"handled"`
	Warnings []string `json:"warnings,omitempty"`
}
