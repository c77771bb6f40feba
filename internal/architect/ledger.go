package architect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/architect/internal/backlog"
	"github.com/steveyegge/architect/internal/eventbus"
	"github.com/steveyegge/architect/internal/lifecycle"
	"github.com/steveyegge/architect/internal/session"
	"github.com/steveyegge/architect/internal/utils"
)

// ErrUnmatched is returned when a ledger signal names no live request.
var ErrUnmatched = errors.New("ledger signal matches no live request")

// HandleLedgerEntry routes a result signal written to the ledger by the
// generation backend or the governance layer.
func (d *Daemon) HandleLedgerEntry(ctx context.Context, fields map[string]any) error {
	event, _ := fields["event"].(string)
	sig, err := eventbus.DecodeLedgerSignal(eventbus.EventType(event), fields)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active {
		return nil
	}
	return d.handleLedgerSignal(ctx, sig)
}

func (d *Daemon) handleLedgerSignal(ctx context.Context, sig eventbus.LedgerSignal) error {
	var (
		req lifecycle.Request
		ok  bool
	)
	switch sig.Event {
	case eventbus.EventVeilPending:
		req, ok = d.requests.Match(sig.PatchID)
	case eventbus.EventSelfRepair, eventbus.EventSelfRepairFailed:
		req, ok = d.requests.MatchRepair()
	default:
		req, ok = d.requests.Match(sig.RequestID)
	}
	if !ok {
		d.log.Debugw("ledger signal unmatched", "event", sig.Event, "request_id", sig.RequestID, "patch_id", sig.PatchID)
		return ErrUnmatched
	}

	switch sig.Event {
	case eventbus.EventSelfExpand, eventbus.EventSelfRepair:
		return d.completeRequest(ctx, req, sig)
	case eventbus.EventSelfExpandRejected, eventbus.EventSelfRepairFailed:
		return d.rejectRequest(ctx, req, sig.Reason)
	case eventbus.EventVeilPending:
		_, err := d.requests.AwaitApproval(ctx, req.ID, sig)
		return err
	case eventbus.EventSelfReflection:
		if req.Mode != lifecycle.ModeReflect {
			return fmt.Errorf("%w: %s is a %s request", ErrUnmatched, req.ID, req.Mode)
		}
		return d.finalizeReflection(ctx, req, sig)
	}
	return fmt.Errorf("%w: %s", eventbus.ErrUnknownEvent, sig.Event)
}

// completeRequest runs the merge pipeline and books the outcome. A blocked
// merge counts as a failed run and discards the backlog item.
func (d *Daemon) completeRequest(ctx context.Context, req lifecycle.Request, sig eventbus.LedgerSignal) error {
	done, err := d.requests.Complete(ctx, req.ID, sig)
	if err != nil {
		return err
	}
	merged := done.Merged()
	d.recordRun(ctx, merged)

	result, reason := "merged", ""
	if !merged {
		result, reason = "blocked", "merge_failed"
	}
	if req.PriorityID != "" {
		if merged {
			d.finalizePriority(ctx, req, backlog.StatusDone, "")
		} else {
			d.finalizePriority(ctx, req, backlog.StatusDiscarded, reason)
		}
	}
	if req.Mode == lifecycle.ModeRepair {
		t, prio := eventbus.EventRepairComplete, eventbus.PriorityInfo
		if !merged {
			t, prio = eventbus.EventRepairFailed, eventbus.PriorityWarning
		}
		d.emit(ctx, t, prio, map[string]any{
			"architect_id": req.ID,
			"reason":       req.Reason,
			"merge_status": string(done.Outcome.Status),
		})
	}
	d.closeCycle(ctx, req.ID, result, reason)
	return nil
}

// rejectRequest retries the request or, at the iteration cap, fails it.
func (d *Daemon) rejectRequest(ctx context.Context, req lifecycle.Request, reason string) error {
	_, exhausted, err := d.requests.Reject(ctx, req.ID, reason)
	if err != nil || !exhausted {
		return err
	}
	if reason == "" {
		reason = "max_iterations"
	}
	d.recordRun(ctx, false)
	if req.PriorityID != "" {
		d.finalizePriority(ctx, req, backlog.StatusDiscarded, reason)
		// Exhausted retries are failures in the cycle summary whatever the
		// backend's stated reason.
		d.recorder.SetAttemptOutcome(req.PriorityID, backlog.StatusDiscarded, "max_iterations")
	}
	if req.Mode == lifecycle.ModeRepair {
		d.emit(ctx, eventbus.EventRepairFailed, eventbus.PriorityWarning, map[string]any{
			"architect_id": req.ID,
			"reason":       reason,
		})
	}
	d.closeCycle(ctx, req.ID, "failed", reason)
	return nil
}

func (d *Daemon) finalizePriority(ctx context.Context, req lifecycle.Request, status backlog.Status, reason string) {
	item, err := d.store.Finalize(req.PriorityID, status, reason)
	if err != nil {
		d.log.Warnw("priority not finalized", "priority_id", req.PriorityID, "status", status, "error", err)
		return
	}
	d.recorder.SetAttemptOutcome(item.ID, status, reason)
	d.persistBacklog(ctx)

	fields := map[string]any{
		"priority_id":  item.ID,
		"text":         item.Text,
		"cycle":        req.CycleNumber,
		"architect_id": req.ID,
	}
	if status == backlog.StatusDone {
		d.emit(ctx, eventbus.EventPriorityDone, eventbus.PriorityInfo, fields)
		return
	}
	fields["reason"] = reason
	d.emit(ctx, eventbus.EventPriorityDiscarded, eventbus.PriorityWarning, fields)
}

// reflectionDocument is the persisted form of a parsed reflection.
type reflectionDocument struct {
	backlog.Reflection
	ArchitectID string         `json:"architect_id"`
	Cycle       int            `json:"cycle"`
	CycleRange  map[string]int `json:"cycle_range"`
	GeneratedAt string         `json:"generated_at"`
}

func (d *Daemon) finalizeReflection(ctx context.Context, req lifecycle.Request, sig eventbus.LedgerSignal) error {
	reflection, err := backlog.ParseReflection(sig.ReflectionOutput())
	if err != nil {
		d.log.Warnw("reflection output rejected", "architect_id", req.ID, "error", err)
		if _, ferr := d.requests.Fail(ctx, req.ID, "invalid_reflection_output"); ferr != nil {
			return ferr
		}
		d.emit(ctx, eventbus.EventReflectionFailed, eventbus.PriorityWarning, map[string]any{
			"architect_id": req.ID,
			"cycle":        req.CycleNumber,
			"reason":       "invalid_reflection_output",
		})
		d.closeCycle(ctx, req.ID, "reflection_failed", "invalid_reflection_output")
		return err
	}

	now := d.now().UTC()
	start, end := req.CycleNumber, req.CycleNumber
	if v, ok := req.Details["window_start"].(int); ok {
		start = v
	}
	if v, ok := req.Details["window_end"].(int); ok {
		end = v
	}
	doc := reflectionDocument{
		Reflection:  reflection,
		ArchitectID: req.ID,
		Cycle:       req.CycleNumber,
		CycleRange:  map[string]int{"start": start, "end": end},
		GeneratedAt: now.Format(time.RFC3339),
	}
	path := utils.UniquePath(d.paths.Reflections, "reflection_"+now.Format(fileStamp), ".json")
	if err := utils.WriteJSONAtomic(path, doc); err != nil {
		d.log.Warnw("reflection not persisted", "path", path, "error", err)
		path = ""
	}

	added := d.store.AddPriorities(reflection.Priorities())
	d.persistBacklog(ctx)
	ids := make([]string, 0, len(added))
	for _, it := range added {
		ids = append(ids, it.ID)
	}
	d.emit(ctx, eventbus.EventPrioritiesParsed, eventbus.PriorityInfo, map[string]any{
		"architect_id": req.ID,
		"cycle":        req.CycleNumber,
		"count":        len(added),
		"priority_ids": ids,
	})

	if _, err := d.requests.Complete(ctx, req.ID, sig); err != nil {
		return err
	}
	d.sess.LastReflection = &session.ReflectionInfo{
		Cycle:   req.CycleNumber,
		Path:    path,
		Summary: reflection.Summary,
		At:      now,
	}
	fields := map[string]any{
		"architect_id":    req.ID,
		"cycle":           req.CycleNumber,
		"path":            path,
		"summary":         reflection.Summary,
		"next_priorities": reflection.Priorities(),
	}
	if d.cfg.FederateReflections {
		fields["peer_name"] = d.cfg.PeerName
		peers := d.cfg.Peers
		if peers == nil {
			peers = []string{}
		}
		fields["peers"] = peers
	}
	d.emit(ctx, eventbus.EventReflectionComplete, eventbus.PriorityInfo, fields)
	d.recorder.AddReflection(path)
	d.closeCycle(ctx, req.ID, "reflection_recorded", "")
	d.saveSession()
	return nil
}

const fileStamp = "20060102_150405"
