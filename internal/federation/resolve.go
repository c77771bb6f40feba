package federation

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/steveyegge/architect/internal/backlog"
	"github.com/steveyegge/architect/internal/eventbus"
	"github.com/steveyegge/architect/internal/utils"
)

const (
	timeLayout     = time.RFC3339
	outputLogLimit = 1000
)

// Resolve asks the backend for a merge suggestion. Conflicts that already
// hold a live suggestion, or whose last attempt failed, are left alone.
func (e *Engine) Resolve(ctx context.Context, id string) error {
	return e.resolve(ctx, id, false)
}

// Escalate retries resolution for every open conflict without a live
// suggestion, including ones whose previous attempt failed. Returns the
// number of conflicts attempted.
func (e *Engine) Escalate(ctx context.Context) int {
	n := 0
	for _, c := range e.store.Conflicts() {
		if !c.Status.Open() {
			continue
		}
		if s := c.Suggestion; s != nil && (s.Status == backlog.SuggestionPending || s.Status == backlog.SuggestionAccepted) {
			continue
		}
		if e.resolve(ctx, c.ID, true) == nil {
			n++
		}
	}
	return n
}

func (e *Engine) resolve(ctx context.Context, id string, force bool) error {
	c, ok := e.store.Conflict(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConflict, id)
	}
	if !c.Status.Open() {
		return fmt.Errorf("%w: %s", ErrConflictClosed, id)
	}
	if len(c.Variants) < 2 || e.backend == nil {
		return nil
	}
	if s := c.Suggestion; s != nil {
		if s.Status == backlog.SuggestionPending || s.Status == backlog.SuggestionAccepted {
			return nil
		}
		if !force && !s.AttemptedAt.IsZero() {
			return nil
		}
	}
	if !e.limiter.Allow() {
		e.log.Debugw("conflict resolution deferred", "conflict_id", id)
		return ErrRateLimited
	}

	prompt := resolutionPrompt(c)
	attempted := e.now().UTC()
	output, err := e.backend.Suggest(ctx, prompt)
	if err != nil {
		return e.resolutionFailed(ctx, c, attempted, err.Error(), output)
	}
	merged, notes, reason := ParseSuggestion(output)
	if reason != "" {
		return e.resolutionFailed(ctx, c, attempted, reason, output)
	}

	s := &backlog.Suggestion{
		PriorityID:     e.newID(),
		MergedPriority: merged,
		Notes:          notes,
		OriginPeers:    c.Peers(),
		MergedFrom:     append([]string(nil), c.EntryIDs...),
		Status:         backlog.SuggestionPending,
		GeneratedAt:    e.now().UTC(),
		AttemptedAt:    attempted,
	}
	if e.opts.ResolutionDir != "" {
		path := utils.UniquePath(e.opts.ResolutionDir, "merged_"+s.GeneratedAt.Format("20060102_150405"), ".json")
		doc := map[string]any{
			"conflict_id":  c.ID,
			"generated_at": s.GeneratedAt.Format(timeLayout),
			"suggestion":   s,
			"prompt":       prompt,
			"raw_output":   output,
		}
		if err := os.MkdirAll(e.opts.ResolutionDir, 0o750); err == nil {
			err = utils.WriteJSONAtomic(path, doc)
		}
		if err != nil {
			e.log.Warnw("resolution record not written", "conflict_id", c.ID, "error", err)
		} else {
			s.Path = path
		}
	}
	e.store.UpdateConflict(c.ID, func(cc *backlog.Conflict) {
		cc.Suggestion = s
		cc.Status = backlog.ConflictPending
	})
	if err := e.Persist(ctx, false); err != nil {
		e.log.Warnw("backlog save failed", "error", err)
	}
	e.emit.Emit(ctx, eventbus.EventBacklogResolved, eventbus.PriorityInfo, map[string]any{
		"conflict_id":     c.ID,
		"priority_id":     s.PriorityID,
		"merged_priority": s.MergedPriority,
		"origin_peers":    s.OriginPeers,
		"merged_from":     s.MergedFrom,
		"path":            s.Path,
	})
	e.touch(c.ID, backlog.ConflictPending)
	return nil
}

func (e *Engine) resolutionFailed(ctx context.Context, c backlog.Conflict, attempted time.Time, reason, output string) error {
	e.store.UpdateConflict(c.ID, func(cc *backlog.Conflict) {
		cc.Suggestion = &backlog.Suggestion{
			Status:      backlog.SuggestionFailed,
			Error:       reason,
			Output:      truncate(output, outputLogLimit),
			AttemptedAt: attempted,
		}
	})
	if err := e.Persist(ctx, false); err != nil {
		e.log.Warnw("backlog save failed", "error", err)
	}
	fields := map[string]any{"conflict_id": c.ID, "reason": reason}
	if output != "" {
		fields["output"] = truncate(output, outputLogLimit)
	}
	e.emit.Emit(ctx, eventbus.EventBacklogResolutionFailed, eventbus.PriorityWarning, fields)
	e.touch(c.ID, c.Status)
	return fmt.Errorf("resolve %s: %s", c.ID, reason)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Accept adds the conflict's suggested merge to the backlog as a new pending
// item and marks the source federated entries merged.
func (e *Engine) Accept(ctx context.Context, id, actor string) (backlog.Item, error) {
	c, ok := e.store.Conflict(id)
	if !ok {
		return backlog.Item{}, fmt.Errorf("%w: %s", ErrUnknownConflict, id)
	}
	if !c.Status.Open() {
		return backlog.Item{}, fmt.Errorf("%w: %s", ErrConflictClosed, id)
	}
	s := c.Suggestion
	if s == nil || s.MergedPriority == "" || s.Status == backlog.SuggestionFailed {
		return backlog.Item{}, fmt.Errorf("%w: %s", ErrNoSuggestion, id)
	}
	priorityID := s.PriorityID
	if priorityID == "" {
		priorityID = e.newID()
	}
	if _, exists := e.store.Get(priorityID); exists {
		return backlog.Item{}, fmt.Errorf("%w: %s", ErrAlreadyMerged, priorityID)
	}

	now := e.now().UTC()
	item := e.store.Add(backlog.Item{
		ID:          priorityID,
		Text:        s.MergedPriority,
		OriginPeers: s.OriginPeers,
		MergedFrom:  c.EntryIDs,
		Merged:      true,
	})
	e.store.UpdateConflict(id, func(cc *backlog.Conflict) {
		cc.Status = backlog.ConflictAccepted
		cc.ResolvedBy = actor
		cc.ResolvedAt = now
		cc.Suggestion.PriorityID = priorityID
		cc.Suggestion.Status = backlog.SuggestionAccepted
		cc.Suggestion.DecidedAt = now
	})
	for _, entryID := range c.EntryIDs {
		e.store.UpdateFederated(entryID, func(fe *backlog.FederatedEntry) {
			fe.Merged = true
			fe.MergedAt = now
			fe.MergedPriorityID = priorityID
		})
	}
	e.refreshConflictFlags(c.EntryIDs)
	delete(e.reported, id)

	if err := e.Persist(ctx, true); err != nil {
		e.log.Warnw("backlog save failed", "error", err)
	}
	e.emit.Emit(ctx, eventbus.EventBacklogMergeAccepted, eventbus.PriorityInfo, map[string]any{
		"conflict_id":     id,
		"priority_id":     priorityID,
		"merged_priority": s.MergedPriority,
		"origin_peers":    s.OriginPeers,
		"merged_from":     c.EntryIDs,
		"actor":           actor,
	})
	e.touch(id, backlog.ConflictAccepted)
	return item, nil
}

// Reject declines the suggested merge. The conflict stays open as rejected.
func (e *Engine) Reject(ctx context.Context, id, actor, reason string) error {
	c, ok := e.store.Conflict(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConflict, id)
	}
	if !c.Status.Open() {
		return fmt.Errorf("%w: %s", ErrConflictClosed, id)
	}
	if c.Suggestion == nil {
		return fmt.Errorf("%w: %s", ErrNoSuggestion, id)
	}
	now := e.now().UTC()
	e.store.UpdateConflict(id, func(cc *backlog.Conflict) {
		cc.Status = backlog.ConflictRejected
		cc.ResolvedBy = actor
		cc.Reason = reason
		cc.Suggestion.Status = backlog.SuggestionRejected
		cc.Suggestion.DecidedAt = now
	})
	if err := e.Persist(ctx, false); err != nil {
		e.log.Warnw("backlog save failed", "error", err)
	}
	fields := map[string]any{"conflict_id": id, "notes": c.Suggestion.Notes, "actor": actor}
	if reason != "" {
		fields["reason"] = reason
	}
	e.emit.Emit(ctx, eventbus.EventBacklogMergeRejected, eventbus.PriorityWarning, fields)
	e.touch(id, backlog.ConflictRejected)
	return nil
}

// Separate keeps every variant as its own pending backlog item and closes
// the conflict.
func (e *Engine) Separate(ctx context.Context, id, actor string) ([]backlog.Item, error) {
	c, ok := e.store.Conflict(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConflict, id)
	}
	if !c.Status.Open() {
		return nil, fmt.Errorf("%w: %s", ErrConflictClosed, id)
	}
	now := e.now().UTC()
	known := map[string]bool{}
	for _, it := range e.store.Active() {
		if !it.Status.Terminal() {
			known[it.Canonical] = true
		}
	}
	var created []backlog.Item
	var ids []string
	for _, v := range c.Variants {
		canonical := backlog.Canonicalize(v.Text)
		if known[canonical] {
			continue
		}
		known[canonical] = true
		it := e.store.Add(backlog.Item{Text: v.Text, OriginPeers: []string{v.Peer}, MergedFrom: []string{v.EntryID}})
		created = append(created, it)
		ids = append(ids, it.ID)
	}
	e.store.UpdateConflict(id, func(cc *backlog.Conflict) {
		cc.Status = backlog.ConflictSeparate
		cc.ResolvedBy = actor
		cc.ResolvedAt = now
		if cc.Suggestion != nil {
			cc.Suggestion.Status = backlog.SuggestionDismissed
			cc.Suggestion.DecidedAt = now
		}
	})
	e.refreshConflictFlags(c.EntryIDs)
	delete(e.reported, id)

	if err := e.Persist(ctx, true); err != nil {
		e.log.Warnw("backlog save failed", "error", err)
	}
	e.emit.Emit(ctx, eventbus.EventBacklogMergeSeparated, eventbus.PriorityInfo, map[string]any{
		"conflict_id":   id,
		"federated_ids": c.EntryIDs,
		"priority_ids":  ids,
		"actor":         actor,
	})
	e.touch(id, backlog.ConflictSeparate)
	return created, nil
}

// MergeFederated adopts a conflict-free federated entry into the local
// backlog.
func (e *Engine) MergeFederated(ctx context.Context, entryID, actor string) (backlog.Item, error) {
	entry, ok := e.store.FederatedEntry(entryID)
	if !ok {
		return backlog.Item{}, fmt.Errorf("%w: %s", ErrUnknownEntry, entryID)
	}
	if entry.Conflict {
		return backlog.Item{}, fmt.Errorf("%w: %s", ErrEntryInConflict, entryID)
	}
	if entry.Merged {
		return backlog.Item{}, fmt.Errorf("%w: %s", ErrAlreadyMerged, entryID)
	}
	now := e.now().UTC()
	item := e.store.Add(backlog.Item{
		Text:        entry.Text,
		OriginPeers: entry.OriginPeers,
		MergedFrom:  []string{entryID},
		Merged:      true,
	})
	e.store.UpdateFederated(entryID, func(fe *backlog.FederatedEntry) {
		fe.Merged = true
		fe.MergedAt = now
		fe.MergedPriorityID = item.ID
	})
	if err := e.Persist(ctx, true); err != nil {
		e.log.Warnw("backlog save failed", "error", err)
	}
	e.emit.Emit(ctx, eventbus.EventBacklogMerged, eventbus.PriorityInfo, map[string]any{
		"entry_id":     entryID,
		"priority_id":  item.ID,
		"text":         item.Text,
		"origin_peers": entry.OriginPeers,
		"actor":        actor,
	})
	return item, nil
}

func (e *Engine) refreshConflictFlags(entryIDs []string) {
	open := map[string]bool{}
	for _, c := range e.store.Conflicts() {
		if c.Status.Open() {
			open[c.ID] = true
		}
	}
	for _, id := range entryIDs {
		e.store.UpdateFederated(id, func(fe *backlog.FederatedEntry) {
			fe.Conflict = false
			for _, cid := range fe.ConflictIDs {
				if open[cid] {
					fe.Conflict = true
				}
			}
		})
	}
}

// OpenConflicts returns the conflicts still waiting for a decision.
func (e *Engine) OpenConflicts() []backlog.Conflict {
	var out []backlog.Conflict
	for _, c := range e.store.Conflicts() {
		if c.Status.Open() {
			out = append(out, c)
		}
	}
	return out
}
