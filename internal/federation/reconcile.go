package federation

import (
	"context"
	"slices"
	"strings"

	"github.com/steveyegge/architect/internal/backlog"
	"github.com/steveyegge/architect/internal/eventbus"
)

type variantRef struct {
	backlog.Variant
	canonical string
}

// Reconcile rebuilds federated entries from the known peer backlogs, updates
// the conflict table, announces conflicts that just opened and requests a
// merge suggestion for open conflicts that have none yet. Identical canonical
// text always lands in one entry; it is never a conflict. Applying the same
// peer state twice leaves entries and conflicts unchanged.
func (e *Engine) Reconcile(ctx context.Context) {
	previous := map[string]backlog.FederatedEntry{}
	for _, entry := range e.store.Federated() {
		previous[entry.Canonical] = entry
	}

	byCanonical := map[string]*backlog.FederatedEntry{}
	var order []string
	for _, peer := range e.Peers() {
		canonicals := make([]string, 0, len(e.peers[peer]))
		for c := range e.peers[peer] {
			canonicals = append(canonicals, c)
		}
		slices.Sort(canonicals)
		for _, c := range canonicals {
			v := e.peers[peer][c]
			entry, ok := byCanonical[c]
			if !ok {
				entry = e.entryFor(c, v.Text, previous)
				byCanonical[c] = entry
				order = append(order, c)
			}
			v.EntryID = entry.ID
			entry.Variants = append(entry.Variants, v)
			if !slices.Contains(entry.OriginPeers, peer) {
				entry.OriginPeers = append(entry.OriginPeers, peer)
			}
		}
	}

	entries := make([]backlog.FederatedEntry, 0, len(order))
	var refs []variantRef
	for _, c := range order {
		entry := byCanonical[c]
		slices.Sort(entry.OriginPeers)
		slices.SortFunc(entry.Variants, func(a, b backlog.Variant) int { return strings.Compare(a.Peer, b.Peer) })
		for _, v := range entry.Variants {
			refs = append(refs, variantRef{Variant: v, canonical: c})
		}
		entries = append(entries, *entry)
	}

	conflicts := e.detectConflicts(refs)
	index := map[string][]string{}
	open := map[string]bool{}
	for _, c := range conflicts {
		for _, id := range c.EntryIDs {
			index[id] = append(index[id], c.ID)
		}
		if c.Status.Open() {
			open[c.ID] = true
		}
	}
	for i := range entries {
		ids := index[entries[i].ID]
		slices.Sort(ids)
		entries[i].ConflictIDs = ids
		entries[i].Conflict = slices.ContainsFunc(ids, func(id string) bool { return open[id] })
	}
	slices.SortFunc(entries, func(a, b backlog.FederatedEntry) int {
		return strings.Compare(strings.ToLower(a.Text), strings.ToLower(b.Text))
	})

	e.store.SetFederated(entries)
	e.store.SetConflicts(conflicts)

	var fresh []backlog.Conflict
	for _, c := range conflicts {
		if open[c.ID] && !e.reported[c.ID] {
			fresh = append(fresh, c)
		}
	}
	e.reported = open
	for _, c := range fresh {
		e.announce(ctx, c)
	}
	for _, c := range e.store.Conflicts() {
		if c.Status.Open() && c.Suggestion == nil {
			_ = e.resolve(ctx, c.ID, false)
		}
	}
}

func (e *Engine) entryFor(canonical, text string, previous map[string]backlog.FederatedEntry) *backlog.FederatedEntry {
	if old, ok := previous[canonical]; ok {
		return &backlog.FederatedEntry{
			ID:               old.ID,
			Canonical:        canonical,
			Text:             old.Text,
			Merged:           old.Merged,
			MergedAt:         old.MergedAt,
			MergedPriorityID: old.MergedPriorityID,
		}
	}
	return &backlog.FederatedEntry{ID: e.newID(), Canonical: canonical, Text: text}
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

func conflictKey(c backlog.Conflict) string {
	if len(c.EntryIDs) != 2 {
		return strings.Join(c.EntryIDs, "|")
	}
	return pairKey(c.EntryIDs[0], c.EntryIDs[1])
}

// detectConflicts compares every pair of variants from different peers that
// live in different entries. Pairs at or above the similarity threshold open
// (or keep) one conflict per entry pair. Accepted and separated conflicts are
// kept as history and never reopened.
func (e *Engine) detectConflicts(refs []variantRef) []backlog.Conflict {
	existing := map[string]backlog.Conflict{}
	for _, c := range e.store.Conflicts() {
		existing[conflictKey(c)] = c
	}

	type group struct {
		entryIDs   []string
		variants   []backlog.Variant
		similarity float64
	}
	groups := map[string]*group{}
	var keys []string
	for i := 0; i < len(refs); i++ {
		for j := i + 1; j < len(refs); j++ {
			a, b := refs[i], refs[j]
			if a.Peer == b.Peer || a.canonical == b.canonical {
				continue
			}
			key := pairKey(a.EntryID, b.EntryID)
			if old, ok := existing[key]; ok && !old.Status.Open() {
				continue
			}
			sim := Similarity(a.Text, b.Text)
			if sim < e.opts.Threshold {
				continue
			}
			g, ok := groups[key]
			if !ok {
				ids := []string{a.EntryID, b.EntryID}
				slices.Sort(ids)
				g = &group{entryIDs: ids}
				groups[key] = g
				keys = append(keys, key)
			}
			for _, v := range []backlog.Variant{a.Variant, b.Variant} {
				if !slices.ContainsFunc(g.variants, func(x backlog.Variant) bool {
					return x.Peer == v.Peer && x.EntryID == v.EntryID
				}) {
					g.variants = append(g.variants, v)
				}
			}
			g.similarity = max(g.similarity, sim)
		}
	}

	now := e.now().UTC()
	var out []backlog.Conflict
	seen := map[string]bool{}
	slices.Sort(keys)
	for _, key := range keys {
		g := groups[key]
		slices.SortFunc(g.variants, func(a, b backlog.Variant) int {
			if c := strings.Compare(a.Peer, b.Peer); c != 0 {
				return c
			}
			return strings.Compare(a.EntryID, b.EntryID)
		})
		c, ok := existing[key]
		if !ok {
			c = backlog.Conflict{ID: e.newID(), Status: backlog.ConflictPending, DetectedAt: now}
		}
		c.EntryIDs = g.entryIDs
		c.Variants = g.variants
		c.Similarity = roundSimilarity(g.similarity)
		out = append(out, c)
		seen[key] = true
	}
	for _, c := range e.store.Conflicts() {
		if !c.Status.Open() && !seen[conflictKey(c)] {
			out = append(out, c)
		}
	}
	slices.SortStableFunc(out, func(a, b backlog.Conflict) int { return a.DetectedAt.Compare(b.DetectedAt) })
	return out
}

func roundSimilarity(v float64) float64 {
	return float64(int(v*10000+0.5)) / 10000
}

func (e *Engine) announce(ctx context.Context, c backlog.Conflict) {
	variants := make([]map[string]any, 0, len(c.Variants))
	for _, v := range c.Variants {
		variants = append(variants, map[string]any{"peer": v.Peer, "text": v.Text, "entry_id": v.EntryID})
	}
	e.emit.Emit(ctx, eventbus.EventBacklogConflict, eventbus.PriorityWarning, map[string]any{
		"conflict_id":   c.ID,
		"federated_ids": c.EntryIDs,
		"peers":         c.Peers(),
		"similarity":    c.Similarity,
		"detected_at":   c.DetectedAt.Format(timeLayout),
		"variants":      variants,
	})
	e.touch(c.ID, c.Status)
}
