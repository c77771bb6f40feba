package backlog

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/architect/internal/eventbus"
	"github.com/steveyegge/architect/internal/utils"
)

// FileName is the backlog document name inside the state directory.
const FileName = "backlog.json"

var (
	// ErrNotFound is returned for unknown item ids.
	ErrNotFound = errors.New("backlog item not found")
	// ErrInvalidStatus is returned when finalizing with a non-terminal status.
	ErrInvalidStatus = errors.New("invalid backlog status")
)

// Document is the on-disk shape of the backlog.
type Document struct {
	Updated   time.Time        `json:"updated"`
	Active    []Item           `json:"active"`
	History   []Item           `json:"history"`
	Federated []FederatedEntry `json:"federated"`
	Conflicts []Conflict       `json:"conflicts"`
}

// Store owns the backlog document. It is not safe for concurrent use; the
// daemon serializes access.
type Store struct {
	path  string
	doc   Document
	now   func() time.Time
	newID func() string
}

// Open loads the backlog at path. A missing or unreadable document yields an
// empty backlog; in-progress items are returned to pending so an interrupted
// cycle is picked up again.
func Open(path string) (*Store, error) {
	s := &Store{path: path, now: time.Now, newID: uuid.NewString}
	var doc Document
	_, err := utils.ReadJSON(path, &doc)
	if err != nil {
		doc = Document{}
	}
	s.doc = normalize(doc)
	return s, err
}

// NewMemory returns an unsaved store, used by tests and dry runs.
func NewMemory() *Store {
	return &Store{now: time.Now, newID: uuid.NewString}
}

func normalize(doc Document) Document {
	active := doc.Active[:0:0]
	for _, it := range doc.Active {
		it.ID = strings.TrimSpace(it.ID)
		it.Text = strings.TrimSpace(it.Text)
		if it.ID == "" || it.Text == "" {
			continue
		}
		if !it.Status.valid() || it.Status == StatusInProgress {
			it.Status = StatusPending
		}
		if it.Canonical == "" {
			it.Canonical = Canonicalize(it.Text)
		}
		active = append(active, it)
	}
	doc.Active = active

	seen := map[string]bool{}
	history := doc.History[:0:0]
	for _, it := range doc.History {
		if it.ID == "" || it.Text == "" || !it.Status.Terminal() || seen[it.ID] {
			continue
		}
		seen[it.ID] = true
		history = append(history, it)
	}
	doc.History = history
	return doc
}

// SetClock replaces the time source.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// SetIDSource replaces the id generator.
func (s *Store) SetIDSource(fn func() string) { s.newID = fn }

// Path returns the document path, empty for memory stores.
func (s *Store) Path() string { return s.path }

// Updated returns the last save time.
func (s *Store) Updated() time.Time { return s.doc.Updated }

// Save writes the whole document atomically. Memory stores only bump the
// update time.
func (s *Store) Save() error {
	s.doc.Updated = s.now().UTC()
	if s.path == "" {
		return nil
	}
	if err := utils.WriteJSONAtomic(s.path, s.doc); err != nil {
		return fmt.Errorf("save backlog: %w", err)
	}
	return nil
}

// Active returns a copy of the active list in order.
func (s *Store) Active() []Item { return slices.Clone(s.doc.Active) }

// History returns a copy of the history list.
func (s *Store) History() []Item { return slices.Clone(s.doc.History) }

// Get returns the active item with id.
func (s *Store) Get(id string) (Item, bool) {
	if i := s.index(id); i >= 0 {
		return s.doc.Active[i], true
	}
	return Item{}, false
}

func (s *Store) index(id string) int {
	return slices.IndexFunc(s.doc.Active, func(it Item) bool { return it.ID == id })
}

// AddPriorities appends one pending item per non-empty text and returns the
// new items.
func (s *Store) AddPriorities(texts []string) []Item {
	var created []Item
	for _, t := range texts {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		created = append(created, s.Add(Item{Text: t}))
	}
	return created
}

// Add appends item as pending, filling id, canonical text and timestamps.
func (s *Store) Add(item Item) Item {
	now := s.now().UTC()
	if item.ID == "" {
		item.ID = s.newID()
	}
	item.Text = strings.TrimSpace(item.Text)
	item.Canonical = Canonicalize(item.Text)
	if item.Status == "" {
		item.Status = StatusPending
	}
	item.CreatedAt = now
	item.UpdatedAt = now
	s.doc.Active = append(s.doc.Active, item)
	return item
}

// SelectNext marks the first pending item in_progress.
func (s *Store) SelectNext() (Item, bool) {
	for i := range s.doc.Active {
		if s.doc.Active[i].Status == StatusPending {
			s.doc.Active[i].Status = StatusInProgress
			s.doc.Active[i].UpdatedAt = s.now().UTC()
			return s.doc.Active[i], true
		}
	}
	return Item{}, false
}

// Finalize moves an item to done or discarded and copies it into history
// once.
func (s *Store) Finalize(id string, status Status, reason string) (Item, error) {
	if !status.Terminal() {
		return Item{}, fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}
	i := s.index(id)
	if i < 0 {
		return Item{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	now := s.now().UTC()
	it := &s.doc.Active[i]
	it.Status = status
	it.Reason = reason
	it.UpdatedAt = now
	if it.CompletedAt.IsZero() {
		it.CompletedAt = now
	}
	if !slices.ContainsFunc(s.doc.History, func(h Item) bool { return h.ID == id }) {
		s.doc.History = append(s.doc.History, *it)
	}
	return *it, nil
}

// MarkLowConfidence tags every active item whose canonical text is in labels
// as low confidence and moves the pending ones to the end of the list. Items
// outside labels lose the tag. Returns true when anything changed.
func (s *Store) MarkLowConfidence(labels []string) bool {
	set := map[string]bool{}
	for _, l := range labels {
		if c := Canonicalize(l); c != "" {
			set[c] = true
		}
	}
	changed := false
	normal := make([]Item, 0, len(s.doc.Active))
	var lowPending []Item
	for _, it := range s.doc.Active {
		if set[it.Canonical] {
			if it.Confidence != ConfidenceLow {
				it.Confidence = ConfidenceLow
				changed = true
			}
			if it.Status == StatusPending {
				lowPending = append(lowPending, it)
				continue
			}
		} else if it.Confidence != "" {
			it.Confidence = ""
			changed = true
		}
		normal = append(normal, it)
	}
	reordered := append(normal, lowPending...)
	for i := range reordered {
		if reordered[i].ID != s.doc.Active[i].ID {
			changed = true
			break
		}
	}
	s.doc.Active = reordered
	return changed
}

// ClearConfidence removes every confidence tag and returns how many were
// cleared.
func (s *Store) ClearConfidence() int {
	n := 0
	for i := range s.doc.Active {
		if s.doc.Active[i].Confidence != "" {
			s.doc.Active[i].Confidence = ""
			n++
		}
	}
	return n
}

// PendingSnapshot returns the pending items keyed by id.
func (s *Store) PendingSnapshot() map[string]eventbus.BacklogItemRef {
	out := map[string]eventbus.BacklogItemRef{}
	for _, it := range s.doc.Active {
		if it.Status == StatusPending {
			out[it.ID] = eventbus.BacklogItemRef{ID: it.ID, Text: it.Text, Status: string(it.Status)}
		}
	}
	return out
}

// PendingList returns the pending items in backlog order.
func (s *Store) PendingList() []eventbus.BacklogItemRef {
	var out []eventbus.BacklogItemRef
	for _, it := range s.doc.Active {
		if it.Status == StatusPending {
			out = append(out, eventbus.BacklogItemRef{ID: it.ID, Text: it.Text, Status: string(it.Status)})
		}
	}
	return out
}

// DiffPending compares two pending snapshots. Entries are sorted by id so the
// diff is deterministic.
func DiffPending(prev, cur map[string]eventbus.BacklogItemRef) eventbus.BacklogDiff {
	var d eventbus.BacklogDiff
	for id, it := range cur {
		old, ok := prev[id]
		switch {
		case !ok:
			d.Added = append(d.Added, it)
		case strings.TrimSpace(old.Text) != strings.TrimSpace(it.Text) || old.Status != it.Status:
			d.Updated = append(d.Updated, it)
		}
	}
	for id, it := range prev {
		if _, ok := cur[id]; !ok {
			d.Removed = append(d.Removed, it)
		}
	}
	byID := func(a, b eventbus.BacklogItemRef) int { return strings.Compare(a.ID, b.ID) }
	slices.SortFunc(d.Added, byID)
	slices.SortFunc(d.Updated, byID)
	slices.SortFunc(d.Removed, byID)
	return d
}

// Federated returns a copy of the federated entries.
func (s *Store) Federated() []FederatedEntry { return slices.Clone(s.doc.Federated) }

// SetFederated replaces the federated entries.
func (s *Store) SetFederated(entries []FederatedEntry) {
	s.doc.Federated = slices.Clone(entries)
}

// FederatedEntry returns the federated entry with id.
func (s *Store) FederatedEntry(id string) (FederatedEntry, bool) {
	for _, e := range s.doc.Federated {
		if e.ID == id {
			return e, true
		}
	}
	return FederatedEntry{}, false
}

// UpdateFederated applies fn to the federated entry with id.
func (s *Store) UpdateFederated(id string, fn func(*FederatedEntry)) bool {
	for i := range s.doc.Federated {
		if s.doc.Federated[i].ID == id {
			fn(&s.doc.Federated[i])
			return true
		}
	}
	return false
}

// Conflicts returns a copy of the conflict list.
func (s *Store) Conflicts() []Conflict { return slices.Clone(s.doc.Conflicts) }

// SetConflicts replaces the conflict list.
func (s *Store) SetConflicts(cs []Conflict) { s.doc.Conflicts = slices.Clone(cs) }

// Conflict returns the conflict with id.
func (s *Store) Conflict(id string) (Conflict, bool) {
	for _, c := range s.doc.Conflicts {
		if c.ID == id {
			return c, true
		}
	}
	return Conflict{}, false
}

// UpdateConflict applies fn to the conflict with id.
func (s *Store) UpdateConflict(id string, fn func(*Conflict)) bool {
	for i := range s.doc.Conflicts {
		if s.doc.Conflicts[i].ID == id {
			fn(&s.doc.Conflicts[i])
			return true
		}
	}
	return false
}
