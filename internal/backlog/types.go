// Package backlog holds the priority backlog: the active work list derived
// from reflections, its history, and the federated entries and conflicts
// produced by peer reconciliation. Everything lives in one JSON document that
// is rewritten atomically on every mutation.
package backlog

import (
	"regexp"
	"slices"
	"strings"
	"time"
)

// Status is the lifecycle state of a backlog item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusDiscarded  Status = "discarded"
)

// Terminal reports whether s belongs in history.
func (s Status) Terminal() bool { return s == StatusDone || s == StatusDiscarded }

func (s Status) valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusDone, StatusDiscarded:
		return true
	}
	return false
}

// ConfidenceLow tags items that keep failing.
const ConfidenceLow = "low"

// Item is one candidate improvement.
type Item struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	Canonical   string    `json:"canonical"`
	Status      Status    `json:"status"`
	Confidence  string    `json:"confidence,omitempty"`
	OriginPeers []string  `json:"origin_peers,omitempty"`
	MergedFrom  []string  `json:"merged_from,omitempty"`
	Merged      bool      `json:"merged,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitzero"`
	UpdatedAt   time.Time `json:"updated_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
	Reason      string    `json:"reason,omitempty"`
}

// Variant is one peer's wording of a federated priority.
type Variant struct {
	Peer              string    `json:"peer"`
	Text              string    `json:"text"`
	EntryID           string    `json:"entry_id,omitempty"`
	ReceivedAt        time.Time `json:"received_at,omitzero"`
	SignatureVerified bool      `json:"signature_verified,omitempty"`
}

// FederatedEntry groups peer variants that share canonical text.
type FederatedEntry struct {
	ID               string    `json:"id"`
	Canonical        string    `json:"canonical"`
	Text             string    `json:"text"`
	OriginPeers      []string  `json:"origin_peers"`
	Conflict         bool      `json:"conflict"`
	ConflictIDs      []string  `json:"conflicts,omitempty"`
	Variants         []Variant `json:"variants"`
	Merged           bool      `json:"merged,omitempty"`
	MergedAt         time.Time `json:"merged_at,omitzero"`
	MergedPriorityID string    `json:"merged_priority_id,omitempty"`
}

// ConflictStatus is the resolution state of a conflict.
type ConflictStatus string

const (
	ConflictPending  ConflictStatus = "pending"
	ConflictAccepted ConflictStatus = "accepted"
	ConflictRejected ConflictStatus = "rejected"
	ConflictSeparate ConflictStatus = "separate"
)

// Open reports whether the conflict still needs a decision.
func (s ConflictStatus) Open() bool { return s == ConflictPending || s == ConflictRejected }

// SuggestionStatus is the state of a backend merge suggestion.
type SuggestionStatus string

const (
	SuggestionPending   SuggestionStatus = "pending"
	SuggestionAccepted  SuggestionStatus = "accepted"
	SuggestionRejected  SuggestionStatus = "rejected"
	SuggestionDismissed SuggestionStatus = "dismissed"
	SuggestionFailed    SuggestionStatus = "failed"
)

// Suggestion is the backend's proposed merge for a conflict, or the record
// of a failed attempt.
type Suggestion struct {
	PriorityID     string           `json:"priority_id,omitempty"`
	MergedPriority string           `json:"merged_priority,omitempty"`
	Notes          string           `json:"notes,omitempty"`
	OriginPeers    []string         `json:"origin_peers,omitempty"`
	MergedFrom     []string         `json:"merged_from,omitempty"`
	Status         SuggestionStatus `json:"status"`
	GeneratedAt    time.Time        `json:"generated_at,omitzero"`
	AttemptedAt    time.Time        `json:"attempted_at,omitzero"`
	DecidedAt      time.Time        `json:"decided_at,omitzero"`
	Path           string           `json:"path,omitempty"`
	Error          string           `json:"error,omitempty"`
	Output         string           `json:"output,omitempty"`
}

// Conflict records near-identical but unequal peer proposals.
type Conflict struct {
	ID         string         `json:"conflict_id"`
	Status     ConflictStatus `json:"status"`
	EntryIDs   []string       `json:"federated_ids"`
	Variants   []Variant      `json:"variants"`
	Similarity float64        `json:"similarity"`
	DetectedAt time.Time      `json:"detected_at"`
	Suggestion *Suggestion    `json:"suggestion,omitempty"`
	ResolvedBy string         `json:"resolved_by,omitempty"`
	ResolvedAt time.Time      `json:"resolved_at,omitzero"`
	Reason     string         `json:"reason,omitempty"`
}

// Peers returns the sorted distinct peers of the conflict's variants.
func (c Conflict) Peers() []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range c.Variants {
		if v.Peer != "" && !seen[v.Peer] {
			seen[v.Peer] = true
			out = append(out, v.Peer)
		}
	}
	slices.Sort(out)
	return out
}

var nonCanonical = regexp.MustCompile(`[^a-z0-9]+`)

// Canonicalize lowercases text and strips everything but ASCII letters and
// digits. Text with nothing left falls back to its trimmed lowercase form.
func Canonicalize(text string) string {
	lower := strings.ToLower(strings.TrimSpace(text))
	if c := nonCanonical.ReplaceAllString(lower, ""); c != "" {
		return c
	}
	return lower
}
