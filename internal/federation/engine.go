// Package federation shares the local pending backlog with peers, folds
// peer backlogs into federated entries, detects conflicting near-duplicate
// priorities and drives their resolution.
package federation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/steveyegge/architect/internal/backend"
	"github.com/steveyegge/architect/internal/backlog"
	"github.com/steveyegge/architect/internal/eventbus"
	"github.com/steveyegge/architect/internal/utils"
)

var (
	ErrUnknownConflict  = errors.New("unknown conflict")
	ErrConflictClosed   = errors.New("conflict already resolved")
	ErrNoSuggestion     = errors.New("conflict has no merge suggestion")
	ErrAlreadyMerged    = errors.New("suggestion already merged")
	ErrUnknownEntry     = errors.New("unknown federated entry")
	ErrEntryInConflict  = errors.New("federated entry has an open conflict")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrRateLimited      = errors.New("resolution rate limited")
)

// Options configure an Engine.
type Options struct {
	PeerName           string
	FederatePriorities bool
	Threshold          float64
	// ResolutionsPerMinute caps backend calls; zero or less means unlimited.
	ResolutionsPerMinute float64
	PeerDir              string
	ResolutionDir        string
}

// Engine owns federation state layered on a backlog store. It is not safe
// for concurrent use; the daemon serializes access.
type Engine struct {
	store    *backlog.Store
	emit     eventbus.Emitter
	backend  backend.Backend
	verifier eventbus.Verifier
	limiter  *rate.Limiter
	opts     Options
	log      *zap.SugaredLogger

	peers    map[string]map[string]backlog.Variant
	reported map[string]bool
	shared   map[string]eventbus.BacklogItemRef

	now   func() time.Time
	newID func() string
	touch func(conflictID string, status backlog.ConflictStatus)
}

// New builds an engine over store and hydrates peer state from its
// federated entries.
func New(store *backlog.Store, emit eventbus.Emitter, be backend.Backend, verifier eventbus.Verifier, opts Options, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if verifier == nil {
		verifier = eventbus.AllowAll{}
	}
	e := &Engine{
		store:    store,
		emit:     emit,
		backend:  be,
		verifier: verifier,
		log:      log,
		now:      time.Now,
		newID:    uuid.NewString,
		touch:    func(string, backlog.ConflictStatus) {},
	}
	e.Configure(opts)
	e.hydrate()
	return e
}

// Configure applies new options. The rate limiter is rebuilt only when the
// rate changes.
func (e *Engine) Configure(opts Options) {
	if opts.Threshold <= 0 || opts.Threshold > 1 {
		opts.Threshold = DefaultThreshold
	}
	if e.limiter == nil || opts.ResolutionsPerMinute != e.opts.ResolutionsPerMinute {
		e.limiter = newLimiter(opts.ResolutionsPerMinute)
	}
	e.opts = opts
}

func newLimiter(perMinute float64) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(perMinute/60), max(1, int(math.Ceil(perMinute))))
}

// SetClock replaces the time source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// SetIDSource replaces the id generator.
func (e *Engine) SetIDSource(fn func() string) { e.newID = fn }

// SetBackend swaps the resolution backend.
func (e *Engine) SetBackend(be backend.Backend) { e.backend = be }

// SetVerifier swaps the signature verifier for inbound shares.
func (e *Engine) SetVerifier(v eventbus.Verifier) {
	if v == nil {
		v = eventbus.AllowAll{}
	}
	e.verifier = v
}

// OnConflictTouched registers a callback for every conflict the engine
// reports, resolves or decides.
func (e *Engine) OnConflictTouched(fn func(conflictID string, status backlog.ConflictStatus)) {
	if fn == nil {
		fn = func(string, backlog.ConflictStatus) {}
	}
	e.touch = fn
}

// Options returns the active options.
func (e *Engine) Options() Options { return e.opts }

func (e *Engine) hydrate() {
	e.peers = map[string]map[string]backlog.Variant{}
	for _, entry := range e.store.Federated() {
		for _, v := range entry.Variants {
			if e.peers[v.Peer] == nil {
				e.peers[v.Peer] = map[string]backlog.Variant{}
			}
			e.peers[v.Peer][entry.Canonical] = v
		}
	}
	e.reported = map[string]bool{}
	for _, c := range e.store.Conflicts() {
		if c.Status.Open() {
			e.reported[c.ID] = true
		}
	}
	e.shared = e.store.PendingSnapshot()
}

// Persist saves the backlog and, when share is set, publishes the pending
// diff since the last share.
func (e *Engine) Persist(ctx context.Context, share bool) error {
	err := e.store.Save()
	if share {
		cur := e.store.PendingSnapshot()
		e.Share(ctx, e.shared, cur)
		e.shared = cur
	}
	return err
}

// Share publishes the diff between two pending snapshots tagged with the
// local peer name. Returns false when federation is off or nothing changed.
func (e *Engine) Share(ctx context.Context, prev, cur map[string]eventbus.BacklogItemRef) bool {
	if !e.opts.FederatePriorities {
		return false
	}
	diff := backlog.DiffPending(prev, cur)
	if diff.Empty() {
		return false
	}
	pending := e.store.PendingList()
	if pending == nil {
		pending = []eventbus.BacklogItemRef{}
	}
	e.emit.Emit(ctx, eventbus.EventBacklogShared, eventbus.PriorityInfo, map[string]any{
		"source_peer":   e.localPeer(),
		"diff":          diff,
		"pending":       pending,
		"pending_count": len(pending),
		"updated":       e.store.Updated().Format(time.RFC3339),
	})
	return true
}

func (e *Engine) localPeer() string {
	if e.opts.PeerName != "" {
		return e.opts.PeerName
	}
	return "local"
}

// PeerUpdate is one received diff in a peer's durable record.
type PeerUpdate struct {
	ReceivedAt        time.Time            `json:"received_at"`
	Diff              eventbus.BacklogDiff `json:"diff"`
	PendingCount      int                  `json:"pending_count"`
	SignatureVerified bool                 `json:"signature_verified"`
}

// PeerRecord is the per-peer file under the peer directory.
type PeerRecord struct {
	Peer    string       `json:"peer"`
	Updates []PeerUpdate `json:"updates"`
}

// Receive applies a peer's shared backlog. Envelopes from this node, from
// "local" or without a peer name are ignored.
func (e *Engine) Receive(ctx context.Context, env *eventbus.Envelope) error {
	if !e.opts.FederatePriorities || env == nil {
		return nil
	}
	peer := strings.TrimSpace(env.SourcePeer)
	if peer == "" {
		if p, ok := env.Payload["source_peer"].(string); ok {
			peer = strings.TrimSpace(p)
		}
	}
	if peer == "" || strings.EqualFold(peer, "local") || peer == e.opts.PeerName {
		return nil
	}
	if !e.verifier.Verify(env) {
		e.emit.Emit(ctx, eventbus.EventBacklogInvalid, eventbus.PriorityWarning, map[string]any{
			"peer":   peer,
			"reason": "invalid_signature",
		})
		return fmt.Errorf("%w: peer %s", ErrInvalidSignature, peer)
	}
	decoded, err := eventbus.Decode(env)
	if err != nil {
		return err
	}
	payload := decoded.(eventbus.BacklogSharedPayload)

	receivedAt := e.now().UTC()
	if ts, err := time.Parse(time.RFC3339, env.Timestamp); err == nil {
		receivedAt = ts.UTC()
	}
	entries := map[string]backlog.Variant{}
	for _, text := range payload.PendingTexts() {
		entries[backlog.Canonicalize(text)] = backlog.Variant{
			Peer:              peer,
			Text:              text,
			ReceivedAt:        receivedAt,
			SignatureVerified: true,
		}
	}
	e.peers[peer] = entries

	path, err := e.appendPeerRecord(peer, PeerUpdate{
		ReceivedAt:        receivedAt,
		Diff:              payload.Diff,
		PendingCount:      len(entries),
		SignatureVerified: true,
	})
	if err != nil {
		e.log.Warnw("peer backlog record not written", "peer", peer, "error", err)
	}

	e.Reconcile(ctx)
	if err := e.Persist(ctx, false); err != nil {
		e.log.Warnw("backlog save failed", "error", err)
	}
	e.emit.Emit(ctx, eventbus.EventBacklogReceived, eventbus.PriorityInfo, map[string]any{
		"peer":               peer,
		"added":              len(payload.Diff.Added),
		"removed":            len(payload.Diff.Removed),
		"updated":            len(payload.Diff.Updated),
		"pending_count":      len(entries),
		"signature_verified": true,
		"path":               path,
	})
	return nil
}

func (e *Engine) appendPeerRecord(peer string, update PeerUpdate) (string, error) {
	if e.opts.PeerDir == "" {
		return "", nil
	}
	path := filepath.Join(e.opts.PeerDir, utils.SanitizeName(peer)+".json")
	rec := PeerRecord{Peer: peer}
	if _, err := utils.ReadJSON(path, &rec); err != nil {
		rec = PeerRecord{Peer: peer}
	}
	rec.Peer = peer
	rec.Updates = append(rec.Updates, update)
	return path, utils.WriteJSONAtomic(path, rec)
}

// Peers returns the names of peers with known backlogs, sorted.
func (e *Engine) Peers() []string {
	out := make([]string, 0, len(e.peers))
	for p := range e.peers {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}
