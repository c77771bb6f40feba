package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/steveyegge/architect/internal/audit"
	"github.com/steveyegge/architect/internal/backlog"
	"github.com/steveyegge/architect/internal/eventbus"
	"github.com/steveyegge/architect/internal/pipeline"
	"github.com/steveyegge/architect/internal/utils"
)

const (
	contextLimit     = 25
	ledgerExcerpt    = 10
	branchTokenLimit = 40
	idLayout         = "20060102_150405"
)

// ErrUnknownRequest is returned when no live request has the given id.
var ErrUnknownRequest = errors.New("unknown request")

// Merger runs the branch/CI/integrity/merge pipeline.
type Merger interface {
	Merge(ctx context.Context, branch string) pipeline.Outcome
}

// Ledger supplies the recent audit excerpt embedded in prompts.
type Ledger interface {
	Tail(n int) ([]audit.Entry, error)
}

// Options are the config-driven knobs of the Manager.
type Options struct {
	MaxIterations int
	Autonomy      bool
}

// Spec describes a request to create.
type Spec struct {
	Mode         Mode
	Reason       string
	Details      map[string]any
	Context      []map[string]any
	PriorityID   string
	PriorityText string
	CycleID      string
	CycleNumber  int
	// History lines are listed in reflection prompts.
	History []string
}

// Completion is the result of a success signal.
type Completion struct {
	Request Request
	Outcome pipeline.Outcome
}

// Merged reports whether the pipeline merged the working branch.
func (c Completion) Merged() bool { return c.Outcome.Status == pipeline.StatusMerged }

type prefixEntry struct {
	prefix string
	id     string
}

// Manager owns the live requests. It is not safe for concurrent use; the
// daemon serializes access.
type Manager struct {
	writer PromptWriter
	merger Merger
	ledger Ledger
	emit   eventbus.Emitter
	opts   Options
	log    *zap.SugaredLogger

	requests map[string]*Request
	order    []string
	prefixes []prefixEntry
	context  []map[string]any

	now func() time.Time
}

// NewManager returns a Manager. ledger may be nil.
func NewManager(writer PromptWriter, merger Merger, ledger Ledger, emit eventbus.Emitter, opts Options, log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	m := &Manager{
		writer:   writer,
		merger:   merger,
		ledger:   ledger,
		emit:     emit,
		log:      log,
		requests: map[string]*Request{},
		now:      time.Now,
	}
	m.Configure(opts)
	return m
}

// Configure applies new options. Live requests keep their iteration cap.
func (m *Manager) Configure(opts Options) {
	opts.MaxIterations = max(1, opts.MaxIterations)
	m.opts = opts
}

// Options returns the active options.
func (m *Manager) Options() Options { return m.opts }

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Observe records an inbound pulse as prompt context.
func (m *Manager) Observe(env *eventbus.Envelope) {
	if env == nil {
		return
	}
	entry := map[string]any{
		"timestamp":  env.Timestamp,
		"source":     env.SourceDaemon,
		"event_type": string(env.EventType),
		"priority":   string(env.Priority),
	}
	if len(env.Payload) > 0 {
		entry["payload"] = env.Payload
	}
	m.context = append(m.context, entry)
	if n := len(m.context); n > contextLimit {
		m.context = slices.Clone(m.context[n-contextLimit:])
	}
}

// Create builds and writes the prompt for spec, registers its correlation
// prefix and reports the request. Nothing is registered if the prompt
// cannot be written.
func (m *Manager) Create(ctx context.Context, spec Spec) (Request, error) {
	mode, err := ParseMode(string(spec.Mode))
	if err != nil {
		return Request{}, err
	}
	details := maps.Clone(spec.Details)
	if details == nil {
		details = map[string]any{}
	}
	key := map[Mode]string{ModeExpand: "description", ModeRepair: "trigger", ModeReflect: "topic"}[mode]
	if _, ok := details[key]; !ok {
		details[key] = spec.Reason
	}
	if spec.PriorityID != "" {
		details["priority_id"] = spec.PriorityID
		details["priority_text"] = spec.PriorityText
	}

	r := &Request{
		ID:            m.newID(),
		Mode:          mode,
		Reason:        spec.Reason,
		CreatedAt:     m.now().UTC(),
		MaxIterations: m.opts.MaxIterations,
		Status:        StatusSubmitted,
		PriorityID:    spec.PriorityID,
		PriorityText:  spec.PriorityText,
		CycleID:       spec.CycleID,
		CycleNumber:   spec.CycleNumber,
		Details:       details,
		context:       m.gatherContext(spec.Context),
		history:       slices.Clone(spec.History),
	}
	r.machine = newMachine(r)
	if err := m.writePrompt(r); err != nil {
		return Request{}, fmt.Errorf("write prompt for %s: %w", r.ID, err)
	}
	m.requests[r.ID] = r
	m.order = append(m.order, r.ID)

	m.emit.Emit(ctx, eventbus.EventRequest, eventbus.PriorityInfo, map[string]any{
		"architect_id":   r.ID,
		"mode":           string(r.Mode),
		"reason":         r.Reason,
		"prompt":         r.PromptPath,
		"iterations":     r.Iterations,
		"max_iterations": r.MaxIterations,
	})
	m.promptEvent(ctx, r, eventbus.EventPromptSuggested, eventbus.PriorityInfo)
	if m.opts.Autonomy {
		m.promptEvent(ctx, r, eventbus.EventPromptSubmitted, eventbus.PriorityInfo)
		m.emit.Emit(ctx, eventbus.EventCodexRequest, eventbus.PriorityInfo, map[string]any{
			"architect_id": r.ID,
			"mode":         string(r.Mode),
			"reason":       r.Reason,
			"iterations":   r.Iterations,
			"prompt":       r.PromptPath,
			"codex_prefix": r.Prefix,
		})
	} else {
		m.promptEvent(ctx, r, eventbus.EventPromptPending, eventbus.PriorityWarning)
	}
	m.log.Infow("request created", "architect_id", r.ID, "mode", r.Mode, "prefix", r.Prefix)
	return r.snapshot(), nil
}

func (m *Manager) newID() string {
	base := "architect_" + m.now().UTC().Format(idLayout)
	id := base
	for n := 1; m.requests[id] != nil; n++ {
		id = fmt.Sprintf("%s_%d", base, n)
	}
	return id
}

func (m *Manager) gatherContext(extra []map[string]any) []map[string]any {
	out := slices.Clone(m.context)
	out = append(out, extra...)
	if n := len(out); n > contextLimit {
		out = out[n-contextLimit:]
	}
	return out
}

func (m *Manager) ledgerTail() []audit.Entry {
	if m.ledger == nil {
		return nil
	}
	entries, err := m.ledger.Tail(ledgerExcerpt)
	if err != nil {
		m.log.Debugw("ledger excerpt unavailable", "error", err)
		return nil
	}
	return entries
}

func (m *Manager) writePrompt(r *Request) error {
	stem := r.ID
	if r.Iterations > 0 {
		stem = fmt.Sprintf("%s_iter%02d", stem, r.Iterations)
	}
	ledger := m.ledgerTail()
	prompt := buildPrompt(r, r.context, ledger, r.history)
	meta := map[string]any{
		"architect_id":    r.ID,
		"mode":            string(r.Mode),
		"reason":          r.Reason,
		"iterations":      r.Iterations,
		"max_iterations":  r.MaxIterations,
		"status":          string(r.Status),
		"created_at":      r.CreatedAt.Format(time.RFC3339),
		"details":         r.Details,
		"last_error":      r.LastError,
		"context":         r.context,
		"ledger_snapshot": ledger,
	}
	if r.CycleNumber > 0 {
		meta["cycle_number"] = r.CycleNumber
	}
	if r.CycleID != "" {
		meta["cycle_id"] = r.CycleID
	}
	if r.Mode == ModeReflect {
		meta["cycle_history"] = r.history
	}
	promptPath, metaPath, err := m.writer.WritePrompt(r.Mode, stem, prompt, meta)
	if err != nil {
		return err
	}
	r.PromptPath = promptPath
	r.MetadataPath = metaPath
	r.Prefix = fmt.Sprintf("%s_%s_", r.Mode, utils.SanitizeName(stemOf(promptPath)))
	m.prefixes = append(m.prefixes, prefixEntry{prefix: r.Prefix, id: r.ID})
	return nil
}

func (m *Manager) promptEvent(ctx context.Context, r *Request, event eventbus.EventType, priority eventbus.Priority) {
	state := strings.TrimPrefix(string(event), "architect_prompt_")
	fields := map[string]any{
		"architect_id": r.ID,
		"mode":         string(r.Mode),
		"reason":       r.Reason,
		"prompt":       r.PromptPath,
		"codex_prefix": r.Prefix,
		"iterations":   r.Iterations,
		"autonomy":     m.opts.Autonomy,
		"status":       state,
	}
	if event == eventbus.EventPromptPending {
		fields["requires_approval"] = true
	}
	m.emit.Emit(ctx, event, priority, fields)
}

// Get returns a live request.
func (m *Manager) Get(id string) (Request, bool) {
	r, ok := m.requests[id]
	if !ok {
		return Request{}, false
	}
	return r.snapshot(), true
}

// Live returns the live requests in creation order.
func (m *Manager) Live() []Request {
	out := make([]Request, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.requests[id].snapshot())
	}
	return out
}

// HasActive reports whether any request is still in flight.
func (m *Manager) HasActive() bool { return len(m.order) > 0 }

// Match returns the first live request whose correlation prefix starts
// token, in registration order.
func (m *Manager) Match(token string) (Request, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Request{}, false
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(token, p.prefix) {
			return m.requests[p.id].snapshot(), true
		}
	}
	return Request{}, false
}

// MatchRepair returns the oldest live repair request.
func (m *Manager) MatchRepair() (Request, bool) {
	for _, id := range m.order {
		if r := m.requests[id]; r.Mode == ModeRepair {
			return r.snapshot(), true
		}
	}
	return Request{}, false
}

func (m *Manager) lookup(id string) (*Request, error) {
	r, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	return r, nil
}

func (m *Manager) retire(id string) {
	m.prefixes = slices.DeleteFunc(m.prefixes, func(p prefixEntry) bool { return p.id == id })
}

func (m *Manager) finish(id string) {
	m.retire(id)
	delete(m.requests, id)
	m.order = slices.DeleteFunc(m.order, func(x string) bool { return x == id })
}

// Complete finalizes a request after a success signal. Expand and repair
// requests run the merge pipeline first; a blocked pipeline still completes
// the request and is reported through the merge status.
func (m *Manager) Complete(ctx context.Context, id string, sig eventbus.LedgerSignal) (Completion, error) {
	r, err := m.lookup(id)
	if err != nil {
		return Completion{}, err
	}
	if len(sig.FilesChanged) > 0 {
		r.Files = slices.Clone(sig.FilesChanged)
	}
	if r.Mode == ModeReflect {
		if err := r.fire(ctx, eventComplete); err != nil {
			return Completion{}, err
		}
		m.finish(id)
		return Completion{Request: r.snapshot()}, nil
	}

	r.Branch = m.branchName(r)
	outcome := m.merger.Merge(ctx, r.Branch)
	m.reportOutcome(ctx, r, outcome)
	if err := r.fire(ctx, eventComplete); err != nil {
		return Completion{}, err
	}
	files := r.Files
	if files == nil {
		files = []string{}
	}
	m.emit.Emit(ctx, eventbus.EventSuccess, eventbus.PriorityInfo, map[string]any{
		"architect_id":  r.ID,
		"mode":          string(r.Mode),
		"request_id":    sig.RequestID,
		"files_changed": files,
		"iterations":    r.Iterations,
		"merge_status":  string(outcome.Status),
		"branch":        r.Branch,
	})
	m.finish(id)
	return Completion{Request: r.snapshot(), Outcome: outcome}, nil
}

var branchToken = regexp.MustCompile(`^[a-z0-9]+$`)

func (m *Manager) branchName(r *Request) string {
	token := backlog.Canonicalize(r.PriorityText)
	if !branchToken.MatchString(token) {
		token = string(r.Mode)
	}
	if len(token) > branchTokenLimit {
		token = token[:branchTokenLimit]
	}
	return fmt.Sprintf("architect/%s_%s", token, m.now().UTC().Format(idLayout))
}

func (m *Manager) reportOutcome(ctx context.Context, r *Request, o pipeline.Outcome) {
	if !o.Blocked() {
		m.emit.Emit(ctx, eventbus.EventMerge, eventbus.PriorityInfo, map[string]any{
			"architect_id": r.ID,
			"branch":       o.Branch,
			"mode":         string(r.Mode),
		})
		return
	}
	base := map[string]any{
		"architect_id": r.ID,
		"branch":       o.Branch,
		"returncode":   o.ExitCode,
	}
	switch o.Stage {
	case pipeline.StageCheckout, pipeline.StageBranch:
		base["reason"] = "checkout_base_failed"
		if o.Stage == pipeline.StageBranch {
			base["reason"] = "create_branch_failed"
		}
		m.emit.Emit(ctx, eventbus.EventBranchFailed, eventbus.PriorityWarning, base)
	case pipeline.StageCI:
		base["command"] = o.Command
		base["stderr"] = o.Stderr
		m.emit.Emit(ctx, eventbus.EventCIFailed, eventbus.PriorityWarning, base)
	case pipeline.StageIntegrity:
		base["command"] = o.Command
		base["stderr"] = o.Stderr
		m.emit.Emit(ctx, eventbus.EventImmutabilityFailed, eventbus.PriorityWarning, base)
	default:
		base["stderr"] = o.Stderr
		m.emit.Emit(ctx, eventbus.EventMergeFailed, eventbus.PriorityWarning, base)
	}
}

// Reject handles a rejection signal. The iteration count goes up; at the cap
// the request fails and leaves the live set, otherwise its prefix is retired
// and a fresh prompt is written. exhausted reports the terminal case.
func (m *Manager) Reject(ctx context.Context, id, reason string) (req Request, exhausted bool, err error) {
	r, err := m.lookup(id)
	if err != nil {
		return Request{}, false, err
	}
	r.LastError = reason
	r.Iterations++
	if r.Iterations >= r.MaxIterations {
		return m.fail(ctx, r, reason), true, nil
	}
	if err := r.fire(ctx, eventRetry); err != nil {
		return Request{}, false, err
	}
	m.emit.Emit(ctx, eventbus.EventRetry, eventbus.PriorityWarning, map[string]any{
		"architect_id":   r.ID,
		"mode":           string(r.Mode),
		"reason":         reason,
		"next_iteration": r.Iterations,
	})
	m.retire(id)
	if err := m.writePrompt(r); err != nil {
		m.log.Warnw("retry prompt not written", "architect_id", id, "error", err)
		return m.fail(ctx, r, "prompt_write_failed"), true, nil
	}
	return r.snapshot(), false, nil
}

func (m *Manager) fail(ctx context.Context, r *Request, reason string) Request {
	if err := r.fire(ctx, eventFail); err != nil {
		m.log.Warnw("request fail transition refused", "architect_id", r.ID, "error", err)
		r.Status = StatusFailed
	}
	if reason == "" {
		reason = "max_iterations"
	}
	m.emit.Emit(ctx, eventbus.EventFailure, eventbus.PriorityWarning, map[string]any{
		"architect_id": r.ID,
		"mode":         string(r.Mode),
		"reason":       reason,
		"iterations":   r.Iterations,
	})
	m.finish(r.ID)
	return r.snapshot()
}

// AwaitApproval parks a request until the governance layer signs off. The
// correlation prefix stays live so the later success signal still matches.
func (m *Manager) AwaitApproval(ctx context.Context, id string, sig eventbus.LedgerSignal) (Request, error) {
	r, err := m.lookup(id)
	if err != nil {
		return Request{}, err
	}
	if err := r.fire(ctx, eventAwait); err != nil {
		return Request{}, err
	}
	r.PatchID = sig.PatchID
	r.Files = slices.Clone(sig.FilesChanged)
	files := r.Files
	if files == nil {
		files = []string{}
	}
	m.emit.Emit(ctx, eventbus.EventVeilRequest, eventbus.PriorityWarning, map[string]any{
		"architect_id":  r.ID,
		"mode":          string(r.Mode),
		"request_id":    r.PatchID,
		"reason":        r.Reason,
		"files_changed": files,
		"iterations":    r.Iterations,
	})
	m.promptEvent(ctx, r, eventbus.EventPromptPending, eventbus.PriorityWarning)
	return r.snapshot(), nil
}

// Fail ends a request without retrying, e.g. after unusable reflection
// output. The caller reports the failure.
func (m *Manager) Fail(ctx context.Context, id, reason string) (Request, error) {
	r, err := m.lookup(id)
	if err != nil {
		return Request{}, err
	}
	r.LastError = reason
	if err := r.fire(ctx, eventFail); err != nil {
		return Request{}, err
	}
	m.finish(id)
	return r.snapshot(), nil
}
