// Package architect is the orchestrator: it owns the scheduler, the live
// requests, the backlog, federation and cycle bookkeeping, and is the single
// writer for all of them. Every exported method takes the daemon lock.
package architect

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/steveyegge/architect/internal/audit"
	"github.com/steveyegge/architect/internal/backend"
	"github.com/steveyegge/architect/internal/backlog"
	"github.com/steveyegge/architect/internal/config"
	"github.com/steveyegge/architect/internal/cycle"
	"github.com/steveyegge/architect/internal/eventbus"
	"github.com/steveyegge/architect/internal/federation"
	"github.com/steveyegge/architect/internal/lifecycle"
	"github.com/steveyegge/architect/internal/pipeline"
	"github.com/steveyegge/architect/internal/scheduler"
	"github.com/steveyegge/architect/internal/session"
	"github.com/steveyegge/architect/internal/telemetry"
	"github.com/steveyegge/architect/internal/trajectory"
)

// SourceName is stamped on every audit entry and published envelope.
const SourceName = "ArchitectDaemon"

// ErrInactive is returned for requests made before first boot completes.
var ErrInactive = errors.New("architect is inactive until first boot completes")

// Paths are the files and directories under the state directory.
type Paths struct {
	StateDir    string
	Config      string
	Requests    string
	Reflections string
	Backlog     string
	Peers       string
	Resolutions string
	Cycles      string
	Trajectory  string
	Session     string
	Ledger      string
	Pulses      string
	Lock        string
	Inbox       string
	Completion  string
}

// DefaultPaths lays out the state directory.
func DefaultPaths(stateDir string) Paths {
	join := func(name string) string { return filepath.Join(stateDir, name) }
	return Paths{
		StateDir:    stateDir,
		Config:      join("architect.yaml"),
		Requests:    join("requests"),
		Reflections: join("reflections"),
		Backlog:     join("backlog.json"),
		Peers:       join("peer_backlogs"),
		Resolutions: join("resolutions"),
		Cycles:      join("cycles"),
		Trajectory:  join("trajectory"),
		Session:     join(session.FileName),
		Ledger:      join(audit.FileName),
		Pulses:      join("pulses.jsonl"),
		Lock:        join("architect.lock"),
		Inbox:       join("inbox"),
		Completion:  join("first_boot_complete"),
	}
}

// Publisher delivers outbound envelopes, typically an eventbus.Bus.
type Publisher interface {
	Dispatch(ctx context.Context, env *eventbus.Envelope) (*eventbus.Result, error)
}

// BackendFactory builds the conflict-resolution backend for a config.
type BackendFactory func(cfg config.Config, exec pipeline.Executor) (backend.Backend, error)

// NewBackend is the default BackendFactory.
func NewBackend(cfg config.Config, exec pipeline.Executor) (backend.Backend, error) {
	if cfg.Backend == config.BackendAnthropic {
		a, err := backend.NewAnthropic("", cfg.AnthropicModel)
		if err != nil {
			return nil, err
		}
		return a, nil
	}
	return backend.NewCommand(exec, cfg.BackendCommand, cfg.RepoDir), nil
}

// Deps wires a Daemon. Zero values pick production defaults.
type Deps struct {
	Config    config.Config
	Paths     Paths
	Executor  pipeline.Executor
	Backend   BackendFactory
	Publisher Publisher
	Log       *zap.SugaredLogger
	Now       func() time.Time
	// Uniform draws scheduler jitter in [0, 1).
	Uniform    func() float64
	Thresholds trajectory.Thresholds
}

type metrics struct {
	cycles    metric.Int64Counter
	requests  metric.Int64Counter
	conflicts metric.Int64Counter
	runs      metric.Int64Counter
}

func newMetrics() *metrics {
	m := telemetry.Meter("github.com/steveyegge/architect/architect")
	out := &metrics{}
	out.cycles, _ = m.Int64Counter("architect.cycles",
		metric.WithDescription("Orchestration cycles started"),
		metric.WithUnit("{cycle}"),
	)
	out.requests, _ = m.Int64Counter("architect.requests",
		metric.WithDescription("Requests created, by mode"),
		metric.WithUnit("{request}"),
	)
	out.conflicts, _ = m.Int64Counter("architect.conflicts",
		metric.WithDescription("Federation conflicts touched, by status"),
		metric.WithUnit("{conflict}"),
	)
	out.runs, _ = m.Int64Counter("architect.runs",
		metric.WithDescription("Finished runs, by outcome"),
		metric.WithUnit("{run}"),
	)
	return out
}

// Daemon is the orchestrator.
type Daemon struct {
	mu sync.Mutex

	cfg        config.Config
	paths      Paths
	log        *zap.SugaredLogger
	now        func() time.Time
	thresholds trajectory.Thresholds

	audit     *audit.Log
	publisher Publisher
	signer    eventbus.Signer
	verifier  eventbus.Verifier
	exec      pipeline.Executor
	backends  BackendFactory

	sched    *scheduler.Scheduler
	store    *backlog.Store
	fed      *federation.Engine
	runner   *pipeline.Runner
	requests *lifecycle.Manager
	recorder *cycle.Recorder
	sessions *session.Store
	sess     session.Session
	metrics  *metrics

	active            bool
	activationEmitted bool

	// cycleRequest is the request that opened the current cycle.
	cycleRequest string
	cycleNumber  int
}

// New builds a daemon from deps, loading the backlog and session from disk.
func New(deps Deps) (*Daemon, error) {
	if deps.Paths.StateDir == "" {
		return nil, errors.New("architect: state dir is required")
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	exec := deps.Executor
	if exec == nil {
		exec = pipeline.OSExecutor{}
	}
	backends := deps.Backend
	if backends == nil {
		backends = NewBackend
	}
	thresholds := deps.Thresholds
	if thresholds == (trajectory.Thresholds{}) {
		thresholds = trajectory.DefaultThresholds()
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = eventbus.New(log)
	}

	for _, dir := range []string{deps.Paths.StateDir, deps.Paths.Requests, deps.Paths.Reflections,
		deps.Paths.Peers, deps.Paths.Resolutions, deps.Paths.Cycles, deps.Paths.Trajectory} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	store, err := backlog.Open(deps.Paths.Backlog)
	if err != nil {
		log.Warnw("backlog unreadable, starting empty", "path", deps.Paths.Backlog, "error", err)
	}
	store.SetClock(now)

	d := &Daemon{
		cfg:        deps.Config,
		paths:      deps.Paths,
		log:        log,
		now:        now,
		thresholds: thresholds,
		audit:      audit.New(deps.Paths.Ledger, SourceName),
		publisher:  publisher,
		exec:       exec,
		backends:   backends,
		store:      store,
		sessions:   session.NewStore(deps.Paths.Session),
		metrics:    newMetrics(),
	}
	d.audit.SetClock(now)

	sess, err := d.sessions.Load()
	if err != nil {
		log.Warnw("session unreadable, starting fresh", "path", deps.Paths.Session, "error", err)
	}
	d.sess = sess

	emitter := daemonEmitter{d}
	d.sched = scheduler.New(schedulerSettings(d.cfg), deps.Uniform)
	d.sched.Restore(sess.Scheduler)
	d.runner = pipeline.NewRunner(exec, pipelineConfig(d.cfg), log.Named("pipeline"))
	d.requests = lifecycle.NewManager(
		lifecycle.DirWriter{RequestDir: d.paths.Requests, ReflectionDir: d.paths.Reflections},
		d.runner, d.audit, emitter,
		lifecycle.Options{MaxIterations: d.cfg.MaxIterations, Autonomy: d.cfg.AutonomyEnabled},
		log.Named("lifecycle"),
	)
	d.requests.SetClock(now)
	d.recorder = cycle.NewRecorder(d.paths.Cycles, emitter, log.Named("cycle"))
	d.recorder.SetConflictSource(store.Conflict)

	d.configureSigning()
	d.fed = federation.New(store, emitter, d.buildBackend(), d.verifier, d.federationOptions(), log.Named("federation"))
	d.fed.SetClock(now)
	d.fed.OnConflictTouched(d.conflictTouched)
	d.applyOverrides()
	return d, nil
}

func (d *Daemon) conflictTouched(id string, status backlog.ConflictStatus) {
	d.recorder.AddConflict(id)
	d.metrics.conflicts.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", string(status))))
}

func schedulerSettings(cfg config.Config) scheduler.Settings {
	return scheduler.Settings{
		Interval:         cfg.Interval,
		Jitter:           cfg.Jitter,
		CooldownPeriod:   cfg.CooldownPeriod,
		MaxFailures:      cfg.MaxFailures,
		AnomalyThreshold: cfg.AnomalyThreshold,
	}
}

func pipelineConfig(cfg config.Config) pipeline.Config {
	return pipeline.Config{
		RepoDir:    cfg.RepoDir,
		BaseBranch: cfg.BaseBranch,
		CI:         cfg.CICommands,
		Integrity:  cfg.IntegrityCommand,
	}
}

func (d *Daemon) federationOptions() federation.Options {
	return federation.Options{
		PeerName:             d.cfg.PeerName,
		FederatePriorities:   d.cfg.FederatePriorities,
		ResolutionsPerMinute: d.cfg.ResolutionRate,
		PeerDir:              d.paths.Peers,
		ResolutionDir:        d.paths.Resolutions,
	}
}

func (d *Daemon) configureSigning() {
	if d.cfg.FederationSecret == "" {
		d.signer = eventbus.AllowAll{}
		d.verifier = eventbus.AllowAll{}
		return
	}
	s := eventbus.NewHMACSigner(d.cfg.FederationSecret)
	d.signer = s
	d.verifier = s
}

func (d *Daemon) buildBackend() backend.Backend {
	be, err := d.backends(d.cfg, d.exec)
	if err != nil {
		d.log.Warnw("resolution backend unavailable, falling back to command", "backend", d.cfg.Backend, "error", err)
		return backend.NewCommand(d.exec, d.cfg.BackendCommand, d.cfg.RepoDir)
	}
	return be
}

// daemonEmitter lets components report through the daemon without taking
// the lock; they are only ever called while it is held.
type daemonEmitter struct{ d *Daemon }

func (e daemonEmitter) Emit(ctx context.Context, t eventbus.EventType, p eventbus.Priority, fields map[string]any) {
	e.d.emit(ctx, t, p, fields)
}

// emit appends the audit entry and then publishes the pulse. Backlog shares
// carry their peer on the envelope and are signed. Both writes are
// best-effort.
func (d *Daemon) emit(ctx context.Context, t eventbus.EventType, p eventbus.Priority, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	if err := d.audit.Append(string(t), fields); err != nil {
		d.log.Warnw("audit append failed", "event", t, "error", err)
	}
	payload := make(map[string]any, len(fields))
	for k, v := range fields {
		payload[k] = v
	}
	env := eventbus.NewEnvelope(d.now(), SourceName, t, p, payload)
	if peer, ok := fields["source_peer"].(string); ok && peer != "" {
		env.SourcePeer = peer
		if err := d.signer.Sign(env); err != nil {
			d.log.Warnw("signing failed", "event", t, "error", err)
		}
	}
	if _, err := d.publisher.Dispatch(ctx, env); err != nil {
		d.log.Warnw("publish failed", "event", t, "error", err)
	}
}

func (d *Daemon) saveSession() {
	d.sess.Scheduler = d.sched.Snapshot()
	d.sess.Activated = d.active
	d.sess.UpdatedAt = d.now().UTC()
	if err := d.sessions.Save(d.sess); err != nil {
		d.log.Warnw("session not saved", "error", err)
	}
}

func (d *Daemon) persistBacklog(ctx context.Context) {
	if err := d.fed.Persist(ctx, true); err != nil {
		d.log.Warnw("backlog not saved", "path", d.store.Path(), "error", err)
	}
}

// Paths returns the daemon's file layout.
func (d *Daemon) Paths() Paths { return d.paths }

// Config returns the active configuration.
func (d *Daemon) Config() config.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Active reports whether first boot has completed.
func (d *Daemon) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Start activates the daemon when the completion marker already exists.
func (d *Daemon) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sess.Activated || fileExists(d.paths.Completion) {
		d.activate(ctx, "startup")
	}
}

// Activate turns the daemon on. It is idempotent; architect_enabled is
// emitted on the first activation only.
func (d *Daemon) Activate(ctx context.Context, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.activate(ctx, reason)
}

func (d *Daemon) activate(ctx context.Context, reason string) {
	wasActive := d.active
	d.active = true
	if d.sess.ActivatedAt.IsZero() {
		d.sess.ActivatedAt = d.now().UTC()
	}
	d.sched.EnsureScheduled(d.now())
	if !d.activationEmitted || !wasActive {
		d.emit(ctx, eventbus.EventEnabled, eventbus.PriorityInfo, map[string]any{
			"reason":  reason,
			"summary": d.configSummary(),
		})
		d.activationEmitted = true
	}
	d.saveSession()
}

func (d *Daemon) configSummary() map[string]any {
	peers := d.cfg.Peers
	if peers == nil {
		peers = []string{}
	}
	return map[string]any{
		"mode":                 string(d.cfg.Mode),
		"interval":             d.cfg.Interval.Seconds(),
		"effective_interval":   d.sched.EffectiveInterval().Seconds(),
		"jitter":               d.cfg.Jitter.Seconds(),
		"max_iterations":       d.cfg.MaxIterations,
		"federation_peer_name": d.cfg.PeerName,
		"federation_peers":     peers,
		"autonomy_enabled":     d.cfg.AutonomyEnabled,
		"throttled":            d.sched.Snapshot().Throttled,
		"federate_reflections": d.cfg.FederateReflections,
		"federate_priorities":  d.cfg.FederatePriorities,
		"trajectory_interval":  d.cfg.TrajectoryInterval,
	}
}

// ApplyConfig installs a reloaded configuration and reports the keys that
// changed.
func (d *Daemon) ApplyConfig(ctx context.Context, cfg config.Config) map[string]config.Change {
	d.mu.Lock()
	defer d.mu.Unlock()
	changes := config.Diff(d.cfg, cfg)
	backendChanged := d.cfg.Backend != cfg.Backend || d.cfg.AnthropicModel != cfg.AnthropicModel ||
		fmt.Sprint(d.cfg.BackendCommand) != fmt.Sprint(cfg.BackendCommand)
	d.cfg = cfg

	d.sched.Configure(schedulerSettings(cfg))
	d.runner.Configure(pipelineConfig(cfg))
	d.requests.Configure(lifecycle.Options{MaxIterations: cfg.MaxIterations, Autonomy: cfg.AutonomyEnabled})
	d.configureSigning()
	d.fed.Configure(d.federationOptions())
	d.fed.SetVerifier(d.verifier)
	if backendChanged {
		d.fed.SetBackend(d.buildBackend())
	}
	d.applyOverrides()

	if len(changes) > 0 {
		d.emit(ctx, eventbus.EventConfigUpdate, eventbus.PriorityInfo, map[string]any{
			"changes": changes,
			"keys":    config.ChangedKeys(changes),
		})
		d.saveSession()
	}
	return changes
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
