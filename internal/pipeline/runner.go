package pipeline

import (
	"context"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/steveyegge/architect/internal/telemetry"
)

// Stage names a step of the merge pipeline.
type Stage string

const (
	StageCheckout  Stage = "checkout"
	StageBranch    Stage = "branch"
	StageCI        Stage = "ci"
	StageIntegrity Stage = "integrity"
	StageMerge     Stage = "merge"
)

// Status is the overall merge outcome.
type Status string

const (
	StatusMerged  Status = "merged"
	StatusBlocked Status = "blocked"
)

// Config describes the repository and the commands to run.
type Config struct {
	RepoDir    string
	BaseBranch string
	CI         [][]string
	Integrity  []string
}

// Outcome reports how far the pipeline got. Stage, Command, ExitCode and
// Stderr describe the failing step when Status is blocked.
type Outcome struct {
	Status   Status
	Branch   string
	Stage    Stage
	Command  []string
	ExitCode int
	Stderr   string
	Duration time.Duration
}

// Blocked reports whether the pipeline stopped before merging.
func (o Outcome) Blocked() bool { return o.Status == StatusBlocked }

// Runner drives checkout, CI, integrity and merge for a working branch.
type Runner struct {
	exec Executor
	cfg  Config
	log  *zap.SugaredLogger

	duration metric.Float64Histogram
	runs     metric.Int64Counter
}

// NewRunner returns a Runner using exec.
func NewRunner(exec Executor, cfg Config, log *zap.SugaredLogger) *Runner {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	m := telemetry.Meter("github.com/steveyegge/architect/pipeline")
	duration, _ := m.Float64Histogram("architect.pipeline.duration",
		metric.WithDescription("Merge pipeline wall time"),
		metric.WithUnit("ms"),
	)
	runs, _ := m.Int64Counter("architect.pipeline.runs",
		metric.WithDescription("Merge pipeline runs by outcome"),
		metric.WithUnit("{run}"),
	)
	return &Runner{exec: exec, cfg: cfg, log: log, duration: duration, runs: runs}
}

// Configure swaps the pipeline configuration.
func (r *Runner) Configure(cfg Config) { r.cfg = cfg }

// Config returns the active configuration.
func (r *Runner) Config() Config { return r.cfg }

type step struct {
	stage Stage
	argv  []string
}

func (r *Runner) steps(branch string) []step {
	base := r.cfg.BaseBranch
	if base == "" {
		base = "main"
	}
	steps := []step{
		{StageCheckout, []string{"git", "checkout", base}},
		{StageBranch, []string{"git", "checkout", "-B", branch}},
	}
	for _, c := range r.cfg.CI {
		if len(c) > 0 {
			steps = append(steps, step{StageCI, c})
		}
	}
	if len(r.cfg.Integrity) > 0 {
		steps = append(steps, step{StageIntegrity, r.cfg.Integrity})
	}
	return append(steps,
		step{StageMerge, []string{"git", "checkout", base}},
		step{StageMerge, []string{"git", "merge", "--no-ff", branch}},
	)
}

// Merge runs the pipeline for branch. The first failing step stops it and
// the outcome is blocked; it never returns an error.
func (r *Runner) Merge(ctx context.Context, branch string) Outcome {
	start := time.Now()
	ctx, span := telemetry.Tracer("github.com/steveyegge/architect/pipeline").Start(ctx, "pipeline.merge")
	span.SetAttributes(attribute.String("architect.branch", branch))
	defer span.End()

	out := Outcome{Status: StatusMerged, Branch: branch}
	for _, s := range r.steps(branch) {
		res, err := r.exec.Run(ctx, r.cfg.RepoDir, s.argv)
		if err == nil && res.ExitCode == 0 {
			continue
		}
		out.Status = StatusBlocked
		out.Stage = s.stage
		out.Command = slices.Clone(s.argv)
		out.ExitCode = res.ExitCode
		out.Stderr = strings.TrimSpace(res.Stderr)
		if err != nil {
			out.Stderr = err.Error()
		}
		r.log.Warnw("pipeline step failed",
			"branch", branch, "stage", s.stage, "command", strings.Join(s.argv, " "),
			"exit_code", out.ExitCode)
		span.SetStatus(codes.Error, string(s.stage))
		break
	}
	out.Duration = time.Since(start)

	attrs := metric.WithAttributes(attribute.String("status", string(out.Status)))
	r.runs.Add(ctx, 1, attrs)
	r.duration.Record(ctx, float64(out.Duration.Milliseconds()), attrs)
	return out
}
