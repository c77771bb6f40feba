package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/architect/internal/architect"
	"github.com/steveyegge/architect/internal/config"
	"github.com/steveyegge/architect/internal/eventbus"
	"github.com/steveyegge/architect/internal/inbox"
	"github.com/steveyegge/architect/internal/lockfile"
	"github.com/steveyegge/architect/internal/logging"
	"github.com/steveyegge/architect/internal/pipeline"
	"github.com/steveyegge/architect/internal/telemetry"
)

var runTick time.Duration

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon in the foreground",
	Long: `Run the daemon until interrupted. Holds the state directory lock,
ticks the scheduler, reloads the config file on change and consumes pulses
dropped into the inbox.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runDaemon(ctx, paths(), logging.FromEnv(verbose))
	},
}

func init() {
	runCmd.Flags().DurationVar(&runTick, "tick", 30*time.Second, "How often the scheduler is checked")
	rootCmd.AddCommand(runCmd)
}

func runDaemon(ctx context.Context, p architect.Paths, log *zap.SugaredLogger) error {
	defer func() { _ = log.Sync() }()

	lock, err := lockfile.Acquire(p.Lock, lockfile.Info{StateDir: p.StateDir, Version: Version})
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	cfg, warnings, err := config.Load(p.Config)
	if err != nil {
		return err
	}
	for _, msg := range warnings {
		log.Warnw(msg, "path", p.Config)
	}

	if err := telemetry.Init(ctx, "architectd", Version, telemetry.SettingsFromEnv()); err != nil {
		log.Warnw("telemetry disabled", "error", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			log.Warnw("telemetry shutdown", "error", err)
		}
	}()

	outbound := eventbus.New(log.Named("pulses"))
	outbound.Register(eventbus.NewPulseLog(p.Pulses))
	hooks := syncHooks(outbound, nil, cfg.PulseHooks)

	d, err := architect.New(architect.Deps{
		Config:    cfg,
		Paths:     p,
		Executor:  pipeline.OSExecutor{},
		Publisher: outbound,
		Log:       log,
	})
	if err != nil {
		return err
	}

	inbound := eventbus.New(log.Named("inbox"))
	inbound.Register(d.Handler())

	d.Start(ctx)
	log.Infow("architectd started", "state_dir", p.StateDir, "mode", cfg.Mode, "active", d.Active(), "pid", os.Getpid())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return tickLoop(gctx, d, runTick, log)
	})
	g.Go(func() error {
		w := config.NewWatcher(p.Config, log.Named("config"), func(next config.Config) {
			changes := d.ApplyConfig(gctx, next)
			hooks = syncHooks(outbound, hooks, next.PulseHooks)
			if len(changes) > 0 {
				log.Infow("config reloaded", "changed", config.ChangedKeys(changes))
			}
		})
		return w.Run(gctx)
	})
	g.Go(func() error {
		return inbox.NewConsumer(p.Inbox, inbound, log.Named("inbox")).Run(gctx)
	})

	err = g.Wait()
	log.Infow("architectd stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func tickLoop(ctx context.Context, d *architect.Daemon, every time.Duration, log *zap.SugaredLogger) error {
	if every <= 0 {
		return fmt.Errorf("tick interval must be positive, got %s", every)
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		if req, ok := d.Tick(ctx); ok {
			log.Infow("cycle started", "architect_id", req.ID, "mode", req.Mode, "cycle", req.CycleNumber)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// syncHooks replaces the external pulse handlers on bus and returns the ids
// now registered.
func syncHooks(bus *eventbus.Bus, registered []string, hooks []eventbus.ExternalHandlerConfig) []string {
	for _, id := range registered {
		bus.Unregister(id)
	}
	ids := make([]string, 0, len(hooks))
	for _, h := range hooks {
		if h.ID == "" || len(h.Command) == 0 {
			continue
		}
		bus.Register(eventbus.NewExternalHandler(h))
		ids = append(ids, h.ID)
	}
	return ids
}
