package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/adhocore/gronx"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/popkit/internal/bus"
	"github.com/nextlevelbuilder/popkit/internal/checkpoint"
	"github.com/nextlevelbuilder/popkit/internal/config"
	"github.com/nextlevelbuilder/popkit/internal/coordinator"
	"github.com/nextlevelbuilder/popkit/internal/embedding"
	"github.com/nextlevelbuilder/popkit/internal/gates"
	"github.com/nextlevelbuilder/popkit/internal/heartbeat"
	"github.com/nextlevelbuilder/popkit/internal/knowledge"
	"github.com/nextlevelbuilder/popkit/internal/telemetry"
)

func coordinatorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "coordinator",
		Short: "Run the Power Mode coordinator daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCoordinator()
		},
	}
}

func runCoordinator() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	workdir, _ := os.Getwd()
	if !filepath.IsAbs(cfg.StateDir) {
		cfg.StateDir = filepath.Join(workdir, cfg.StateDir)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed", "error", err)
	}
	defer shutdownTelemetry(context.Background())

	coordBus := openBus(ctx, cfg)
	defer coordBus.Close()

	engine, err := gates.NewEngine(workdir, cfg.StateDir)
	if err != nil {
		slog.Warn("gate engine unavailable", "error", err)
	}
	if engine != nil {
		if removed, err := engine.PrunePatches(); err == nil && removed > 0 {
			slog.Info("pruned stale rollback patches", "removed", removed)
		}
	}

	git := checkpoint.ExecGitReader{Dir: workdir}
	checkpoints := checkpoint.NewManager(cfg.PopkitDir(), cfg.Checkpoints.MaxEntries, cfg.Checkpoints.RetentionDays, git)
	monitor := heartbeat.NewMonitor(cfg.HeartbeatsDir())

	var know *knowledge.Store
	if index, err := embedding.Open(cfg.IndexDBPath()); err == nil {
		know = knowledge.NewStore(index, embedding.NewClient(cfg.Embedding), cfg.BrainDir(), cfg.Knowledge.TypeCap)
		defer index.Close()
	} else {
		slog.Warn("knowledge store unavailable", "error", err)
	}

	coord := coordinator.New(coordinator.Deps{
		Bus:         coordBus,
		Knowledge:   know,
		Gates:       engine,
		Monitor:     monitor,
		Checkpoints: checkpoints,
	}, cfg.Coordinator, cfg.PopkitDir())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Run(gctx) })
	g.Go(func() error { return watchGateConfig(gctx, workdir) })
	g.Go(func() error { return runSweeps(gctx, cfg, checkpoints, engine) })

	slog.Info("coordinator running", "bus", cfg.Bus.Backend, "state", cfg.StateDir)
	return g.Wait()
}

// openBus prefers the configured backend but always has the file bus to
// fall back on: a missing Redis never stops Power Mode.
func openBus(ctx context.Context, cfg *config.Config) bus.Bus {
	busDir := filepath.Join(cfg.PopkitDir(), "bus")
	if cfg.Bus.Backend == "redis" && cfg.Bus.RedisAddr != "" && cfg.CloudEnabled {
		rb, err := bus.NewRedisBus(ctx, cfg.Bus.RedisAddr, cfg.Bus.RedisPassword, cfg.Bus.RedisDB, "popkit")
		if err == nil {
			slog.Info("using redis bus", "addr", cfg.Bus.RedisAddr)
			return rb
		}
		slog.Warn("redis unavailable, falling back to file bus", "error", err)
	}
	fb, err := bus.NewFileBus(busDir)
	if err != nil {
		slog.Error("file bus unavailable", "error", err)
		os.Exit(1)
	}
	return fb
}

// watchGateConfig signals when quality-gates.json changes so operators
// see edits picked up without a restart. The engine itself reloads its
// config on next construction; the daemon logs the change.
func watchGateConfig(ctx context.Context, workdir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("config watcher unavailable", "error", err)
		<-ctx.Done()
		return nil
	}
	defer watcher.Close()

	if err := watcher.Add(workdir); err != nil {
		slog.Warn("config watch failed", "error", err)
		<-ctx.Done()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			base := filepath.Base(ev.Name)
			if (base == gates.ConfigFileName || base == "popkit.json") && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				slog.Info("configuration changed; hook processes read it on their next event", "file", base)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Debug("config watcher error", "error", err)
		}
	}
}

// runSweeps executes retention housekeeping on the configured cron
// schedule: checkpoint expiry and rollback-patch pruning.
func runSweeps(ctx context.Context, cfg *config.Config, checkpoints *checkpoint.Manager, engine *gates.Engine) error {
	schedule := cfg.Retention.SweepSchedule
	if schedule == "" {
		<-ctx.Done()
		return nil
	}
	cron := gronx.New()
	if !cron.IsValid(schedule) {
		slog.Warn("invalid sweep schedule, sweeps disabled", "schedule", schedule)
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			due, err := cron.IsDue(schedule, time.Now())
			if err != nil || !due {
				continue
			}
			if removed, err := checkpoints.Sweep(); err == nil && removed > 0 {
				slog.Info("checkpoint sweep", "removed", removed)
			}
			if engine != nil {
				if removed, err := engine.PrunePatches(); err == nil && removed > 0 {
					slog.Info("patch sweep", "removed", removed)
				}
			}
		}
	}
}
