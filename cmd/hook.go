package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/popkit/internal/bus"
	"github.com/nextlevelbuilder/popkit/internal/checkpoint"
	"github.com/nextlevelbuilder/popkit/internal/config"
	"github.com/nextlevelbuilder/popkit/internal/embedding"
	"github.com/nextlevelbuilder/popkit/internal/gates"
	"github.com/nextlevelbuilder/popkit/internal/heartbeat"
	"github.com/nextlevelbuilder/popkit/internal/hooks"
	"github.com/nextlevelbuilder/popkit/internal/retention"
)

// hookCmd wires `popkit hook <event>`, the executable the host invokes
// for every lifecycle event. It reads one JSON object from stdin and
// writes one to stdout; exit code is 0 in every post-parse case.
func hookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "hook {pre-tool-use|post-tool-use|session-start|stop}",
		Short:     "Run one hook event (stdin JSON in, stdout JSON out)",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"pre-tool-use", "post-tool-use", "session-start", "stop"},
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runHook(eventForArg(args[0])))
		},
	}
	return cmd
}

func eventForArg(arg string) string {
	switch arg {
	case "pre-tool-use":
		return hooks.EventPreToolUse
	case "post-tool-use":
		return hooks.EventPostToolUse
	case "session-start":
		return hooks.EventSessionStart
	default:
		return hooks.EventStop
	}
}

func runHook(event string) int {
	cfg, err := loadConfig()
	if err != nil {
		slog.Warn("config load failed, using defaults", "error", err)
		cfg = config.Default()
	}

	// Stdin is read once; the session id and workdir are peeked out of
	// it to open per-session state, then the same bytes feed the runtime.
	input, _ := io.ReadAll(os.Stdin)
	sessionID, workdir := peekInput(input)
	if workdir == "" {
		workdir, _ = os.Getwd()
	}
	if !filepath.IsAbs(cfg.StateDir) {
		cfg.StateDir = filepath.Join(workdir, cfg.StateDir)
	}

	registry := buildHooks(cfg, workdir, sessionID)
	return hooks.NewRuntime(registry).Run(context.Background(), event, bytes.NewReader(input), os.Stdout)
}

func peekInput(data []byte) (sessionID, workdir string) {
	var probe struct {
		SessionID        string `json:"session_id"`
		WorkingDirectory string `json:"working_directory"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "unknown", ""
	}
	if probe.SessionID == "" {
		probe.SessionID = "unknown"
	}
	return probe.SessionID, probe.WorkingDirectory
}

// buildHooks assembles the per-event handlers with whatever components
// the environment supports; any constructor failure just disables that
// component, and a degraded hook still answers the host.
func buildHooks(cfg *config.Config, workdir, sessionID string) map[string]hooks.Hook {
	popkitDir := cfg.PopkitDir()

	engine, err := gates.NewEngine(workdir, cfg.StateDir)
	if err != nil {
		slog.Warn("gate engine unavailable", "error", err)
	}

	var tracker *retention.Tracker
	if sessionID != "" {
		tracker, err = retention.NewTracker(popkitDir, sessionID, cfg.Retention.TierOverrides)
		if err != nil {
			slog.Warn("retention tracker unavailable", "error", err)
		}
	}

	monitor := heartbeat.NewMonitor(cfg.HeartbeatsDir())
	git := checkpoint.ExecGitReader{Dir: workdir}
	checkpoints := checkpoint.NewManager(popkitDir, cfg.Checkpoints.MaxEntries, cfg.Checkpoints.RetentionDays, git)

	var index *embedding.Store
	if err := os.MkdirAll(cfg.BrainDir(), 0755); err == nil {
		if index, err = embedding.Open(cfg.IndexDBPath()); err != nil {
			slog.Warn("embedding index unavailable", "error", err)
			index = nil
		}
	}
	embedder := embedding.NewClient(cfg.Embedding)

	var sessionBus bus.Bus
	if fb, err := bus.NewFileBus(filepath.Join(popkitDir, "bus")); err == nil {
		sessionBus = fb
	}

	return map[string]hooks.Hook{
		hooks.EventPreToolUse: hooks.NewPreToolUse(),
		hooks.EventPostToolUse: &hooks.PostToolUse{
			Tracker:         tracker,
			Gates:           engine,
			Monitor:         monitor,
			Bus:             sessionBus,
			Checkpoints:     checkpoints,
			Git:             git,
			CheckinInterval: cfg.Coordinator.CheckinInterval,
		},
		hooks.EventSessionStart: &hooks.SessionStart{
			StateDir:    cfg.StateDir,
			Gates:       engine,
			Checkpoints: checkpoints,
			Index:       index,
			Embedder:    embedder,
		},
		hooks.EventStop: &hooks.Stop{
			Tracker: tracker,
			Bus:     sessionBus,
		},
	}
}
