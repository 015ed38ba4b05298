package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/nextlevelbuilder/popkit/internal/bus"
	"github.com/nextlevelbuilder/popkit/internal/checkpoint"
	"github.com/nextlevelbuilder/popkit/internal/config"
	"github.com/nextlevelbuilder/popkit/internal/gates"
	"github.com/nextlevelbuilder/popkit/internal/heartbeat"
)

func failingGateEngine(t *testing.T) *gates.Engine {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("posix shell required")
	}
	workdir := t.TempDir()
	cfg := `{"gates":[{"name":"always-red","command":"echo 'error: broken' && false","enabled":true,"timeout":10}],
		"options":{"run_tests":true,"fail_fast":true,"timeout_multiplier":1.0}}`
	if err := os.WriteFile(filepath.Join(workdir, gates.ConfigFileName), []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}
	e, err := gates.NewEngine(workdir, filepath.Join(workdir, ".claude"))
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestBarrierHeldByGateFailureUntilDecision(t *testing.T) {
	fb := &fakeBus{}
	c := New(Deps{Bus: fb, Gates: failingGateEngine(t)}, config.Default().Coordinator, t.TempDir())

	deliver(t, c, bus.TypeRegister, "a1", RegisterPayload{AgentID: "a1", SessionID: "s1"})
	deliver(t, c, bus.TypePhaseExit, "a1", PhasePayload{Phase: "implement", Next: "review"})

	// Gate failure broadcast a decision request.
	if n := len(fb.byType(bus.TypeRequest)); n != 1 {
		t.Fatalf("gate_failure requests = %d", n)
	}

	// All acks in, but the gate hold keeps the barrier shut.
	deliver(t, c, bus.TypeSyncOK, "a1", SyncOKPayload{AgentID: "a1", Phase: "implement"})
	if len(fb.byType(bus.TypePhaseEnter)) != 0 {
		t.Fatal("phase entered despite failing gates")
	}

	// A rejection action does not unblock.
	deliver(t, c, bus.TypeResponse, "human", ResponsePayload{Action: "rollback"})
	if len(fb.byType(bus.TypePhaseEnter)) != 0 {
		t.Fatal("non-continue action opened the barrier")
	}

	// continue / fix-resolved does.
	deliver(t, c, bus.TypeResponse, "human", ResponsePayload{Action: "fix-resolved"})
	if len(fb.byType(bus.TypePhaseEnter)) != 1 {
		t.Error("barrier not released after fix-resolved")
	}
}

func TestStuckRecoveryCreatesCheckpointAndBroadcast(t *testing.T) {
	fb := &fakeBus{}
	dir := t.TempDir()
	monitor := heartbeat.NewMonitor(filepath.Join(dir, "hb"))
	cpDir := filepath.Join(dir, "popkit")
	git := staticGit{}
	cps := checkpoint.NewManager(cpDir, 20, 7, git)

	c := New(Deps{Bus: fb, Monitor: monitor, Checkpoints: cps}, config.Default().Coordinator, dir)

	deliver(t, c, bus.TypeRegister, "a1", RegisterPayload{AgentID: "a1", SessionID: "s-stuck"})
	// No heartbeats yet: stuck by the age rule alone, but confidence 0.4
	// stays below the 0.5 recovery threshold, so no action.
	deliver(t, c, bus.TypeCheckin, "a1", CheckinPayload{AgentID: "a1", SessionID: "s-stuck"})
	if n := len(fb.byType(bus.TypeCourseCorrect)); n != 0 {
		t.Fatalf("premature recovery: %d", n)
	}

	// With a fresh beat, trip the repeated-edit and bash-failure
	// signals: 0.2+0.3 reaches the recovery threshold.
	if err := monitor.RecordBeat("s-stuck", 8, 1, ""); err != nil {
		t.Fatal(err)
	}
	exit := 1
	for range 5 {
		monitor.RecordTool("s-stuck", heartbeat.ToolEvent{ToolName: "Edit", File: "same.go"})
	}
	for range 3 {
		monitor.RecordTool("s-stuck", heartbeat.ToolEvent{ToolName: "Bash", ExitCode: &exit})
	}

	deliver(t, c, bus.TypeCheckin, "a1", CheckinPayload{AgentID: "a1", SessionID: "s-stuck"})

	if n := len(fb.byType(bus.TypeCourseCorrect)); n != 1 {
		t.Fatalf("recovery broadcasts = %d, want 1", n)
	}
	list, _ := cps.List()
	if len(list) != 1 || list[0].Type != checkpoint.TypeAutoPhase {
		t.Errorf("auto checkpoint = %+v", list)
	}
	// The agent is marked stuck, never killed.
	agents := c.Agents()
	if len(agents) != 1 || agents[0].Status != StatusStuck {
		t.Errorf("agent = %+v", agents)
	}
}

type staticGit struct{}

func (staticGit) Snapshot(context.Context) (checkpoint.GitState, error) {
	return checkpoint.GitState{Branch: "main", Commit: "deadbeef"}, nil
}
