package gates

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// fakeRunner scripts gate outcomes by name.
type fakeRunner struct {
	outputs map[string]string // gate name → stdout
	fails   map[string]bool
	ran     []string
}

func (f *fakeRunner) run(_ context.Context, gate Gate, _ string) (string, string, error) {
	f.ran = append(f.ran, gate.Name)
	if f.fails[gate.Name] {
		return f.outputs[gate.Name], "", errors.New("exit status 1")
	}
	return f.outputs[gate.Name], "", nil
}

func newTestEngine(t *testing.T, gates []Gate, opts Options) (*Engine, *fakeRunner) {
	t.Helper()
	workdir := t.TempDir()
	e, err := NewEngine(workdir, filepath.Join(workdir, ".claude"))
	if err != nil {
		t.Fatal(err)
	}
	if opts.TimeoutMultiplier == 0 {
		opts.TimeoutMultiplier = 1.0
	}
	e.cfg.Gates = gates
	e.cfg.Options = opts
	runner := &fakeRunner{outputs: map[string]string{}, fails: map[string]bool{}}
	e.runServer = runner.run
	return e, runner
}

func TestTriggerImmediateHighRisk(t *testing.T) {
	tests := []struct {
		name    string
		tool    string
		file    string
		content string
		wantRun bool
	}{
		{"tsconfig edit", "Edit", "tsconfig.json", "{}", true},
		{"package.json edit", "Write", "pkg/package.json", "{}", true},
		{"env file", "Edit", ".env.local", "KEY=1", true},
		{"config file", "Edit", "vite.config.ts", "{}", true},
		{"delete", "Delete", "src/old.ts", "", true},
		{"import edit", "Edit", "src/a.ts", "import {x} from './y'", true},
		{"require edit", "Edit", "src/a.js", "const x = require('y')", true},
		{"plain edit", "Edit", "src/a.ts", "const n = 1", false},
		{"non-edit tool", "Bash", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine(t, nil, Options{FailFast: true})
			d := e.EvaluateTrigger(tt.tool, tt.file, tt.content)
			if d.Run != tt.wantRun {
				t.Errorf("Run = %v (%s), want %v", d.Run, d.Reason, tt.wantRun)
			}
		})
	}
}

func TestTriggerDistinctFiles(t *testing.T) {
	e, _ := newTestEngine(t, nil, Options{})
	e.EvaluateTrigger("Edit", "a.go", "x")
	e.EvaluateTrigger("Edit", "b.go", "x")
	d := e.EvaluateTrigger("Edit", "c.go", "x")
	if !d.Run || !strings.Contains(d.Reason, "distinct") {
		t.Errorf("decision = %+v", d)
	}
}

func TestTriggerBatchThreshold(t *testing.T) {
	e, _ := newTestEngine(t, nil, Options{})
	e.cfg.Triggers.BatchThreshold = 5
	// Same file over and over: no distinct-files trigger, just the batch.
	var d TriggerDecision
	for range 5 {
		d = e.EvaluateTrigger("Edit", "solo.go", "tweak")
	}
	if !d.Run || !strings.Contains(d.Reason, "batched") {
		t.Errorf("decision = %+v", d)
	}
}

func TestCounterPersistsAcrossProcesses(t *testing.T) {
	workdir := t.TempDir()
	stateDir := filepath.Join(workdir, ".claude")

	e1, err := NewEngine(workdir, stateDir)
	if err != nil {
		t.Fatal(err)
	}
	e1.EvaluateTrigger("Edit", "one.go", "x")
	e1.EvaluateTrigger("Edit", "one.go", "x")

	e2, err := NewEngine(workdir, stateDir)
	if err != nil {
		t.Fatal(err)
	}
	if e2.st.FileEditCount != 2 {
		t.Errorf("edit count across processes = %d, want 2", e2.st.FileEditCount)
	}
}

func TestRunSuiteFailFast(t *testing.T) {
	gates := []Gate{
		{Name: "typescript", Command: "tsc --noEmit", Enabled: true},
		{Name: "build", Command: "npm run build", Enabled: true},
		{Name: "lint", Command: "npm run lint", Enabled: true},
	}
	e, runner := newTestEngine(t, gates, Options{FailFast: true, RunTests: true})
	runner.fails["build"] = true
	runner.outputs["build"] = "error: module not found"

	result := e.RunSuite(context.Background())
	if result.Passed {
		t.Error("suite passed with failing gate")
	}
	// fail_fast: executed gates = index of first failure + 1.
	if len(runner.ran) != 2 {
		t.Errorf("ran %v, want first two", runner.ran)
	}
	if e.State() != StateFailed {
		t.Errorf("state = %s", e.State())
	}
}

func TestRunSuiteOptionalGateFailureDoesNotFail(t *testing.T) {
	gates := []Gate{
		{Name: "typescript", Command: "tsc", Enabled: true},
		{Name: "test", Command: "npm test", Enabled: true, Optional: true},
	}
	e, runner := newTestEngine(t, gates, Options{FailFast: true, RunTests: true})
	runner.fails["test"] = true

	result := e.RunSuite(context.Background())
	if !result.Passed {
		t.Error("optional failure should not fail the suite")
	}
	if e.State() != StatePassed {
		t.Errorf("state = %s", e.State())
	}
}

func TestRunSuiteSkipsDisabledAndTests(t *testing.T) {
	gates := []Gate{
		{Name: "typescript", Command: "tsc", Enabled: false},
		{Name: "test", Command: "npm test", Enabled: true},
	}
	e, runner := newTestEngine(t, gates, Options{FailFast: true, RunTests: false})

	e.RunSuite(context.Background())
	if len(runner.ran) != 0 {
		t.Errorf("ran %v, want none", runner.ran)
	}
}

func TestRunSuiteResetsEditCounter(t *testing.T) {
	e, _ := newTestEngine(t, nil, Options{})
	for range 4 {
		e.EvaluateTrigger("Edit", "a.go", "x")
	}
	e.RunSuite(context.Background())
	if e.st.FileEditCount != 0 || e.st.RecentFiles != nil {
		t.Errorf("counters not reset: %+v", e.st)
	}
}

func TestFailureMenuDefaults(t *testing.T) {
	e, _ := newTestEngine(t, nil, Options{})
	result := SuiteResult{Runs: []GateRun{{GateName: "build", Errors: []GateError{{Message: "boom"}}}}}

	menu := e.FailureMenu(result)
	if menu.Default != ActionFix {
		t.Errorf("default = %s", menu.Default)
	}
	if len(menu.Options) != 4 {
		t.Errorf("options = %v", menu.Options)
	}

	e.cfg.Options.AutoRollback = true
	if menu := e.FailureMenu(result); menu.Default != ActionRollback {
		t.Errorf("auto-rollback default = %s", menu.Default)
	}
}

func TestApplyActionFixInjectsErrors(t *testing.T) {
	e, _ := newTestEngine(t, nil, Options{})
	result := SuiteResult{Runs: []GateRun{{
		GateName: "typescript",
		Errors:   []GateError{{File: "app.ts", Line: 9, Code: "TS2304", Message: "Cannot find name 'x'."}},
	}}}

	inject, err := e.ApplyAction(context.Background(), ActionFix, result)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(inject, "app.ts:9") || !strings.Contains(inject, "TS2304") {
		t.Errorf("inject = %q", inject)
	}
	if e.State() != StateIdle {
		t.Errorf("state after fix = %s, want IDLE", e.State())
	}
}

func TestApplyActionPauseIsTerminal(t *testing.T) {
	e, _ := newTestEngine(t, nil, Options{})
	if _, err := e.ApplyAction(context.Background(), ActionPause, SuiteResult{}); err != nil {
		t.Fatal(err)
	}
	if e.State() != StatePaused {
		t.Errorf("state = %s, want PAUSED", e.State())
	}
}

func TestApplyActionUnknown(t *testing.T) {
	e, _ := newTestEngine(t, nil, Options{})
	if _, err := e.ApplyAction(context.Background(), "retry", SuiteResult{}); err == nil {
		t.Error("unknown action accepted")
	}
}

// initGitRepo makes a throwaway repository with one commit.
func initGitRepo(t *testing.T, dir string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=t", "GIT_AUTHOR_EMAIL=t@t",
			"GIT_COMMITTER_NAME=t", "GIT_COMMITTER_EMAIL=t@t")
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init")
	writeFile(t, dir, "tracked.txt", "original\n")
	run("add", ".")
	run("commit", "-m", "init")
}

func TestRollback(t *testing.T) {
	workdir := t.TempDir()
	initGitRepo(t, workdir)

	e, err := NewEngine(workdir, filepath.Join(workdir, ".claude"))
	if err != nil {
		t.Fatal(err)
	}

	// Dirty the tree: modify a tracked file, add an untracked one.
	writeFile(t, workdir, "tracked.txt", "broken edit\n")
	writeFile(t, workdir, "untracked.txt", "scratch\n")

	if err := e.Rollback(context.Background(), "gate-failure"); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	// Tree restored.
	data, _ := os.ReadFile(filepath.Join(workdir, "tracked.txt"))
	if string(data) != "original\n" {
		t.Errorf("tracked file = %q", data)
	}
	if _, err := os.Stat(filepath.Join(workdir, "untracked.txt")); !os.IsNotExist(err) {
		t.Error("untracked file survived clean")
	}

	// git status is empty.
	cmd := exec.Command("git", "status", "--porcelain")
	cmd.Dir = workdir
	out, _ := cmd.Output()
	if len(strings.TrimSpace(string(out))) != 0 {
		t.Errorf("status not clean: %s", out)
	}

	// A patch file and manifest entry exist.
	patches, _ := filepath.Glob(filepath.Join(workdir, ".claude", "checkpoints", "*.patch"))
	if len(patches) != 1 {
		t.Fatalf("patches = %v", patches)
	}
	patch, _ := os.ReadFile(patches[0])
	if !strings.Contains(string(patch), "broken edit") {
		t.Error("patch does not preserve the discarded work")
	}
	if _, err := os.Stat(filepath.Join(workdir, ".claude", "checkpoints", "manifest.json")); err != nil {
		t.Errorf("manifest missing: %v", err)
	}
}

func TestRollbackUnsafeWithoutRepo(t *testing.T) {
	workdir := t.TempDir() // not a git repository
	e, err := NewEngine(workdir, filepath.Join(workdir, ".claude"))
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, workdir, "work.txt", "keep me")

	if err := e.Rollback(context.Background(), "x"); !errors.Is(err, ErrRollbackUnsafe) {
		t.Fatalf("err = %v, want ErrRollbackUnsafe", err)
	}
	// Work is untouched when capture fails.
	if _, err := os.Stat(filepath.Join(workdir, "work.txt")); err != nil {
		t.Error("work lost despite unsafe rollback")
	}
}
