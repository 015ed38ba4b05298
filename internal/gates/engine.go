package gates

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/popkit/internal/telemetry"
)

// Engine states.
const (
	StateIdle         = "IDLE"
	StateEvaluating   = "EVALUATING"
	StatePassed       = "PASSED"
	StateFailed       = "FAILED"
	StateFixRequested = "FIX_REQUESTED"
	StateRolledBack   = "ROLLED_BACK"
	StatePaused       = "PAUSED"
	StateContinued    = "CONTINUED"
)

// Failure menu actions.
const (
	ActionFix      = "fix"
	ActionRollback = "rollback"
	ActionContinue = "continue"
	ActionPause    = "pause"
)

const maxErrorsPerGate = 10

// GateError is one parsed diagnostic.
type GateError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// GateRun is the outcome of one gate execution.
type GateRun struct {
	GateName string        `json:"gate_name"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Errors   []GateError   `json:"errors,omitempty"`
}

// SuiteResult aggregates a full run.
type SuiteResult struct {
	Runs   []GateRun `json:"runs"`
	Passed bool      `json:"passed"`
}

// Menu is the structured four-way choice presented to the host on
// failure. The host performs the interactive selection; the engine only
// supplies the data and later executes the chosen action.
type Menu struct {
	Default         string      `json:"default"`
	Options         []string    `json:"options"`
	FormattedErrors string      `json:"formatted_errors"`
	Result          SuiteResult `json:"result"`
}

// TriggerDecision says whether a PostToolUse event warrants a gate run.
type TriggerDecision struct {
	Run    bool   `json:"run"`
	Reason string `json:"reason,omitempty"`
}

// persisted counters, one file per working directory.
type gateState struct {
	FileEditCount  int       `json:"file_edit_count"`
	RecentFiles    []string  `json:"recent_files"`
	LastCheckpoint time.Time `json:"last_checkpoint,omitempty"`
	State          string    `json:"state"`
}

// workdirLocks serialises engine invocations per working directory, for
// when the coordinator and a hook process the same project concurrently.
var workdirLocks sync.Map // abs workdir → *sync.Mutex

func lockFor(workdir string) *sync.Mutex {
	abs, err := filepath.Abs(workdir)
	if err != nil {
		abs = workdir
	}
	mu, _ := workdirLocks.LoadOrStore(abs, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Engine evaluates triggers and runs the gate suite for one project.
type Engine struct {
	workdir   string
	stateDir  string
	cfg       Config
	st        gateState
	now       func() time.Time
	runServer runnerFunc // injectable for tests
}

type runnerFunc func(ctx context.Context, gate Gate, workdir string) (stdout, stderr string, exitErr error)

// NewEngine loads config and counters for a working directory.
// stateDir is the project's .claude directory.
func NewEngine(workdir, stateDir string) (*Engine, error) {
	cfg, err := LoadConfig(workdir)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		workdir:   workdir,
		stateDir:  stateDir,
		cfg:       cfg,
		now:       time.Now,
		runServer: runGateProcess,
		st:        gateState{State: StateIdle},
	}
	e.loadState()
	return e, nil
}

// Config exposes the merged configuration.
func (e *Engine) Config() Config { return e.cfg }

// State returns the current state-machine position.
func (e *Engine) State() string { return e.st.State }

func (e *Engine) statePath() string {
	return filepath.Join(e.stateDir, "quality-gate-state.json")
}

func (e *Engine) loadState() {
	data, err := os.ReadFile(e.statePath())
	if err != nil {
		return
	}
	var st gateState
	if err := json.Unmarshal(data, &st); err != nil {
		return
	}
	e.st = st
	if e.st.State == "" {
		e.st.State = StateIdle
	}
}

func (e *Engine) saveState() {
	if err := os.MkdirAll(e.stateDir, 0755); err != nil {
		slog.Warn("gate state dir", "error", err)
		return
	}
	data, _ := json.MarshalIndent(e.st, "", "  ")
	if err := os.WriteFile(e.statePath(), data, 0644); err != nil {
		slog.Warn("gate state write", "error", err)
	}
}

// editTools are the PostToolUse tool names that count as edits.
var editTools = map[string]bool{
	"Write": true, "Edit": true, "MultiEdit": true, "Delete": true,
}

// riskyContent flags edits that touch module wiring.
var riskyContent = []string{"import", "export", "require("}

// EvaluateTrigger records an edit and decides whether to run gates now.
// The cumulative edit counter resets only after a suite actually runs.
func (e *Engine) EvaluateTrigger(toolName, filePath, editedContent string) TriggerDecision {
	if !editTools[toolName] {
		return TriggerDecision{}
	}

	e.st.FileEditCount++
	if filePath != "" && !contains(e.st.RecentFiles, filePath) {
		e.st.RecentFiles = append(e.st.RecentFiles, filePath)
		if len(e.st.RecentFiles) > 20 {
			e.st.RecentFiles = e.st.RecentFiles[len(e.st.RecentFiles)-20:]
		}
	}
	defer e.saveState()

	if toolName == "Delete" {
		return TriggerDecision{Run: true, Reason: "delete"}
	}
	base := filepath.Base(filePath)
	for _, pattern := range e.cfg.Triggers.HighRiskPatterns {
		if ok, _ := filepath.Match(pattern, base); ok {
			return TriggerDecision{Run: true, Reason: "high-risk path: " + pattern}
		}
	}
	for _, marker := range riskyContent {
		if strings.Contains(editedContent, marker) {
			return TriggerDecision{Run: true, Reason: "module boundary edit"}
		}
	}
	if len(e.st.RecentFiles) >= 3 {
		return TriggerDecision{Run: true, Reason: "3+ distinct files touched"}
	}
	if e.st.FileEditCount >= e.cfg.Triggers.BatchThreshold {
		return TriggerDecision{Run: true, Reason: fmt.Sprintf("batched: %d edits", e.st.FileEditCount)}
	}
	return TriggerDecision{}
}

// RunSuite executes enabled gates sequentially. fail_fast stops at the
// first failing gate. The edit counter resets afterwards either way.
func (e *Engine) RunSuite(ctx context.Context) SuiteResult {
	ctx, span := telemetry.Tracer("gates").Start(ctx, "gates.run_suite")
	defer span.End()

	mu := lockFor(e.workdir)
	mu.Lock()
	defer mu.Unlock()

	e.st.State = StateEvaluating
	result := SuiteResult{Passed: true}

	for _, gate := range e.cfg.Gates {
		if !gate.Enabled {
			continue
		}
		if gate.Name == "test" && !e.cfg.Options.RunTests {
			continue
		}

		run := e.runOne(ctx, gate)
		result.Runs = append(result.Runs, run)
		if !run.Success && !gate.Optional {
			result.Passed = false
			if e.cfg.Options.FailFast {
				break
			}
		}
	}

	e.st.FileEditCount = 0
	e.st.RecentFiles = nil
	if result.Passed {
		e.st.State = StatePassed
	} else {
		e.st.State = StateFailed
	}
	e.saveState()

	span.SetAttributes(
		attribute.Int("gates.executed", len(result.Runs)),
		attribute.Bool("gates.passed", result.Passed),
	)
	return result
}

func (e *Engine) runOne(ctx context.Context, gate Gate) GateRun {
	timeout := gate.Timeout(e.cfg.Options.TimeoutMultiplier)
	gctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := e.now()
	stdout, stderr, err := e.runServer(gctx, gate, e.workdir)
	run := GateRun{
		GateName: gate.Name,
		Success:  err == nil,
		Duration: e.now().Sub(start),
	}

	if errors.Is(gctx.Err(), context.DeadlineExceeded) {
		run.Success = false
		run.TimedOut = true
		run.Errors = []GateError{{Message: "timed out"}}
		slog.Warn("gate timed out", "gate", gate.Name, "timeout", timeout)
		return run
	}
	if err != nil {
		run.Errors = parseDiagnostics(gate.Name, stdout+"\n"+stderr)
		slog.Debug("gate failed", "gate", gate.Name, "errors", len(run.Errors))
	}
	return run
}

// runGateProcess executes the gate command through a shell, or directly
// when the config declares an explicit args list.
func runGateProcess(ctx context.Context, gate Gate, workdir string) (string, string, error) {
	var cmd *exec.Cmd
	if len(gate.Args) > 0 {
		cmd = exec.CommandContext(ctx, gate.Command, gate.Args...)
	} else if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", gate.Command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", gate.Command)
	}
	cmd.Dir = workdir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// tsErrorRe parses `FILE(LINE,COL): error TS####: MSG`.
var tsErrorRe = regexp.MustCompile(`^(.+)\((\d+),(\d+)\): error (TS\d+): (.+)$`)

// parseDiagnostics extracts structured errors, keeping at most ten.
func parseDiagnostics(gateName, output string) []GateError {
	var errs []GateError
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if m := tsErrorRe.FindStringSubmatch(line); m != nil {
			lineNo, _ := strconv.Atoi(m[2])
			colNo, _ := strconv.Atoi(m[3])
			errs = append(errs, GateError{File: m[1], Line: lineNo, Column: colNo, Code: m[4], Message: m[5]})
		} else if gateName != "typescript" {
			lower := strings.ToLower(line)
			if strings.Contains(lower, "error") || strings.Contains(lower, "failed") {
				errs = append(errs, GateError{Message: strings.TrimSpace(line)})
			}
		}
		if len(errs) >= maxErrorsPerGate {
			break
		}
	}
	if len(errs) == 0 {
		errs = append(errs, GateError{Message: "command failed"})
	}
	return errs
}

// FailureMenu builds the four-way choice for a failed suite.
func (e *Engine) FailureMenu(result SuiteResult) Menu {
	def := ActionFix
	if e.cfg.Options.AutoRollback {
		def = ActionRollback
	}
	return Menu{
		Default:         def,
		Options:         []string{ActionFix, ActionRollback, ActionContinue, ActionPause},
		FormattedErrors: FormatErrors(result),
		Result:          result,
	}
}

// FormatErrors renders diagnostics for context injection, one per line
// as file:line (TS####): message.
func FormatErrors(result SuiteResult) string {
	var b strings.Builder
	for _, run := range result.Runs {
		if run.Success {
			continue
		}
		fmt.Fprintf(&b, "[%s]\n", run.GateName)
		for _, ge := range run.Errors {
			switch {
			case ge.File != "" && ge.Code != "":
				fmt.Fprintf(&b, "  %s:%d (%s): %s\n", ge.File, ge.Line, ge.Code, ge.Message)
			case ge.File != "":
				fmt.Fprintf(&b, "  %s:%d: %s\n", ge.File, ge.Line, ge.Message)
			default:
				fmt.Fprintf(&b, "  %s\n", ge.Message)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// ApplyAction executes the host's chosen action and returns context to
// inject into the next hook output, if any.
func (e *Engine) ApplyAction(ctx context.Context, action string, result SuiteResult) (inject string, err error) {
	switch action {
	case ActionFix:
		e.st.State = StateFixRequested
		inject = "Quality gates failed. Fix these errors:\n" + FormatErrors(result)
	case ActionRollback:
		if err = e.Rollback(ctx, "gate-failure"); err != nil {
			e.st.State = StatePaused
			e.saveState()
			return "", err
		}
		e.st.State = StateRolledBack
	case ActionContinue:
		e.st.State = StateContinued
	case ActionPause:
		e.st.State = StatePaused
		e.saveState()
		return "", nil
	default:
		return "", fmt.Errorf("gates: unknown action %q", action)
	}

	// Every non-pause terminal returns to IDLE.
	e.st.State = StateIdle
	e.saveState()
	return inject, nil
}

func contains(items []string, s string) bool {
	for _, it := range items {
		if it == s {
			return true
		}
	}
	return false
}
