package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/popkit/internal/bus"
	"github.com/nextlevelbuilder/popkit/internal/checkpoint"
	"github.com/nextlevelbuilder/popkit/internal/coordinator"
	"github.com/nextlevelbuilder/popkit/internal/gates"
	"github.com/nextlevelbuilder/popkit/internal/heartbeat"
	"github.com/nextlevelbuilder/popkit/internal/hookctx"
	"github.com/nextlevelbuilder/popkit/internal/retention"
)

// PostToolUse accounts the finished tool call: retention tiers, liveness,
// quality gates, coordinator check-ins, and boundary checkpoints.
// Optional members are nil when their subsystem is disabled.
type PostToolUse struct {
	Tracker         *retention.Tracker
	Gates           *gates.Engine
	Monitor         *heartbeat.Monitor
	Bus             bus.Bus
	Checkpoints     *checkpoint.Manager
	Git             checkpoint.GitReader
	CheckinInterval int
}

func (h *PostToolUse) Name() string { return "post_tool_use" }

func (h *PostToolUse) Run(ctx context.Context, hctx hookctx.Context, in Input) (hookctx.Context, Output, error) {
	// A pause decision from an earlier gate failure stops progression;
	// this is the one non-safety case that blocks.
	if h.Gates != nil && h.Gates.State() == gates.StatePaused {
		return hctx, Output{
			Action:  ActionBlock,
			Message: "Quality gates are paused pending a decision. Resolve the last gate failure to continue.",
		}, nil
	}

	filePath, _ := in.ToolInput["file_path"].(string)

	callIndex := 0
	if h.Tracker != nil {
		outcome, err := h.Tracker.Observe(in.ToolName, in.ToolInput, in.ToolResult)
		if err != nil {
			slog.Warn("retention tracking failed", "error", err)
		} else {
			callIndex = outcome.NewRecord.CallIndex
			hctx = hctx.WithHookOutput("retention", map[string]any{
				"tier":             string(outcome.NewRecord.Tier),
				"expired":          len(outcome.Expired),
				"reclaimed_tokens": outcome.ReclaimedTokens,
			})
		}
	}

	h.recordLiveness(in, filePath, callIndex)
	h.checkin(ctx, in, callIndex)
	h.boundaryCheckpoints(ctx, in)

	if out, done := h.runGates(ctx, &hctx, in, filePath); done {
		return hctx, out, nil
	}

	return hctx, Output{Action: ActionContinue}, nil
}

func (h *PostToolUse) recordLiveness(in Input, filePath string, callIndex int) {
	if h.Monitor == nil {
		return
	}
	ev := heartbeat.ToolEvent{ToolName: in.ToolName, File: filePath}
	if in.ToolName == "Bash" {
		code := 0
		if in.ToolError != "" {
			code = 1
		}
		ev.ExitCode = &code
	}
	if err := h.Monitor.RecordTool(in.SessionID, ev); err != nil {
		slog.Debug("tool activity record failed", "error", err)
	}
	if err := h.Monitor.RecordBeat(in.SessionID, callIndex, 0, ""); err != nil {
		slog.Debug("heartbeat record failed", "error", err)
	}
}

// checkin publishes a CHECKIN to the coordinator every Nth tool call.
func (h *PostToolUse) checkin(ctx context.Context, in Input, callIndex int) {
	if h.Bus == nil || callIndex == 0 {
		return
	}
	interval := h.CheckinInterval
	if interval <= 0 {
		interval = 5
	}
	if callIndex%interval != 0 {
		return
	}

	payload := coordinator.CheckinPayload{
		AgentID:   in.SessionID,
		SessionID: in.SessionID,
		ToolsUsed: map[string]int{in.ToolName: 1},
	}
	if f, _ := in.ToolInput["file_path"].(string); f != "" {
		payload.FilesTouched = []string{f}
	}
	env, err := bus.NewEnvelope(bus.TypeCheckin, in.SessionID, "coordinator", payload)
	if err != nil {
		return
	}
	if err := h.Bus.Publish(ctx, bus.ChannelCoordinator, env); err != nil {
		slog.Debug("checkin publish failed", "error", err)
	}
}

// boundaryCheckpoints turns successful pushes and test runs into
// automatic checkpoints.
func (h *PostToolUse) boundaryCheckpoints(ctx context.Context, in Input) {
	if h.Checkpoints == nil || in.ToolName != "Bash" || in.ToolError != "" {
		return
	}
	command, _ := in.ToolInput["command"].(string)
	switch {
	case strings.Contains(command, "git push"):
		hash := ""
		if h.Git != nil {
			if st, err := h.Git.Snapshot(ctx); err == nil {
				hash = checkpoint.ShortHash(st.Commit)
			}
		}
		if _, _, err := h.Checkpoints.AutoTrigger(ctx, "commit_pushed", hash, checkpoint.ContextSnapshot{}); err != nil {
			slog.Debug("push checkpoint failed", "error", err)
		}
	case strings.Contains(command, "test"):
		if _, _, err := h.Checkpoints.AutoTrigger(ctx, "test_passed", "passed", checkpoint.ContextSnapshot{}); err != nil {
			slog.Debug("test checkpoint failed", "error", err)
		}
	}
}

// runGates evaluates edit triggers and, when tripped, runs the suite.
// Failures degrade to continue + injected errors (the fix default) or an
// executed auto-rollback; only an explicit pause ever blocks, elsewhere.
func (h *PostToolUse) runGates(ctx context.Context, hctx *hookctx.Context, in Input, filePath string) (Output, bool) {
	if h.Gates == nil {
		return Output{}, false
	}

	edited := editedContent(in.ToolInput)
	decision := h.Gates.EvaluateTrigger(in.ToolName, filePath, edited)
	if !decision.Run {
		return Output{}, false
	}

	result := h.Gates.RunSuite(ctx)
	*hctx = hctx.WithHookOutput("quality_gates", map[string]any{
		"trigger": decision.Reason,
		"passed":  result.Passed,
		"gates":   len(result.Runs),
	})
	if result.Passed {
		return Output{Action: ActionContinue}, true
	}

	menu := h.Gates.FailureMenu(result)
	inject, err := h.Gates.ApplyAction(ctx, menu.Default, result)
	if err != nil {
		// Unsafe rollback keeps the work and pauses.
		return Output{
			Action:  ActionContinue,
			Message: fmt.Sprintf("Quality gates failed and %s could not run: %v. Work preserved; choose an action.", menu.Default, err),
		}, true
	}
	if menu.Default == gates.ActionRollback {
		return Output{
			Action:  ActionContinue,
			Message: "Rolled back to the last clean state; the discarded work is preserved as a patch under .claude/checkpoints/.",
		}, true
	}
	return Output{Action: ActionContinue, InjectContext: inject}, true
}

// editedContent joins the writable fields of an edit tool's input so
// trigger checks can see import/export/require additions.
func editedContent(toolInput map[string]any) string {
	var parts []string
	for _, key := range []string{"content", "new_string", "new_str"} {
		if v, ok := toolInput[key].(string); ok {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, "\n")
}
