// Package hooks implements the host-facing hook runtime: one JSON object
// in on stdin, one out on stdout, and never a non-zero exit once input
// has parsed. All failures degrade to {"action":"error"} or a plain
// "continue" so the host is never terminated by this system.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/nextlevelbuilder/popkit/internal/hookctx"
	"github.com/nextlevelbuilder/popkit/internal/messages"
)

// Event names.
const (
	EventPreToolUse   = "PreToolUse"
	EventPostToolUse  = "PostToolUse"
	EventSessionStart = "SessionStart"
	EventStop         = "Stop"
)

// Actions.
const (
	ActionContinue = "continue"
	ActionBlock    = "block"
	ActionError    = "error"
)

// Input is the host's event payload.
type Input struct {
	Event            string             `json:"event"`
	SessionID        string             `json:"session_id"`
	ToolName         string             `json:"tool_name,omitempty"`
	ToolInput        map[string]any     `json:"tool_input,omitempty"`
	MessageHistory   []messages.Message `json:"message_history,omitempty"`
	ToolResult       string             `json:"tool_result,omitempty"`
	ToolError        string             `json:"tool_error,omitempty"`
	WorkingDirectory string             `json:"working_directory,omitempty"`
}

// Output is the reply written to stdout.
type Output struct {
	Action        string          `json:"action"`
	Message       string          `json:"message,omitempty"`
	InjectContext string          `json:"inject_context,omitempty"`
	Context       *hookctx.Context `json:"context,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// Hook is one stateless event handler. Implementations must be
// idempotent against identical input.
type Hook interface {
	Name() string
	Run(ctx context.Context, hctx hookctx.Context, in Input) (hookctx.Context, Output, error)
}

// Runtime dispatches events to registered hooks.
type Runtime struct {
	hooks map[string]Hook
}

// NewRuntime registers handlers by event name.
func NewRuntime(hooks map[string]Hook) *Runtime {
	return &Runtime{hooks: hooks}
}

// Run processes one event end to end and returns the process exit code.
// Only unparseable input may exit non-zero; everything after parsing
// exits 0, including panics.
func (r *Runtime) Run(ctx context.Context, event string, stdin io.Reader, stdout io.Writer) (code int) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("hook panicked", "event", event, "panic", rec)
			writeOutput(stdout, Output{Action: ActionError, Error: fmt.Sprintf("panic: %v", rec)})
			code = 0
		}
	}()

	data, err := io.ReadAll(stdin)
	if err != nil {
		writeOutput(stdout, Output{Action: ActionError, Error: "read stdin: " + err.Error()})
		return 1
	}
	var in Input
	if err := json.Unmarshal(data, &in); err != nil {
		writeOutput(stdout, Output{Action: ActionError, Error: "parse input: " + err.Error()})
		return 1
	}
	if in.Event == "" {
		in.Event = event
	}
	if in.SessionID == "" {
		in.SessionID = "unknown"
	}

	hook, ok := r.hooks[in.Event]
	if !ok {
		writeOutput(stdout, Output{Action: ActionContinue})
		return 0
	}

	hctx := hookctx.New(in.SessionID, in.ToolName, in.ToolInput)
	for _, m := range in.MessageHistory {
		hctx = hctx.WithMessage(m)
	}
	if in.ToolResult != "" {
		hctx = hctx.WithToolResult(in.ToolResult)
	}
	if in.ToolError != "" {
		hctx = hctx.WithToolError(in.ToolError)
	}
	if in.WorkingDirectory != "" {
		hctx = hctx.WithEnvironment("working_directory", in.WorkingDirectory)
	}

	hctx, out, err := hook.Run(ctx, hctx, in)
	if err != nil {
		// Internal failures become "continue" with an explanation; the
		// host adapts rather than dies.
		slog.Warn("hook failed", "event", in.Event, "error", err)
		writeOutput(stdout, Output{
			Action:        ActionContinue,
			InjectContext: fmt.Sprintf("popkit %s hook degraded: %v", hook.Name(), err),
		})
		return 0
	}
	if out.Action == "" {
		out.Action = ActionContinue
	}
	if out.Action == ActionBlock && out.Message == "" {
		out.Message = "blocked by " + hook.Name()
	}
	if out.Context == nil {
		out.Context = &hctx
	}
	writeOutput(stdout, out)
	return 0
}

func writeOutput(w io.Writer, out Output) {
	enc := json.NewEncoder(w)
	if err := enc.Encode(out); err != nil {
		slog.Error("hook output write failed", "error", err)
	}
}
