// Package hookctx carries immutable per-event state between hooks.
//
// A Context is frozen after construction: every mutation returns a new
// value, message history only appends, and hook outputs merge by name.
// Serialisation uses a fixed field order so a round trip is byte-identical.
package hookctx

import (
	"encoding/json"
	"time"

	"github.com/nextlevelbuilder/popkit/internal/messages"
)

// Context is the immutable value passed through a hook invocation.
// Construct with New; derive with the With* methods.
type Context struct {
	SessionID      string             `json:"session_id"`
	ToolName       string             `json:"tool_name,omitempty"`
	ToolInput      map[string]any     `json:"tool_input,omitempty"`
	MessageHistory []messages.Message `json:"message_history,omitempty"`
	ToolResult     string             `json:"tool_result,omitempty"`
	ToolError      string             `json:"tool_error,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	Environment    map[string]string  `json:"environment,omitempty"`
	PreviousHook   string             `json:"previous_hook,omitempty"`
	HookOutputs    map[string]any     `json:"hook_outputs,omitempty"`
}

// New constructs a Context stamped with time.Now().UTC().
func New(sessionID, toolName string, toolInput map[string]any) Context {
	return Context{
		SessionID: sessionID,
		ToolName:  toolName,
		ToolInput: copyAnyMap(toolInput),
		CreatedAt: time.Now().UTC(),
	}
}

// WithMessage returns a copy with one message appended to the history.
func (c Context) WithMessage(m messages.Message) Context {
	out := c.clone()
	out.MessageHistory = append(out.MessageHistory, m)
	return out
}

// WithHookOutput returns a copy with a named hook output merged in.
// The hook name also becomes PreviousHook.
func (c Context) WithHookOutput(name string, value any) Context {
	out := c.clone()
	if out.HookOutputs == nil {
		out.HookOutputs = map[string]any{}
	}
	out.HookOutputs[name] = value
	out.PreviousHook = name
	return out
}

// WithToolResult returns a copy carrying the tool's result payload.
func (c Context) WithToolResult(result string) Context {
	out := c.clone()
	out.ToolResult = result
	return out
}

// WithToolError returns a copy carrying the tool's error payload.
func (c Context) WithToolError(errText string) Context {
	out := c.clone()
	out.ToolError = errText
	return out
}

// WithEnvironment returns a copy with an environment entry set.
func (c Context) WithEnvironment(key, value string) Context {
	out := c.clone()
	if out.Environment == nil {
		out.Environment = map[string]string{}
	}
	out.Environment[key] = value
	return out
}

// HookOutput looks up a prior hook's output by name.
func (c Context) HookOutput(name string) (any, bool) {
	v, ok := c.HookOutputs[name]
	return v, ok
}

// clone deep-copies the mutable members so deriving never aliases.
func (c Context) clone() Context {
	out := c
	out.ToolInput = copyAnyMap(c.ToolInput)
	if c.MessageHistory != nil {
		out.MessageHistory = make([]messages.Message, len(c.MessageHistory))
		copy(out.MessageHistory, c.MessageHistory)
	}
	if c.Environment != nil {
		out.Environment = make(map[string]string, len(c.Environment))
		for k, v := range c.Environment {
			out.Environment[k] = v
		}
	}
	out.HookOutputs = copyAnyMap(c.HookOutputs)
	return out
}

func copyAnyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// MarshalCanonical serialises the context with the struct's fixed field
// order. Unmarshal + MarshalCanonical round-trips to identical bytes.
func MarshalCanonical(c Context) ([]byte, error) {
	return json.Marshal(c)
}

// Unmarshal parses a serialised context.
func Unmarshal(data []byte) (Context, error) {
	var c Context
	if err := json.Unmarshal(data, &c); err != nil {
		return Context{}, err
	}
	return c, nil
}
