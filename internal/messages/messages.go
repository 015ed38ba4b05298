// Package messages builds and reconstructs structured conversation messages.
//
// A message's content is either a plain string or a list of typed blocks:
//
//	text:        {type:"text", text}
//	tool_use:    {type:"tool_use", id, name, input}
//	tool_result: {type:"tool_result", tool_use_id, content, is_error?}
//
// All constructors are pure; nothing here touches the filesystem.
package messages

import (
	"encoding/json"
	"fmt"
)

// Block types.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Block is one tagged content block.
type Block struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Message is one conversation turn. Content is either Text (plain string
// form) or Blocks; never both.
type Message struct {
	Role   string
	Text   string
	Blocks []Block
}

type wireMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// MarshalJSON emits content as a string when the message is plain text,
// otherwise as a block array.
func (m Message) MarshalJSON() ([]byte, error) {
	var content any
	if len(m.Blocks) > 0 {
		content = m.Blocks
	} else {
		content = m.Text
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMessage{Role: m.Role, Content: raw})
}

// UnmarshalJSON accepts both string and block-array content.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.Role = w.Role
	m.Text = ""
	m.Blocks = nil
	if len(w.Content) == 0 {
		return nil
	}
	if w.Content[0] == '"' {
		return json.Unmarshal(w.Content, &m.Text)
	}
	return json.Unmarshal(w.Content, &m.Blocks)
}

// User builds a plain-text user message.
func User(content string) Message {
	return Message{Role: RoleUser, Text: content}
}

// Assistant builds a plain-text assistant message.
func Assistant(content string) Message {
	return Message{Role: RoleAssistant, Text: content}
}

// UserBlocks builds a user message from blocks.
func UserBlocks(blocks ...Block) Message {
	return Message{Role: RoleUser, Blocks: blocks}
}

// AssistantBlocks builds an assistant message from blocks.
func AssistantBlocks(blocks ...Block) Message {
	return Message{Role: RoleAssistant, Blocks: blocks}
}

// ToolUse builds a tool_use block.
func ToolUse(id, name string, input map[string]any) Block {
	return Block{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResult builds a tool_result block.
func ToolResult(toolUseID, content string, isError bool) Block {
	return Block{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// TextBlock builds a text block.
func TextBlock(text string) Block {
	return Block{Type: BlockText, Text: text}
}

// Compose validates a message sequence: known roles, non-empty content,
// and every tool_result referring to an earlier tool_use id.
func Compose(msgs []Message) ([]Message, error) {
	seenUses := map[string]bool{}
	for i, m := range msgs {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			return nil, fmt.Errorf("message %d: invalid role %q", i, m.Role)
		}
		if m.Text == "" && len(m.Blocks) == 0 {
			return nil, fmt.Errorf("message %d: empty content", i)
		}
		for j, b := range m.Blocks {
			switch b.Type {
			case BlockText:
				// nothing to check
			case BlockToolUse:
				if b.ID == "" || b.Name == "" {
					return nil, fmt.Errorf("message %d block %d: tool_use missing id or name", i, j)
				}
				seenUses[b.ID] = true
			case BlockToolResult:
				if b.ToolUseID == "" {
					return nil, fmt.Errorf("message %d block %d: tool_result missing tool_use_id", i, j)
				}
				if !seenUses[b.ToolUseID] {
					return nil, fmt.Errorf("message %d block %d: tool_result %q has no matching tool_use", i, j, b.ToolUseID)
				}
			default:
				return nil, fmt.Errorf("message %d block %d: unknown block type %q", i, j, b.Type)
			}
		}
	}
	return msgs, nil
}

// MergeToolUses collects tool_use blocks into a single assistant message.
func MergeToolUses(uses []Block) Message {
	blocks := make([]Block, 0, len(uses))
	for _, b := range uses {
		if b.Type == BlockToolUse {
			blocks = append(blocks, b)
		}
	}
	return Message{Role: RoleAssistant, Blocks: blocks}
}

// MergeToolResults collects tool_result blocks into a single user message.
func MergeToolResults(results []Block) Message {
	blocks := make([]Block, 0, len(results))
	for _, b := range results {
		if b.Type == BlockToolResult {
			blocks = append(blocks, b)
		}
	}
	return Message{Role: RoleUser, Blocks: blocks}
}

// ExtractToolUse returns the first tool_use block of a message, if any.
func ExtractToolUse(m Message) (Block, bool) {
	for _, b := range m.Blocks {
		if b.Type == BlockToolUse {
			return b, true
		}
	}
	return Block{}, false
}

// History is a flattened record of one assistant turn: the prompt, the tool
// calls the assistant made, and their results.
type History struct {
	UserPrompt  string  `json:"user_prompt"`
	ToolUses    []Block `json:"tool_uses,omitempty"`
	ToolResults []Block `json:"tool_results,omitempty"`
}

// RebuildFromHistory reconstructs at most three messages in order
// user → assistant(tool_uses) → user(tool_results). Results whose
// tool_use_id matches no recorded tool_use are dropped; this is the
// canonical retry path, so the output must always compose cleanly.
func RebuildFromHistory(h History) []Message {
	var msgs []Message
	if h.UserPrompt != "" {
		msgs = append(msgs, User(h.UserPrompt))
	}

	uses := MergeToolUses(h.ToolUses)
	if len(uses.Blocks) == 0 {
		return msgs
	}
	msgs = append(msgs, uses)

	valid := map[string]bool{}
	for _, u := range uses.Blocks {
		valid[u.ID] = true
	}
	var kept []Block
	for _, r := range h.ToolResults {
		if r.Type == BlockToolResult && valid[r.ToolUseID] {
			kept = append(kept, r)
		}
	}
	if len(kept) > 0 {
		msgs = append(msgs, Message{Role: RoleUser, Blocks: kept})
	}
	return msgs
}
