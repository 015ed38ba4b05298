package messages

import (
	"encoding/json"
	"testing"
)

func TestMessageJSONRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"plain text", User("hello")},
		{"assistant text", Assistant("done")},
		{
			"tool use",
			AssistantBlocks(ToolUse("tu_1", "Bash", map[string]any{"command": "ls"})),
		},
		{
			"tool result",
			UserBlocks(ToolResult("tu_1", "ok", false)),
		},
		{
			"mixed blocks",
			AssistantBlocks(TextBlock("running"), ToolUse("tu_2", "Read", map[string]any{"file_path": "a.go"})),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.msg)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var got Message
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.Role != tt.msg.Role || got.Text != tt.msg.Text || len(got.Blocks) != len(tt.msg.Blocks) {
				t.Errorf("round trip mismatch: %+v vs %+v", got, tt.msg)
			}
		})
	}
}

func TestMessageUnmarshalStringContent(t *testing.T) {
	var m Message
	if err := json.Unmarshal([]byte(`{"role":"user","content":"hi"}`), &m); err != nil {
		t.Fatal(err)
	}
	if m.Text != "hi" || len(m.Blocks) != 0 {
		t.Errorf("got %+v", m)
	}
}

func TestComposeValidation(t *testing.T) {
	tests := []struct {
		name    string
		msgs    []Message
		wantErr bool
	}{
		{
			"valid pair",
			[]Message{
				AssistantBlocks(ToolUse("a", "Bash", nil)),
				UserBlocks(ToolResult("a", "ok", false)),
			},
			false,
		},
		{
			"orphan result",
			[]Message{UserBlocks(ToolResult("missing", "x", false))},
			true,
		},
		{
			"bad role",
			[]Message{{Role: "system", Text: "x"}},
			true,
		},
		{
			"empty content",
			[]Message{{Role: RoleUser}},
			true,
		},
		{
			"tool_use without id",
			[]Message{AssistantBlocks(Block{Type: BlockToolUse, Name: "Bash"})},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compose(tt.msgs)
			if (err != nil) != tt.wantErr {
				t.Errorf("Compose err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRebuildFromHistory(t *testing.T) {
	h := History{
		UserPrompt: "fix the bug",
		ToolUses: []Block{
			ToolUse("tu_1", "Read", map[string]any{"file_path": "main.go"}),
			ToolUse("tu_2", "Edit", map[string]any{"file_path": "main.go"}),
		},
		ToolResults: []Block{
			ToolResult("tu_1", "package main", false),
			ToolResult("tu_2", "edited", false),
			ToolResult("tu_9", "stray", false), // no matching use
		},
	}

	msgs := RebuildFromHistory(h)
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[0].Role != RoleUser || msgs[1].Role != RoleAssistant || msgs[2].Role != RoleUser {
		t.Errorf("role order wrong: %s %s %s", msgs[0].Role, msgs[1].Role, msgs[2].Role)
	}

	// Every result id must match an earlier use id.
	uses := map[string]bool{}
	for _, b := range msgs[1].Blocks {
		uses[b.ID] = true
	}
	for _, b := range msgs[2].Blocks {
		if !uses[b.ToolUseID] {
			t.Errorf("result %q has no matching use", b.ToolUseID)
		}
	}
	if len(msgs[2].Blocks) != 2 {
		t.Errorf("stray result not dropped: %d blocks", len(msgs[2].Blocks))
	}

	// Rebuilt output always composes.
	if _, err := Compose(msgs); err != nil {
		t.Errorf("rebuilt history failed Compose: %v", err)
	}
}

func TestRebuildFromHistoryNoTools(t *testing.T) {
	msgs := RebuildFromHistory(History{UserPrompt: "hello"})
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
}

func TestExtractToolUse(t *testing.T) {
	m := AssistantBlocks(TextBlock("x"), ToolUse("tu_1", "Grep", nil))
	b, ok := ExtractToolUse(m)
	if !ok || b.ID != "tu_1" {
		t.Errorf("got %+v ok=%v", b, ok)
	}
	if _, ok := ExtractToolUse(User("plain")); ok {
		t.Error("text message should have no tool use")
	}
}
