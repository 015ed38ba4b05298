package hooks

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/popkit/internal/hookctx"
	"github.com/nextlevelbuilder/popkit/internal/platform"
)

// sensitivePathPatterns block reads of credential material. Matching is
// on the base name; explicit example/template files stay readable.
var sensitivePathPatterns = []string{
	".env", ".env.*", "*.pem", "*.key", "id_rsa", "id_ed25519",
	"credentials", "credentials.json", ".netrc", ".npmrc",
}

var sensitivePathAllow = []string{".env.example", ".env.template", ".env.sample"}

// dangerousCommands is the deny set for Bash. These are the only
// commands a hook blocks outright; everything milder degrades to a
// correction suggestion.
var dangerousCommands = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\s+(/|~)(\s|$)`),
	regexp.MustCompile(`\bdd\s+if=.*of=/dev/`),
	regexp.MustCompile(`\b(mkfs|diskpart)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*-O\s*-\s*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bgit\s+push\b.*(--force\b.*\b(main|master)\b|\b(main|master)\b.*--force\b)`),
}

// PreToolUse runs the safety checks and platform correction pass before
// a tool executes.
type PreToolUse struct {
	Platform platform.Info
}

func NewPreToolUse() *PreToolUse {
	return &PreToolUse{Platform: platform.Detect()}
}

func (h *PreToolUse) Name() string { return "pre_tool_use" }

func (h *PreToolUse) Run(_ context.Context, hctx hookctx.Context, in Input) (hookctx.Context, Output, error) {
	switch in.ToolName {
	case "Read", "Edit", "Write":
		if path, _ := in.ToolInput["file_path"].(string); path != "" && isSensitivePath(path) {
			hctx = hctx.WithHookOutput(h.Name(), map[string]any{
				"safety_check": map[string]any{"passed": false, "reason": "sensitive path"},
			})
			return hctx, Output{
				Action:  ActionBlock,
				Message: fmt.Sprintf("Refusing to %s %s: it may contain secrets (matches a sensitive-path pattern).", strings.ToLower(in.ToolName), path),
			}, nil
		}

	case "Bash":
		command, _ := in.ToolInput["command"].(string)
		for _, re := range dangerousCommands {
			if re.MatchString(command) {
				hctx = hctx.WithHookOutput(h.Name(), map[string]any{
					"safety_check": map[string]any{"passed": false, "reason": "dangerous command"},
				})
				return hctx, Output{
					Action:  ActionBlock,
					Message: "Refusing to run this command: it matches a destructive-command pattern.",
				}, nil
			}
		}
		if suggestion, ok := h.Platform.SuggestCorrection(command); ok {
			hctx = hctx.WithHookOutput(h.Name(), map[string]any{
				"safety_check": map[string]any{"passed": true},
				"correction":   suggestion,
			})
			return hctx, Output{
				Action:        ActionContinue,
				InjectContext: fmt.Sprintf("The command %q looks foreign to this shell; the local equivalent is %q.", firstWord(command), suggestion),
			}, nil
		}
	}

	hctx = hctx.WithHookOutput(h.Name(), map[string]any{
		"safety_check": map[string]any{"passed": true},
	})
	return hctx, Output{Action: ActionContinue}, nil
}

func isSensitivePath(path string) bool {
	base := filepath.Base(path)
	for _, allow := range sensitivePathAllow {
		if base == allow {
			return false
		}
	}
	for _, pattern := range sensitivePathPatterns {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

func firstWord(s string) string {
	if idx := strings.IndexByte(s, ' '); idx > 0 {
		return s[:idx]
	}
	return s
}
