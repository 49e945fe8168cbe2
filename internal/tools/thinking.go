package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// ThinkingMetaKey is the session metadata flag the agent reads to decide
// whether to request extended thinking.
const ThinkingMetaKey = "thinking_enabled"

// ThinkingTool toggles extended thinking for the current conversation.
func ThinkingTool() Tool {
	return &FuncTool{
		ToolName:        "set_thinking_mode",
		ToolDescription: "Enable or disable extended thinking for this conversation.",
		ToolCategory:    "system",
		ToolSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"enabled": {"type": "boolean"}},
			"required": ["enabled"]
		}`),
		Fn: func(ctx context.Context, input map[string]any) (string, error) {
			session, ok := SessionFromContext(ctx)
			if !ok {
				return "", fmt.Errorf("no session bound")
			}
			enabled, _ := input["enabled"].(bool)
			session.SetMeta(ThinkingMetaKey, enabled)
			if enabled {
				return "extended thinking enabled", nil
			}
			return "extended thinking disabled", nil
		},
	}
}
