package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pocketmind/pocketmind/internal/skills"
)

// SkillTools builds the skill management tools.
func SkillTools(registry *skills.Registry) []Tool {
	return []Tool{
		&FuncTool{
			ToolName:        "list_skills",
			ToolDescription: "List installed skills with descriptions.",
			ToolCategory:    "skills",
			ToolSchema:      json.RawMessage(`{"type": "object", "properties": {}}`),
			Fn: func(ctx context.Context, input map[string]any) (string, error) {
				catalog := registry.Catalog()
				if catalog == "" {
					return "no skills installed", nil
				}
				return catalog, nil
			},
		},
		&FuncTool{
			ToolName:        "read_skill",
			ToolDescription: "Read the full instructions of an installed skill by name.",
			ToolCategory:    "skills",
			ToolSchema: json.RawMessage(`{
				"type": "object",
				"properties": {"name": {"type": "string"}},
				"required": ["name"]
			}`),
			Fn: func(ctx context.Context, input map[string]any) (string, error) {
				name, _ := input["name"].(string)
				skill, ok := registry.Get(name)
				if !ok {
					return "", fmt.Errorf("unknown skill: %s", name)
				}
				return skill.Content, nil
			},
		},
		&FuncTool{
			ToolName:        "reload_skills",
			ToolDescription: "Rescan the skill directories for newly installed skills.",
			ToolCategory:    "skills",
			ToolSchema:      json.RawMessage(`{"type": "object", "properties": {}}`),
			Fn: func(ctx context.Context, input map[string]any) (string, error) {
				if err := registry.Reload(); err != nil {
					return "", err
				}
				return fmt.Sprintf("%d skills loaded", len(registry.List())), nil
			},
		},
	}
}
