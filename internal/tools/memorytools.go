package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pocketmind/pocketmind/internal/memory"
	"github.com/pocketmind/pocketmind/pkg/models"
)

// MemoryOps is the slice of the memory subsystem the tools need.
type MemoryOps interface {
	Retrieve(ctx context.Context, query string) string
	Save(ctx context.Context, mem *models.SemanticMemory) (*models.SemanticMemory, error)
	Scratchpad(ctx context.Context, userID string) (*models.Scratchpad, error)
	SaveScratchpad(ctx context.Context, pad *models.Scratchpad) error
}

// MemoryTools builds the memory operation tools.
func MemoryTools(ops MemoryOps) []Tool {
	return []Tool{
		&FuncTool{
			ToolName:        "save_memory",
			ToolDescription: "Store a durable fact, preference, or skill about the user or environment.",
			ToolCategory:    "memory",
			ToolSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"content": {"type": "string"},
					"type": {"type": "string", "enum": ["fact", "preference", "skill", "error", "rule", "context"]},
					"importance": {"type": "number", "minimum": 0, "maximum": 1}
				},
				"required": ["content"]
			}`),
			Fn: func(ctx context.Context, input map[string]any) (string, error) {
				content, _ := input["content"].(string)
				if strings.TrimSpace(content) == "" {
					return "", fmt.Errorf("content is required")
				}
				mem := &models.SemanticMemory{Content: content}
				if t, ok := input["type"].(string); ok {
					mem.Type = models.MemoryType(t)
				}
				if imp, ok := input["importance"].(float64); ok {
					mem.ImportanceScore = imp
				}
				saved, err := ops.Save(ctx, mem)
				if errors.Is(err, memory.ErrDuplicate) {
					return "already known", nil
				}
				if err != nil {
					return "", err
				}
				return "saved memory " + saved.ID, nil
			},
		},
		&FuncTool{
			ToolName:        "search_memory",
			ToolDescription: "Search stored memories and past episodes for relevant context.",
			ToolCategory:    "memory",
			ToolSchema: json.RawMessage(`{
				"type": "object",
				"properties": {"query": {"type": "string"}},
				"required": ["query"]
			}`),
			Fn: func(ctx context.Context, input map[string]any) (string, error) {
				query, _ := input["query"].(string)
				out := ops.Retrieve(ctx, query)
				if out == "" {
					return "no relevant memories found", nil
				}
				return out, nil
			},
		},
		&FuncTool{
			ToolName:        "get_scratchpad",
			ToolDescription: "Read the current working-state scratchpad (focus, open questions, next steps).",
			ToolCategory:    "memory",
			ToolSchema:      json.RawMessage(`{"type": "object", "properties": {}}`),
			Fn: func(ctx context.Context, input map[string]any) (string, error) {
				session, ok := SessionFromContext(ctx)
				if !ok {
					return "", fmt.Errorf("no session bound")
				}
				pad, err := ops.Scratchpad(ctx, session.UserID)
				if errors.Is(err, memory.ErrNotFound) {
					return "scratchpad is empty", nil
				}
				if err != nil {
					return "", err
				}
				data, err := json.MarshalIndent(pad, "", "  ")
				if err != nil {
					return "", err
				}
				return string(data), nil
			},
		},
		&FuncTool{
			ToolName:        "update_scratchpad",
			ToolDescription: "Update the working-state scratchpad fields; omitted fields are preserved.",
			ToolCategory:    "memory",
			ToolSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"content": {"type": "string"},
					"active_projects": {"type": "string"},
					"current_focus": {"type": "string"},
					"open_questions": {"type": "string"},
					"next_steps": {"type": "string"}
				}
			}`),
			Fn: func(ctx context.Context, input map[string]any) (string, error) {
				session, ok := SessionFromContext(ctx)
				if !ok {
					return "", fmt.Errorf("no session bound")
				}
				pad, err := ops.Scratchpad(ctx, session.UserID)
				if errors.Is(err, memory.ErrNotFound) {
					pad = &models.Scratchpad{UserID: session.UserID}
				} else if err != nil {
					return "", err
				}
				if v, ok := input["content"].(string); ok {
					pad.Content = v
				}
				if v, ok := input["active_projects"].(string); ok {
					pad.ActiveProjects = v
				}
				if v, ok := input["current_focus"].(string); ok {
					pad.CurrentFocus = v
				}
				if v, ok := input["open_questions"].(string); ok {
					pad.OpenQuestions = v
				}
				if v, ok := input["next_steps"].(string); ok {
					pad.NextSteps = v
				}
				if err := ops.SaveScratchpad(ctx, pad); err != nil {
					return "", err
				}
				return "scratchpad updated", nil
			},
		},
	}
}
