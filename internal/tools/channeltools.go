package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pocketmind/pocketmind/pkg/models"
)

// ChannelOps is the slice of the gateway the channel tools need.
type ChannelOps interface {
	SendText(ctx context.Context, channel, chatID, text string) error
	SendFile(ctx context.Context, channel, chatID, path, caption string) error
	ChatHistory(ctx context.Context, channel, chatID string, limit int) ([]models.ChatMessage, error)
}

// ChannelTools builds the IM channel tools. They resolve the target chat
// from the bound session unless an explicit chat_id is given.
func ChannelTools(ops ChannelOps) []Tool {
	return []Tool{
		&FuncTool{
			ToolName:        "send_to_chat",
			ToolDescription: "Send a message to the current chat immediately, before the final answer.",
			ToolCategory:    "channel",
			ToolSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"text": {"type": "string"},
					"chat_id": {"type": "string"}
				},
				"required": ["text"]
			}`),
			Fn: func(ctx context.Context, input map[string]any) (string, error) {
				channel, chatID, err := resolveChat(ctx, input)
				if err != nil {
					return "", err
				}
				text, _ := input["text"].(string)
				if strings.TrimSpace(text) == "" {
					return "", fmt.Errorf("text is required")
				}
				if err := ops.SendText(ctx, channel, chatID, text); err != nil {
					return "", err
				}
				return "sent", nil
			},
		},
		&FuncTool{
			ToolName:        "send_file_to_chat",
			ToolDescription: "Send a local file to the current chat.",
			ToolCategory:    "channel",
			ToolSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string"},
					"caption": {"type": "string"},
					"chat_id": {"type": "string"}
				},
				"required": ["path"]
			}`),
			Fn: func(ctx context.Context, input map[string]any) (string, error) {
				channel, chatID, err := resolveChat(ctx, input)
				if err != nil {
					return "", err
				}
				path, _ := input["path"].(string)
				caption, _ := input["caption"].(string)
				if err := ops.SendFile(ctx, channel, chatID, path, caption); err != nil {
					return "", err
				}
				return "file sent", nil
			},
		},
		&FuncTool{
			ToolName:        "get_chat_history",
			ToolDescription: "Read recent messages from the current chat session.",
			ToolCategory:    "channel",
			ToolSchema: json.RawMessage(`{
				"type": "object",
				"properties": {"limit": {"type": "number"}}
			}`),
			Fn: func(ctx context.Context, input map[string]any) (string, error) {
				channel, chatID, err := resolveChat(ctx, input)
				if err != nil {
					return "", err
				}
				limit := 20
				if n, ok := input["limit"].(float64); ok && n > 0 {
					limit = int(n)
				}
				history, err := ops.ChatHistory(ctx, channel, chatID, limit)
				if err != nil {
					return "", err
				}
				if len(history) == 0 {
					return "no history", nil
				}
				var b strings.Builder
				for _, m := range history {
					fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.PlainText())
				}
				return strings.TrimRight(b.String(), "\n"), nil
			},
		},
		&FuncTool{
			ToolName:        "get_image_file",
			ToolDescription: "Get the local path of an image the user recently sent.",
			ToolCategory:    "channel",
			ToolSchema: json.RawMessage(`{
				"type": "object",
				"properties": {"index": {"type": "number"}}
			}`),
			Fn: func(ctx context.Context, input map[string]any) (string, error) {
				return pendingMedia(ctx, input, "pending_images", "image")
			},
		},
		&FuncTool{
			ToolName:        "get_voice_file",
			ToolDescription: "Get the local path of a voice message the user recently sent.",
			ToolCategory:    "channel",
			ToolSchema: json.RawMessage(`{
				"type": "object",
				"properties": {"index": {"type": "number"}}
			}`),
			Fn: func(ctx context.Context, input map[string]any) (string, error) {
				return pendingMedia(ctx, input, "pending_voices", "voice message")
			},
		},
	}
}

func resolveChat(ctx context.Context, input map[string]any) (channel, chatID string, err error) {
	session, ok := SessionFromContext(ctx)
	if !ok {
		return "", "", fmt.Errorf("no session bound")
	}
	channel = session.Channel
	chatID = session.ChatID
	if explicit, ok := input["chat_id"].(string); ok && explicit != "" {
		chatID = explicit
	}
	if channel == "" || chatID == "" {
		return "", "", fmt.Errorf("no target chat")
	}
	return channel, chatID, nil
}

// pendingMedia reads the gateway-decorated media list from session
// metadata.
func pendingMedia(ctx context.Context, input map[string]any, metaKey, kind string) (string, error) {
	session, ok := SessionFromContext(ctx)
	if !ok {
		return "", fmt.Errorf("no session bound")
	}
	raw, ok := session.Meta(metaKey)
	if !ok {
		return "", fmt.Errorf("no pending %s in this conversation", kind)
	}
	refs, ok := raw.([]models.MediaRef)
	if !ok || len(refs) == 0 {
		return "", fmt.Errorf("no pending %s in this conversation", kind)
	}
	idx := len(refs) - 1 // newest by default
	if n, ok := input["index"].(float64); ok && int(n) >= 0 && int(n) < len(refs) {
		idx = int(n)
	}
	ref := refs[idx]
	if ref.DurationS > 0 {
		return fmt.Sprintf("%s (%s, %.0fs)", ref.LocalPath, ref.MimeType, ref.DurationS), nil
	}
	return ref.LocalPath, nil
}
