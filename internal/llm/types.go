package llm

import (
	"encoding/json"

	"github.com/pocketmind/pocketmind/internal/config"
	"github.com/pocketmind/pocketmind/pkg/models"
)

// ToolDef describes one tool offered to the model.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ChatRequest is the normalized request shape shared by all providers.
type ChatRequest struct {
	// ConversationID keys per-conversation overrides and endpoint
	// affinity; empty for one-off calls.
	ConversationID string

	Messages       []models.ChatMessage
	System         string
	Tools          []ToolDef
	MaxTokens      int
	EnableThinking bool
}

// HasToolContext reports whether the history carries tool_use or
// tool_result blocks anywhere.
func (r *ChatRequest) HasToolContext() bool {
	for _, m := range r.Messages {
		if m.HasToolContext() {
			return true
		}
	}
	return false
}

// RequiredCapabilities infers the capability set from the request content.
func (r *ChatRequest) RequiredCapabilities() []config.Capability {
	caps := []config.Capability{config.CapText}
	if len(r.Tools) > 0 {
		caps = append(caps, config.CapTools)
	}
	if r.EnableThinking {
		caps = append(caps, config.CapThinking)
	}
	var vision, video, audio bool
	for _, m := range r.Messages {
		for _, b := range m.Blocks {
			switch b.Type {
			case models.BlockImage:
				vision = true
			case models.BlockVideo:
				video = true
			case models.BlockAudio:
				audio = true
			}
		}
	}
	if vision {
		caps = append(caps, config.CapVision)
	}
	if video {
		caps = append(caps, config.CapVideo)
	}
	if audio {
		caps = append(caps, config.CapAudio)
	}
	return caps
}

// Usage reports token accounting for one response.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ChatResponse is the normalized provider response.
type ChatResponse struct {
	Blocks     []models.ContentBlock `json:"blocks"`
	StopReason string                `json:"stop_reason,omitempty"`
	Model      string                `json:"model,omitempty"`
	Endpoint   string                `json:"endpoint,omitempty"`
	Usage      Usage                 `json:"usage"`

	// ReasoningContent carries out-of-band reasoning from providers that
	// return it separately from content blocks.
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// Text concatenates the response's text blocks.
func (r *ChatResponse) Text() string {
	var out string
	for _, b := range r.Blocks {
		if b.Type == models.BlockText {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out
}

// ToolUses returns the tool_use blocks in order.
func (r *ChatResponse) ToolUses() []models.ContentBlock {
	var out []models.ContentBlock
	for _, b := range r.Blocks {
		if b.Type == models.BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}
