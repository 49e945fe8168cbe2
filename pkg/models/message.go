// Package models defines the shared wire types used across the pocketmind
// runtime: chat messages and content blocks, channel messages, sessions,
// scheduled tasks, and memory entities.
package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// BlockType discriminates content block variants.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockImage      BlockType = "image"
	BlockVideo      BlockType = "video"
	BlockAudio      BlockType = "audio"
	BlockDocument   BlockType = "document"
)

// ContentBlock is one element of a structured message body. The populated
// fields depend on Type; unrelated fields stay zero and are omitted on the
// wire.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// Text content (BlockText) or thinking content (BlockThinking).
	Text string `json:"text,omitempty"`

	// Signature carries provider thinking-block signatures that must be
	// echoed back for interleaved-thinking continuity.
	Signature string `json:"signature,omitempty"`

	// Tool use (BlockToolUse).
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// Tool result (BlockToolResult).
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// Media (BlockImage, BlockVideo, BlockAudio, BlockDocument).
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"` // base64
	URL       string `json:"url,omitempty"`
	FileName  string `json:"file_name,omitempty"`
}

// TextBlock builds a plain text block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock builds a tool invocation block.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a tool result block.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// ChatMessage is one turn in the normalized conversation shape shared by
// all providers. Either Content (plain string) or Blocks is set; Blocks
// wins when non-empty.
type ChatMessage struct {
	Role    Role           `json:"role"`
	Content string         `json:"content,omitempty"`
	Blocks  []ContentBlock `json:"blocks,omitempty"`

	// ReasoningContent holds out-of-band reasoning returned by providers
	// that do not inline thinking blocks.
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// UserText builds a plain user message.
func UserText(text string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: text}
}

// AssistantText builds a plain assistant message.
func AssistantText(text string) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: text}
}

// BlockList returns the message body as content blocks, lifting a plain
// string body into a single text block.
func (m ChatMessage) BlockList() []ContentBlock {
	if len(m.Blocks) > 0 {
		return m.Blocks
	}
	if m.Content == "" {
		return nil
	}
	return []ContentBlock{TextBlock(m.Content)}
}

// PlainText concatenates the text blocks of the message, skipping thinking
// and tool blocks.
func (m ChatMessage) PlainText() string {
	if len(m.Blocks) == 0 {
		return m.Content
	}
	var out string
	for _, b := range m.Blocks {
		if b.Type == BlockText {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out
}

// HasToolContext reports whether any block in the message is a tool_use or
// tool_result. Tool context pins routing to a single endpoint.
func (m ChatMessage) HasToolContext() bool {
	for _, b := range m.Blocks {
		if b.Type == BlockToolUse || b.Type == BlockToolResult {
			return true
		}
	}
	return false
}

// MediaRef points at a media file received from or destined for a channel.
type MediaRef struct {
	LocalPath   string  `json:"local_path"`
	MediaType   string  `json:"media_type,omitempty"`
	MimeType    string  `json:"mime_type,omitempty"`
	Description string  `json:"description,omitempty"`
	DurationS   float64 `json:"duration_s,omitempty"`
}

// IncomingMessage is the unified inbound shape every channel adapter
// produces for the gateway.
type IncomingMessage struct {
	Channel     string     `json:"channel"`
	ChatID      string     `json:"chat_id"`
	UserID      string     `json:"user_id"`
	Text        string     `json:"text"`
	Images      []MediaRef `json:"images,omitempty"`
	Voices      []MediaRef `json:"voices,omitempty"`
	Attachments []MediaRef `json:"attachments,omitempty"`
	Raw         any        `json:"-"`
	ReceivedAt  time.Time  `json:"received_at"`
}
