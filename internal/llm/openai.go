package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pocketmind/pocketmind/internal/config"
	"github.com/pocketmind/pocketmind/internal/llm/toolparse"
	"github.com/pocketmind/pocketmind/pkg/models"
)

// openAIBackend talks to any OpenAI-compatible endpoint: OpenAI itself,
// DeepSeek, Moonshot, DashScope, OpenRouter, local llama.cpp / ollama
// servers, and the rest of the compatible universe.
type openAIBackend struct {
	cfg    config.EndpointConfig
	client *openai.Client
}

func newOpenAIBackend(cfg config.EndpointConfig) (*openAIBackend, error) {
	apiKey := cfg.ResolveAPIKey()
	if apiKey == "" && !cfg.IsLocal() {
		return nil, fmt.Errorf("no API key for endpoint %q", cfg.Name)
	}
	return &openAIBackend{cfg: cfg, client: openai.NewClientWithConfig(openAIClientConfig(cfg, apiKey))}, nil
}

// openAIClientConfig builds the SDK config: base URL override and a
// transport-level timeout backstopping the per-call context deadline.
func openAIClientConfig(cfg config.EndpointConfig, apiKey string) openai.ClientConfig {
	clientCfg := openai.DefaultConfig(apiKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	if cfg.Timeout > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second}
	}
	return clientCfg
}

func (b *openAIBackend) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	messages := b.convertMessages(req)
	if len(messages) == 0 {
		return nil, fmt.Errorf("openai: no messages to send")
	}

	oaReq := openai.ChatCompletionRequest{
		Model:    b.cfg.Model,
		Messages: messages,
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = b.cfg.MaxTokens
	}
	if maxTokens > 0 {
		oaReq.MaxTokens = maxTokens
	}
	if len(req.Tools) > 0 {
		oaReq.Tools = b.convertTools(req.Tools)
	}

	resp, err := b.client.CreateChatCompletion(ctx, oaReq)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: response has no choices")
	}
	return b.convertResponse(&resp), nil
}

func (b *openAIBackend) convertMessages(req *ChatRequest) []openai.ChatCompletionMessage {
	var out []openai.ChatCompletionMessage
	if req.System != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		blocks := lowerBlocks(b.cfg.Provider, msg.BlockList())
		switch msg.Role {
		case models.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.PlainText(),
			})
		case models.RoleAssistant:
			out = append(out, b.assistantMessage(msg, blocks))
		default:
			out = append(out, b.userMessages(blocks)...)
		}
	}
	return out
}

// assistantMessage rebuilds one assistant turn: text joins into Content,
// tool_use blocks become ToolCalls, thinking blocks ride back as
// reasoning_content so reasoning models keep their chain across turns.
func (b *openAIBackend) assistantMessage(msg models.ChatMessage, blocks []models.ContentBlock) openai.ChatCompletionMessage {
	out := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
	var texts, reasoning []string
	for _, blk := range blocks {
		switch blk.Type {
		case models.BlockText:
			if blk.Text != "" {
				texts = append(texts, blk.Text)
			}
		case models.BlockThinking:
			if blk.Text != "" {
				reasoning = append(reasoning, blk.Text)
			}
		case models.BlockToolUse:
			args := string(blk.Input)
			if args == "" {
				args = "{}"
			}
			out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
				ID:   blk.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      blk.Name,
					Arguments: args,
				},
			})
		}
	}
	out.Content = strings.Join(texts, "\n")
	out.ReasoningContent = strings.Join(reasoning, "\n")
	if out.Content == "" && len(out.ToolCalls) == 0 && msg.Content != "" {
		out.Content = msg.Content
	}
	return out
}

// userMessages expands one user turn. Tool results must ride as separate
// role=tool messages; text and media collapse into one user message with
// MultiContent when media is present.
func (b *openAIBackend) userMessages(blocks []models.ContentBlock) []openai.ChatCompletionMessage {
	var out []openai.ChatCompletionMessage
	var parts []openai.ChatMessagePart
	var texts []string
	hasMedia := false

	flush := func() {
		if len(texts) == 0 && !hasMedia {
			return
		}
		msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
		if hasMedia {
			joined := strings.Join(texts, "\n")
			if joined != "" {
				parts = append([]openai.ChatMessagePart{{
					Type: openai.ChatMessagePartTypeText,
					Text: joined,
				}}, parts...)
			}
			msg.MultiContent = parts
		} else {
			msg.Content = strings.Join(texts, "\n")
		}
		out = append(out, msg)
		parts, texts, hasMedia = nil, nil, false
	}

	for _, blk := range blocks {
		switch blk.Type {
		case models.BlockText:
			if blk.Text != "" {
				texts = append(texts, blk.Text)
			}
		case models.BlockToolResult:
			flush()
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    blk.Content,
				ToolCallID: blk.ToolUseID,
			})
		case models.BlockImage, models.BlockVideo, models.BlockAudio, models.BlockDocument:
			url := blk.URL
			if url == "" && blk.Data != "" {
				url = dataURI(blk)
			}
			if url == "" {
				continue
			}
			hasMedia = true
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    url,
					Detail: openai.ImageURLDetailAuto,
				},
			})
		}
	}
	flush()
	return out
}

func (b *openAIBackend) convertTools(tools []ToolDef) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		var params map[string]any
		if len(tool.InputSchema) > 0 {
			// Schemas were validated upstream; a bad one here degrades to
			// an empty object rather than failing the call.
			if err := json.Unmarshal(tool.InputSchema, &params); err != nil {
				params = map[string]any{"type": "object"}
			}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func (b *openAIBackend) convertResponse(resp *openai.ChatCompletionResponse) *ChatResponse {
	choice := resp.Choices[0]
	out := &ChatResponse{
		StopReason: string(choice.FinishReason),
		Model:      resp.Model,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
		ReasoningContent: choice.Message.ReasoningContent,
	}

	text := choice.Message.Content
	// Some reasoning models wrap their chain of thought in <thinking> or
	// <think> tags inline instead of using reasoning_content.
	if reasoning, rest, ok := extractThinkingTags(text); ok {
		if out.ReasoningContent == "" {
			out.ReasoningContent = reasoning
		}
		text = rest
	}

	// Compatible endpoints sometimes emit tool calls as vendor-specific
	// text markup instead of the structured tool_calls field.
	if len(choice.Message.ToolCalls) == 0 && text != "" {
		if calls, rest := toolparse.Extract(text); len(calls) > 0 {
			text = rest
			if text != "" {
				out.Blocks = append(out.Blocks, models.TextBlock(text))
				text = ""
			}
			for i, c := range calls {
				id := c.ID
				if id == "" {
					id = fmt.Sprintf("text_call_%d_%d", resp.Created, i)
				}
				out.Blocks = append(out.Blocks, models.ToolUseBlock(id, c.Name, c.Arguments))
			}
			out.StopReason = "tool_use"
			return out
		}
	}

	if text != "" {
		out.Blocks = append(out.Blocks, models.TextBlock(text))
	}
	for _, call := range choice.Message.ToolCalls {
		args := json.RawMessage(call.Function.Arguments)
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		out.Blocks = append(out.Blocks, models.ToolUseBlock(call.ID, call.Function.Name, args))
	}
	if len(choice.Message.ToolCalls) > 0 {
		out.StopReason = "tool_use"
	}
	return out
}

// extractThinkingTags splits an inline <thinking>...</thinking> or
// <think>...</think> prefix from the visible text.
func extractThinkingTags(text string) (reasoning, rest string, ok bool) {
	trimmed := strings.TrimSpace(text)
	for _, tag := range []string{"thinking", "think"} {
		open, close := "<"+tag+">", "</"+tag+">"
		if !strings.HasPrefix(trimmed, open) {
			continue
		}
		end := strings.Index(trimmed, close)
		if end < 0 {
			continue
		}
		reasoning = strings.TrimSpace(trimmed[len(open):end])
		rest = strings.TrimSpace(trimmed[end+len(close):])
		return reasoning, rest, true
	}
	return "", text, false
}
