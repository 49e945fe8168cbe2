package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/pocketmind/pocketmind/internal/config"
	"github.com/pocketmind/pocketmind/pkg/models"
)

// anthropicBackend talks to anthropic-native endpoints through the
// official SDK.
type anthropicBackend struct {
	cfg    config.EndpointConfig
	client anthropic.Client
}

func newAnthropicBackend(cfg config.EndpointConfig) (*anthropicBackend, error) {
	apiKey := cfg.ResolveAPIKey()
	if apiKey == "" {
		return nil, fmt.Errorf("no API key for endpoint %q", cfg.Name)
	}
	options := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	return &anthropicBackend{cfg: cfg, client: anthropic.NewClient(options...)}, nil
}

func (b *anthropicBackend) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	messages, err := b.convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("anthropic: no messages to send")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = b.cfg.MaxTokens
	}
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(b.cfg.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := b.convertTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}
	if req.EnableThinking && b.cfg.HasCapability(config.CapThinking) {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(10000)
	}

	message, err := b.client.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}
	return b.convertResponse(message), nil
}

func (b *anthropicBackend) convertMessages(history []models.ChatMessage) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, msg := range history {
		if msg.Role == models.RoleSystem {
			continue
		}
		blocks := lowerBlocks(b.cfg.Provider, msg.BlockList())
		var content []anthropic.ContentBlockParamUnion
		for _, blk := range blocks {
			switch blk.Type {
			case models.BlockText:
				if blk.Text != "" {
					content = append(content, anthropic.NewTextBlock(blk.Text))
				}
			case models.BlockThinking:
				// Thinking blocks round-trip as text for non-thinking
				// replay; the API rejects unsigned thinking params.
				if blk.Signature != "" {
					content = append(content, anthropic.NewThinkingBlock(blk.Signature, blk.Text))
				}
			case models.BlockToolUse:
				input := map[string]any{}
				if len(blk.Input) > 0 {
					if err := json.Unmarshal(blk.Input, &input); err != nil {
						return nil, fmt.Errorf("tool input for %s: %w", blk.Name, err)
					}
				}
				content = append(content, anthropic.NewToolUseBlock(blk.ID, input, blk.Name))
			case models.BlockToolResult:
				content = append(content, anthropic.NewToolResultBlock(blk.ToolUseID, blk.Content, blk.IsError))
			case models.BlockImage:
				if blk.Data != "" {
					content = append(content, anthropic.NewImageBlockBase64(blk.MediaType, blk.Data))
				}
			case models.BlockDocument:
				// Anthropic ingests PDF documents inline; everything else
				// was already degraded by lowerBlocks.
				if blk.Data != "" && blk.MediaType == "application/pdf" {
					content = append(content, anthropic.NewDocumentBlock(anthropic.Base64PDFSourceParam{Data: blk.Data}))
				} else {
					content = append(content, anthropic.NewTextBlock(fmt.Sprintf("[document %s: unsupported format, skipped]", blk.FileName)))
				}
			}
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == models.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			// Tool results ride in user messages per the Anthropic shape.
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out, nil
}

func (b *anthropicBackend) convertTools(tools []ToolDef) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(tool.InputSchema) > 0 {
			if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("schema for %s: %w", tool.Name, err)
			}
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool != nil {
			param.OfTool.Description = anthropic.String(tool.Description)
		}
		out = append(out, param)
	}
	return out, nil
}

func (b *anthropicBackend) convertResponse(message *anthropic.Message) *ChatResponse {
	resp := &ChatResponse{
		StopReason: string(message.StopReason),
		Model:      string(message.Model),
		Usage: Usage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
		},
	}
	for _, block := range message.Content {
		switch block.Type {
		case "text":
			resp.Blocks = append(resp.Blocks, models.TextBlock(block.Text))
		case "thinking":
			resp.Blocks = append(resp.Blocks, models.ContentBlock{
				Type:      models.BlockThinking,
				Text:      block.Thinking,
				Signature: block.Signature,
			})
		case "tool_use":
			input := block.Input
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			resp.Blocks = append(resp.Blocks, models.ToolUseBlock(block.ID, block.Name, input))
		}
	}
	return resp
}
