package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pocketmind/pocketmind/internal/llm"
	"github.com/pocketmind/pocketmind/pkg/models"
)

const (
	// defaultTokenBudget is the context budget before the output reserve.
	defaultTokenBudget = 180000
	outputReserve      = 8000

	// minRecentTurns pairs of messages stay verbatim through compression.
	minRecentTurns = 4

	// proactiveRatio triggers compression before the hard budget is hit.
	proactiveRatio = 0.7

	truncationMarker = "[truncated…]"
)

// compressor shrinks a message list under the token budget by
// summarizing old turns into a synthetic exchange, then truncating block
// content as a last resort.
type compressor struct {
	llm    Chatter
	logger *slog.Logger
	budget int
	recent int // message pairs kept verbatim; 0 means minRecentTurns
}

func newCompressor(chatter Chatter, budget int, logger *slog.Logger) *compressor {
	if budget <= 0 {
		budget = defaultTokenBudget - outputReserve
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &compressor{llm: chatter, logger: logger, budget: budget}
}

// overBudget reports whether the list exceeds the hard budget.
func (c *compressor) overBudget(messages []models.ChatMessage) bool {
	return estimateTokens(messages) > c.budget
}

// shouldCompact reports whether the list crossed the proactive threshold.
func (c *compressor) shouldCompact(messages []models.ChatMessage) bool {
	return float64(estimateTokens(messages)) > float64(c.budget)*proactiveRatio
}

// Compress returns a list within budget. The most recent messages stay
// verbatim; everything older is folded into a summary exchange.
func (c *compressor) Compress(ctx context.Context, messages []models.ChatMessage) []models.ChatMessage {
	recent := c.recent
	if recent <= 0 {
		recent = minRecentTurns
	}
	keep := recent * 2
	if len(messages) <= keep {
		return c.truncateOldest(messages)
	}

	boundary := len(messages) - keep
	// Never split an assistant tool_use from its tool_result reply.
	for boundary > 0 && startsWithToolResult(messages[boundary]) {
		boundary--
	}
	if boundary <= 0 {
		return c.truncateOldest(messages)
	}

	head := messages[:boundary]
	tail := messages[boundary:]

	summary := c.summarize(ctx, head)
	compressed := make([]models.ChatMessage, 0, len(tail)+2)
	compressed = append(compressed,
		models.UserText("Previous conversation summary: "+summary),
		models.AssistantText("ok, continue"),
	)
	compressed = append(compressed, tail...)

	if c.overBudget(compressed) {
		compressed = c.truncateOldest(compressed)
	}
	return compressed
}

func startsWithToolResult(m models.ChatMessage) bool {
	for _, b := range m.Blocks {
		if b.Type == models.BlockToolResult {
			return true
		}
	}
	return false
}

// summarize folds old messages into a short prose summary via the
// lightweight model; a plain transcript cut is the fallback.
func (c *compressor) summarize(ctx context.Context, head []models.ChatMessage) string {
	transcript := renderTranscript(head, 12000)
	if c.llm != nil {
		resp, err := c.llm.Chat(ctx, &llm.ChatRequest{
			Messages: []models.ChatMessage{models.UserText(
				"Summarize the following conversation in a few sentences, keeping decisions, " +
					"facts, open items, and tool outcomes that matter for continuing it:\n\n" + transcript)},
			MaxTokens: 500,
		})
		if err == nil {
			if text := strings.TrimSpace(resp.Text()); text != "" {
				return text
			}
		} else {
			c.logger.Debug("summary call failed, using transcript cut", "error", err)
		}
	}
	if len(transcript) > 1500 {
		transcript = transcript[:1500] + truncationMarker
	}
	return transcript
}

// truncateOldest trims block content from the front of the list until
// the estimate fits, marking each cut.
func (c *compressor) truncateOldest(messages []models.ChatMessage) []models.ChatMessage {
	if !c.overBudget(messages) {
		return messages
	}
	out := make([]models.ChatMessage, len(messages))
	copy(out, messages)

	for i := range out {
		if !c.overBudget(out) {
			break
		}
		out[i] = truncateMessage(out[i])
	}
	return out
}

func truncateMessage(m models.ChatMessage) models.ChatMessage {
	const maxLen = 400
	if len(m.Blocks) == 0 {
		if len(m.Content) > maxLen {
			m.Content = m.Content[:maxLen] + truncationMarker
		}
		return m
	}
	blocks := make([]models.ContentBlock, len(m.Blocks))
	copy(blocks, m.Blocks)
	for i, b := range blocks {
		switch b.Type {
		case models.BlockText, models.BlockThinking:
			if len(b.Text) > maxLen {
				blocks[i].Text = b.Text[:maxLen] + truncationMarker
			}
		case models.BlockToolResult:
			if len(b.Content) > maxLen {
				blocks[i].Content = b.Content[:maxLen] + truncationMarker
			}
		}
	}
	m.Blocks = blocks
	return m
}

// renderTranscript flattens messages to a plain-text transcript capped at
// maxChars.
func renderTranscript(messages []models.ChatMessage, maxChars int) string {
	var b strings.Builder
	for _, m := range messages {
		text := m.PlainText()
		if text == "" {
			for _, blk := range m.Blocks {
				if blk.Type == models.BlockToolUse {
					text = fmt.Sprintf("(called tool %s)", blk.Name)
					break
				}
				if blk.Type == models.BlockToolResult {
					text = "(tool result) " + blk.Content
					break
				}
			}
		}
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, text)
		if b.Len() > maxChars {
			break
		}
	}
	out := b.String()
	if len(out) > maxChars {
		out = out[:maxChars]
	}
	return out
}
