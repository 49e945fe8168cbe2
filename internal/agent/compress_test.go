package agent

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/pocketmind/pocketmind/internal/llm"
	"github.com/pocketmind/pocketmind/pkg/models"
)

type fixedSummarizer struct{ summary string }

func (f *fixedSummarizer) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Blocks: []models.ContentBlock{models.TextBlock(f.summary)}}, nil
}

func longConversation(n int) []models.ChatMessage {
	out := make([]models.ChatMessage, 0, n)
	for i := 0; i < n; i++ {
		text := fmt.Sprintf("message %d: %s", i, strings.Repeat("word ", 50))
		if i%2 == 0 {
			out = append(out, models.UserText(text))
		} else {
			out = append(out, models.AssistantText(text))
		}
	}
	return out
}

func TestEstimateTokensChargesMediaFlat(t *testing.T) {
	text := models.UserText(strings.Repeat("a", 400))
	if got := estimateMessageTokens(text); got < 100 || got > 110 {
		t.Errorf("text estimate = %d", got)
	}
	img := models.ChatMessage{Role: models.RoleUser, Blocks: []models.ContentBlock{
		{Type: models.BlockImage, Data: "tiny"},
	}}
	if got := estimateMessageTokens(img); got < imageTokenPrice {
		t.Errorf("image estimate = %d, want >= %d", got, imageTokenPrice)
	}
}

func TestCompressKeepsRecentMessagesVerbatim(t *testing.T) {
	c := newCompressor(&fixedSummarizer{summary: "they discussed deployment plans"}, 500, nil)
	messages := longConversation(30)

	out := c.Compress(context.Background(), messages)
	if len(out) >= len(messages) {
		t.Fatalf("no compression: %d -> %d", len(messages), len(out))
	}
	if !strings.HasPrefix(out[0].PlainText(), "Previous conversation summary:") {
		t.Errorf("first message = %q", out[0].PlainText())
	}
	if out[1].PlainText() != "ok, continue" {
		t.Errorf("second message = %q", out[1].PlainText())
	}
	// The newest messages survive untouched at the end.
	last := out[len(out)-1].PlainText()
	if !strings.HasPrefix(last, "message 29:") {
		t.Errorf("last message = %.40q", last)
	}
}

func TestCompressNeverSplitsToolPairs(t *testing.T) {
	c := newCompressor(&fixedSummarizer{summary: "s"}, 100000, nil)
	messages := longConversation(8)
	messages = append(messages,
		models.ChatMessage{Role: models.RoleAssistant, Blocks: []models.ContentBlock{
			models.ToolUseBlock("t1", "echo", nil),
		}},
		models.ChatMessage{Role: models.RoleUser, Blocks: []models.ContentBlock{
			models.ToolResultBlock("t1", "result", false),
		}},
	)
	messages = append(messages, longConversation(6)...)

	out := c.Compress(context.Background(), messages)
	for i, m := range out {
		if startsWithToolResult(m) && i == 2 {
			// First real message after the summary exchange must not be
			// an orphaned tool_result.
			t.Errorf("tool_result orphaned at boundary")
		}
	}
}

func TestTruncateOldestMarksCuts(t *testing.T) {
	c := newCompressor(nil, 50, nil)
	messages := []models.ChatMessage{
		models.UserText(strings.Repeat("old ", 300)),
		models.UserText("recent and short"),
	}
	out := c.truncateOldest(messages)
	if !strings.HasSuffix(out[0].Content, truncationMarker) {
		t.Errorf("no truncation marker: %.40q", out[0].Content)
	}
	if out[1].Content != "recent and short" {
		t.Errorf("recent message modified: %q", out[1].Content)
	}
}

func TestSummarizeFallsBackWithoutLLM(t *testing.T) {
	c := newCompressor(nil, 500, nil)
	out := c.Compress(context.Background(), longConversation(30))
	if len(out) == 0 || !strings.HasPrefix(out[0].PlainText(), "Previous conversation summary:") {
		t.Errorf("fallback summary missing: %+v", out[0])
	}
}
