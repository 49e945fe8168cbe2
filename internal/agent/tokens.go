package agent

import "github.com/pocketmind/pocketmind/pkg/models"

// Token estimation runs before every model call; it only needs to be
// cheap and roughly right, so it counts characters at 4 per token and
// charges a flat price for media blocks.
const (
	charsPerToken    = 4
	imageTokenPrice  = 1000
	blockTokenFloor  = 4
	messageOverhead  = 4
)

// estimateMessageTokens estimates one message.
func estimateMessageTokens(m models.ChatMessage) int {
	total := messageOverhead
	if len(m.Blocks) == 0 {
		return total + len(m.Content)/charsPerToken
	}
	for _, b := range m.Blocks {
		total += estimateBlockTokens(b)
	}
	return total
}

func estimateBlockTokens(b models.ContentBlock) int {
	switch b.Type {
	case models.BlockImage, models.BlockVideo, models.BlockAudio, models.BlockDocument:
		return imageTokenPrice
	case models.BlockToolUse:
		return blockTokenFloor + (len(b.Name)+len(b.Input))/charsPerToken
	case models.BlockToolResult:
		return blockTokenFloor + len(b.Content)/charsPerToken
	default:
		return blockTokenFloor + len(b.Text)/charsPerToken
	}
}

// estimateTokens estimates a whole message list.
func estimateTokens(messages []models.ChatMessage) int {
	total := 0
	for _, m := range messages {
		total += estimateMessageTokens(m)
	}
	return total
}
