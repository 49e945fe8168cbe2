package agent

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/pocketmind/pocketmind/internal/llm"
	"github.com/pocketmind/pocketmind/pkg/models"
)

// trivialMessageRe filters messages not worth compiling: greetings,
// acknowledgements, and one-liners.
var trivialMessageRe = regexp.MustCompile(`(?i)^\s*(hi|hello|hey|yo|thanks?|thank you|ok(ay)?|yes|no|sure|good (morning|night|evening)|bye)[\s!.?]*$`)

const compilerMinLength = 20

const compilerPrompt = `Rewrite the user request below as a YAML task definition with exactly these keys:
task_type, goal, given_inputs, missing_inputs, constraints, output_requirements, risks.
Keep values short. Output only the YAML.

Request:
`

// promptCompiler turns a raw user message into a structured task
// definition via an isolated lightweight-model call. It never sees the
// conversation history and its output never enters it either, except as
// a prefix on the one compiled message.
type promptCompiler struct {
	llm    Chatter
	logger *slog.Logger
}

func newPromptCompiler(chatter Chatter, logger *slog.Logger) *promptCompiler {
	if logger == nil {
		logger = slog.Default()
	}
	return &promptCompiler{llm: chatter, logger: logger}
}

// shouldCompile applies the triviality filter.
func (p *promptCompiler) shouldCompile(text string) bool {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < compilerMinLength {
		return false
	}
	return !trivialMessageRe.MatchString(trimmed)
}

// Compile returns the message with the compiled task definition
// prepended, or the original message when compilation is skipped or
// fails.
func (p *promptCompiler) Compile(ctx context.Context, text string) string {
	if p.llm == nil || !p.shouldCompile(text) {
		return text
	}
	resp, err := p.llm.Chat(ctx, &llm.ChatRequest{
		Messages:  []models.ChatMessage{models.UserText(compilerPrompt + text)},
		MaxTokens: 400,
	})
	if err != nil {
		p.logger.Debug("prompt compilation failed", "error", err)
		return text
	}
	compiled := strings.TrimSpace(resp.Text())
	compiled = strings.TrimPrefix(compiled, "```yaml")
	compiled = strings.TrimPrefix(compiled, "```")
	compiled = strings.TrimSuffix(compiled, "```")
	compiled = strings.TrimSpace(compiled)
	if compiled == "" || !strings.Contains(compiled, "goal:") {
		return text
	}
	return "## Compiled task\n```yaml\n" + compiled + "\n```\n\n" + text
}
