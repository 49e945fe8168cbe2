package agent

import (
	"context"
	"strings"
)

// buildSystemPrompt assembles the per-turn system prompt. Every section
// is regenerated each turn so newly installed skills and freshly saved
// memories show up immediately. IM sessions omit the active-task block
// to keep scheduled-task state from bleeding into chat.
func (a *Agent) buildSystemPrompt(ctx context.Context, taskDescription string, imSession bool) string {
	var sections []string

	if a.identity != nil {
		if id := a.identity.PromptSection(); id != "" {
			sections = append(sections, id)
		}
	}

	if a.skills != nil {
		if catalog := a.skills.Catalog(); catalog != "" {
			sections = append(sections, "## Skills\nUse read_skill to load full instructions when one applies.\n"+catalog)
		}
	}

	if a.tools != nil {
		if catalog := a.tools.Catalog(); catalog != "" {
			sections = append(sections, "## Tools\n"+catalog)
		}
	}

	if a.memory != nil && taskDescription != "" {
		if mem := a.memory.Retrieve(ctx, taskDescription); mem != "" {
			sections = append(sections, mem)
		}
	}

	if !imSession && a.activeTask != "" {
		sections = append(sections, "## Active task\n"+a.activeTask)
	}

	if a.onboarding != "" {
		sections = append(sections, a.onboarding)
	}

	return strings.Join(sections, "\n\n")
}
