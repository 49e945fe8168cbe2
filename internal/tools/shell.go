package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	defaultShellTimeout = 60 * time.Second
	maxShellTimeout     = 300 * time.Second
	maxShellOutput      = 32 * 1024
)

// ShellTool builds the shell execution tool rooted at the workspace.
func ShellTool(workdir string) Tool {
	return &FuncTool{
		ToolName:        "run_shell",
		ToolDescription: "Run a shell command in the workspace. Input: command, optional timeout_seconds (max 300).",
		ToolCategory:    "system",
		ToolSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"command": {"type": "string"},
				"timeout_seconds": {"type": "number"}
			},
			"required": ["command"]
		}`),
		Fn: func(ctx context.Context, input map[string]any) (string, error) {
			command, _ := input["command"].(string)
			if strings.TrimSpace(command) == "" {
				return "", fmt.Errorf("command is required")
			}
			timeout := defaultShellTimeout
			if secs, ok := input["timeout_seconds"].(float64); ok && secs > 0 {
				timeout = time.Duration(secs * float64(time.Second))
				if timeout > maxShellTimeout {
					timeout = maxShellTimeout
				}
			}

			runCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			cmd := exec.CommandContext(runCtx, "sh", "-c", command)
			cmd.Dir = workdir
			var out bytes.Buffer
			cmd.Stdout = &out
			cmd.Stderr = &out

			err := cmd.Run()
			text := out.String()
			if len(text) > maxShellOutput {
				text = text[:maxShellOutput] + "\n[truncated…]"
			}
			if runCtx.Err() == context.DeadlineExceeded {
				return "", fmt.Errorf("command timed out after %s\n%s", timeout, text)
			}
			if err != nil {
				return "", fmt.Errorf("%v\n%s", err, text)
			}
			if text == "" {
				return "(no output)", nil
			}
			return text, nil
		},
	}
}
