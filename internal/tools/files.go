package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const maxFileReadBytes = 256 * 1024

// FileTools builds the file operation tools confined to a workspace root.
func FileTools(root string) []Tool {
	ws := &workspace{root: root}
	return []Tool{
		&FuncTool{
			ToolName:        "read_file",
			ToolDescription: "Read a text file from the workspace. Input: path (relative to workspace).",
			ToolCategory:    "files",
			ToolSchema: json.RawMessage(`{
				"type": "object",
				"properties": {"path": {"type": "string"}},
				"required": ["path"]
			}`),
			Fn: ws.readFile,
		},
		&FuncTool{
			ToolName:        "write_file",
			ToolDescription: "Write content to a file in the workspace, creating parent directories.",
			ToolCategory:    "files",
			ToolSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string"},
					"content": {"type": "string"},
					"append": {"type": "boolean"}
				},
				"required": ["path", "content"]
			}`),
			Fn: ws.writeFile,
		},
		&FuncTool{
			ToolName:        "list_dir",
			ToolDescription: "List a workspace directory. Input: path (default workspace root).",
			ToolCategory:    "files",
			ToolSchema: json.RawMessage(`{
				"type": "object",
				"properties": {"path": {"type": "string"}}
			}`),
			Fn: ws.listDir,
		},
	}
}

type workspace struct {
	root string
}

// resolve confines a relative path to the workspace root.
func (w *workspace) resolve(rel string) (string, error) {
	if w.root == "" {
		return "", fmt.Errorf("no workspace configured")
	}
	full := filepath.Join(w.root, filepath.Clean("/"+rel))
	abs, err := filepath.Abs(full)
	if err != nil {
		return "", err
	}
	rootAbs, err := filepath.Abs(w.root)
	if err != nil {
		return "", err
	}
	if abs != rootAbs && !strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", rel)
	}
	return abs, nil
}

func (w *workspace) readFile(ctx context.Context, input map[string]any) (string, error) {
	path, _ := input["path"].(string)
	full, err := w.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", err
	}
	if len(data) > maxFileReadBytes {
		return string(data[:maxFileReadBytes]) + "\n[truncated…]", nil
	}
	return string(data), nil
}

func (w *workspace) writeFile(ctx context.Context, input map[string]any) (string, error) {
	path, _ := input["path"].(string)
	content, _ := input["content"].(string)
	appendMode, _ := input["append"].(bool)

	full, err := w.resolve(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", err
	}
	if appendMode {
		f, err := os.OpenFile(full, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return "", err
		}
		defer f.Close()
		if _, err := f.WriteString(content); err != nil {
			return "", err
		}
	} else if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
}

func (w *workspace) listDir(ctx context.Context, input map[string]any) (string, error) {
	path, _ := input["path"].(string)
	full, err := w.resolve(path)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "(empty)", nil
	}
	return strings.Join(names, "\n"), nil
}
