package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pocketmind/pocketmind/pkg/models"
)

func echoTool(name, category string) Tool {
	return &FuncTool{
		ToolName:        name,
		ToolDescription: "echoes its input",
		ToolCategory:    category,
		ToolSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"text": {"type": "string"}},
			"required": ["text"]
		}`),
		Fn: func(ctx context.Context, input map[string]any) (string, error) {
			text, _ := input["text"].(string)
			return text, nil
		},
	}
}

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(echoTool("echo", "test")); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(echoTool("echo", "test")); err == nil {
		t.Fatal("duplicate registration accepted")
	}
}

func TestRegistryRejectsInvalidSchema(t *testing.T) {
	r := NewRegistry(nil)
	err := r.Register(&FuncTool{
		ToolName:   "bad",
		ToolSchema: json.RawMessage(`{"type": 42}`),
		Fn:         func(ctx context.Context, input map[string]any) (string, error) { return "", nil },
	})
	if err == nil {
		t.Fatal("invalid schema accepted")
	}
}

func TestExecuteValidatesInput(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(echoTool("echo", "test")); err != nil {
		t.Fatalf("register: %v", err)
	}

	out, err := r.Execute(context.Background(), "echo", json.RawMessage(`{"text":"hello"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "hello" {
		t.Errorf("out = %q", out)
	}

	// Missing required field fails validation before the handler runs.
	if _, err := r.Execute(context.Background(), "echo", json.RawMessage(`{}`)); err == nil {
		t.Error("missing required field accepted")
	}
	if _, err := r.Execute(context.Background(), "nope", nil); err == nil {
		t.Error("unknown tool accepted")
	}
}

func TestExecuteRecoversPanics(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(&FuncTool{
		ToolName: "explode",
		Fn: func(ctx context.Context, input map[string]any) (string, error) {
			panic("boom")
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := r.Execute(context.Background(), "explode", nil)
	if err == nil || !strings.Contains(err.Error(), "panicked") {
		t.Errorf("panic not converted to error: %v", err)
	}
}

func TestCatalogGroupsByCategory(t *testing.T) {
	r := NewRegistry(nil)
	r.MustRegister(echoTool("b_tool", "beta"))
	r.MustRegister(echoTool("a_tool", "alpha"))

	catalog := r.Catalog()
	alphaIdx := strings.Index(catalog, "### alpha")
	betaIdx := strings.Index(catalog, "### beta")
	if alphaIdx < 0 || betaIdx < 0 || alphaIdx > betaIdx {
		t.Errorf("catalog not grouped/sorted:\n%s", catalog)
	}
	if !strings.Contains(catalog, "- a_tool: echoes its input") {
		t.Errorf("catalog missing entry:\n%s", catalog)
	}
}

func TestFileToolsStayInsideWorkspace(t *testing.T) {
	root := t.TempDir()
	r := NewRegistry(nil)
	for _, tool := range FileTools(root) {
		r.MustRegister(tool)
	}
	ctx := context.Background()

	if _, err := r.Execute(ctx, "write_file",
		json.RawMessage(`{"path":"notes/todo.txt","content":"ship it"}`)); err != nil {
		t.Fatalf("write_file: %v", err)
	}
	out, err := r.Execute(ctx, "read_file", json.RawMessage(`{"path":"notes/todo.txt"}`))
	if err != nil {
		t.Fatalf("read_file: %v", err)
	}
	if out != "ship it" {
		t.Errorf("read back %q", out)
	}

	// Path traversal is confined to the root, not an escape.
	if _, err := r.Execute(ctx, "read_file", json.RawMessage(`{"path":"../../etc/passwd"}`)); err == nil {
		if _, statErr := os.Stat(filepath.Join(root, "etc/passwd")); statErr != nil {
			t.Error("traversal read escaped the workspace")
		}
	}

	listing, err := r.Execute(ctx, "list_dir", json.RawMessage(`{"path":"notes"}`))
	if err != nil {
		t.Fatalf("list_dir: %v", err)
	}
	if !strings.Contains(listing, "todo.txt") {
		t.Errorf("listing = %q", listing)
	}
}

func TestPendingMediaReadsSessionMetadata(t *testing.T) {
	session := models.NewSession("s1", models.SessionKey{Channel: "telegram", ChatID: "c1", UserID: "u1"}, 50)
	session.SetMeta("pending_images", []models.MediaRef{
		{LocalPath: "/tmp/a.jpg", MimeType: "image/jpeg"},
		{LocalPath: "/tmp/b.jpg", MimeType: "image/jpeg"},
	})
	ctx := WithSession(context.Background(), session)

	out, err := pendingMedia(ctx, map[string]any{}, "pending_images", "image")
	if err != nil {
		t.Fatalf("pendingMedia: %v", err)
	}
	if out != "/tmp/b.jpg" {
		t.Errorf("default should be newest, got %q", out)
	}
	out, err = pendingMedia(ctx, map[string]any{"index": float64(0)}, "pending_images", "image")
	if err != nil {
		t.Fatalf("pendingMedia indexed: %v", err)
	}
	if out != "/tmp/a.jpg" {
		t.Errorf("indexed fetch got %q", out)
	}

	if _, err := pendingMedia(ctx, map[string]any{}, "pending_voices", "voice message"); err == nil {
		t.Error("missing media kind should error")
	}
}
