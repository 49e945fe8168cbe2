package models

import (
	"fmt"
	"testing"
)

func TestSessionHistoryBounded(t *testing.T) {
	s := NewSession("s1", SessionKey{Channel: "telegram", ChatID: "c", UserID: "u"}, 3)
	for i := 0; i < 5; i++ {
		s.Append(UserText(fmt.Sprintf("msg %d", i)))
	}
	history := s.History()
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	if history[0].PlainText() != "msg 2" {
		t.Errorf("oldest surviving message = %q", history[0].PlainText())
	}
}

func TestSessionMetaLifecycle(t *testing.T) {
	s := NewSession("s1", SessionKey{}, 10)
	if _, ok := s.Meta("pending_images"); ok {
		t.Error("fresh session has metadata")
	}
	s.SetMeta("pending_images", 2)
	if v, ok := s.Meta("pending_images"); !ok || v.(int) != 2 {
		t.Errorf("Meta = %v, %v", v, ok)
	}
	s.DeleteMeta("pending_images")
	if _, ok := s.Meta("pending_images"); ok {
		t.Error("metadata survived delete")
	}
}

func TestPlainTextSkipsNonTextBlocks(t *testing.T) {
	msg := ChatMessage{Role: RoleAssistant, Blocks: []ContentBlock{
		{Type: BlockThinking, Text: "pondering"},
		TextBlock("hello"),
		ToolUseBlock("t1", "shell", nil),
		TextBlock("world"),
	}}
	if got := msg.PlainText(); got != "hello\nworld" {
		t.Errorf("PlainText = %q", got)
	}
	if !msg.HasToolContext() {
		t.Error("tool_use block not detected")
	}
}

func TestIsSystem(t *testing.T) {
	if !(&ScheduledTask{Action: "system:daily_memory"}).IsSystem() {
		t.Error("system action not detected")
	}
	if (&ScheduledTask{Action: "cleanup"}).IsSystem() {
		t.Error("plain action flagged as system")
	}
	if (&ScheduledTask{Action: "system:"}).IsSystem() {
		t.Error("empty handler name flagged as system")
	}
}
