package skills

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleSkill = `---
name: release-notes
description: Draft release notes from a git log.
triggers:
  - release notes
---

# Release notes

Collect merged changes and group them by area.
`

func TestParseSkill(t *testing.T) {
	skill, err := Parse([]byte(sampleSkill), "/skills/release-notes")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if skill.Name != "release-notes" {
		t.Errorf("name = %q", skill.Name)
	}
	if skill.Description == "" {
		t.Error("description not parsed")
	}
	if !strings.Contains(skill.Content, "group them by area") {
		t.Errorf("body not captured: %q", skill.Content)
	}
	if len(skill.Triggers) != 1 {
		t.Errorf("triggers = %v", skill.Triggers)
	}
}

func TestParseRejectsBadDefinitions(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"no frontmatter", "just a body"},
		{"unclosed frontmatter", "---\nname: x"},
		{"missing name", "---\ndescription: d\n---\nbody"},
		{"missing description", "---\nname: x\n---\nbody"},
		{"uppercase name", "---\nname: MySkill\ndescription: d\n---\nbody"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.data), ""); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

func writeSkill(t *testing.T, dir, name, description string) {
	t.Helper()
	skillDir := filepath.Join(dir, name)
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		t.Fatal(err)
	}
	content := "---\nname: " + name + "\ndescription: " + description + "\n---\nbody of " + name + "\n"
	if err := os.WriteFile(filepath.Join(skillDir, SkillFilename), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRegistryReloadPicksUpNewSkills(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "summarize", "Summarize long documents.")

	reg := NewRegistry([]string{dir}, nil)
	if err := reg.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if _, ok := reg.Get("summarize"); !ok {
		t.Fatal("skill not discovered")
	}

	// A skill installed after the first scan appears on the next reload.
	writeSkill(t, dir, "translate", "Translate between languages.")
	if err := reg.Reload(); err != nil {
		t.Fatalf("second Reload: %v", err)
	}
	if len(reg.List()) != 2 {
		t.Errorf("skills = %d, want 2", len(reg.List()))
	}

	catalog := reg.Catalog()
	if !strings.Contains(catalog, "summarize:") || !strings.Contains(catalog, "translate:") {
		t.Errorf("catalog missing entries:\n%s", catalog)
	}
}

func TestRegistrySkipsInvalidSkillDirs(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "good-skill", "Works fine.")
	badDir := filepath.Join(dir, "broken")
	if err := os.MkdirAll(badDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(badDir, SkillFilename), []byte("no frontmatter"), 0o644); err != nil {
		t.Fatal(err)
	}

	reg := NewRegistry([]string{dir}, nil)
	if err := reg.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if len(reg.List()) != 1 {
		t.Errorf("skills = %d, want 1 (broken dir skipped)", len(reg.List()))
	}
}
