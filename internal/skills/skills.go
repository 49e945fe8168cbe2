// Package skills discovers SKILL.md definition files and exposes them as
// a catalog the agent injects into its system prompt. A skill is a
// directory containing a SKILL.md with YAML frontmatter (name,
// description) and a markdown body of instructions.
package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SkillFilename is the expected definition filename inside a skill dir.
const SkillFilename = "SKILL.md"

const frontmatterDelimiter = "---"

// Skill is one parsed skill definition.
type Skill struct {
	// Name is the unique identifier (lowercase, digits, hyphens).
	Name string `yaml:"name"`

	// Description says what the skill does and when to use it.
	Description string `yaml:"description"`

	// Triggers optionally lists phrases that should activate the skill.
	Triggers []string `yaml:"triggers,omitempty"`

	// Content is the markdown body with the actual instructions.
	Content string `yaml:"-"`

	// Path is the directory the skill was loaded from.
	Path string `yaml:"-"`
}

// ParseFile reads and parses one SKILL.md.
func ParseFile(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read skill: %w", err)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse parses SKILL.md content.
func Parse(data []byte, dir string) (*Skill, error) {
	frontmatter, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}

	var skill Skill
	if err := yaml.Unmarshal(frontmatter, &skill); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if err := validateName(skill.Name); err != nil {
		return nil, err
	}
	if skill.Description == "" {
		return nil, fmt.Errorf("skill %s: description is required", skill.Name)
	}

	skill.Content = strings.TrimSpace(string(body))
	skill.Path = dir
	return &skill, nil
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("skill name is required")
	}
	for _, r := range name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-') {
			return fmt.Errorf("skill name must be lowercase alphanumeric with hyphens: %q", name)
		}
	}
	return nil
}

func splitFrontmatter(data []byte) (frontmatter, body []byte, err error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty skill file")
	}
	if strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var fm []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			closed = true
			break
		}
		fm = append(fm, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	return []byte(strings.Join(fm, "\n")), []byte(strings.Join(bodyLines, "\n")), nil
}
