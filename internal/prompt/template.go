// Package prompt serialises role-tagged dialogue lines into model-specific
// prompt text.
package prompt

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/Corphon/SceneWeaver/internal/models"
	"gopkg.in/yaml.v3"
)

//go:embed templates.yaml
var builtinTemplates []byte

// Template holds the delimiters of one model's chat format.
type Template struct {
	Name              string   `yaml:"-" json:"name"`
	SystemPrefix      string   `yaml:"system_prefix" json:"system_prefix"`
	SystemSuffix      string   `yaml:"system_suffix" json:"system_suffix"`
	InstructionPrefix string   `yaml:"instruction_prefix" json:"instruction_prefix"`
	InstructionSuffix string   `yaml:"instruction_suffix" json:"instruction_suffix"`
	ResponsePrefix    string   `yaml:"response_prefix" json:"response_prefix"`
	ResponseSuffix    string   `yaml:"response_suffix" json:"response_suffix"`
	Stop              []string `yaml:"stop" json:"stop"`
}

// Line is one rendered dialogue line with its role.
type Line struct {
	Role models.LineRole `json:"role"`
	Text string          `json:"text"`
}

// Set is a collection of templates keyed by name.
type Set map[string]Template

// ParseTemplates decodes a YAML document of templates.
func ParseTemplates(data []byte) (Set, error) {
	raw := map[string]Template{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse prompt templates: %w", err)
	}
	set := make(Set, len(raw))
	for name, t := range raw {
		t.Name = name
		set[name] = t
	}
	return set, nil
}

// DefaultTemplates returns the built-in templates.
func DefaultTemplates() Set {
	set, err := ParseTemplates(builtinTemplates)
	if err != nil {
		panic(err)
	}
	return set
}

// LoadTemplates returns the built-in templates, overridden and extended by
// the templates in path when path is not empty.
func LoadTemplates(path string) (Set, error) {
	set := DefaultTemplates()
	if path == "" {
		return set, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt templates: %w", err)
	}
	extra, err := ParseTemplates(data)
	if err != nil {
		return nil, err
	}
	for name, t := range extra {
		set[name] = t
	}
	return set, nil
}

// Get looks a template up by name.
func (s Set) Get(name string) (Template, bool) {
	t, ok := s[name]
	return t, ok
}

// Names lists template names in sorted order.
func (s Set) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Render serialises the system text, the dialogue lines and an open response
// block primed with primer. Delimiters are emitted only where the role changes.
func (t Template) Render(system string, lines []Line, primer string) string {
	var b strings.Builder
	if system != "" {
		b.WriteString(t.SystemPrefix)
		b.WriteString(system)
		b.WriteString(t.SystemSuffix)
	}

	for i := 0; i < len(lines); {
		role := lines[i].Role
		j := i
		texts := make([]string, 0, 2)
		for j < len(lines) && lines[j].Role == role {
			texts = append(texts, lines[j].Text)
			j++
		}
		prefix, suffix := t.delimiters(role)
		b.WriteString(prefix)
		b.WriteString(strings.Join(texts, "\n"))
		b.WriteString(suffix)
		i = j
	}

	b.WriteString(t.ResponsePrefix)
	b.WriteString(primer)
	return b.String()
}

func (t Template) delimiters(role models.LineRole) (string, string) {
	if role == models.RoleResponse {
		return t.ResponsePrefix, t.ResponseSuffix
	}
	return t.InstructionPrefix, t.InstructionSuffix
}

// ResolvePlaceholders substitutes character and user names in a single pass.
func ResolvePlaceholders(text, characterName, userName string) string {
	r := strings.NewReplacer(
		"{{char}}", characterName,
		"{{Char}}", characterName,
		"<BOT>", characterName,
		"{{user}}", userName,
		"{{User}}", userName,
		"<USER>", userName,
	)
	return r.Replace(text)
}
