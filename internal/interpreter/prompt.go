package interpreter

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed prompt.yaml
var defaultPrompt []byte

type promptAction struct {
	Name string `yaml:"name"`
	When string `yaml:"when"`
	Data string `yaml:"data"`
}

type promptYAML struct {
	Identity string         `yaml:"identity"`
	Rules    []string       `yaml:"rules"`
	Actions  []promptAction `yaml:"actions"`
	Output   string         `yaml:"output"`
}

// Prompt is the compiled system prompt template.
type Prompt struct {
	text string
}

// LoadPrompt compiles the YAML template at path, or the embedded default
// when path is empty.
func LoadPrompt(path string) (*Prompt, error) {
	data := defaultPrompt
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read prompt: %w", err)
		}
		data = b
	}
	return ParsePrompt(data)
}

// ParsePrompt compiles a YAML template.
func ParsePrompt(data []byte) (*Prompt, error) {
	var p promptYAML
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse prompt yaml: %w", err)
	}
	if strings.TrimSpace(p.Identity) == "" || len(p.Actions) == 0 {
		return nil, fmt.Errorf("prompt yaml needs identity and actions")
	}

	var b strings.Builder
	b.WriteString(strings.TrimSpace(p.Identity))
	b.WriteString("\n\nRules:\n")
	for _, r := range p.Rules {
		b.WriteString("- " + r + "\n")
	}
	b.WriteString("\nActions:\n")
	for _, a := range p.Actions {
		fmt.Fprintf(&b, "- %s: %s", a.Name, a.When)
		if a.Data != "" {
			fmt.Fprintf(&b, " (data: %s)", a.Data)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(strings.TrimSpace(p.Output))
	return &Prompt{text: b.String()}, nil
}

// System renders the prompt for a shop.
func (p *Prompt) System(shop string) string {
	if shop == "" {
		shop = "the shop"
	}
	return strings.ReplaceAll(p.text, "{{shop}}", shop)
}
