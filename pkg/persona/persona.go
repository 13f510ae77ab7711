// Package persona resolves the system persona text for a character.
//
// Providers never fail: any lookup problem is logged and the generic
// Fallback persona is returned instead. Nothing is cached; every call
// reflects the current state of the source.
package persona

import (
	"context"
	"strings"
	"text/template"
)

// Fallback is the persona used when a character cannot be resolved.
const Fallback = "你是一个友好的AI助手。"

// Provider returns the persona text for a character id.
type Provider interface {
	PersonaText(ctx context.Context, characterID string) string
}

// Character is the stored description of a role-play character.
type Character struct {
	Name         string `yaml:"name"`
	Description  string `yaml:"description"`
	PromptConfig string `yaml:"prompt_config"`
	// Prompt, when set, is used verbatim instead of the rendered template.
	Prompt string `yaml:"prompt"`
}

var characterTemplate = template.Must(template.New("character").Parse(
	`你是{{.Name}}。

角色描述：{{.Description}}

详细角色设定和规则：
{{.PromptConfig}}

请严格按照以上角色设定进行扮演，保持角色的一致性和个性。`))

// Render builds the persona text for c.
func Render(c Character) (string, error) {
	if strings.TrimSpace(c.Prompt) != "" {
		return c.Prompt, nil
	}
	var b strings.Builder
	if err := characterTemplate.Execute(&b, c); err != nil {
		return "", err
	}
	return b.String(), nil
}

// Static always returns the same text.
type Static struct {
	Text string
}

func (s Static) PersonaText(ctx context.Context, characterID string) string {
	if strings.TrimSpace(s.Text) == "" {
		return Fallback
	}
	return s.Text
}

// Override returns a Provider that answers with text when it is non-empty and
// defers to next otherwise.
func Override(text string, next Provider) Provider {
	if strings.TrimSpace(text) == "" {
		return next
	}
	return Static{Text: text}
}
