package utils

import (
	"embed"
	"fmt"
	"strings"
	"sync"
)

//go:embed prompts
var promptFiles embed.FS

// PromptLookup resolves a stored override for a named prompt. A false return
// means no stored version exists and the embedded default applies.
type PromptLookup func(name string) (string, bool)

var (
	overrideMu     sync.RWMutex
	promptOverride PromptLookup
)

// SetPromptOverride installs a store-backed prompt resolver. The latest
// stored version of a prompt takes precedence over its embedded template.
// Pass nil to restore embedded-only loading.
func SetPromptOverride(fn PromptLookup) {
	overrideMu.Lock()
	promptOverride = fn
	overrideMu.Unlock()
}

// LoadPrompt returns the newest stored version of a named prompt, falling
// back to the embedded markdown template.
func LoadPrompt(name string) (string, error) {
	overrideMu.RLock()
	fn := promptOverride
	overrideMu.RUnlock()
	if fn != nil {
		if content, ok := fn(name); ok && strings.TrimSpace(content) != "" {
			return content, nil
		}
	}
	content, err := promptFiles.ReadFile(fmt.Sprintf("prompts/%s.md", name))
	if err != nil {
		return "", fmt.Errorf("load prompt %s: %w", name, err)
	}
	return string(content), nil
}

// LoadPromptWithContext loads a prompt and substitutes {{.Key}} placeholders.
func LoadPromptWithContext(name string, vars map[string]string) (string, error) {
	content, err := LoadPrompt(name)
	if err != nil {
		return "", err
	}
	for key, value := range vars {
		content = strings.ReplaceAll(content, fmt.Sprintf("{{.%s}}", key), value)
	}
	return content, nil
}
