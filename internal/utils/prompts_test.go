package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPromptEmbeddedDefault(t *testing.T) {
	content, err := LoadPrompt("trader")
	require.NoError(t, err)
	assert.NotEmpty(t, content)
}

func TestLoadPromptUnknownName(t *testing.T) {
	_, err := LoadPrompt("does_not_exist")
	assert.Error(t, err)
}

func TestLoadPromptWithContextSubstitutes(t *testing.T) {
	content, err := LoadPromptWithContext("trader", map[string]string{
		"Ticker":    "AAPL",
		"TradeDate": "2025-06-02",
	})
	require.NoError(t, err)
	assert.Contains(t, content, "AAPL")
	assert.NotContains(t, content, "{{.Ticker}}")
	assert.NotContains(t, content, "{{.TradeDate}}")
}

func TestStoredPromptOverridesEmbedded(t *testing.T) {
	SetPromptOverride(func(name string) (string, bool) {
		if name == "trader" {
			return "Revised trader brief for {{.Ticker}}.", true
		}
		return "", false
	})
	t.Cleanup(func() { SetPromptOverride(nil) })

	content, err := LoadPromptWithContext("trader", map[string]string{"Ticker": "AAPL"})
	require.NoError(t, err)
	assert.Equal(t, "Revised trader brief for AAPL.", content)

	// Names without a stored version keep the embedded template.
	embedded, err := LoadPrompt("planner")
	require.NoError(t, err)
	assert.NotEqual(t, content, embedded)
	assert.NotEmpty(t, embedded)
}

func TestEmptyStoredPromptFallsBack(t *testing.T) {
	SetPromptOverride(func(name string) (string, bool) { return "   ", true })
	t.Cleanup(func() { SetPromptOverride(nil) })

	content, err := LoadPrompt("trader")
	require.NoError(t, err)
	assert.NotEmpty(t, content)
	assert.NotEqual(t, "   ", content)
}
