package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRegistryEmbedded(t *testing.T) {
	r, err := LoadRegistry("")
	require.NoError(t, err)
	assert.Equal(t, []string{"explainer", "investigator", "triage"}, r.Names())

	triage, err := r.Get("triage")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", triage.Model)
	assert.Equal(t, "triage_result", triage.OutputSchema)
	assert.Equal(t, 4, triage.MaxToolCalls)
	assert.True(t, triage.Stream)

	explainer, err := r.Get("explainer")
	require.NoError(t, err)
	assert.Empty(t, explainer.Tools)
	// Unset budget falls back to the default.
	assert.Equal(t, DefaultMaxToolCalls, explainer.MaxToolCalls)
}

func TestLoadRegistryOverride(t *testing.T) {
	dir := t.TempDir()
	override := `
name: triage
model: gpt-4o-mini
system_prompt: custom triage prompt
tools: [rules_eval]
output_schema: triage_result
max_tool_calls: 1
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "triage.agent.yaml"), []byte(override), 0o600))

	r, err := LoadRegistry(dir)
	require.NoError(t, err)

	triage, err := r.Get("triage")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", triage.Model)
	assert.Equal(t, 1, triage.MaxToolCalls)
	assert.Equal(t, []string{"rules_eval"}, triage.Tools)

	// Other embedded definitions survive the overlay.
	_, err = r.Get("investigator")
	assert.NoError(t, err)
}

func TestLoadRegistryRejectsInvalidDefinition(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.agent.yaml"),
		[]byte("name: broken\nmodel: gpt-4o\n"), 0o600))

	_, err := LoadRegistry(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "output_schema")
}

func TestGetUnknownAgentListsAvailable(t *testing.T) {
	r, err := LoadRegistry("")
	require.NoError(t, err)

	_, err = r.Get("adjudicator")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "explainer, investigator, triage")
}
