package prompts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsRender(t *testing.T) {
	m, err := NewManager(nil)
	require.NoError(t, err)

	for _, name := range []string{Perception, Planning, Learning, ScreeningSummary} {
		assert.Contains(t, m.Names(), name)
	}

	system, user, err := m.Render(ScreeningSummary, map[string]any{
		"CaseID":       "CASE-001",
		"Total":        3,
		"FlaggedCount": 1,
		"Flagged":      "CASE-001-2: offshore-x, 5000.00",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, system)
	assert.Contains(t, user, "CASE-001")
	assert.Contains(t, user, "Flagged: 1")
}

func TestRenderUnknown(t *testing.T) {
	m, err := NewManager(nil)
	require.NoError(t, err)

	_, _, err = m.Render("nope", nil)
	assert.ErrorContains(t, err, "unknown prompt template")
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
perception:
  system: "custom system"
  user: "custom user for {{.AgentID}}"
`), 0o644))

	m, err := NewManager(nil)
	require.NoError(t, err)
	require.NoError(t, m.LoadFile(path))

	system, user, err := m.Render(Perception, map[string]any{"AgentID": "extractor-agent"})
	require.NoError(t, err)
	assert.Equal(t, "custom system", system)
	assert.Equal(t, "custom user for extractor-agent", user)

	// Other templates keep their defaults.
	_, _, err = m.Render(Planning, map[string]any{})
	assert.NoError(t, err)
}

func TestLoadFileMissing(t *testing.T) {
	m, err := NewManager(nil)
	require.NoError(t, err)
	assert.NoError(t, m.LoadFile(filepath.Join(t.TempDir(), "absent.yaml")))
}
