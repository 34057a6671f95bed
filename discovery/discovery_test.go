package discovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "discovery.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
agents:
  - id: extractor-agent
    name: Transaction Extractor
    type: extractor
    capabilities: [extract_transactions]
    status: active
tools:
  - id: rules-engine
    name: Screening Rules
    type: tool
    capabilities: [screen]
    status: active
`), 0o644))

	svc, err := Load(path, nil)
	require.NoError(t, err)

	assert.Len(t, svc.Agents(), 1)
	assert.Len(t, svc.Tools(), 1)

	d, ok := svc.Agent("extractor-agent")
	require.True(t, ok)
	assert.Equal(t, "Transaction Extractor", d.Name)
	assert.True(t, svc.KnownAgent("extractor-agent"))
	assert.False(t, svc.KnownAgent("nobody"))
}

func TestLoadMissingFile(t *testing.T) {
	svc, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.NoError(t, err)
	assert.Empty(t, svc.Agents())
	assert.Empty(t, svc.Tools())
}

func TestLoadEnvResolution(t *testing.T) {
	t.Setenv("CASEREVIEW_EXTRACTOR_ID", "extractor-agent")

	path := filepath.Join(t.TempDir(), "discovery.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
agents:
  - id: ${CASEREVIEW_EXTRACTOR_ID}
    name: Extractor
    type: extractor
    status: active
`), 0o644))

	svc, err := Load(path, nil)
	require.NoError(t, err)
	assert.True(t, svc.KnownAgent("extractor-agent"))
}
