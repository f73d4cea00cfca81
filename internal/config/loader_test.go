package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const legacyDoc = `
uplink "isp-a" {
  interface = "eth0"
  nexthop   = "203.0.113.1"
  weight    = 2
}
`

func TestLoadFileWithOptions_AutoMigratesLegacyDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fathom.hcl")
	require.NoError(t, os.WriteFile(path, []byte(legacyDoc), 0644))

	result, err := LoadFileWithOptions(path, DefaultLoadOptions())
	require.NoError(t, err)

	assert.True(t, result.WasMigrated)
	assert.Equal(t, SchemaVersion{Major: 0, Minor: 9}, result.OriginalVersion)
	assert.Equal(t, SchemaVersion{Major: 1, Minor: 0}, result.CurrentVersion)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "migrated schema")
	require.Len(t, result.Config.Uplinks, 1)
	assert.Equal(t, "eth0", result.Config.Uplinks[0].Interface)
}

func TestLoadFileWithOptions_WritesMigratedVersionBackToDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fathom.hcl")
	require.NoError(t, os.WriteFile(path, []byte(legacyDoc), 0644))

	_, err := LoadFileWithOptions(path, DefaultLoadOptions())
	require.NoError(t, err)

	rewritten, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(rewritten), `schema_version = "1.0"`)
	assert.Contains(t, string(rewritten), `nexthop   = "203.0.113.1"`, "expected other attributes preserved verbatim")

	reloaded, err := LoadFileWithOptions(path, DefaultLoadOptions())
	require.NoError(t, err)
	assert.False(t, reloaded.WasMigrated, "expected no further migration once version is current")
}

func TestLoadFileWithOptions_StrictVersionRejectsLegacyDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fathom.hcl")
	require.NoError(t, os.WriteFile(path, []byte(legacyDoc), 0644))

	_, err := LoadFileWithOptions(path, LoadOptions{StrictVersion: true})
	assert.Error(t, err)
}

func TestLoadFileWithOptions_MissingFile(t *testing.T) {
	_, err := LoadFileWithOptions(filepath.Join(t.TempDir(), "missing.hcl"), DefaultLoadOptions())
	assert.Error(t, err)
}
