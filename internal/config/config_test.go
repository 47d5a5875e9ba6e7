package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "data", cfg.DataRoot)
	assert.Equal(t, filepath.Join("data", "manifest.db"), cfg.ManifestPath)
	assert.Equal(t, 8080, cfg.APIPort)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "snappy", cfg.Compression)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadYAML(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(
		"data_root: /srv/lake\napi_port: 9000\nworkers: 8\ncompression: zstd\n"), 0o644))

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "/srv/lake", cfg.DataRoot)
	assert.Equal(t, 9000, cfg.APIPort)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, "zstd", cfg.Compression)
	// Derived default follows the configured root.
	assert.Equal(t, filepath.Join("/srv/lake", "manifest.db"), cfg.ManifestPath)
}

func TestEnvOverridesFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte("api_port: 9000\n"), 0o644))
	t.Setenv("LAKE_API_PORT", "7777")
	t.Setenv("LAKE_DATA_ROOT", "/env/root")

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.APIPort)
	assert.Equal(t, "/env/root", cfg.DataRoot)
}
