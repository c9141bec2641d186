package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope", "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "ferrotwin", cfg.Name)
	assert.Equal(t, "ferrotwin-mcp-server", cfg.Server.Name)
	assert.Equal(t, 10, cfg.Simulation.DefaultLattice)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
data:
  dir: /scans
  watch_enabled: true
simulation:
  max_lattice_size: 128
  default_lattice: 32
logging:
  debug_mode: true
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/scans", cfg.Data.Dir)
	assert.True(t, cfg.Data.WatchEnabled)
	assert.Equal(t, 128, cfg.Simulation.MaxLatticeSize)
	assert.Equal(t, 32, cfg.Simulation.DefaultLattice)
	assert.True(t, cfg.Logging.DebugMode)

	// Untouched sections keep defaults.
	assert.Equal(t, "2024-11-05", cfg.Server.ProtocolVersion)
	assert.Equal(t, 1000, cfg.Simulation.DefaultSteps)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FERROTWIN_DATA_DIR", "/env/scans")
	t.Setenv("FERROTWIN_WATCH", "true")
	t.Setenv("FERROTWIN_MAX_LATTICE", "64")

	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "/env/scans", cfg.Data.Dir)
	assert.True(t, cfg.Data.WatchEnabled)
	assert.Equal(t, 64, cfg.Simulation.MaxLatticeSize)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Simulation.DefaultMode = "cubic"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Simulation.DefaultLattice = 1024
	assert.Error(t, cfg.Validate())
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".ferrotwin", "config.yaml")

	cfg := DefaultConfig()
	cfg.Data.Dir = "/somewhere"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/somewhere", loaded.Data.Dir)
}
