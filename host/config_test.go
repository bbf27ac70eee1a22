package host

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.True(t, cfg.Gc.Enabled)
	assert.NotEmpty(t, cfg.RegistryPath)
	assert.Equal(t, DefaultGcTimeout, cfg.GcTimeoutFor("anything"))
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coral.yaml")
	doc := `
registry_path: /custom/registry.json
gc:
  enabled: true
  timeout: 30s
plugins:
  inc:
    gc_disabled: true
  query:
    gc_timeout: 2m
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/custom/registry.json", cfg.RegistryPath)
	assert.Equal(t, 30*time.Second, cfg.GcTimeoutFor("other"))
	assert.Equal(t, time.Duration(0), cfg.GcTimeoutFor("inc"))
	assert.Equal(t, 2*time.Minute, cfg.GcTimeoutFor("query"))
}

func TestLoadConfigGcDisabledGlobally(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coral.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gc:\n  enabled: false\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), cfg.GcTimeoutFor("anything"))
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.True(t, cfg.Gc.Enabled)
}
