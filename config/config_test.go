package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromYaml(t *testing.T) {
	dir := t.TempDir()
	cfile := filepath.Join(dir, "whatsdash.yml")
	data := []byte(`
system:
  workdir: ` + dir + `
gateway:
  api_url: http://gateway.local
  api_key: secret-key
  settle_delay: 500
`)
	require.NoError(t, os.WriteFile(cfile, data, 0o600))

	cfg := LoadConfig(cfile)
	assert.Equal(t, "http://gateway.local", cfg.Gateway.ApiUrl)
	assert.Equal(t, "secret-key", cfg.Gateway.ApiKey)
	assert.Equal(t, 500, cfg.Gateway.SettleDelay)
	// untouched keys keep their defaults
	assert.Equal(t, 15, cfg.Gateway.Timeout)
	assert.Equal(t, "@every 60s", cfg.Gateway.ReconcileSpec)
	assert.DirExists(t, cfg.GetLogDir())
	assert.DirExists(t, cfg.GetDataDir())
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("WHATSDASH_SYSTEM_WORKER_DIR", dir)
	t.Setenv("WHATSDASH_GATEWAY_URL", "http://env-gateway")
	t.Setenv("WHATSDASH_GATEWAY_TIMEOUT", "3")
	t.Setenv("WHATSDASH_LOGGER_FILE_ENABLE", "false")

	cfg := LoadConfig("")
	assert.Equal(t, dir, cfg.System.Workdir)
	assert.Equal(t, "http://env-gateway", cfg.Gateway.ApiUrl)
	assert.Equal(t, 3, cfg.Gateway.Timeout)
	assert.False(t, cfg.Logger.FileEnable)
}

func TestLoadConfigDoesNotMutateDefaults(t *testing.T) {
	t.Setenv("WHATSDASH_SYSTEM_WORKER_DIR", t.TempDir())
	t.Setenv("WHATSDASH_GATEWAY_KEY", "changed")
	_ = LoadConfig("")
	assert.Empty(t, DefaultAppConfig.Gateway.ApiKey)
}
