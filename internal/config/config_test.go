package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 20*time.Second, cfg.Functions.IdleTimeout.Duration())
	assert.Equal(t, 3*time.Second, cfg.Functions.SweepInterval.Duration())
	assert.Equal(t, 3*time.Second, cfg.Observables.GracePeriod.Duration())
	assert.Equal(t, "coalesce", cfg.Connection.Backpressure)
	assert.NoError(t, cfg.Validate())
}

func TestLoadPriority(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "livequery.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
port = 9000
host = "127.0.0.1"

[functions]
idle_timeout = "1m"

[observables]
grace_period = "500ms"
`), 0o644))

	t.Setenv("LIVEQUERY_HOST", "10.0.0.1")
	cfg, err := Load(newFlags(t, "--config", path, "--port", "9100", "-vv"))
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port, "flag beats file")
	assert.Equal(t, "10.0.0.1", cfg.Server.Host, "env beats file")
	assert.Equal(t, time.Minute, cfg.Functions.IdleTimeout.Duration())
	assert.Equal(t, 500*time.Millisecond, cfg.Observables.GracePeriod.Duration())
	assert.Equal(t, 2, cfg.Logging.Verbosity)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(newFlags(t, "--config", filepath.Join(t.TempDir(), "none.toml")))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestValidateRejectsUnknownPolicy(t *testing.T) {
	_, err := Load(newFlags(t, "--config", "", "--backpressure", "grow"))
	assert.Error(t, err)
}

func TestHotReloadFlag(t *testing.T) {
	cfg, err := Load(newFlags(t, "--config", "", "--no-hot-reload"))
	require.NoError(t, err)
	assert.False(t, cfg.Functions.HotReload)
}
