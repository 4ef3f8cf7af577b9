package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
channel: test-channel
server:
  handshake: 500ms
  stop_on_exit: false
client:
  poll_interval: 250ms
device:
  backend: sim
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test-channel", cfg.Channel)
	assert.Equal(t, "outputctld", cfg.Instance)
	assert.Equal(t, 500*time.Millisecond, cfg.Server.Handshake)
	assert.False(t, cfg.Server.StopOnExit)
	assert.Equal(t, 5*time.Second, cfg.Server.CallTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Client.PollInterval)
	assert.Equal(t, 3*time.Second, cfg.Client.CallTimeout)
	assert.Equal(t, BackendSim, cfg.Device.Backend)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"unknown backend", func(c *Config) { c.Device.Backend = "alsa" }, `unknown device.backend "alsa"`},
		{"zero poll", func(c *Config) { c.Client.PollInterval = 0 }, "client.poll_interval must be positive"},
		{"negative timeout", func(c *Config) { c.Server.CallTimeout = -time.Second }, "server.call_timeout must be positive"},
		{"empty channel", func(c *Config) { c.Channel = "" }, "channel is required"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, `unknown log_level "loud"`},
		{"missing port", func(c *Config) { c.Device.HeadphonesPort = "" }, "headphones_port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("client:\n  call_timeout: 0s\n"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("channel: [oops"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestPaths(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/cfg")
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	assert.Equal(t, filepath.Join("/cfg", "outputctl", "config.yaml"), Path())
	assert.Equal(t, "/run/user/1000", RuntimeDir())

	t.Setenv("XDG_RUNTIME_DIR", "")
	assert.Equal(t, os.TempDir(), RuntimeDir())
}

func testFlags() *pflag.FlagSet {
	d := Default()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String(FlagConfig, "", "")
	flags.String(FlagChannel, d.Channel, "")
	flags.String(FlagBackend, d.Device.Backend, "")
	flags.Duration(FlagPollInterval, d.Client.PollInterval, "")
	flags.Bool(FlagStopOnExit, d.Server.StopOnExit, "")
	return flags
}

func TestResolveFlagsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("channel: from-file\nclient:\n  poll_interval: 2s\n"), 0o600))

	flags := testFlags()
	v := viper.New()
	require.NoError(t, Bind(v, flags))
	require.NoError(t, flags.Parse([]string{"--config", path, "--backend", "sim", "--stop-on-exit=false"}))

	cfg, err := Resolve(v)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Channel, "unset flag keeps the file value")
	assert.Equal(t, 2*time.Second, cfg.Client.PollInterval)
	assert.Equal(t, BackendSim, cfg.Device.Backend)
	assert.False(t, cfg.Server.StopOnExit)
}

func TestResolveEnvOverride(t *testing.T) {
	t.Setenv("OUTPUTCTL_CHANNEL", "from-env")
	t.Setenv("OUTPUTCTL_POLL_INTERVAL", "300ms")

	flags := testFlags()
	v := viper.New()
	require.NoError(t, Bind(v, flags))
	require.NoError(t, flags.Parse([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}))

	cfg, err := Resolve(v)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Channel)
	assert.Equal(t, 300*time.Millisecond, cfg.Client.PollInterval)
}

func TestResolveRejectsBadOverride(t *testing.T) {
	flags := testFlags()
	v := viper.New()
	require.NoError(t, Bind(v, flags))
	require.NoError(t, flags.Parse([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "--backend", "jack"}))

	_, err := Resolve(v)
	assert.Error(t, err)
}

func TestServerEnvCarriesClientSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o600))

	flags := testFlags()
	v := viper.New()
	require.NoError(t, Bind(v, flags))
	require.NoError(t, flags.Parse([]string{"--config", path, "--channel", "custom"}))

	cfg, err := Resolve(v)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.File)
	assert.Equal(t, []string{
		"OUTPUTCTL_CHANNEL=custom",
		"OUTPUTCTL_LOG_LEVEL=debug",
		"OUTPUTCTL_CONFIG=" + path,
	}, ServerEnv(cfg))

	assert.Len(t, ServerEnv(Default()), 2, "no config file to pass on")
}
