package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"
)

// EnvPrefix prefixes every environment override, e.g. OUTPUTCTL_CHANNEL.
const EnvPrefix = "OUTPUTCTL"

// Flag names shared by both binaries. Each one overrides the config key of
// the same meaning when set on the command line or in the environment.
const (
	FlagConfig       = "config"
	FlagChannel      = "channel"
	FlagLogLevel     = "log-level"
	FlagInstance     = "instance"
	FlagBackend      = "backend"
	FlagSink         = "sink"
	FlagServerPath   = "server-path"
	FlagCallTimeout  = "call-timeout"
	FlagPollInterval = "poll-interval"
	FlagStopOnExit   = "stop-on-exit"
)

var overrides = map[string]func(c *Config, v *viper.Viper, key string){
	FlagChannel:      func(c *Config, v *viper.Viper, k string) { c.Channel = v.GetString(k) },
	FlagLogLevel:     func(c *Config, v *viper.Viper, k string) { c.LogLevel = v.GetString(k) },
	FlagInstance:     func(c *Config, v *viper.Viper, k string) { c.Instance = v.GetString(k) },
	FlagBackend:      func(c *Config, v *viper.Viper, k string) { c.Device.Backend = v.GetString(k) },
	FlagSink:         func(c *Config, v *viper.Viper, k string) { c.Device.Sink = v.GetString(k) },
	FlagServerPath:   func(c *Config, v *viper.Viper, k string) { c.Server.Path = v.GetString(k) },
	FlagCallTimeout:  func(c *Config, v *viper.Viper, k string) { c.Client.CallTimeout = v.GetDuration(k) },
	FlagPollInterval: func(c *Config, v *viper.Viper, k string) { c.Client.PollInterval = v.GetDuration(k) },
	FlagStopOnExit:   func(c *Config, v *viper.Viper, k string) { c.Server.StopOnExit = v.GetBool(k) },
}

// Bind wires every flag in flags, plus OUTPUTCTL_* environment variables,
// into v.
func Bind(v *viper.Viper, flags *pflag.FlagSet) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		if bindErr := v.BindPFlag(f.Name, f); bindErr != nil && err == nil {
			err = fmt.Errorf("bind flag %q: %w", f.Name, bindErr)
		}
	})
	return err
}

// Resolve loads the config file (--config or Path) and applies the flag and
// environment overrides that are set.
func Resolve(v *viper.Viper) (*Config, error) {
	path := strings.TrimSpace(v.GetString(FlagConfig))
	if path == "" {
		path = Path()
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.File = path
	for key, apply := range overrides {
		if v.IsSet(key) {
			apply(cfg, v, key)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ServerEnv is the environment a spawned outputctld needs to read the same
// config file and serve the same channel, at the same log level, as cfg.
func ServerEnv(cfg *Config) []string {
	env := []string{
		EnvPrefix + "_CHANNEL=" + cfg.Channel,
		EnvPrefix + "_LOG_LEVEL=" + cfg.LogLevel,
	}
	if cfg.File != "" {
		env = append(env, EnvPrefix+"_CONFIG="+cfg.File)
	}
	return env
}

// NewLogger builds the process logger. OUTPUTCTL_LOG_* variables configure
// it; the configured level applies unless OUTPUTCTL_LOG_LEVEL is set.
func NewLogger(app, level string) pslog.Logger {
	logger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix(EnvPrefix+"_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", app)
	if os.Getenv(EnvPrefix+"_LOG_LEVEL") == "" {
		if lvl, ok := pslog.ParseLevel(level); ok {
			logger = logger.LogLevel(lvl)
		}
	}
	return logger
}
