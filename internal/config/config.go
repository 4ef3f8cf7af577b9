// Package config loads outputctl's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"
)

// Backends accepted in device.backend.
const (
	BackendPulse = "pulse"
	BackendSim   = "sim"
)

type Config struct {
	Channel  string       `yaml:"channel"`
	Instance string       `yaml:"instance"`
	LogLevel string       `yaml:"log_level"`
	Server   ServerConfig `yaml:"server"`
	Client   ClientConfig `yaml:"client"`
	Device   DeviceConfig `yaml:"device"`

	// File is the config file Resolve read, if any. Not part of the YAML.
	File string `yaml:"-"`
}

type ServerConfig struct {
	Path        string        `yaml:"path"`
	ProcessName string        `yaml:"process_name"`
	Handshake   time.Duration `yaml:"handshake"`
	StopOnExit  bool          `yaml:"stop_on_exit"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

type ClientConfig struct {
	CallTimeout  time.Duration `yaml:"call_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type DeviceConfig struct {
	Backend        string `yaml:"backend"`
	Sink           string `yaml:"sink"`
	SpeakersPort   string `yaml:"speakers_port"`
	HeadphonesPort string `yaml:"headphones_port"`
}

func Default() *Config {
	return &Config{
		Channel:  "outputctl",
		Instance: "outputctld",
		LogLevel: "info",
		Server: ServerConfig{
			Path:        "outputctld",
			ProcessName: "outputctld",
			Handshake:   2 * time.Second,
			StopOnExit:  true,
			CallTimeout: 5 * time.Second,
		},
		Client: ClientConfig{
			CallTimeout:  3 * time.Second,
			PollInterval: time.Second,
		},
		Device: DeviceConfig{
			Backend:        BackendPulse,
			SpeakersPort:   "analog-output-speaker",
			HeadphonesPort: "analog-output-headphones",
		},
	}
}

// Path returns $XDG_CONFIG_HOME/outputctl/config.yaml.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		dir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(dir, "outputctl", "config.yaml")
}

// RuntimeDir is where sockets and lock files live.
func RuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return os.TempDir()
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Channel == "" {
		return errors.New("channel is required")
	}
	if c.Instance == "" {
		return errors.New("instance is required")
	}
	if _, ok := pslog.ParseLevel(c.LogLevel); !ok {
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"server.handshake", c.Server.Handshake},
		{"server.call_timeout", c.Server.CallTimeout},
		{"client.call_timeout", c.Client.CallTimeout},
		{"client.poll_interval", c.Client.PollInterval},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.d)
		}
	}
	switch c.Device.Backend {
	case BackendPulse:
		if c.Device.SpeakersPort == "" || c.Device.HeadphonesPort == "" {
			return errors.New("device.speakers_port and device.headphones_port are required")
		}
	case BackendSim:
	default:
		return fmt.Errorf("unknown device.backend %q", c.Device.Backend)
	}
	return nil
}
