package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"loom/pkg/logx"
)

// Environment variable names recognized by the loader.
const (
	EnvNatsURL     = "LOOM_NATS_URL"
	EnvNamespace   = "LOOM_NAMESPACE"
	EnvProjectID   = "LOOM_PROJECT_ID"
	EnvProjectPath = "LOOM_PROJECT_PATH"
	EnvLogLevel    = "LOOM_LOG_LEVEL"
	EnvLogFormat   = "LOOM_LOG_FORMAT"
	EnvMetricsAddr = "LOOM_METRICS_ADDR"
)

// Load resolves the configuration for the given project directory.
// Missing files are fine; a file that exists but fails to parse is a
// configuration error and aborts startup.
func Load(projectDir string) (*Config, error) {
	cfg := Defaults()

	if home, err := os.UserHomeDir(); err == nil {
		userFile := filepath.Join(home, ConfigDirName, ConfigFilename)
		if err := overlayFile(cfg, userFile); err != nil {
			return nil, err
		}
	}

	if projectDir != "" {
		projectFile := filepath.Join(projectDir, ConfigDirName, ConfigFilename)
		if err := overlayFile(cfg, projectFile); err != nil {
			return nil, err
		}
		channelsFile := filepath.Join(projectDir, ConfigDirName, ChannelsFilename)
		if err := overlayChannels(cfg, channelsFile); err != nil {
			return nil, err
		}
		if cfg.ProjectPath == "" {
			abs, err := filepath.Abs(projectDir)
			if err != nil {
				return nil, fmt.Errorf("resolve project path: %w", err)
			}
			cfg.ProjectPath = abs
		}
	}

	overlayEnv(cfg)

	// Derive the project tag when neither file nor env supplied one.
	if cfg.ProjectID == "" && cfg.ProjectPath != "" {
		cfg.ProjectID = DeriveNamespace(cfg.ProjectPath)
	}
	if cfg.Namespace == "" {
		cfg.Namespace = cfg.ProjectID
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logx.Configure(logx.ParseLevel(cfg.Log.Level), logx.Format(cfg.Log.Format))
	return cfg, nil
}

// overlayFile merges a JSON config file into cfg. A missing file is not an
// error; any parse failure is.
func overlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// overlayChannels merges a YAML channel seed list into cfg.Channels.
// Entries with names already present override the earlier descriptor.
func overlayChannels(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read channels %s: %w", path, err)
	}

	var seed struct {
		Channels []ChannelDescriptor `yaml:"channels"`
	}
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parse channels %s: %w", path, err)
	}

	for i := range seed.Channels {
		replaced := false
		for j := range cfg.Channels {
			if cfg.Channels[j].Name == seed.Channels[i].Name {
				cfg.Channels[j] = seed.Channels[i]
				replaced = true
				break
			}
		}
		if !replaced {
			cfg.Channels = append(cfg.Channels, seed.Channels[i])
		}
	}
	return nil
}

func overlayEnv(cfg *Config) {
	if v := os.Getenv(EnvNatsURL); v != "" {
		cfg.NatsURL = v
	}
	if v := os.Getenv(EnvNamespace); v != "" {
		cfg.Namespace = v
	}
	if v := os.Getenv(EnvProjectID); v != "" {
		cfg.ProjectID = v
	}
	if v := os.Getenv(EnvProjectPath); v != "" {
		cfg.ProjectPath = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv(EnvMetricsAddr); v != "" {
		cfg.MetricsAddr = v
	}
}
