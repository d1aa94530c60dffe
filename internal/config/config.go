// Package config handles daemon defaults and the optional YAML config file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.yaml.in/yaml/v3"
)

type Config struct {
	SocketPath string
	DBPath     string

	// Offline thresholds are fixed configuration, not per-repo.
	ServerOfflineAfter time.Duration
	PCOfflineAfter     time.Duration
	StaleAfter         time.Duration
	OriginEscalation   time.Duration

	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	RetryBackoff   []time.Duration

	NodeDownAfter        time.Duration
	NodeDownWindow       time.Duration
	NodeDownFailures     int
	NodeRecoverSuccesses int
	SweepInterval        time.Duration
	ActionRetention      time.Duration

	// FamilyPatterns are doublestar globs used to infer a family key for
	// repos whose registry entry carries none. Migration aid only.
	FamilyPatterns []string
}

func DefaultConfig() Config {
	return Config{
		SocketPath:           defaultSocketPath(),
		DBPath:               defaultDBPath(),
		ServerOfflineAfter:   90 * time.Second,
		PCOfflineAfter:       90 * time.Second,
		StaleAfter:           300 * time.Second,
		OriginEscalation:     15 * time.Minute,
		ConnectTimeout:       3 * time.Second,
		CommandTimeout:       5 * time.Second,
		RetryBackoff:         []time.Duration{250 * time.Millisecond, 1 * time.Second},
		NodeDownAfter:        5 * time.Minute,
		NodeDownWindow:       30 * time.Second,
		NodeDownFailures:     3,
		NodeRecoverSuccesses: 2,
		SweepInterval:        30 * time.Second,
		ActionRetention:      14 * 24 * time.Hour,
	}
}

// fileConfig is the YAML schema. Durations are accepted in Go notation
// ("90s", "15m"); zero or omitted values keep their defaults.
type fileConfig struct {
	SocketPath         string   `yaml:"socket_path"`
	DBPath             string   `yaml:"db_path"`
	ServerOfflineAfter string   `yaml:"server_offline_after"`
	PCOfflineAfter     string   `yaml:"pc_offline_after"`
	StaleAfter         string   `yaml:"stale_after"`
	OriginEscalation   string   `yaml:"origin_escalation"`
	CommandTimeout     string   `yaml:"command_timeout"`
	NodeDownAfter      string   `yaml:"node_down_after"`
	FamilyPatterns     []string `yaml:"family_patterns"`
}

// Load returns DefaultConfig overlaid with the YAML file at path. A missing
// file is not an error when the path is the default location.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if path == "" {
		path = defaultConfigPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if fc.SocketPath != "" {
		cfg.SocketPath = fc.SocketPath
	}
	if fc.DBPath != "" {
		cfg.DBPath = fc.DBPath
	}
	if len(fc.FamilyPatterns) > 0 {
		cfg.FamilyPatterns = fc.FamilyPatterns
	}
	for _, d := range []struct {
		raw string
		dst *time.Duration
	}{
		{fc.ServerOfflineAfter, &cfg.ServerOfflineAfter},
		{fc.PCOfflineAfter, &cfg.PCOfflineAfter},
		{fc.StaleAfter, &cfg.StaleAfter},
		{fc.OriginEscalation, &cfg.OriginEscalation},
		{fc.CommandTimeout, &cfg.CommandTimeout},
		{fc.NodeDownAfter, &cfg.NodeDownAfter},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
		if v <= 0 {
			return cfg, fmt.Errorf("parse config %s: duration must be positive, got %q", path, d.raw)
		}
		*d.dst = v
	}
	return cfg, nil
}

func defaultConfigPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ".driftboard.yaml"
	}
	return filepath.Join(base, "driftboard", "config.yaml")
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "driftboard", "driftboardd.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".driftboardd.sock"
	}
	return filepath.Join(home, ".local", "state", "driftboard", "driftboardd.sock")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "driftboard.db"
	}
	return filepath.Join(home, ".local", "state", "driftboard", "state.db")
}
