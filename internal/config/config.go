// Package config loads labdesk configuration from built-in defaults
// overridden by LABDESK_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Reasoning ReasoningConfig
	Worker    WorkerConfig
	API       APIConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

// UploadDir is where uploaded document artifacts live, under the data dir.
func (s StorageConfig) UploadDir() string {
	return filepath.Join(s.DataDir, "uploads")
}

type ReasoningConfig struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

type WorkerConfig struct {
	PollInterval time.Duration
}

type APIConfig struct {
	// Token guards the REST API with bearer auth. Empty disables auth,
	// intended for local development only.
	Token string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4700,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Reasoning: ReasoningConfig{
			BaseURL: "http://localhost:11434",
			Model:   "mistral-nemo",
			Timeout: 2 * time.Minute,
		},
		Worker: WorkerConfig{
			PollInterval: 500 * time.Millisecond,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "labdesk")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./labdesk-data"
	}
	return filepath.Join(home, ".local", "share", "labdesk")
}

// Load builds the configuration from defaults and environment overrides.
func Load() (Config, error) {
	cfg := defaults()
	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("LABDESK_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("invalid LABDESK_PORT %q", v)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("LABDESK_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("LABDESK_REASONING_URL"); v != "" {
		cfg.Reasoning.BaseURL = v
	}
	if v := os.Getenv("LABDESK_REASONING_MODEL"); v != "" {
		cfg.Reasoning.Model = v
	}
	if v := os.Getenv("LABDESK_REASONING_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid LABDESK_REASONING_TIMEOUT %q: %w", v, err)
		}
		cfg.Reasoning.Timeout = d
	}
	if v := os.Getenv("LABDESK_WORKER_POLL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid LABDESK_WORKER_POLL %q: %w", v, err)
		}
		cfg.Worker.PollInterval = d
	}
	if v := os.Getenv("LABDESK_API_TOKEN"); v != "" {
		cfg.API.Token = v
	}
	if v := os.Getenv("LABDESK_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	return nil
}
