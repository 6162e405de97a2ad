// Package config loads the bridge client configuration.
package config

import (
	"errors"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds the client settings. Every field has a usable default so an
// absent config file just means stock behavior.
type Config struct {
	BackendURL    string `yaml:"backend_url"`
	APIBaseURL    string `yaml:"api_base_url"`
	Mode          string `yaml:"mode"`
	Provider      string `yaml:"provider"`
	MaxRetries    int    `yaml:"max_retries"`
	RetryDelayMS  int    `yaml:"retry_delay_ms"`
	GraceWindowMS int    `yaml:"grace_window_ms"`
	CachePath     string `yaml:"cache_path"`
	CacheCapBytes int    `yaml:"cache_cap_bytes"`
	PollIntervalS int    `yaml:"poll_interval_s"`
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		BackendURL:    "ws://127.0.0.1:8080/api/sessions/ws",
		APIBaseURL:    "http://127.0.0.1:8080",
		Mode:          "structured",
		MaxRetries:    5,
		RetryDelayMS:  2000,
		GraceWindowMS: 200,
		CachePath:     defaultCachePath(),
		CacheCapBytes: 200 * 1024,
		PollIntervalS: 5,
	}
}

// Load reads the config at path, falling back to defaults when the file is
// absent. Environment variables override the file; missing or out-of-range
// fields are filled in.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, err
			}
		}
	}

	cfg.BackendURL = getEnv("AGENTBRIDGE_BACKEND_URL", cfg.BackendURL)
	cfg.APIBaseURL = getEnv("AGENTBRIDGE_API_BASE_URL", cfg.APIBaseURL)
	cfg.Mode = getEnv("AGENTBRIDGE_MODE", cfg.Mode)
	cfg.Provider = getEnv("AGENTBRIDGE_PROVIDER", cfg.Provider)
	cfg.CachePath = getEnv("AGENTBRIDGE_CACHE_PATH", cfg.CachePath)

	if cfg.BackendURL == "" {
		cfg.BackendURL = DefaultConfig().BackendURL
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = DefaultConfig().APIBaseURL
	}
	if cfg.Mode == "" {
		cfg.Mode = "structured"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryDelayMS <= 0 {
		cfg.RetryDelayMS = 2000
	}
	if cfg.GraceWindowMS <= 0 {
		cfg.GraceWindowMS = 200
	}
	if cfg.CachePath == "" {
		cfg.CachePath = defaultCachePath()
	}
	if cfg.CacheCapBytes <= 0 {
		cfg.CacheCapBytes = 200 * 1024
	}
	if cfg.PollIntervalS <= 0 {
		cfg.PollIntervalS = 5
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "bridge-cache.db"
	}
	return filepath.Join(home, ".agentbridge", "cache.db")
}
