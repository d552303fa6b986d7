package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

type PipelineConfig struct {
	DebounceMs    int `json:"debounce_ms"`
	AppendRetries int `json:"append_retries"`
	SpoolAttempts int `json:"spool_attempts"`
}

type Config struct {
	DBPath   string         `json:"db_path"`
	SpoolDir string         `json:"spool_dir"`
	LogLevel string         `json:"log_level"`
	Pipeline PipelineConfig `json:"pipeline"`
}

func DefaultConfig() Config {
	return Config{
		LogLevel: "warn",
		Pipeline: PipelineConfig{
			DebounceMs:    75,
			AppendRetries: 3,
			SpoolAttempts: 5,
		},
	}
}

func ConfigDir() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("APPDATA"), "sessionmeter")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "sessionmeter")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "settings.json")
}

// DefaultDBPath is where the event log lives unless the config overrides it.
func DefaultDBPath() string {
	return filepath.Join(ConfigDir(), "telemetry.db")
}

func Load() (Config, error) {
	return LoadFrom(ConfigPath())
}

func LoadFrom(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.Pipeline.DebounceMs <= 0 {
		cfg.Pipeline.DebounceMs = 75
	}
	if cfg.Pipeline.AppendRetries <= 0 {
		cfg.Pipeline.AppendRetries = 3
	}
	if cfg.Pipeline.SpoolAttempts <= 0 {
		cfg.Pipeline.SpoolAttempts = 5
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultConfig().LogLevel
	}

	return cfg, nil
}

func Save(cfg Config) error {
	return SaveTo(ConfigPath(), cfg)
}

func SaveTo(path string, cfg Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}
