package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestWatch_DeliversReloadedConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := SaveTo(path, DefaultConfig()); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}

	updates := make(chan Config, 4)
	stop, err := Watch(path, func(cfg Config) { updates <- cfg })
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer stop()

	changed := DefaultConfig()
	changed.LogLevel = "debug"
	if err := SaveTo(path, changed); err != nil {
		t.Fatalf("SaveTo changed: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case cfg := <-updates:
			if cfg.LogLevel == "debug" {
				return
			}
		case <-deadline:
			t.Fatal("watch never delivered the updated config")
		}
	}
}

func TestWatch_RequiresCallback(t *testing.T) {
	if _, err := Watch(filepath.Join(t.TempDir(), "settings.json"), nil); err == nil {
		t.Fatal("nil callback accepted")
	}
}
