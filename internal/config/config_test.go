package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Thresholds.MaxTemperature != 38.5 {
		t.Fatalf("max_temperature = %v", cfg.Thresholds.MaxTemperature)
	}
	if cfg.Thresholds.MaxGasLevel != 300 {
		t.Fatalf("max_gas_level = %v", cfg.Thresholds.MaxGasLevel)
	}
	if cfg.Debounce.Window != 60*time.Second {
		t.Fatalf("debounce window = %v", cfg.Debounce.Window)
	}
	if cfg.Attendance.DefaultGeofenceRadius != 100 {
		t.Fatalf("geofence radius = %v", cfg.Attendance.DefaultGeofenceRadius)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
log_level: debug
thresholds:
  max_gas_level: 250
debounce:
  window: 30s
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log_level = %q", cfg.LogLevel)
	}
	if cfg.Thresholds.MaxGasLevel != 250 {
		t.Fatalf("max_gas_level = %v", cfg.Thresholds.MaxGasLevel)
	}
	if cfg.Debounce.Window != 30*time.Second {
		t.Fatalf("debounce window = %v", cfg.Debounce.Window)
	}
	// Unspecified fields keep defaults.
	if cfg.Thresholds.MaxTemperature != 38.5 {
		t.Fatalf("max_temperature lost its default: %v", cfg.Thresholds.MaxTemperature)
	}
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"log_level":"warn"}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("log_level = %q", cfg.LogLevel)
	}
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Thresholds.HeartRateMin = 200
	if err := Validate(cfg); err == nil {
		t.Fatalf("heart rate min above max must fail validation")
	}

	cfg = DefaultConfig()
	cfg.Thresholds.MaxGasLevel = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("zero gas threshold must fail validation")
	}
}

func TestManagerReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	if m.Get().LogLevel != "info" {
		t.Fatalf("log_level = %q", m.Get().LogLevel)
	}

	// mtime granularity can be coarse; push it forward explicitly.
	if err := os.WriteFile(path, []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if _, err := m.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if m.Get().LogLevel != "debug" {
		t.Fatalf("reload did not pick up change, log_level = %q", m.Get().LogLevel)
	}
}
