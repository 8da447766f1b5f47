package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Transport.Profile != "ec600mcnle_v1" || cfg.HTTP.Listen != "127.0.0.1:18792" {
		t.Errorf("unexpected defaults: %+v", cfg.Transport)
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("defaults not written to disk")
	}
	// A second load reads the written file.
	if _, err := Load(path); err != nil {
		t.Fatal(err)
	}
}

func TestLoadRejectsUnknownProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"transport":{"adapter":"mock","profile":"nope_v9"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("unknown profile must be fatal at startup")
	}
}

func TestLoadRejectsUnknownAdapter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"transport":{"adapter":"pigeon","profile":"ec600mcnle_v1"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("unknown adapter must be fatal at startup")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OPENCANE_MQTT_BROKER", "tcp://broker.example:8883")
	t.Setenv("OPENCANE_LOG_LEVEL", "debug")
	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Transport.MQTT.BrokerURL != "tcp://broker.example:8883" {
		t.Errorf("broker = %s", cfg.Transport.MQTT.BrokerURL)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %s", cfg.LogLevel)
	}
}
