package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetRelay_NewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	err := SetRelay(path, RelayConfig{Enabled: true, Role: RelayRoleRelay, Listen: ":9000", UserID: "u1"})
	if err != nil {
		t.Fatalf("SetRelay() error = %v", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Fatalf("config file was not created at %s", path)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Providers.Relay.Enabled || cfg.Providers.Relay.GetListen() != ":9000" {
		t.Errorf("Relay = %+v", cfg.Providers.Relay)
	}
	if cfg.Defaults.LookupRate != 5 {
		t.Errorf("Defaults.LookupRate = %v, want defaults written to new file", cfg.Defaults.LookupRate)
	}
}

func TestSetRelay_KeepsExistingSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `providers:
  slack:
    token: ${SLACK_TOKEN}
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write test config: %v", err)
	}

	err := SetRelay(path, RelayConfig{Enabled: true, Role: RelayRoleFollower, URL: "ws://peer:7331/relay"})
	if err != nil {
		t.Fatalf("SetRelay() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "${SLACK_TOKEN}") {
		t.Errorf("env reference lost on rewrite:\n%s", data)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Providers.Relay.URL != "ws://peer:7331/relay" {
		t.Errorf("Relay.URL = %q", cfg.Providers.Relay.URL)
	}
}

func TestSetRelay_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	err := SetRelay(path, RelayConfig{Enabled: true, Role: RelayRoleFollower})
	if err == nil {
		t.Fatal("SetRelay() expected error for follower without url")
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Error("invalid config was written")
	}
}

func TestDisableRelay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := SetRelay(path, RelayConfig{Enabled: true, Listen: ":9000"}); err != nil {
		t.Fatal(err)
	}

	if err := DisableRelay(path); err != nil {
		t.Fatalf("DisableRelay() error = %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Providers.Relay.Enabled {
		t.Error("relay still enabled")
	}
	if cfg.Providers.Relay.Listen != ":9000" {
		t.Errorf("Relay.Listen = %q, want settings kept", cfg.Providers.Relay.Listen)
	}

	if err := DisableRelay(path); err == nil {
		t.Error("DisableRelay() expected error when already disabled")
	}
}

func TestDisableRelay_FileNotFound(t *testing.T) {
	if err := DisableRelay(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("DisableRelay() expected error for nonexistent file")
	}
}
