package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SetRelay writes the relay section of the configuration file at cfgPath.
// If the file doesn't exist, a new config is created.
// The result is validated before writing.
func SetRelay(cfgPath string, relay RelayConfig) error {
	cfg, err := loadRaw(cfgPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = &Config{Defaults: NewDefaults()}
	}

	cfg.Providers.Relay = relay

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	return write(cfgPath, cfg)
}

// DisableRelay turns the relay backend off, keeping its other settings.
// Returns an error if the config file doesn't exist.
func DisableRelay(cfgPath string) error {
	cfg, err := loadRaw(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.Providers.Relay.Enabled {
		return fmt.Errorf("relay is not enabled")
	}
	cfg.Providers.Relay.Enabled = false
	return write(cfgPath, cfg)
}

func write(cfgPath string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(cfgPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
