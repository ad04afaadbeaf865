package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Providers ProviderConfigs `yaml:"providers"`
	Defaults  Defaults        `yaml:"defaults"`
	Store     StoreConfig     `yaml:"store"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type ProviderConfigs struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
	Relay   RelayConfig   `yaml:"relay"`
}

type SlackConfig struct {
	Token string `yaml:"token,omitempty"`
}

type DiscordConfig struct {
	BotToken string `yaml:"bot_token,omitempty"`
	GuildID  string `yaml:"guild_id,omitempty"`
}

const (
	RelayRoleRelay    = "relay"
	RelayRoleFollower = "follower"
)

// RelayConfig configures the peer session backend. The relay role listens
// for followers; the follower role dials URL.
type RelayConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Role     string `yaml:"role,omitempty"`
	Listen   string `yaml:"listen,omitempty"`
	Path     string `yaml:"path,omitempty"`
	URL      string `yaml:"url,omitempty"`
	UserID   string `yaml:"user_id,omitempty"`
	UserName string `yaml:"user_name,omitempty"`
}

func (r RelayConfig) GetRole() string {
	if r.Role == "" {
		return RelayRoleRelay
	}
	return r.Role
}

func (r RelayConfig) GetListen() string {
	if r.Listen == "" {
		return ":7331"
	}
	return r.Listen
}

func (r RelayConfig) GetPath() string {
	if r.Path == "" {
		return "/relay"
	}
	return r.Path
}

// GetUserID returns the session identity, falling back to the host name.
func (r RelayConfig) GetUserID() string {
	if r.UserID != "" {
		return r.UserID
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "local"
}

func (r RelayConfig) GetUserName() string {
	if r.UserName == "" {
		return r.GetUserID()
	}
	return r.UserName
}

type Defaults struct {
	StaleAfter        string  `yaml:"stale_after"`
	LookupRate        float64 `yaml:"lookup_rate"`        // user lookups per second per backend
	LookupBurst       int     `yaml:"lookup_burst"`
	UnreadConcurrency int     `yaml:"unread_concurrency"` // parallel channel info requests
	PeerMessageRate   float64 `yaml:"peer_message_rate"`  // relay messages per second per peer
	PeerMessageBurst  int     `yaml:"peer_message_burst"`
}

// NewDefaults returns the defaults written into freshly created config files.
func NewDefaults() Defaults {
	return Defaults{
		StaleAfter:        "15m",
		LookupRate:        5,
		LookupBurst:       10,
		UnreadConcurrency: 8,
		PeerMessageRate:   2,
		PeerMessageBurst:  10,
	}
}

// GetStaleAfterDuration returns how old fetched users and channels may get
// before a background refresh. Defaults to 15 minutes.
func (d Defaults) GetStaleAfterDuration() time.Duration {
	dur, err := time.ParseDuration(d.StaleAfter)
	if err != nil || dur <= 0 {
		return 15 * time.Minute
	}
	return dur
}

func (d Defaults) GetLookupRate() float64 {
	if d.LookupRate == 0 {
		return 5
	}
	return d.LookupRate
}

func (d Defaults) GetLookupBurst() int {
	if d.LookupBurst == 0 {
		return 10
	}
	return d.LookupBurst
}

func (d Defaults) GetUnreadConcurrency() int {
	if d.UnreadConcurrency == 0 {
		return 8
	}
	return d.UnreadConcurrency
}

// GetPeerMessageRate returns the relay's per-peer message rate.
// Defaults to 2 messages per second.
func (d Defaults) GetPeerMessageRate() float64 {
	if d.PeerMessageRate == 0 {
		return 2
	}
	return d.PeerMessageRate
}

func (d Defaults) GetPeerMessageBurst() int {
	if d.PeerMessageBurst == 0 {
		return 10
	}
	return d.PeerMessageBurst
}

type StoreConfig struct {
	Path     string `yaml:"path,omitempty"`
	MaxUsers int    `yaml:"max_users,omitempty"` // larger user tables stay memory-only
}

func (s StoreConfig) GetPath() string {
	if s.Path == "" {
		return filepath.Join("data", "chatsync")
	}
	return s.Path
}

func (s StoreConfig) GetMaxUsers() int {
	if s.MaxUsers == 0 {
		return 5000
	}
	return s.MaxUsers
}

type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"` // json or console
}

func (l LogConfig) GetLevel() string {
	if l.Level == "" {
		return "info"
	}
	return l.Level
}

func (l LogConfig) GetFormat() string {
	if l.Format == "" {
		return "json"
	}
	return l.Format
}

type MetricsConfig struct {
	Address string `yaml:"address,omitempty"` // empty disables /metrics
}

// Validate checks the config for consistency errors.
func (c *Config) Validate() error {
	relay := c.Providers.Relay
	if relay.Enabled {
		switch relay.GetRole() {
		case RelayRoleRelay:
		case RelayRoleFollower:
			if relay.URL == "" {
				return fmt.Errorf("relay role %q requires url", RelayRoleFollower)
			}
			if !strings.HasPrefix(relay.URL, "ws://") && !strings.HasPrefix(relay.URL, "wss://") {
				return fmt.Errorf("relay url %q must use ws:// or wss://", relay.URL)
			}
		default:
			return fmt.Errorf("unknown relay role %q", relay.Role)
		}
		if !strings.HasPrefix(relay.GetPath(), "/") {
			return fmt.Errorf("relay path %q must start with /", relay.Path)
		}
	}

	if c.Providers.Discord.BotToken != "" && c.Providers.Discord.GuildID == "" {
		return fmt.Errorf("discord bot_token requires guild_id")
	}

	d := c.Defaults
	if d.StaleAfter != "" {
		if _, err := time.ParseDuration(d.StaleAfter); err != nil {
			return fmt.Errorf("invalid stale_after %q: %w", d.StaleAfter, err)
		}
	}
	if d.LookupRate < 0 || d.LookupBurst < 0 || d.PeerMessageRate < 0 || d.PeerMessageBurst < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	if d.UnreadConcurrency < 0 {
		return fmt.Errorf("unread_concurrency must not be negative")
	}
	if c.Store.MaxUsers < 0 {
		return fmt.Errorf("store max_users must not be negative")
	}

	switch strings.ToLower(c.Log.GetFormat()) {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Defaults.StaleAfter == "" {
		cfg.Defaults.StaleAfter = "15m"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// loadRaw reads the config without expanding environment variables, so a
// rewrite keeps ${VAR} references intact.
func loadRaw(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

func DefaultPath() string {
	return filepath.Join(".", "chatsync.yaml")
}
