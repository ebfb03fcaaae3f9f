package config

import (
	"embed"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr/nip19"
	"gopkg.in/yaml.v3"
)

//go:embed example.yaml
var exampleConfig embed.FS

// Config represents the complete syncr configuration
type Config struct {
	Identity Identity `yaml:"identity"`
	Relays   Relays   `yaml:"relays"`
	Gateway  Gateway  `yaml:"gateway"`
	Sync     Sync     `yaml:"sync"`
	Storage  Storage  `yaml:"storage"`
	Logging  Logging  `yaml:"logging"`
}

// Identity contains the caller's Nostr identity
type Identity struct {
	Npub string `yaml:"npub"`

	// SecretKey comes only from the SYNCR_SECRET_KEY environment variable,
	// never from the config file.
	SecretKey string `yaml:"-"`
}

// PubkeyHex decodes the configured npub to a hex pubkey
func (i *Identity) PubkeyHex() (string, error) {
	prefix, data, err := nip19.Decode(i.Npub)
	if err != nil {
		return "", fmt.Errorf("failed to decode npub: %w", err)
	}
	if prefix != "npub" {
		return "", fmt.Errorf("expected npub, got %s", prefix)
	}
	return data.(string), nil
}

// Relays contains relay configuration
type Relays struct {
	Seeds   []string    `yaml:"seeds"`
	Default string      `yaml:"default"`
	Retired []string    `yaml:"retired"`
	Policy  RelayPolicy `yaml:"policy"`
}

// RelayPolicy contains relay connection policies
type RelayPolicy struct {
	ConnectTimeoutMs  int `yaml:"connect_timeout_ms"`
	PublishTimeoutMs  int `yaml:"publish_timeout_ms"`
	MaxConcurrentSubs int `yaml:"max_concurrent_subs"`
	CapabilityTTLDays int `yaml:"capability_ttl_days"`
}

// ConnectTimeout returns the connect timeout as a duration
func (p *RelayPolicy) ConnectTimeout() time.Duration {
	if p.ConnectTimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(p.ConnectTimeoutMs) * time.Millisecond
}

// PublishTimeout returns the per-relay publish timeout as a duration
func (p *RelayPolicy) PublishTimeout() time.Duration {
	if p.PublishTimeoutMs <= 0 {
		return 7 * time.Second
	}
	return time.Duration(p.PublishTimeoutMs) * time.Millisecond
}

// CapabilityTTL returns how long a cached relay capability probe stays valid
func (p *RelayPolicy) CapabilityTTL() time.Duration {
	if p.CapabilityTTLDays <= 0 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(p.CapabilityTTLDays) * 24 * time.Hour
}

// Gateway contains HTTP read-through gateway settings
type Gateway struct {
	Enabled   bool   `yaml:"enabled"`
	URL       string `yaml:"url"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// Timeout returns the gateway request timeout as a duration
func (g *Gateway) Timeout() time.Duration {
	if g.TimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(g.TimeoutMs) * time.Millisecond
}

// Sync contains synchronization settings
type Sync struct {
	Kinds      SyncKinds  `yaml:"kinds"`
	Pagination Pagination `yaml:"pagination"`
	Workers    int        `yaml:"workers"`
	SubTimeout int        `yaml:"sub_timeout_seconds"`
}

// SubTimeoutDuration returns the end-of-stored-events deadline as a duration
func (s *Sync) SubTimeoutDuration() time.Duration {
	if s.SubTimeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.SubTimeout) * time.Second
}

// SyncKinds defines granular control over which event kinds to sync
type SyncKinds struct {
	Profiles    bool  `yaml:"profiles"`     // kind 0
	ContactList bool  `yaml:"contact_list"` // kind 3
	Deletions   bool  `yaml:"deletions"`    // kind 5
	Reposts     bool  `yaml:"reposts"`      // kind 6
	Reactions   bool  `yaml:"reactions"`    // kind 7
	Videos      bool  `yaml:"videos"`       // kind 21
	Loops       bool  `yaml:"loops"`        // kind 22
	Allowlist   []int `yaml:"allowlist"`    // additional kinds to sync
}

// ToIntSlice converts SyncKinds to a slice of kind integers
func (sk *SyncKinds) ToIntSlice() []int {
	var kinds []int

	if sk.Profiles {
		kinds = append(kinds, 0)
	}
	if sk.ContactList {
		kinds = append(kinds, 3)
	}
	if sk.Deletions {
		kinds = append(kinds, 5)
	}
	if sk.Reposts {
		kinds = append(kinds, 6)
	}
	if sk.Reactions {
		kinds = append(kinds, 7)
	}
	if sk.Videos {
		kinds = append(kinds, 21)
	}
	if sk.Loops {
		kinds = append(kinds, 22)
	}

	kinds = append(kinds, sk.Allowlist...)

	return kinds
}

// Pagination contains feed pagination settings
type Pagination struct {
	DefaultLimit int     `yaml:"default_limit"`
	HasMoreRatio float64 `yaml:"has_more_ratio"`
}

// Storage contains storage backend settings
type Storage struct {
	SQLitePath string `yaml:"sqlite_path"`
	KV         KV     `yaml:"kv"`
}

// KV contains key-value store settings
type KV struct {
	Backend  string `yaml:"backend"` // sqlite|redis|memory
	RedisURL string `yaml:"redis_url"`
}

// Logging contains logging configuration
type Logging struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

var validKVBackends = map[string]bool{
	"sqlite": true,
	"redis":  true,
	"memory": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load reads and parses a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyDefaults fills in missing fields from Default
func applyDefaults(cfg *Config) {
	defaults := Default()

	if cfg.Relays.Default == "" {
		cfg.Relays.Default = defaults.Relays.Default
	}
	if len(cfg.Relays.Retired) == 0 {
		cfg.Relays.Retired = defaults.Relays.Retired
	}
	if cfg.Relays.Policy.ConnectTimeoutMs == 0 {
		cfg.Relays.Policy.ConnectTimeoutMs = defaults.Relays.Policy.ConnectTimeoutMs
	}
	if cfg.Relays.Policy.PublishTimeoutMs == 0 {
		cfg.Relays.Policy.PublishTimeoutMs = defaults.Relays.Policy.PublishTimeoutMs
	}
	if cfg.Relays.Policy.MaxConcurrentSubs == 0 {
		cfg.Relays.Policy.MaxConcurrentSubs = defaults.Relays.Policy.MaxConcurrentSubs
	}
	if cfg.Relays.Policy.CapabilityTTLDays == 0 {
		cfg.Relays.Policy.CapabilityTTLDays = defaults.Relays.Policy.CapabilityTTLDays
	}
	if cfg.Sync.Workers == 0 {
		cfg.Sync.Workers = defaults.Sync.Workers
	}
	if cfg.Sync.SubTimeout == 0 {
		cfg.Sync.SubTimeout = defaults.Sync.SubTimeout
	}
	if cfg.Sync.Pagination.DefaultLimit == 0 {
		cfg.Sync.Pagination.DefaultLimit = defaults.Sync.Pagination.DefaultLimit
	}
	if cfg.Sync.Pagination.HasMoreRatio == 0 {
		cfg.Sync.Pagination.HasMoreRatio = defaults.Sync.Pagination.HasMoreRatio
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = defaults.Storage.SQLitePath
	}
	if cfg.Storage.KV.Backend == "" {
		cfg.Storage.KV.Backend = defaults.Storage.KV.Backend
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaults.Logging.Format
	}
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(cfg *Config) error {
	if redisURL := os.Getenv("SYNCR_REDIS_URL"); redisURL != "" {
		cfg.Storage.KV.RedisURL = redisURL
	}
	if gatewayURL := os.Getenv("SYNCR_GATEWAY_URL"); gatewayURL != "" {
		cfg.Gateway.URL = gatewayURL
	}
	if secretKey := os.Getenv("SYNCR_SECRET_KEY"); secretKey != "" {
		cfg.Identity.SecretKey = secretKey
	}
	return nil
}

// Validate checks the configuration for consistency
func Validate(cfg *Config) error {
	if cfg.Identity.Npub == "" {
		return fmt.Errorf("identity.npub is required")
	}
	if !strings.HasPrefix(cfg.Identity.Npub, "npub1") {
		return fmt.Errorf("identity.npub must start with 'npub1'")
	}

	if len(cfg.Relays.Seeds) == 0 {
		return fmt.Errorf("at least one relay seed is required")
	}
	for _, seed := range cfg.Relays.Seeds {
		if !strings.HasPrefix(seed, "wss://") && !strings.HasPrefix(seed, "ws://") {
			return fmt.Errorf("relay seed must start with ws:// or wss://: %s", seed)
		}
	}

	if cfg.Gateway.Enabled && cfg.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required when gateway.enabled is true")
	}
	if cfg.Gateway.URL != "" && !strings.HasPrefix(cfg.Gateway.URL, "http://") && !strings.HasPrefix(cfg.Gateway.URL, "https://") {
		return fmt.Errorf("gateway.url must start with http:// or https://: %s", cfg.Gateway.URL)
	}

	if !validKVBackends[cfg.Storage.KV.Backend] {
		return fmt.Errorf("invalid kv backend: %s (must be one of: sqlite, redis, memory)", cfg.Storage.KV.Backend)
	}
	if cfg.Storage.KV.Backend == "redis" && cfg.Storage.KV.RedisURL == "" {
		return fmt.Errorf("storage.kv.redis_url is required when backend is redis")
	}

	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error)", cfg.Logging.Level)
	}

	if cfg.Sync.Pagination.HasMoreRatio < 0 || cfg.Sync.Pagination.HasMoreRatio > 1 {
		return fmt.Errorf("sync.pagination.has_more_ratio must be between 0 and 1")
	}

	return nil
}

// GetExampleConfig returns the embedded example configuration
func GetExampleConfig() ([]byte, error) {
	return exampleConfig.ReadFile("example.yaml")
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Relays: Relays{
			Seeds:   []string{"wss://relay.loopvine.net"},
			Default: "wss://relay.loopvine.net",
			Retired: []string{
				"wss://legacy.loopvine.net",
				"wss://relay.loopvine.io",
			},
			Policy: RelayPolicy{
				ConnectTimeoutMs:  10000,
				PublishTimeoutMs:  7000,
				MaxConcurrentSubs: 20,
				CapabilityTTLDays: 7,
			},
		},
		Gateway: Gateway{
			Enabled:   false,
			TimeoutMs: 10000,
		},
		Sync: Sync{
			Kinds: SyncKinds{
				Profiles:    true,
				ContactList: true,
				Deletions:   true,
				Reposts:     true,
				Reactions:   true,
				Videos:      true,
				Loops:       true,
			},
			Pagination: Pagination{
				DefaultLimit: 50,
				HasMoreRatio: 0.5,
			},
			Workers:    4,
			SubTimeout: 30,
		},
		Storage: Storage{
			SQLitePath: "./syncr.db",
			KV: KV{
				Backend: "sqlite",
			},
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
	}
}
