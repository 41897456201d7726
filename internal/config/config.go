// Package config handles toolbridge configuration loading.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/toolbridge/config.yaml, /etc/toolbridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "toolbridge", "config.yaml"))
	}

	paths = append(paths, "/etc/toolbridge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all toolbridge configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text (default) or json
	Discovery DiscoveryConfig `yaml:"discovery"`
	Execution ExecutionConfig `yaml:"execution"`
	Pool      PoolConfig      `yaml:"pool"`
	OAuth     OAuthConfig     `yaml:"oauth"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	Audit     AuditConfig     `yaml:"audit"`
}

// ListenConfig defines the HTTP server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// DiscoveryConfig controls the tool schema cache.
type DiscoveryConfig struct {
	// CacheTTL is how long discovered tool schemas are served from
	// cache before the next tools/list round-trip. Default 5m.
	CacheTTL time.Duration `yaml:"cache_ttl"`
	// Timeout bounds a single downstream tools/list. Default 30s.
	Timeout time.Duration `yaml:"timeout"`
}

// ExecutionConfig controls tools/call behaviour.
type ExecutionConfig struct {
	// Timeout is the per-call deadline. Calls that exceed it are
	// audited with status "timeout". Default 60s.
	Timeout time.Duration `yaml:"timeout"`
}

// PoolConfig controls the connection pool for network transports.
type PoolConfig struct {
	// IdleTimeout closes unreferenced connections that have been idle
	// this long. Zero disables the reaper. Default 10m.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// OAuthConfig controls the OAuth credential lifecycle.
type OAuthConfig struct {
	// CallbackURL is the redirect_uri registered with providers when a
	// configuration does not carry its own.
	CallbackURL string `yaml:"callback_url"`
	// StateTTL is how long an issued state token stays valid. Default 10m.
	StateTTL time.Duration `yaml:"state_ttl"`
	// ExpiryMargin is how close to expiry a token must be before the
	// refresh job acts on it. Default 5m.
	ExpiryMargin time.Duration `yaml:"expiry_margin"`
	// RefreshLead is subtracted from expires_in when scheduling the
	// next refresh. Default 10m.
	RefreshLead time.Duration `yaml:"refresh_lead"`
	// JobTimeout bounds a single refresh job. Default 2m.
	JobTimeout time.Duration `yaml:"job_timeout"`
}

// SecretsConfig holds keys used to protect credentials at rest.
type SecretsConfig struct {
	// CredentialKey is a base64-encoded 32-byte key. When set,
	// credential blobs are sealed before they are written to disk.
	CredentialKey string `yaml:"credential_key"`
}

// AuditConfig controls optional audit fan-out.
type AuditConfig struct {
	MQTT MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig configures publishing audit entries to an MQTT broker for
// analytics consumers. The SQLite audit log remains authoritative.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // e.g. mqtt://localhost:1883 or mqtts://...
	Topic    string `yaml:"topic"`  // default: toolbridge/audit
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	ClientID string `yaml:"client_id"` // default: toolbridge
}

// Configured reports whether an MQTT broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero values with their defaults.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8484
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Discovery.CacheTTL == 0 {
		c.Discovery.CacheTTL = 5 * time.Minute
	}
	if c.Discovery.Timeout == 0 {
		c.Discovery.Timeout = 30 * time.Second
	}
	if c.Execution.Timeout == 0 {
		c.Execution.Timeout = 60 * time.Second
	}
	if c.Pool.IdleTimeout == 0 {
		c.Pool.IdleTimeout = 10 * time.Minute
	}
	if c.OAuth.StateTTL == 0 {
		c.OAuth.StateTTL = 10 * time.Minute
	}
	if c.OAuth.ExpiryMargin == 0 {
		c.OAuth.ExpiryMargin = 5 * time.Minute
	}
	if c.OAuth.RefreshLead == 0 {
		c.OAuth.RefreshLead = 10 * time.Minute
	}
	if c.OAuth.JobTimeout == 0 {
		c.OAuth.JobTimeout = 2 * time.Minute
	}
	if c.Audit.MQTT.Topic == "" {
		c.Audit.MQTT.Topic = "toolbridge/audit"
	}
	if c.Audit.MQTT.ClientID == "" {
		c.Audit.MQTT.ClientID = "toolbridge"
	}
}

// Validate checks the configuration for values that would fail at
// runtime. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}
	if c.OAuth.RefreshLead < 0 || c.OAuth.ExpiryMargin < 0 {
		errs = append(errs, errors.New("oauth.refresh_lead and oauth.expiry_margin must not be negative"))
	}
	if c.Secrets.CredentialKey != "" {
		if _, err := c.CredentialKey(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// CredentialKey decodes the configured credential sealing key. It
// returns nil, nil when no key is configured.
func (c *Config) CredentialKey() (*[32]byte, error) {
	if c.Secrets.CredentialKey == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(c.Secrets.CredentialKey)
	if err != nil {
		return nil, fmt.Errorf("secrets.credential_key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("secrets.credential_key must decode to 32 bytes, got %d", len(raw))
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}

// DatabasePath returns the SQLite path for a named database under DataDir.
func (c *Config) DatabasePath(name string) string {
	return filepath.Join(c.DataDir, name+".db")
}
