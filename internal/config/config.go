// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/caarlos0/env/v11"
)

// instancePattern bounds instance names; they appear in relay URL paths.
var instancePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// ValidInstanceName reports whether name may be used as an instance name.
func ValidInstanceName(name string) bool {
	return instancePattern.MatchString(name)
}

// Config holds all application configuration.
type Config struct {
	Port           string   `env:"PORT"            envDefault:"8080"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envDefault:"*"      envSeparator:","`
	InstanceName   string   `env:"INSTANCE_NAME"   envDefault:"host"`
	DBPath         string   `env:"DB_PATH"         envDefault:"./data/federation.db"`
	StateDir       string   `env:"STATE_DIR"       envDefault:"./data/state"`
	IdentityURL    string   `env:"IDENTITY_URL"`
	HandoffURL     string   `env:"HANDOFF_URL"`
	Embedded       bool     `env:"EMBEDDED"`
	// ParentURL is the host's auth endpoint asked by an embedded instance.
	ParentURL string `env:"PARENT_URL"`
	// HostAddr, when set, serves this instance's auth state to embedded
	// instances.
	HostAddr string `env:"HOST_ADDR"`

	Relay RelayConfig
	Auth  AuthConfig
}

// RelayConfig controls the remote event relay, both client and server side.
type RelayConfig struct {
	URL           string        `env:"RELAY_URL"`
	RetryInterval time.Duration `env:"RELAY_RETRY_INTERVAL" envDefault:"30s"`
	PollInterval  time.Duration `env:"RELAY_POLL_INTERVAL"  envDefault:"5s"`
	ProbeTimeout  time.Duration `env:"RELAY_PROBE_TIMEOUT"  envDefault:"3s"`
	PushEnabled   bool          `env:"RELAY_PUSH_ENABLED"   envDefault:"false"`
	InboxSize     int           `env:"RELAY_INBOX_SIZE"     envDefault:"256"`
}

// AuthConfig controls the auth handshake.
type AuthConfig struct {
	CacheTTL      time.Duration `env:"AUTH_CACHE_TTL"      envDefault:"5m"`
	ParentTimeout time.Duration `env:"AUTH_PARENT_TIMEOUT" envDefault:"1s"`
	HandoffWindow time.Duration `env:"AUTH_HANDOFF_WINDOW" envDefault:"10s"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if !ValidInstanceName(c.InstanceName) {
		return fmt.Errorf("INSTANCE_NAME %q must match %s", c.InstanceName, instancePattern)
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.StateDir == "" {
		return fmt.Errorf("STATE_DIR cannot be empty")
	}
	for name, raw := range map[string]string{"RELAY_URL": c.Relay.URL, "IDENTITY_URL": c.IdentityURL, "PARENT_URL": c.ParentURL} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%s must be an http(s) URL, got %q", name, raw)
		}
	}
	if c.Relay.RetryInterval <= 0 {
		return fmt.Errorf("RELAY_RETRY_INTERVAL must be > 0")
	}
	if c.Relay.PollInterval <= 0 {
		return fmt.Errorf("RELAY_POLL_INTERVAL must be > 0")
	}
	if c.Relay.ProbeTimeout <= 0 {
		return fmt.Errorf("RELAY_PROBE_TIMEOUT must be > 0")
	}
	if c.Relay.InboxSize <= 0 {
		return fmt.Errorf("RELAY_INBOX_SIZE must be > 0")
	}
	if c.Auth.CacheTTL <= 0 {
		return fmt.Errorf("AUTH_CACHE_TTL must be > 0")
	}
	if c.Auth.ParentTimeout <= 0 {
		return fmt.Errorf("AUTH_PARENT_TIMEOUT must be > 0")
	}
	if c.Auth.HandoffWindow <= 0 {
		return fmt.Errorf("AUTH_HANDOFF_WINDOW must be > 0")
	}
	return nil
}
