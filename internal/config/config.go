package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all client configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Backend
	APIBaseURL  string        `envconfig:"API_BASE_URL" default:"http://localhost:5000/api"`
	HTTPTimeout time.Duration `envconfig:"HTTP_TIMEOUT" default:"30s"`

	// Response cache
	CacheTTL           time.Duration `envconfig:"CACHE_TTL" default:"5m"`
	CacheCapacity      int           `envconfig:"CACHE_CAPACITY" default:"512"`
	CacheSweepInterval time.Duration `envconfig:"CACHE_SWEEP_INTERVAL" default:"1m"` // 0 disables the sweeper

	// Session
	CredentialsPath   string        `envconfig:"CREDENTIALS_PATH"` // empty = in-memory credentials
	LoginPath         string        `envconfig:"LOGIN_PATH" default:"/login"`
	RefreshSkew       time.Duration `envconfig:"REFRESH_SKEW" default:"30s"`
	ReadRetryAttempts int           `envconfig:"READ_RETRY_ATTEMPTS" default:"1"`

	// View refresh timing
	StaleRefetchDelays    []time.Duration `envconfig:"STALE_REFETCH_DELAYS" default:"300ms,1s"`
	NavigationSettleDelay time.Duration   `envconfig:"NAVIGATION_SETTLE_DELAY" default:"100ms"`

	// Admin listener (metrics + health) of the dashsync binary
	AdminAddr string `envconfig:"ADMIN_ADDR" default:":9090"`

	// Optional credentials for an unattended login at startup
	Email    string `envconfig:"DASHSYNC_EMAIL"`
	Password string `envconfig:"DASHSYNC_PASSWORD"`
}

// PersistentCredentials returns true if credentials should survive restarts.
func (c *Config) PersistentCredentials() bool {
	return c.CredentialsPath != ""
}

// AutoLogin returns true if startup credentials are configured.
func (c *Config) AutoLogin() bool {
	return c.Email != "" && c.Password != ""
}

// Validate checks values envconfig cannot express as tags.
func (c *Config) Validate() error {
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid API_BASE_URL %q", c.APIBaseURL)
	}
	if c.CacheCapacity < 1 {
		return fmt.Errorf("CACHE_CAPACITY must be >= 1, got %d", c.CacheCapacity)
	}
	if !strings.HasPrefix(c.LoginPath, "/") {
		return fmt.Errorf("LOGIN_PATH must start with '/', got %q", c.LoginPath)
	}
	for _, d := range c.StaleRefetchDelays {
		if d < 0 {
			return fmt.Errorf("STALE_REFETCH_DELAYS must not be negative, got %s", d)
		}
	}
	return nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	return LoadWithPrefix("")
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %q: %w", prefix, err)
	}
	cfg.APIBaseURL = strings.TrimSuffix(cfg.APIBaseURL, "/")
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}
