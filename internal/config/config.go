// Package config loads process configuration from the environment and the
// kiosk settings file.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Browser   BrowserConfig
	Session   SessionConfig
	Logging   LogConfig
	RateLimit RateLimitConfig

	// KioskFile is the YAML file holding time window and navigate-back settings.
	KioskFile string `envconfig:"KIOSK_CONFIG" default:"data/kiosk.yaml"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"7993"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// StorageConfig selects the link registry backend.
type StorageConfig struct {
	Driver string `envconfig:"STORAGE_DRIVER" default:"file"`
	Path   string `envconfig:"LINKS_PATH" default:"data/proxy-links.json"`
}

// BrowserConfig configures the headless Chromium binding.
type BrowserConfig struct {
	// RemoteURL is the DevTools WebSocket URL of an external Chrome. Empty
	// launches a local headless Chrome.
	RemoteURL   string `envconfig:"BROWSER_REMOTE_URL"`
	Bin         string `envconfig:"BROWSER_BIN"`
	Stealth     bool   `envconfig:"BROWSER_STEALTH" default:"true"`
	JPEGQuality int    `envconfig:"BROWSER_JPEG_QUALITY" default:"92"`
	// EveryNthFrame throttles the screencast; 1 keeps every painted frame.
	EveryNthFrame int `envconfig:"BROWSER_EVERY_NTH_FRAME" default:"1"`
}

// SessionConfig holds render session and session manager settings.
type SessionConfig struct {
	WatchdogInterval time.Duration `envconfig:"SESSION_WATCHDOG_INTERVAL" default:"5s"`
	WindowTolerance  time.Duration `envconfig:"SESSION_WINDOW_TOLERANCE" default:"5s"`
	NavigateTimeout  time.Duration `envconfig:"SESSION_NAVIGATE_TIMEOUT" default:"30s"`
	MaxLive          int           `envconfig:"SESSION_MAX_LIVE" default:"32"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig bounds input events per client.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"INPUT_RATE_LIMIT_RPS" default:"120"`
	Burst             int  `envconfig:"INPUT_RATE_LIMIT_BURST" default:"240"`
	Enabled           bool `envconfig:"INPUT_RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envconfig cannot check on its own.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "file", "sqlite":
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q (want file or sqlite)", c.Storage.Driver)
	}
	if c.Session.WatchdogInterval <= 0 {
		return fmt.Errorf("SESSION_WATCHDOG_INTERVAL must be positive")
	}
	if c.Session.MaxLive <= 0 {
		return fmt.Errorf("SESSION_MAX_LIVE must be positive")
	}
	if c.Browser.JPEGQuality < 1 || c.Browser.JPEGQuality > 100 {
		return fmt.Errorf("BROWSER_JPEG_QUALITY must be within 1..100")
	}
	return nil
}
