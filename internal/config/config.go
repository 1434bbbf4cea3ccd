// Package config provides configuration loading for ptymux.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix namespaces every variable; each also falls back to its bare name,
// so PTYMUX_PORT wins over PORT.
const EnvPrefix = "PTYMUX"

// Config holds all configuration values for the server.
type Config struct {
	// Server settings
	Host           string   `envconfig:"HOST" default:"0.0.0.0"`
	Port           int      `envconfig:"PORT" default:"3000"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"*"`
	StaticDir      string   `envconfig:"STATIC_DIR"`

	// PTY settings
	DefaultShell    string        `envconfig:"DEFAULT_SHELL"`
	DefaultCols     int           `envconfig:"DEFAULT_COLS" default:"80"`
	DefaultRows     int           `envconfig:"DEFAULT_ROWS" default:"24"`
	WorkDir         string        `envconfig:"WORKDIR"`
	KillGracePeriod time.Duration `envconfig:"KILL_GRACE_PERIOD" default:"3s"`

	// Session lifetime
	IdleThreshold   time.Duration `envconfig:"ORPHAN_IDLE_THRESHOLD" default:"5m"`
	ReapInterval    time.Duration `envconfig:"REAP_INTERVAL" default:"60s"`
	ScrollbackBytes int           `envconfig:"SCROLLBACK_BYTES" default:"0"`

	// WebSocket settings
	SendQueueSize     int           `envconfig:"WS_SEND_QUEUE" default:"256"`
	WSReadBufferSize  int           `envconfig:"WS_READ_BUFFER_SIZE" default:"1024"`
	WSWriteBufferSize int           `envconfig:"WS_WRITE_BUFFER_SIZE" default:"1024"`
	WSReadLimit       int64         `envconfig:"WS_READ_LIMIT" default:"1048576"`
	WSPingInterval    time.Duration `envconfig:"WS_PING_INTERVAL" default:"30s"`
	WSWriteTimeout    time.Duration `envconfig:"WS_WRITE_TIMEOUT" default:"10s"`

	// HTTP server timeouts
	HTTPReadTimeout time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"15s"`
	HTTPIdleTimeout time.Duration `envconfig:"HTTP_IDLE_TIMEOUT" default:"60s"`

	// Journal settings; an empty path disables the journal.
	JournalPath      string        `envconfig:"JOURNAL_PATH"`
	JournalRetention time.Duration `envconfig:"JOURNAL_RETENTION" default:"168h"`

	// Logging
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDerived fills fields whose defaults come from the login environment.
func (c *Config) applyDerived() {
	if c.DefaultShell == "" {
		c.DefaultShell = os.Getenv("SHELL")
	}
	if c.DefaultShell == "" {
		c.DefaultShell = "/bin/bash"
	}
	if c.WorkDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.WorkDir = home
		}
	}

	origins := c.AllowedOrigins[:0]
	for _, o := range c.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.AllowedOrigins = origins
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port))
	}
	if c.DefaultCols <= 0 || c.DefaultRows <= 0 {
		errs = append(errs, fmt.Errorf("DEFAULT_COLS and DEFAULT_ROWS must be positive, got %dx%d", c.DefaultCols, c.DefaultRows))
	}
	if c.IdleThreshold <= 0 {
		errs = append(errs, fmt.Errorf("ORPHAN_IDLE_THRESHOLD must be positive, got %s", c.IdleThreshold))
	}
	if c.ReapInterval <= 0 {
		errs = append(errs, fmt.Errorf("REAP_INTERVAL must be positive, got %s", c.ReapInterval))
	}
	if c.KillGracePeriod <= 0 {
		errs = append(errs, fmt.Errorf("KILL_GRACE_PERIOD must be positive, got %s", c.KillGracePeriod))
	}
	if c.ScrollbackBytes < 0 {
		errs = append(errs, fmt.Errorf("SCROLLBACK_BYTES must not be negative, got %d", c.ScrollbackBytes))
	}
	if c.SendQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("WS_SEND_QUEUE must be positive, got %d", c.SendQueueSize))
	}
	if c.WSPingInterval <= 0 || c.WSWriteTimeout <= 0 {
		errs = append(errs, errors.New("WS_PING_INTERVAL and WS_WRITE_TIMEOUT must be positive"))
	}
	if c.WSReadLimit <= 0 {
		errs = append(errs, fmt.Errorf("WS_READ_LIMIT must be positive, got %d", c.WSReadLimit))
	}
	if c.DefaultShell == "" {
		errs = append(errs, errors.New("DEFAULT_SHELL must not be empty"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}
