// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable Load reads the config path from.
const EnvVar = "CHATSYNC_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for a local backend.
	Development Environment = "development"
	// Production is for the hosted backend.
	Production Environment = "production"
)

// Config is the chatsync configuration.
type Config struct {
	// Environment selects the override section (development, production).
	Environment Environment `yaml:"environment"`

	// Server locates the chat backend.
	Server ServerConfig `yaml:"server"`

	// Paths configures local storage.
	Paths PathsConfig `yaml:"paths"`

	// Sync configures history loading and message delivery.
	Sync SyncConfig `yaml:"sync"`

	// Typing configures typing indicators.
	Typing TypingConfig `yaml:"typing"`

	Development *ConfigOverrides `yaml:"development,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Server *ServerConfig `yaml:"server,omitempty"`
	Paths  *PathsConfig  `yaml:"paths,omitempty"`
	Sync   *SyncConfig   `yaml:"sync,omitempty"`
	Typing *TypingConfig `yaml:"typing,omitempty"`
}

// ServerConfig locates the chat backend.
type ServerConfig struct {
	// URL is the REST base URL, e.g. https://chat.example.com.
	URL string `yaml:"url"`

	// SocketURL is the realtime websocket endpoint, e.g.
	// wss://chat.example.com/ws.
	SocketURL string `yaml:"socket_url"`
}

// PathsConfig configures local storage.
type PathsConfig struct {
	// Root is the base directory for chatsync data.
	Root string `yaml:"root"`

	// Outbox is the SQLite database holding unsent messages.
	// Default: ${CHATSYNC_ROOT}/outbox.db
	Outbox string `yaml:"outbox"`
}

// SyncConfig configures history loading and message delivery.
type SyncConfig struct {
	// HistoryPageSize is the number of messages per history page.
	HistoryPageSize int `yaml:"history_page_size"`

	// MaxBodyBytes bounds an outgoing message body.
	MaxBodyBytes int `yaml:"max_body_bytes"`

	// SendAttempts bounds delivery attempts when sends fail on the network.
	SendAttempts int `yaml:"send_attempts"`

	// RetryBackoff is the first wait between send attempts; it doubles
	// up to MaxRetryBackoff.
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	MaxRetryBackoff time.Duration `yaml:"max_retry_backoff"`

	// ReconnectBackoff and MaxReconnectBackoff bound the realtime
	// connection's reconnect delays.
	ReconnectBackoff    time.Duration `yaml:"reconnect_backoff"`
	MaxReconnectBackoff time.Duration `yaml:"max_reconnect_backoff"`
}

// TypingConfig configures typing indicators.
type TypingConfig struct {
	// Timeout is how long a remote typing indicator lasts without a
	// refresh.
	Timeout time.Duration `yaml:"timeout"`

	// ThrottleInterval is the minimum spacing between outgoing typing
	// signals.
	ThrottleInterval time.Duration `yaml:"throttle_interval"`
}

// Default returns the default configuration, used as the base before
// the config file is applied.
func Default() *Config {
	return &Config{
		Environment: Development,
		Server: ServerConfig{
			URL:       "http://localhost:8000",
			SocketURL: "ws://localhost:8000/ws",
		},
		Paths: PathsConfig{
			Root:   "${HOME}/.cache/chatsync",
			Outbox: "${CHATSYNC_ROOT}/outbox.db",
		},
		Sync: SyncConfig{
			HistoryPageSize:     50,
			MaxBodyBytes:        64 << 10,
			SendAttempts:        3,
			RetryBackoff:        500 * time.Millisecond,
			MaxRetryBackoff:     8 * time.Second,
			ReconnectBackoff:    500 * time.Millisecond,
			MaxReconnectBackoff: 30 * time.Second,
		},
		Typing: TypingConfig{
			Timeout:          3 * time.Second,
			ThrottleInterval: 2 * time.Second,
		},
	}
}

// Load loads configuration from the file named by CHATSYNC_CONFIG, or
// returns the defaults with variables expanded when it is unset.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvVar)
	if configPath == "" {
		cfg := Default()
		cfg.expandVariables()
		return cfg, nil
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path: defaults,
// then the file, then the matching environment section, then variable
// expansion.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if overrides.Server != nil {
		setString(&c.Server.URL, overrides.Server.URL)
		setString(&c.Server.SocketURL, overrides.Server.SocketURL)
	}
	if overrides.Paths != nil {
		setString(&c.Paths.Root, overrides.Paths.Root)
		setString(&c.Paths.Outbox, overrides.Paths.Outbox)
	}
	if overrides.Sync != nil {
		setInt(&c.Sync.HistoryPageSize, overrides.Sync.HistoryPageSize)
		setInt(&c.Sync.MaxBodyBytes, overrides.Sync.MaxBodyBytes)
		setInt(&c.Sync.SendAttempts, overrides.Sync.SendAttempts)
		setDuration(&c.Sync.RetryBackoff, overrides.Sync.RetryBackoff)
		setDuration(&c.Sync.MaxRetryBackoff, overrides.Sync.MaxRetryBackoff)
		setDuration(&c.Sync.ReconnectBackoff, overrides.Sync.ReconnectBackoff)
		setDuration(&c.Sync.MaxReconnectBackoff, overrides.Sync.MaxReconnectBackoff)
	}
	if overrides.Typing != nil {
		setDuration(&c.Typing.Timeout, overrides.Typing.Timeout)
		setDuration(&c.Typing.ThrottleInterval, overrides.Typing.ThrottleInterval)
	}
}

// The set helpers apply an override only when it is non-zero.

func setString(field *string, value string) {
	if value != "" {
		*field = value
	}
}

func setInt(field *int, value int) {
	if value != 0 {
		*field = value
	}
}

func setDuration(field *time.Duration, value time.Duration) {
	if value != 0 {
		*field = value
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Paths.Root = filepath.Clean(expandVars(c.Paths.Root, vars))
	vars["CHATSYNC_ROOT"] = c.Paths.Root
	c.Paths.Outbox = expandVars(c.Paths.Outbox, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Provided vars first, then the environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	secure := c.Environment == Production
	if err := checkURL("server.url", c.Server.URL, "http", "https", secure); err != nil {
		errs = append(errs, err)
	}
	if err := checkURL("server.socket_url", c.Server.SocketURL, "ws", "wss", secure); err != nil {
		errs = append(errs, err)
	}

	if c.Paths.Outbox == "" {
		errs = append(errs, fmt.Errorf("paths.outbox is required"))
	}
	if c.Sync.HistoryPageSize <= 0 {
		errs = append(errs, fmt.Errorf("sync.history_page_size must be positive"))
	}
	if c.Sync.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("sync.max_body_bytes must be positive"))
	}
	if c.Sync.SendAttempts <= 0 {
		errs = append(errs, fmt.Errorf("sync.send_attempts must be positive"))
	}
	if c.Sync.RetryBackoff <= 0 || c.Sync.MaxRetryBackoff < c.Sync.RetryBackoff {
		errs = append(errs, fmt.Errorf("sync.retry_backoff must be positive and at most sync.max_retry_backoff"))
	}
	if c.Sync.ReconnectBackoff <= 0 || c.Sync.MaxReconnectBackoff < c.Sync.ReconnectBackoff {
		errs = append(errs, fmt.Errorf("sync.reconnect_backoff must be positive and at most sync.max_reconnect_backoff"))
	}
	if c.Typing.Timeout <= 0 || c.Typing.ThrottleInterval <= 0 {
		errs = append(errs, fmt.Errorf("typing.timeout and typing.throttle_interval must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// checkURL requires raw to be an absolute URL with the plain or secure
// scheme, or only the secure one when secure is set.
func checkURL(field, raw, plain, secureScheme string, secure bool) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s: missing host in %q", field, raw)
	}
	switch parsed.Scheme {
	case secureScheme:
		return nil
	case plain:
		if secure {
			return fmt.Errorf("%s: production requires %s, got %q", field, secureScheme, raw)
		}
		return nil
	default:
		return fmt.Errorf("%s: scheme must be %s or %s, got %q", field, plain, secureScheme, parsed.Scheme)
	}
}

// EnsurePaths creates the directories the configured paths live in.
func (c *Config) EnsurePaths() error {
	for _, dir := range []string{c.Paths.Root, filepath.Dir(c.Paths.Outbox)} {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}
