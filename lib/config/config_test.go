// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatsync.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Environment != Development {
		t.Errorf("expected environment=development, got %s", cfg.Environment)
	}
	if cfg.Sync.SendAttempts != 3 {
		t.Errorf("expected send_attempts=3, got %d", cfg.Sync.SendAttempts)
	}
	if cfg.Typing.Timeout != 3*time.Second {
		t.Errorf("expected typing timeout=3s, got %s", cfg.Typing.Timeout)
	}
	if cfg.Typing.ThrottleInterval != 2*time.Second {
		t.Errorf("expected throttle_interval=2s, got %s", cfg.Typing.ThrottleInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestLoad_DefaultsWithoutEnvVar(t *testing.T) {
	t.Setenv(EnvVar, "")
	t.Setenv("HOME", "/home/tester")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Server.URL != Default().Server.URL {
		t.Errorf("expected default server url, got %s", cfg.Server.URL)
	}
	if cfg.Paths.Outbox != "/home/tester/.cache/chatsync/outbox.db" {
		t.Errorf("expected expanded outbox path, got %s", cfg.Paths.Outbox)
	}
}

func TestLoad_WithEnvVar(t *testing.T) {
	path := writeConfig(t, `
server:
  url: http://chat.test:9000
  socket_url: ws://chat.test:9000/ws
sync:
  history_page_size: 20
  retry_backoff: 250ms
typing:
  timeout: 5s
`)
	t.Setenv(EnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Server.URL != "http://chat.test:9000" {
		t.Errorf("expected server url from file, got %s", cfg.Server.URL)
	}
	if cfg.Sync.HistoryPageSize != 20 {
		t.Errorf("expected history_page_size=20, got %d", cfg.Sync.HistoryPageSize)
	}
	if cfg.Sync.RetryBackoff != 250*time.Millisecond {
		t.Errorf("expected retry_backoff=250ms, got %s", cfg.Sync.RetryBackoff)
	}
	if cfg.Typing.Timeout != 5*time.Second {
		t.Errorf("expected typing timeout=5s, got %s", cfg.Typing.Timeout)
	}
	// Fields the file leaves out keep their defaults.
	if cfg.Sync.SendAttempts != 3 {
		t.Errorf("expected default send_attempts=3, got %d", cfg.Sync.SendAttempts)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestLoadFile_Malformed(t *testing.T) {
	path := writeConfig(t, "sync: [not, a, mapping")
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected error for malformed YAML")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `
environment: production

server:
  url: http://localhost:8000
  socket_url: ws://localhost:8000/ws

sync:
  send_attempts: 2

production:
  server:
    url: https://chat.example.com
    socket_url: wss://chat.example.com/ws
  sync:
    send_attempts: 5
  typing:
    throttle_interval: 4s

development:
  sync:
    send_attempts: 9
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Server.URL != "https://chat.example.com" {
		t.Errorf("expected production url, got %s", cfg.Server.URL)
	}
	if cfg.Sync.SendAttempts != 5 {
		t.Errorf("expected send_attempts=5 from production override, got %d", cfg.Sync.SendAttempts)
	}
	if cfg.Typing.ThrottleInterval != 4*time.Second {
		t.Errorf("expected throttle_interval=4s, got %s", cfg.Typing.ThrottleInterval)
	}
	if cfg.Typing.Timeout != 3*time.Second {
		t.Errorf("expected untouched typing timeout=3s, got %s", cfg.Typing.Timeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestPathExpansion(t *testing.T) {
	t.Setenv("HOME", "/home/tester")

	cfg, err := LoadFile(writeConfig(t, "environment: development\n"))
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Paths.Root != "/home/tester/.cache/chatsync" {
		t.Errorf("expected expanded root, got %s", cfg.Paths.Root)
	}
	if cfg.Paths.Outbox != "/home/tester/.cache/chatsync/outbox.db" {
		t.Errorf("expected outbox under root, got %s", cfg.Paths.Outbox)
	}

	cfg, err = LoadFile(writeConfig(t, "paths:\n  root: /srv/chat\n"))
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Paths.Outbox != "/srv/chat/outbox.db" {
		t.Errorf("expected outbox to follow custom root, got %s", cfg.Paths.Outbox)
	}
}

func TestExpandVars(t *testing.T) {
	tests := []struct {
		input    string
		vars     map[string]string
		expected string
	}{
		{"${HOME}/chat", map[string]string{"HOME": "/home/user"}, "/home/user/chat"},
		{"${CHATSYNC_TEST_MISSING:-fallback}", map[string]string{}, "fallback"},
		{"${PRESENT:-fallback}", map[string]string{"PRESENT": "value"}, "value"},
		{"${A}/${B}", map[string]string{"A": "first", "B": "second"}, "first/second"},
		{"no variables here", map[string]string{}, "no variables here"},
	}

	for _, tt := range tests {
		if result := expandVars(tt.input, tt.vars); result != tt.expected {
			t.Errorf("expandVars(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid default config", func(c *Config) {}, false},
		{"invalid environment", func(c *Config) { c.Environment = "staging" }, true},
		{"missing server url", func(c *Config) { c.Server.URL = "" }, true},
		{"socket url with http scheme", func(c *Config) { c.Server.SocketURL = "http://localhost/ws" }, true},
		{"url without host", func(c *Config) { c.Server.URL = "http:///path" }, true},
		{"production over plain http", func(c *Config) { c.Environment = Production }, true},
		{"production over tls", func(c *Config) {
			c.Environment = Production
			c.Server.URL = "https://chat.example.com"
			c.Server.SocketURL = "wss://chat.example.com/ws"
		}, false},
		{"zero page size", func(c *Config) { c.Sync.HistoryPageSize = 0 }, true},
		{"zero send attempts", func(c *Config) { c.Sync.SendAttempts = 0 }, true},
		{"backoff above its cap", func(c *Config) { c.Sync.RetryBackoff = time.Minute }, true},
		{"zero typing timeout", func(c *Config) { c.Typing.Timeout = 0 }, true},
		{"empty outbox path", func(c *Config) { c.Paths.Outbox = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnsurePaths(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := Default()
	cfg.Paths.Root = filepath.Join(tmpDir, "chatsync")
	cfg.Paths.Outbox = filepath.Join(tmpDir, "state", "outbox.db")

	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths failed: %v", err)
	}
	for _, path := range []string{cfg.Paths.Root, filepath.Dir(cfg.Paths.Outbox)} {
		info, err := os.Stat(path)
		if err != nil {
			t.Errorf("path %s not created: %v", path, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("path %s is not a directory", path)
		}
	}
}
