// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	// Test client defaults
	if cfg.Client.Host != "127.0.0.1" {
		t.Errorf("expected default host 127.0.0.1, got %s", cfg.Client.Host)
	}
	if cfg.Client.Port != 8081 {
		t.Errorf("expected default port 8081, got %d", cfg.Client.Port)
	}
	if cfg.Client.ConnectTimeout != 10*time.Second {
		t.Errorf("expected connect timeout 10s, got %v", cfg.Client.ConnectTimeout)
	}

	// Test queue defaults
	if cfg.Queue.Type != QueueMemory {
		t.Errorf("expected queue type memory, got %s", cfg.Queue.Type)
	}
	if cfg.Queue.BatchSize != 100 {
		t.Errorf("expected batch size 100, got %d", cfg.Queue.BatchSize)
	}

	// Test pipe defaults
	if cfg.Pipe.Breaker.FailureThreshold != 5 {
		t.Errorf("expected failure threshold 5, got %d", cfg.Pipe.Breaker.FailureThreshold)
	}

	// Test log defaults
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "default config is valid",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "empty host",
			modify:  func(c *Config) { c.Client.Host = "" },
			wantErr: true,
		},
		{
			name:    "port out of range",
			modify:  func(c *Config) { c.Client.Port = 70000 },
			wantErr: true,
		},
		{
			name:    "zero port",
			modify:  func(c *Config) { c.Client.Port = 0 },
			wantErr: true,
		},
		{
			name:    "unknown queue type",
			modify:  func(c *Config) { c.Queue.Type = "sqlite" },
			wantErr: true,
		},
		{
			name:    "zero batch size",
			modify:  func(c *Config) { c.Queue.BatchSize = 0 },
			wantErr: true,
		},
		{
			name: "badger without dir",
			modify: func(c *Config) {
				c.Queue.Type = QueueBadger
				c.Queue.Badger.Dir = ""
			},
			wantErr: true,
		},
		{
			name: "badger with unknown compression",
			modify: func(c *Config) {
				c.Queue.Type = QueueBadger
				c.Queue.Badger.Compression = "lz4"
			},
			wantErr: true,
		},
		{
			name: "badger with s2",
			modify: func(c *Config) {
				c.Queue.Type = QueueBadger
				c.Queue.Badger.Compression = "s2"
			},
			wantErr: false,
		},
		{
			name: "postgres without dsn",
			modify: func(c *Config) {
				c.Queue.Type = QueuePostgres
				c.Queue.Postgres.DSN = ""
			},
			wantErr: true,
		},
		{
			name: "redis without addr",
			modify: func(c *Config) {
				c.Queue.Type = QueueRedis
				c.Queue.Redis.Addr = ""
			},
			wantErr: true,
		},
		{
			name: "reconnect max below min",
			modify: func(c *Config) {
				c.Pipe.ReconnectMin = time.Second
				c.Pipe.ReconnectMax = time.Millisecond
			},
			wantErr: true,
		},
		{
			name:    "breaker threshold zero",
			modify:  func(c *Config) { c.Pipe.Breaker.FailureThreshold = 0 },
			wantErr: true,
		},
		{
			name:    "empty server addr",
			modify:  func(c *Config) { c.Server.Addr = "" },
			wantErr: true,
		},
		{
			name: "frame rate limit without burst",
			modify: func(c *Config) {
				c.Server.RateLimit.Enabled = true
				c.Server.RateLimit.Frame.Enabled = true
				c.Server.RateLimit.Frame.Burst = 0
			},
			wantErr: true,
		},
		{
			name: "health enabled without addr",
			modify: func(c *Config) {
				c.Health.Enabled = true
				c.Health.Addr = ""
			},
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.Log.Level = "invalid" },
			wantErr: true,
		},
		{
			name:    "invalid log format",
			modify:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: true,
		},
		{
			name: "sample rate out of range",
			modify: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.TraceSampleRate = 1.5
			},
			wantErr: true,
		},
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

func TestLoadNonExistent(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatalf("Load() should return default config and no error when file doesn't exist, got error: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load() should return a default config, got nil")
	}

	if cfg.Client.Port != 8081 {
		t.Errorf("expected default config, got port %d", cfg.Client.Port)
	}
}

func TestLoadPartial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
client:
  host: push.example.com
  port: 9000
queue:
  type: redis
  redis:
    addr: redis:6379
pipe:
  consumer_id: device-7
  poll_interval: 250ms
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Client.Host != "push.example.com" || cfg.Client.Port != 9000 {
		t.Errorf("unexpected client address %s:%d", cfg.Client.Host, cfg.Client.Port)
	}
	if cfg.Queue.Type != QueueRedis || cfg.Queue.Redis.Addr != "redis:6379" {
		t.Errorf("unexpected queue config %+v", cfg.Queue)
	}
	if cfg.Queue.Redis.Namespace != "qpush" {
		t.Errorf("expected default namespace to survive, got %s", cfg.Queue.Redis.Namespace)
	}
	if cfg.Pipe.ConsumerID != "device-7" || cfg.Pipe.PollInterval != 250*time.Millisecond {
		t.Errorf("unexpected pipe config %+v", cfg.Pipe)
	}
	if cfg.Client.WriteTimeout != 5*time.Second {
		t.Errorf("expected default write timeout, got %v", cfg.Client.WriteTimeout)
	}
}

func TestLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("queue:\n  type: sqlite\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected validation error")
	}

	if err := os.WriteFile(path, []byte("client: [\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestSaveLoad(t *testing.T) {
	tmpfile := t.TempDir() + "/config.yaml"

	// Create custom config
	cfg := Default()
	cfg.Client.Port = 9443
	cfg.Queue.Type = QueueBadger
	cfg.Queue.Badger.Compression = "s2"
	cfg.Pipe.ReconnectMax = time.Minute
	cfg.Log.Level = "debug"

	// Save
	if err := cfg.Save(tmpfile); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// Load
	loaded, err := Load(tmpfile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Verify
	if loaded.Client.Port != 9443 {
		t.Errorf("expected port 9443, got %d", loaded.Client.Port)
	}
	if loaded.Queue.Type != QueueBadger || loaded.Queue.Badger.Compression != "s2" {
		t.Errorf("unexpected queue config %+v", loaded.Queue)
	}
	if loaded.Pipe.ReconnectMax != time.Minute {
		t.Errorf("expected reconnect max 1m, got %v", loaded.Pipe.ReconnectMax)
	}
	if loaded.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %s", loaded.Log.Level)
	}
}
