package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Agent.Binary != "specflow-agent" {
		t.Errorf("expected default agent binary specflow-agent, got %s", cfg.Agent.Binary)
	}
	if cfg.Agent.Timeout != 10*time.Minute {
		t.Errorf("expected default timeout 10m, got %s", cfg.Agent.Timeout)
	}
	if cfg.Agent.MaxQuestions != 50 {
		t.Errorf("expected default max questions 50, got %d", cfg.Agent.MaxQuestions)
	}
	if !cfg.NATS.Embedded {
		t.Error("expected embedded NATS by default")
	}
	if cfg.Orchestration.BatchSizeFallback != 15 {
		t.Errorf("expected fallback batch size 15, got %d", cfg.Orchestration.BatchSizeFallback)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing agent binary",
			modify:  func(c *Config) { c.Agent.Binary = "" },
			wantErr: true,
		},
		{
			name:    "zero timeout",
			modify:  func(c *Config) { c.Agent.Timeout = 0 },
			wantErr: true,
		},
		{
			name:    "negative heal attempts",
			modify:  func(c *Config) { c.Orchestration.MaxHealAttempts = -1 },
			wantErr: true,
		},
		{
			name:    "heal attempts above cap",
			modify:  func(c *Config) { c.Orchestration.MaxHealAttempts = 6 },
			wantErr: true,
		},
		{
			name:    "zero fallback batch size",
			modify:  func(c *Config) { c.Orchestration.BatchSizeFallback = 0 },
			wantErr: true,
		},
		{
			name:    "zero poll interval",
			modify:  func(c *Config) { c.Transcript.PollInterval = 0 },
			wantErr: true,
		},
		{
			name:    "zero max questions",
			modify:  func(c *Config) { c.Agent.MaxQuestions = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `agent:
  binary: /usr/local/bin/my-agent
  timeout: 5m
orchestration:
  auto_heal_enabled: false
  batch_size_fallback: 20
transcript:
  root: /tmp/transcripts
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Agent.Binary != "/usr/local/bin/my-agent" {
		t.Errorf("agent binary = %q, want /usr/local/bin/my-agent", cfg.Agent.Binary)
	}
	if cfg.Agent.Timeout != 5*time.Minute {
		t.Errorf("timeout = %s, want 5m", cfg.Agent.Timeout)
	}
	if cfg.Orchestration.AutoHealEnabled {
		t.Error("auto heal should be disabled")
	}
	if cfg.Orchestration.BatchSizeFallback != 20 {
		t.Errorf("fallback batch size = %d, want 20", cfg.Orchestration.BatchSizeFallback)
	}
	// Unset fields keep their defaults.
	if cfg.Agent.MaxQuestions != 50 {
		t.Errorf("max questions = %d, want default 50", cfg.Agent.MaxQuestions)
	}

	root, err := cfg.TranscriptRoot()
	if err != nil {
		t.Fatalf("TranscriptRoot() error = %v", err)
	}
	if root != "/tmp/transcripts" {
		t.Errorf("transcript root = %q, want /tmp/transcripts", root)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadFromFileMalformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("agent: [not a map"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("expected error for malformed YAML")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "config.yaml")

	cfg := DefaultConfig()
	cfg.Agent.Binary = "agent-x"
	cfg.NATS.URL = "nats://localhost:4222"

	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if loaded.Agent.Binary != "agent-x" {
		t.Errorf("binary = %q, want agent-x", loaded.Agent.Binary)
	}
	if loaded.NATS.URL != "nats://localhost:4222" {
		t.Errorf("nats url = %q", loaded.NATS.URL)
	}
}
