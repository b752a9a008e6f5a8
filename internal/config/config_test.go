package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseYAMLOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
log_level: debug
throttle:
  silence_window: 2m
dispatch:
  webhook_url: https://hooks.example.test/abc
entities:
  - id: NVDA
    display_name: 英伟达
    direct: [英伟达, NVDA]
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level: %s", cfg.LogLevel)
	}
	if cfg.Throttle.SilenceWindow != 2*time.Minute {
		t.Fatalf("silence window: %s", cfg.Throttle.SilenceWindow)
	}
	if cfg.Corroboration.TTL != 5*time.Minute {
		t.Fatalf("corroboration ttl default lost: %s", cfg.Corroboration.TTL)
	}
	if len(cfg.Entities) != 1 || cfg.Entities[0].Direct[0] != "英伟达" {
		t.Fatalf("entities: %+v", cfg.Entities)
	}
}

func TestParseJSONWithComments(t *testing.T) {
	cfg, err := Parse([]byte(`{
  // operator terms
  "admission": {"keywords": ["降息"]},
  "api": {"enabled": false}
}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cfg.Admission.Keywords) != 1 || cfg.Admission.Keywords[0] != "降息" {
		t.Fatalf("admission keywords: %v", cfg.Admission.Keywords)
	}
	if cfg.API.Enabled {
		t.Fatalf("api should be disabled")
	}
}

func TestValidateRejectsDuplicateEntity(t *testing.T) {
	_, err := Parse([]byte(`
entities:
  - id: A
    direct: [a]
  - id: A
    direct: [b]
`))
	if err == nil {
		t.Fatalf("expected duplicate entity error")
	}
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Driver = "mongo"
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected driver error")
	}
}

func TestEnvOverridesWebhook(t *testing.T) {
	t.Setenv(envWebhookURL, "https://env.example.test/hook")
	cfg, err := Parse([]byte("log_level: info\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Dispatch.WebhookURL != "https://env.example.test/hook" {
		t.Fatalf("webhook: %s", cfg.Dispatch.WebhookURL)
	}
}

func TestManagerUpdateAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "newsguard.yaml")
	if err := os.WriteFile(path, []byte("log_level: warn\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	if m.Get().LogLevel != "warn" {
		t.Fatalf("level: %s", m.Get().LogLevel)
	}
	next := *m.Get()
	next.LogLevel = "error"
	if err := m.Update(&next); err != nil {
		t.Fatalf("update: %v", err)
	}
	cfg, err := m.Reload()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.LogLevel != "error" {
		t.Fatalf("reloaded level: %s", cfg.LogLevel)
	}
}
