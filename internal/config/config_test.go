package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Recognition.Language != "en-US" {
		t.Fatalf("expected default language en-US, got %q", cfg.Recognition.Language)
	}
	if !cfg.Recognition.Interim || cfg.Recognition.Continuous {
		t.Fatalf("expected interim results without continuous capture")
	}
	if cfg.Dispatch.TimeoutMS != 30000 {
		t.Fatalf("expected default dispatch timeout, got %d", cfg.Dispatch.TimeoutMS)
	}
	if cfg.Credentials.DefaultLocality != "Unknown City" {
		t.Fatalf("unexpected default locality %q", cfg.Credentials.DefaultLocality)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa-voice.yaml")
	data := []byte(`
http:
  port: 9000
recognition:
  mode: scripted
  script: ["hello", "world"]
session:
  auto_dispatch: chat
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 9000 {
		t.Fatalf("expected port 9000, got %d", cfg.HTTP.Port)
	}
	if len(cfg.Recognition.Script) != 2 {
		t.Fatalf("expected two scripted fragments, got %v", cfg.Recognition.Script)
	}
	if cfg.Session.AutoDispatch != "chat" {
		t.Fatalf("expected auto dispatch chat")
	}
	// untouched sections keep defaults
	if cfg.Playback.SynthesisCommand != "espeak-ng" {
		t.Fatalf("expected default synthesis command, got %q", cfg.Playback.SynthesisCommand)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_VOICE_BUS_ENABLED", "true")
	t.Setenv("LOQA_VOICE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_VOICE_BUS_USERNAME", "alice")
	t.Setenv("LOQA_VOICE_RECOGNITION_MODE", "bus")
	t.Setenv("LOQA_VOICE_DISPATCH_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_VOICE_DISPATCH_APPEND_LOCALITY", "true")
	t.Setenv("LOQA_VOICE_PLAYBACK_RATE", "1.5")
	t.Setenv("LOQA_VOICE_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_VOICE_EVENT_STORE_MAX_SESSIONS", "123")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" {
		t.Fatalf("expected username override")
	}
	if cfg.Recognition.Mode != "bus" {
		t.Fatalf("expected recognition mode override")
	}
	if cfg.Dispatch.TimeoutMS != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Dispatch.TimeoutMS)
	}
	if !cfg.Dispatch.AppendLocality {
		t.Fatalf("expected append locality override")
	}
	if cfg.Playback.Rate != 1.5 {
		t.Fatalf("expected rate 1.5, got %v", cfg.Playback.Rate)
	}
	if cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store overrides")
	}
}

func TestValidateRejectsInvalid(t *testing.T) {
	cases := map[string]func(*Config){
		"exec without command":   func(c *Config) { c.Recognition.Mode = "exec" },
		"bus recognition no bus": func(c *Config) { c.Recognition.Mode = "bus" },
		"unknown auto dispatch":  func(c *Config) { c.Session.AutoDispatch = "tts" },
		"zero timeout":           func(c *Config) { c.Dispatch.TimeoutMS = 0 },
		"volume above one":       func(c *Config) { c.Playback.Volume = 2 },
		"bad retention":          func(c *Config) { c.EventStore.RetentionMode = "forever" },
		"otlp without endpoint":  func(c *Config) { c.Telemetry.TraceExporter = "otlp" },
		"unknown exporter":       func(c *Config) { c.Telemetry.TraceExporter = "jaeger" },
		"embedded port zero":     func(c *Config) { c.Bus.Enabled, c.Bus.Embedded, c.Bus.Port = true, true, 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestValidateAcceptsEphemeralEmbeddedPort(t *testing.T) {
	cfg := Default()
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	if err := validate(cfg); err != nil {
		t.Fatalf("expected -1 to select a free port, got %v", err)
	}
}
