package config

import (
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("TUTORGW_UPSTREAM_URL", "wss://upstream.example/realtime")
	t.Setenv("TUTORGW_UPSTREAM_API_KEY", "sk-test")
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	setRequired(t)
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8082" {
		t.Fatalf("addr=%q", cfg.Addr)
	}
	if cfg.HeartbeatInterval != 20*time.Second {
		t.Fatalf("heartbeat=%v", cfg.HeartbeatInterval)
	}
	if cfg.UpstreamModel != "qwen3-omni-flash-realtime" {
		t.Fatalf("model=%q", cfg.UpstreamModel)
	}
	if cfg.MaxSessionsPerUser != 2 {
		t.Fatalf("sessions per user=%d", cfg.MaxSessionsPerUser)
	}
}

func TestLoadFromEnv_MissingUpstream(t *testing.T) {
	t.Setenv("TUTORGW_UPSTREAM_URL", "")
	t.Setenv("TUTORGW_UPSTREAM_API_KEY", "sk-test")
	if _, err := LoadFromEnv(); err == nil || !strings.Contains(err.Error(), "TUTORGW_UPSTREAM_URL") {
		t.Fatalf("err=%v", err)
	}

	t.Setenv("TUTORGW_UPSTREAM_URL", "wss://upstream.example")
	t.Setenv("TUTORGW_UPSTREAM_API_KEY", "")
	if _, err := LoadFromEnv(); err == nil || !strings.Contains(err.Error(), "TUTORGW_UPSTREAM_API_KEY") {
		t.Fatalf("err=%v", err)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("TUTORGW_ADDR", ":9999")
	t.Setenv("TUTORGW_HEARTBEAT_INTERVAL", "5s")
	t.Setenv("TUTORGW_CORS_ORIGINS", "https://a.example, https://b.example")
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.HeartbeatInterval != 5*time.Second {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if _, ok := cfg.CORSAllowedOrigins["https://b.example"]; !ok || len(cfg.CORSAllowedOrigins) != 2 {
		t.Fatalf("cors origins: %v", cfg.CORSAllowedOrigins)
	}
}

func TestLoadFromEnv_InvalidValues(t *testing.T) {
	setRequired(t)
	t.Setenv("TUTORGW_HEARTBEAT_INTERVAL", "-1s")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatalf("negative heartbeat should fail")
	}

	setRequired(t)
	t.Setenv("TUTORGW_HEARTBEAT_INTERVAL", "")
	t.Setenv("TUTORGW_MAX_AUDIO_FPS", "10")
	t.Setenv("TUTORGW_INBOUND_BURST_SECONDS", "0")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatalf("burst 0 with fps limit should fail")
	}
}

func TestLoadFromEnv_BadValueFallsBackToDefault(t *testing.T) {
	setRequired(t)
	t.Setenv("TUTORGW_MAX_MESSAGE_BYTES", "not-a-number")
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxMessageBytes != 512*1024 {
		t.Fatalf("max message bytes=%d", cfg.MaxMessageBytes)
	}
}
