package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// Upstream realtime conversational-AI service.
	UpstreamURL    string
	UpstreamAPIKey string
	UpstreamModel  string
	UpstreamVoice  string

	// Collaborating services.
	UserServiceURL    string
	HistoryServiceURL string
	MediaServiceURL   string

	// Per-gateway HTTP request timeout.
	GatewayRequestTimeout time.Duration

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Client websocket behavior.
	HeartbeatInterval time.Duration
	WSWriteTimeout    time.Duration
	WSReadTimeout     time.Duration
	HandshakeTimeout  time.Duration
	MaxMessageBytes   int64

	// Inbound audio limits, enforced per session.
	MaxAudioFrameBytes  int
	MaxAudioFPS         int
	MaxAudioBPS         int64
	InboundBurstSeconds int

	MaxSessionsPerUser int

	// Upstream bridge behavior.
	UpstreamDialTimeout       time.Duration
	UpstreamKeepAliveInterval time.Duration

	// Teardown budgets.
	ShutdownGracePeriod time.Duration
	SideEffectTimeout   time.Duration

	// Operational server defaults.
	ReadHeaderTimeout time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                      envOr("TUTORGW_ADDR", ":8082"),
		UpstreamURL:               envOr("TUTORGW_UPSTREAM_URL", ""),
		UpstreamAPIKey:            envOr("TUTORGW_UPSTREAM_API_KEY", ""),
		UpstreamModel:             envOr("TUTORGW_UPSTREAM_MODEL", "qwen3-omni-flash-realtime"),
		UpstreamVoice:             envOr("TUTORGW_UPSTREAM_VOICE", "Cherry"),
		UserServiceURL:            envOr("TUTORGW_USER_SERVICE_URL", "http://user-service:3000"),
		HistoryServiceURL:         envOr("TUTORGW_HISTORY_SERVICE_URL", "http://history-analytics-service:3004"),
		MediaServiceURL:           envOr("TUTORGW_MEDIA_SERVICE_URL", "http://media-processing-service:3005"),
		GatewayRequestTimeout:     envDurationOr("TUTORGW_GATEWAY_REQUEST_TIMEOUT", 10*time.Second),
		CORSAllowedOrigins:        make(map[string]struct{}),
		HeartbeatInterval:         envDurationOr("TUTORGW_HEARTBEAT_INTERVAL", 20*time.Second),
		WSWriteTimeout:            envDurationOr("TUTORGW_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadTimeout:             envDurationOr("TUTORGW_WS_READ_TIMEOUT", 0),
		HandshakeTimeout:          envDurationOr("TUTORGW_HANDSHAKE_TIMEOUT", 10*time.Second),
		MaxMessageBytes:           envInt64Or("TUTORGW_MAX_MESSAGE_BYTES", 512*1024),
		MaxAudioFrameBytes:        envIntOr("TUTORGW_MAX_AUDIO_FRAME_BYTES", 64*1024),
		MaxAudioFPS:               envIntOr("TUTORGW_MAX_AUDIO_FPS", 120),
		MaxAudioBPS:               envInt64Or("TUTORGW_MAX_AUDIO_BPS", 256*1024),
		InboundBurstSeconds:       envIntOr("TUTORGW_INBOUND_BURST_SECONDS", 2),
		MaxSessionsPerUser:        envIntOr("TUTORGW_MAX_SESSIONS_PER_USER", 2),
		UpstreamDialTimeout:       envDurationOr("TUTORGW_UPSTREAM_DIAL_TIMEOUT", 10*time.Second),
		UpstreamKeepAliveInterval: envDurationOr("TUTORGW_UPSTREAM_KEEPALIVE_INTERVAL", 15*time.Second),
		ShutdownGracePeriod:       envDurationOr("TUTORGW_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		SideEffectTimeout:         envDurationOr("TUTORGW_SIDE_EFFECT_TIMEOUT", 10*time.Second),
		ReadHeaderTimeout:         envDurationOr("TUTORGW_READ_HEADER_TIMEOUT", 10*time.Second),
	}

	for _, origin := range splitCSV(os.Getenv("TUTORGW_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if strings.TrimSpace(cfg.UpstreamURL) == "" {
		return Config{}, fmt.Errorf("TUTORGW_UPSTREAM_URL must not be empty")
	}
	if strings.TrimSpace(cfg.UpstreamAPIKey) == "" {
		return Config{}, fmt.Errorf("TUTORGW_UPSTREAM_API_KEY must not be empty")
	}
	if strings.TrimSpace(cfg.UserServiceURL) == "" {
		return Config{}, fmt.Errorf("TUTORGW_USER_SERVICE_URL must not be empty")
	}
	if strings.TrimSpace(cfg.HistoryServiceURL) == "" {
		return Config{}, fmt.Errorf("TUTORGW_HISTORY_SERVICE_URL must not be empty")
	}
	if strings.TrimSpace(cfg.MediaServiceURL) == "" {
		return Config{}, fmt.Errorf("TUTORGW_MEDIA_SERVICE_URL must not be empty")
	}
	if cfg.GatewayRequestTimeout <= 0 {
		return Config{}, fmt.Errorf("TUTORGW_GATEWAY_REQUEST_TIMEOUT must be > 0")
	}
	if cfg.HeartbeatInterval <= 0 {
		return Config{}, fmt.Errorf("TUTORGW_HEARTBEAT_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("TUTORGW_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSReadTimeout < 0 {
		return Config{}, fmt.Errorf("TUTORGW_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.HandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("TUTORGW_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.MaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("TUTORGW_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.MaxAudioFrameBytes <= 0 {
		return Config{}, fmt.Errorf("TUTORGW_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if cfg.MaxAudioFPS < 0 {
		return Config{}, fmt.Errorf("TUTORGW_MAX_AUDIO_FPS must be >= 0")
	}
	if cfg.MaxAudioBPS < 0 {
		return Config{}, fmt.Errorf("TUTORGW_MAX_AUDIO_BPS must be >= 0")
	}
	if cfg.InboundBurstSeconds < 0 {
		return Config{}, fmt.Errorf("TUTORGW_INBOUND_BURST_SECONDS must be >= 0")
	}
	if (cfg.MaxAudioFPS > 0 || cfg.MaxAudioBPS > 0) && cfg.InboundBurstSeconds < 1 {
		return Config{}, fmt.Errorf("TUTORGW_INBOUND_BURST_SECONDS must be >= 1 when inbound audio limits are enabled")
	}
	if cfg.MaxSessionsPerUser <= 0 {
		return Config{}, fmt.Errorf("TUTORGW_MAX_SESSIONS_PER_USER must be > 0")
	}
	if cfg.UpstreamDialTimeout <= 0 {
		return Config{}, fmt.Errorf("TUTORGW_UPSTREAM_DIAL_TIMEOUT must be > 0")
	}
	if cfg.UpstreamKeepAliveInterval < 0 {
		return Config{}, fmt.Errorf("TUTORGW_UPSTREAM_KEEPALIVE_INTERVAL must be >= 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("TUTORGW_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.SideEffectTimeout <= 0 {
		return Config{}, fmt.Errorf("TUTORGW_SIDE_EFFECT_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("TUTORGW_READ_HEADER_TIMEOUT must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
