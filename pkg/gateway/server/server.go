// Package server wires the gateway's HTTP surface: health, metrics, and the
// /stream websocket endpoint.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/lingokit/tutorgw/pkg/gateway/config"
	"github.com/lingokit/tutorgw/pkg/gateway/gateways"
	"github.com/lingokit/tutorgw/pkg/gateway/handlers"
	"github.com/lingokit/tutorgw/pkg/gateway/live/session"
	"github.com/lingokit/tutorgw/pkg/gateway/live/sessions"
	"github.com/lingokit/tutorgw/pkg/gateway/metrics"
	"github.com/lingokit/tutorgw/pkg/gateway/mw"
	"github.com/lingokit/tutorgw/pkg/gateway/upstream"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	metrics  *metrics.Metrics
	sessions *sessions.Tracker

	profiles *gateways.ProfileClient
	history  *gateways.HistoryClient
	media    *gateways.MediaClient
}

func New(cfg config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		mux:      http.NewServeMux(),
		metrics:  metrics.New(""),
		sessions: sessions.NewTracker(cfg.MaxSessionsPerUser),
		profiles: gateways.NewProfileClient(cfg.UserServiceURL, cfg.GatewayRequestTimeout, logger),
		history:  gateways.NewHistoryClient(cfg.HistoryServiceURL, cfg.GatewayRequestTimeout, logger),
		media:    gateways.NewMediaClient(cfg.MediaServiceURL, cfg.GatewayRequestTimeout, logger),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/metrics", s.metrics.Handler())

	s.mux.Handle("/stream", handlers.StreamHandler{
		Config:   s.cfg,
		Logger:   s.logger,
		Metrics:  s.metrics,
		Sessions: s.sessions,
		Dial:     s.bridgeDialer(),
		Profiles: s.profiles,
		History:  s.history,
		Media:    s.media,
	})
}

// bridgeDialer binds the upstream connection settings so sessions only decide
// when to connect and with what instructions.
func (s *Server) bridgeDialer() session.BridgeDialer {
	cfg := upstream.Config{
		URL:               s.cfg.UpstreamURL,
		APIKey:            s.cfg.UpstreamAPIKey,
		Model:             s.cfg.UpstreamModel,
		Voice:             s.cfg.UpstreamVoice,
		DialTimeout:       s.cfg.UpstreamDialTimeout,
		KeepAliveInterval: s.cfg.UpstreamKeepAliveInterval,
	}
	return func(ctx context.Context, instructions string) (session.Bridge, error) {
		return upstream.Dial(ctx, cfg, instructions)
	}
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg.CORSAllowedOrigins, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// LiveSessionCount reports how many sessions are currently running.
func (s *Server) LiveSessionCount() int {
	return s.sessions.Count()
}

// CancelLiveSessions asks every running session to shut down.
func (s *Server) CancelLiveSessions() int {
	return s.sessions.CancelAll()
}

// WaitLiveSessions blocks until all sessions have drained or ctx expires.
func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.sessions.Wait(ctx)
}
