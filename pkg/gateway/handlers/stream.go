package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lingokit/tutorgw/pkg/gateway/config"
	"github.com/lingokit/tutorgw/pkg/gateway/live/protocol"
	"github.com/lingokit/tutorgw/pkg/gateway/live/session"
	"github.com/lingokit/tutorgw/pkg/gateway/live/sessions"
	"github.com/lingokit/tutorgw/pkg/gateway/metrics"
	"github.com/lingokit/tutorgw/pkg/gateway/mw"
)

// StreamHandler upgrades /stream requests and runs one tutoring session per
// connection. The first frame on the socket must be session_start; everything
// after the handshake belongs to the session loop.
type StreamHandler struct {
	Config   config.Config
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Sessions *sessions.Tracker

	Dial     session.BridgeDialer
	Profiles session.ProfileAPI
	History  session.HistoryAPI
	Media    session.MediaAPI
}

func (h StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if reqID, ok := mw.RequestIDFrom(r.Context()); ok {
		logger = logger.With("request_id", reqID)
	}

	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.originAllowed(r) {
		http.Error(w, "origin is not allowed", http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		HandshakeTimeout: h.Config.HandshakeTimeout,
		CheckOrigin:      func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if h.Config.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.Config.MaxMessageBytes)
	}

	start, derr := h.readSessionStart(conn)
	if derr != nil {
		h.writeWSError(conn, derr.kind, derr.message)
		return
	}
	logger = logger.With("session_id", start.SessionID, "user_id", start.UserID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	unregister, err := h.Sessions.Register(start.SessionID, sessions.Handle{
		UserID: start.UserID,
		Cancel: cancel,
	})
	if err != nil {
		if errors.Is(err, sessions.ErrUserSessionLimit) {
			h.Metrics.RateLimited("sessions_per_user")
			h.writeWSError(conn, "invalid_state", "too many concurrent sessions for this user")
			return
		}
		logger.Error("session registration failed", "error", err)
		h.writeWSError(conn, "processing_error", "failed to register session")
		return
	}
	defer unregister()

	sess := session.New(session.Config{
		HeartbeatInterval:   h.Config.HeartbeatInterval,
		WriteTimeout:        h.Config.WSWriteTimeout,
		ReadTimeout:         h.Config.WSReadTimeout,
		MaxMessageBytes:     h.Config.MaxMessageBytes,
		MaxAudioFrameBytes:  h.Config.MaxAudioFrameBytes,
		MaxAudioFPS:         h.Config.MaxAudioFPS,
		MaxAudioBPS:         h.Config.MaxAudioBPS,
		InboundBurstSeconds: h.Config.InboundBurstSeconds,
		SideEffectTimeout:   h.Config.SideEffectTimeout,
		UpstreamVoice:       h.Config.UpstreamVoice,
	}, session.Deps{
		Dial:     h.Dial,
		Profiles: h.Profiles,
		History:  h.History,
		Media:    h.Media,
		Logger:   h.Logger,
		Metrics:  h.Metrics,
	}, start)

	if err := sess.Run(ctx, conn); err != nil {
		logger.Warn("session ended with error", "error", err)
	}
}

type handshakeError struct {
	kind    string
	message string
}

// readSessionStart reads and validates the first frame on a fresh socket.
// Clients that stall or open with anything other than session_start are cut
// off before any upstream resources are committed.
func (h StreamHandler) readSessionStart(conn *websocket.Conn) (protocol.ClientSessionStart, *handshakeError) {
	handshakeTimeout := h.Config.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	messageType, frame, err := conn.ReadMessage()
	if err != nil {
		return protocol.ClientSessionStart{}, &handshakeError{kind: "invalid_state", message: "failed to read session_start"}
	}
	if messageType != websocket.TextMessage {
		return protocol.ClientSessionStart{}, &handshakeError{kind: "invalid_json", message: "first frame must be a text session_start frame"}
	}

	decoded, err := protocol.DecodeClientMessage(frame)
	if err != nil {
		var derr *protocol.DecodeError
		if errors.As(err, &derr) {
			return protocol.ClientSessionStart{}, &handshakeError{kind: derr.Code, message: derr.Message}
		}
		return protocol.ClientSessionStart{}, &handshakeError{kind: "invalid_json", message: "invalid session_start frame"}
	}
	start, ok := decoded.(protocol.ClientSessionStart)
	if !ok {
		return protocol.ClientSessionStart{}, &handshakeError{kind: "invalid_state", message: "first frame must be session_start"}
	}
	return start, nil
}

func (h StreamHandler) originAllowed(r *http.Request) bool {
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if _, ok := h.Config.CORSAllowedOrigins[origin]; ok {
		return true
	}
	_, ok := h.Config.CORSAllowedOrigins["*"]
	return ok
}

func (h StreamHandler) writeWSError(conn *websocket.Conn, kind, message string) {
	payload, err := json.Marshal(protocol.ServerError{
		Type:    "error",
		Payload: protocol.ErrorPayload{Error: message, Kind: kind},
	})
	if err != nil {
		return
	}
	deadline := time.Now().Add(5 * time.Second)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteMessage(websocket.TextMessage, payload)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, kind), deadline)
}
