package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lingokit/tutorgw/pkg/gateway/config"
	"github.com/lingokit/tutorgw/pkg/gateway/live/session"
	"github.com/lingokit/tutorgw/pkg/gateway/live/sessions"
	"github.com/lingokit/tutorgw/pkg/gateway/metrics"
	"github.com/lingokit/tutorgw/pkg/gateway/upstream"
)

type stubBridge struct {
	events    chan upstream.Event
	closeOnce sync.Once
}

func newStubBridge() *stubBridge {
	return &stubBridge{events: make(chan upstream.Event, 8)}
}

func (b *stubBridge) Events() <-chan upstream.Event { return b.events }
func (b *stubBridge) Connected() bool               { return true }
func (b *stubBridge) AppendAudio(context.Context, string) error {
	return nil
}
func (b *stubBridge) CreateResponse(context.Context, string) error { return nil }
func (b *stubBridge) CancelResponse(context.Context) error         { return nil }
func (b *stubBridge) UpdateInstructions(context.Context, string, string) error {
	return nil
}
func (b *stubBridge) Close() error {
	b.closeOnce.Do(func() { close(b.events) })
	return nil
}

func testConfig() config.Config {
	return config.Config{
		HeartbeatInterval:  time.Hour,
		WSWriteTimeout:     2 * time.Second,
		HandshakeTimeout:   2 * time.Second,
		MaxMessageBytes:    512 * 1024,
		MaxAudioFrameBytes: 64 * 1024,
		SideEffectTimeout:  2 * time.Second,
		UpstreamVoice:      "Cherry",
	}
}

func newStreamServer(t *testing.T, tracker *sessions.Tracker) *httptest.Server {
	t.Helper()
	h := StreamHandler{
		Config:   testConfig(),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:  metrics.New("test"),
		Sessions: tracker,
		Dial: func(ctx context.Context, instructions string) (session.Bridge, error) {
			return newStubBridge(), nil
		},
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame map[string]json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return frame
}

func frameType(t *testing.T, frame map[string]json.RawMessage) string {
	t.Helper()
	var typ string
	if err := json.Unmarshal(frame["type"], &typ); err != nil {
		t.Fatalf("frame type: %v", err)
	}
	return typ
}

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body["status"] != "OK" {
		t.Fatalf("body=%v", body)
	}
}

func TestStreamHandler_RejectsNonGet(t *testing.T) {
	h := StreamHandler{Config: testConfig(), Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/stream", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestStreamHandler_RejectsDisallowedOrigin(t *testing.T) {
	cfg := testConfig()
	cfg.CORSAllowedOrigins = map[string]struct{}{"https://app.example.com": {}}
	h := StreamHandler{Config: cfg, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestStreamHandler_EstablishesSession(t *testing.T) {
	srv := newStreamServer(t, sessions.NewTracker(2))
	conn := dialWS(t, srv)

	if err := conn.WriteJSON(map[string]any{
		"type": "session_start", "userId": "u1", "sessionId": "s1", "token": "tok",
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	frame := readFrame(t, conn)
	if got := frameType(t, frame); got != "connection_established" {
		t.Fatalf("first frame type=%q", got)
	}
}

func TestStreamHandler_FirstFrameMustBeSessionStart(t *testing.T) {
	srv := newStreamServer(t, sessions.NewTracker(2))
	conn := dialWS(t, srv)

	if err := conn.WriteJSON(map[string]any{"type": "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	frame := readFrame(t, conn)
	if got := frameType(t, frame); got != "error" {
		t.Fatalf("frame type=%q", got)
	}
	var payload struct {
		Kind string `json:"type"`
	}
	if err := json.Unmarshal(frame["payload"], &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Kind != "invalid_state" {
		t.Fatalf("kind=%q", payload.Kind)
	}
}

func TestStreamHandler_InvalidJSONHandshake(t *testing.T) {
	srv := newStreamServer(t, sessions.NewTracker(2))
	conn := dialWS(t, srv)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	frame := readFrame(t, conn)
	if got := frameType(t, frame); got != "error" {
		t.Fatalf("frame type=%q", got)
	}
	var payload struct {
		Kind string `json:"type"`
	}
	if err := json.Unmarshal(frame["payload"], &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Kind != "invalid_json" {
		t.Fatalf("kind=%q", payload.Kind)
	}
}

func TestStreamHandler_PerUserSessionLimit(t *testing.T) {
	srv := newStreamServer(t, sessions.NewTracker(1))

	first := dialWS(t, srv)
	if err := first.WriteJSON(map[string]any{
		"type": "session_start", "userId": "u1", "sessionId": "s1", "token": "tok",
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := frameType(t, readFrame(t, first)); got != "connection_established" {
		t.Fatalf("first session frame=%q", got)
	}

	second := dialWS(t, srv)
	if err := second.WriteJSON(map[string]any{
		"type": "session_start", "userId": "u1", "sessionId": "s2", "token": "tok",
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := readFrame(t, second)
	if got := frameType(t, frame); got != "error" {
		t.Fatalf("second session frame=%q", got)
	}
	var payload struct {
		Error string `json:"error"`
		Kind  string `json:"type"`
	}
	if err := json.Unmarshal(frame["payload"], &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Kind != "invalid_state" || !strings.Contains(payload.Error, "too many") {
		t.Fatalf("payload=%+v", payload)
	}
}

func TestStreamHandler_SameSessionReconnectEvictsOld(t *testing.T) {
	srv := newStreamServer(t, sessions.NewTracker(1))

	first := dialWS(t, srv)
	if err := first.WriteJSON(map[string]any{
		"type": "session_start", "userId": "u1", "sessionId": "s1", "token": "tok",
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := frameType(t, readFrame(t, first)); got != "connection_established" {
		t.Fatalf("first session frame=%q", got)
	}

	// Reconnecting with the same session id is allowed even at the cap.
	second := dialWS(t, srv)
	if err := second.WriteJSON(map[string]any{
		"type": "session_start", "userId": "u1", "sessionId": "s1", "token": "tok",
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := frameType(t, readFrame(t, second)); got != "connection_established" {
		t.Fatalf("reconnect frame=%q", got)
	}
}
