// Package upstream owns the websocket connection to the realtime
// conversational-AI service. A Bridge maps the service's free-form event
// stream into the closed Event union and exposes the handful of commands the
// session layer needs. A Bridge never reconnects itself; when the socket
// dies it emits Closed, closes its event channel, and is done.
package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Config carries everything needed to dial and configure one upstream session.
type Config struct {
	URL               string
	APIKey            string
	Model             string
	Voice             string
	DialTimeout       time.Duration
	KeepAliveInterval time.Duration
}

// silenceFrame is ~100ms of 16kHz 16-bit mono silence, sent periodically so
// the upstream does not tear the session down during quiet stretches.
var silenceFrame = base64.StdEncoding.EncodeToString(make([]byte, 3200))

// Bridge is one live upstream connection.
type Bridge struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	errMu   sync.Mutex

	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once
	connected atomic.Bool

	lastServerError string
	lastClose       string
}

// Dial connects to the upstream service and configures the session with the
// given system instructions. Turn detection is disabled; the gateway drives
// turn boundaries explicitly from client control frames.
func Dial(ctx context.Context, cfg Config, instructions string) (*Bridge, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("upstream url is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("upstream api key is required")
	}
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}

	u := strings.TrimSpace(cfg.URL)
	if model := strings.TrimSpace(cfg.Model); model != "" && !strings.Contains(u, "model=") {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + "model=" + model
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+strings.TrimSpace(cfg.APIKey))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, header)
	if err != nil {
		return nil, fmt.Errorf("dial upstream: %w", err)
	}
	b := &Bridge{
		conn:   conn,
		events: make(chan Event, 256),
		closed: make(chan struct{}),
	}
	b.connected.Store(true)

	if err := b.UpdateInstructions(ctx, instructions, cfg.Voice); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("configure upstream session: %w", err)
	}

	go b.readLoop()
	if cfg.KeepAliveInterval > 0 {
		go b.keepAliveLoop(cfg.KeepAliveInterval)
	}
	return b, nil
}

// Events is the normalized event stream. It closes after Closed is emitted.
func (b *Bridge) Events() <-chan Event {
	if b == nil {
		ch := make(chan Event)
		close(ch)
		return ch
	}
	return b.events
}

// Connected reports whether the socket is still believed healthy. The session
// layer checks this before forwarding user input and reconnects lazily.
func (b *Bridge) Connected() bool {
	return b != nil && b.connected.Load()
}

// UpdateInstructions replaces the session's system prompt (and voice, when
// set). Used at connect time and again after a role switch.
func (b *Bridge) UpdateInstructions(ctx context.Context, instructions, voice string) error {
	session := map[string]any{
		"instructions":   instructions,
		"modalities":     []string{"text", "audio"},
		"turn_detection": nil,
	}
	if strings.TrimSpace(voice) != "" {
		session["voice"] = voice
	}
	return b.writeJSON(ctx, map[string]any{
		"type":    "session.update",
		"session": session,
	})
}

// AppendAudio forwards one base64 audio chunk into the upstream input buffer.
func (b *Bridge) AppendAudio(ctx context.Context, audioB64 string) error {
	if strings.TrimSpace(audioB64) == "" {
		return nil
	}
	return b.writeJSON(ctx, map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": audioB64,
	})
}

// CreateResponse asks the upstream to produce the next assistant turn.
// Instructions, when non-empty, ride along as turn-scoped guidance (used to
// inject typed user text).
func (b *Bridge) CreateResponse(ctx context.Context, instructions string) error {
	msg := map[string]any{"type": "response.create"}
	if strings.TrimSpace(instructions) != "" {
		msg["response"] = map[string]any{"instructions": instructions}
	}
	return b.writeJSON(ctx, msg)
}

// CancelResponse asks the upstream to abort the in-flight assistant turn.
func (b *Bridge) CancelResponse(ctx context.Context) error {
	return b.writeJSON(ctx, map[string]any{"type": "response.cancel"})
}

func (b *Bridge) Close() error {
	if b == nil {
		return nil
	}
	b.closeOnce.Do(func() {
		b.connected.Store(false)
		close(b.closed)
		b.setLastClose("closed")
		_ = b.conn.Close()
	})
	return nil
}

func (b *Bridge) readLoop() {
	defer close(b.events)
	opened := false
	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			b.connected.Store(false)
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				b.setLastClose(fmt.Sprintf("code=%d msg=%s", closeErr.Code, strings.TrimSpace(closeErr.Text)))
			} else {
				b.setLastClose(strings.TrimSpace(err.Error()))
			}
			b.emit(Closed{Reason: b.closeReason()})
			return
		}

		var msg map[string]json.RawMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		tag := decodeString(msg["type"])
		if tag == "" {
			continue
		}
		rid := responseID(msg)

		switch {
		case tag == "session.created" || tag == "session.updated":
			if !opened {
				opened = true
				b.emit(Opened{})
			}
		case tag == "response.audio.delta":
			audio, err := decodeBase64Any(decodeString(msg["delta"]))
			if err != nil {
				b.setLastServerError("invalid audio base64")
				continue
			}
			if len(audio) > 0 {
				b.emit(AudioDelta{Audio: audio, ResponseID: rid})
			}
		case tag == "response.audio_transcript.delta" || tag == "response.text.delta":
			if text := rawString(msg["delta"]); text != "" {
				b.emit(TextDelta{Text: text, ResponseID: rid})
			}
		case tag == "response.audio.done":
			b.emit(AudioTurnDone{ResponseID: rid})
		case tag == "response.audio_transcript.done" || tag == "response.text.done":
			b.emit(TextTurnDone{ResponseID: rid})
		case tag == "conversation.item.input_audio_transcription.completed":
			if text := rawString(msg["transcript"]); text != "" {
				b.emit(UserTranscript{Text: text, Final: true})
			}
		case strings.Contains(tag, "input") && strings.Contains(tag, "transcript"):
			text := rawString(msg["delta"])
			if text == "" {
				text = rawString(msg["text"])
			}
			if text == "" {
				text = rawString(msg["transcript"])
			}
			if text != "" {
				b.emit(UserTranscript{Text: text, Final: false})
			}
		case tag == "error":
			detail := decodeString(msg["error"])
			if detail == "" {
				detail = decodeString(msg["message"])
			}
			if detail == "" {
				detail = errorDetail(msg)
			}
			b.setLastServerError(detail)
			b.emit(ErrorEvent{Detail: sanitizeLine(detail)})
		default:
			b.emit(Unknown{Tag: tag})
		}
	}
}

func (b *Bridge) emit(ev Event) {
	select {
	case b.events <- ev:
	case <-b.closed:
	}
}

func (b *Bridge) keepAliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.closed:
			return
		case <-ticker.C:
			if !b.connected.Load() {
				continue
			}
			_ = b.AppendAudio(context.Background(), silenceFrame)
		}
	}
}

func (b *Bridge) writeJSON(ctx context.Context, payload any) error {
	if b == nil {
		return fmt.Errorf("upstream bridge is nil")
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = b.conn.SetWriteDeadline(deadline)
	} else {
		_ = b.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	}
	if err := b.conn.WriteJSON(payload); err != nil {
		b.connected.Store(false)
		reason := strings.TrimSpace(b.failureReason())
		if reason == "" {
			return err
		}
		return fmt.Errorf("%w (upstream %s)", err, reason)
	}
	return nil
}

// responseID pulls the turn correlation id out of whichever of the known
// locations the upstream used for this event.
func responseID(msg map[string]json.RawMessage) string {
	if raw, ok := msg["header"]; ok && len(raw) > 0 {
		var header struct {
			ResponseID string `json:"response_id"`
		}
		if err := json.Unmarshal(raw, &header); err == nil && strings.TrimSpace(header.ResponseID) != "" {
			return strings.TrimSpace(header.ResponseID)
		}
	}
	if rid := decodeString(msg["response_id"]); rid != "" {
		return rid
	}
	return decodeString(msg["request_id"])
}

func errorDetail(msg map[string]json.RawMessage) string {
	raw := msg["error"]
	if len(raw) == 0 {
		return "upstream error"
	}
	var payload struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "upstream error"
	}
	if payload.Message != "" {
		return payload.Message
	}
	if payload.Code != "" {
		return payload.Code
	}
	return "upstream error"
}

func decodeString(raw json.RawMessage) string {
	return strings.TrimSpace(rawString(raw))
}

// rawString keeps interior whitespace; transcript deltas are
// whitespace-significant.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var out string
	if err := json.Unmarshal(raw, &out); err != nil {
		return ""
	}
	return out
}

func decodeBase64Any(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("invalid base64")
}

func sanitizeLine(msg string) string {
	msg = strings.ReplaceAll(msg, "\n", " ")
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.Join(strings.Fields(msg), " ")
	if len(msg) > 300 {
		msg = msg[:300] + "…"
	}
	return msg
}

func (b *Bridge) setLastServerError(msg string) {
	msg = sanitizeLine(strings.TrimSpace(msg))
	if msg == "" {
		return
	}
	b.errMu.Lock()
	b.lastServerError = msg
	b.errMu.Unlock()
}

func (b *Bridge) setLastClose(msg string) {
	msg = sanitizeLine(strings.TrimSpace(msg))
	if msg == "" {
		return
	}
	b.errMu.Lock()
	b.lastClose = msg
	b.errMu.Unlock()
}

func (b *Bridge) closeReason() string {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	if b.lastClose != "" {
		return b.lastClose
	}
	return "closed"
}

func (b *Bridge) failureReason() string {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	parts := make([]string, 0, 2)
	if b.lastServerError != "" {
		parts = append(parts, "server_error="+b.lastServerError)
	}
	if b.lastClose != "" {
		parts = append(parts, "close="+b.lastClose)
	}
	return strings.Join(parts, " ")
}
