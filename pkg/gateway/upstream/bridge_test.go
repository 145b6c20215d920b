package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// fakeUpstream runs a websocket server that records inbound frames and lets
// the test push raw events to the bridge.
type fakeUpstream struct {
	srv      *httptest.Server
	inbound  chan map[string]any
	outbound chan any
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{
		inbound:  make(chan map[string]any, 32),
		outbound: make(chan any, 32),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go func() {
			for msg := range f.outbound {
				if err := conn.WriteJSON(msg); err != nil {
					return
				}
			}
			_ = conn.Close()
		}()
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			f.inbound <- msg
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeUpstream) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeUpstream) recv(t *testing.T) map[string]any {
	t.Helper()
	select {
	case msg := <-f.inbound:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame from bridge")
		return nil
	}
}

func recvEvent(t *testing.T, b *Bridge) Event {
	t.Helper()
	select {
	case ev, ok := <-b.Events():
		if !ok {
			t.Fatalf("event channel closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return nil
	}
}

func dialTest(t *testing.T, f *fakeUpstream) *Bridge {
	t.Helper()
	b, err := Dial(context.Background(), Config{
		URL:    f.wsURL(),
		APIKey: "test-key",
		Model:  "omni-realtime",
		Voice:  "Cherry",
	}, "You are a tutor.")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestDial_SendsSessionUpdate(t *testing.T) {
	f := newFakeUpstream(t)
	b := dialTest(t, f)

	msg := f.recv(t)
	if msg["type"] != "session.update" {
		t.Fatalf("first frame type=%v", msg["type"])
	}
	session, _ := msg["session"].(map[string]any)
	if session["instructions"] != "You are a tutor." {
		t.Fatalf("instructions=%v", session["instructions"])
	}
	if session["voice"] != "Cherry" {
		t.Fatalf("voice=%v", session["voice"])
	}
	if !b.Connected() {
		t.Fatalf("bridge should report connected")
	}
}

func TestReadLoop_NormalizesEvents(t *testing.T) {
	f := newFakeUpstream(t)
	b := dialTest(t, f)
	f.recv(t) // session.update

	f.outbound <- map[string]any{"type": "session.created"}
	if _, ok := recvEvent(t, b).(Opened); !ok {
		t.Fatalf("want Opened")
	}

	audio := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})
	f.outbound <- map[string]any{
		"type":   "response.audio.delta",
		"delta":  audio,
		"header": map[string]any{"response_id": "r1"},
	}
	ad, ok := recvEvent(t, b).(AudioDelta)
	if !ok || ad.ResponseID != "r1" || len(ad.Audio) != 3 {
		t.Fatalf("audio delta: %+v ok=%v", ad, ok)
	}

	f.outbound <- map[string]any{"type": "response.audio_transcript.delta", "delta": "Hi ", "response_id": "r1"}
	td, ok := recvEvent(t, b).(TextDelta)
	if !ok || td.Text != "Hi " || td.ResponseID != "r1" {
		t.Fatalf("text delta: %+v ok=%v", td, ok)
	}

	f.outbound <- map[string]any{"type": "response.audio_transcript.done", "request_id": "r1"}
	if done, ok := recvEvent(t, b).(TextTurnDone); !ok || done.ResponseID != "r1" {
		t.Fatalf("turn done: %+v ok=%v", done, ok)
	}

	f.outbound <- map[string]any{"type": "conversation.item.input_audio_transcription.completed", "transcript": "hello"}
	ut, ok := recvEvent(t, b).(UserTranscript)
	if !ok || !ut.Final || ut.Text != "hello" {
		t.Fatalf("user transcript: %+v ok=%v", ut, ok)
	}

	f.outbound <- map[string]any{"type": "input_audio_transcription.delta", "delta": "hel"}
	ut, ok = recvEvent(t, b).(UserTranscript)
	if !ok || ut.Final || ut.Text != "hel" {
		t.Fatalf("user transcript delta: %+v ok=%v", ut, ok)
	}

	f.outbound <- map[string]any{"type": "error", "error": map[string]any{"message": "bad thing"}}
	if ev, ok := recvEvent(t, b).(ErrorEvent); !ok || ev.Detail != "bad thing" {
		t.Fatalf("error event: %+v ok=%v", ev, ok)
	}

	f.outbound <- map[string]any{"type": "something.new"}
	if ev, ok := recvEvent(t, b).(Unknown); !ok || ev.Tag != "something.new" {
		t.Fatalf("unknown event: %+v ok=%v", ev, ok)
	}
}

func TestCommands_WireShapes(t *testing.T) {
	f := newFakeUpstream(t)
	b := dialTest(t, f)
	f.recv(t) // session.update

	ctx := context.Background()
	if err := b.AppendAudio(ctx, "QUJD"); err != nil {
		t.Fatalf("append audio: %v", err)
	}
	msg := f.recv(t)
	if msg["type"] != "input_audio_buffer.append" || msg["audio"] != "QUJD" {
		t.Fatalf("append frame: %v", msg)
	}

	if err := b.CreateResponse(ctx, ""); err != nil {
		t.Fatalf("create response: %v", err)
	}
	msg = f.recv(t)
	if msg["type"] != "response.create" {
		t.Fatalf("create frame: %v", msg)
	}
	if _, present := msg["response"]; present {
		t.Fatalf("bare create should not carry response block: %v", msg)
	}

	if err := b.CreateResponse(ctx, "User input: hi"); err != nil {
		t.Fatalf("create response: %v", err)
	}
	msg = f.recv(t)
	resp, _ := msg["response"].(map[string]any)
	if resp["instructions"] != "User input: hi" {
		t.Fatalf("create instructions: %v", msg)
	}

	if err := b.CancelResponse(ctx); err != nil {
		t.Fatalf("cancel response: %v", err)
	}
	if msg = f.recv(t); msg["type"] != "response.cancel" {
		t.Fatalf("cancel frame: %v", msg)
	}
}

func TestReadLoop_ClosedOnServerDisconnect(t *testing.T) {
	f := newFakeUpstream(t)
	b := dialTest(t, f)
	f.recv(t)

	close(f.outbound) // server writer exits and closes the socket

	var sawClosed bool
	for ev := range b.Events() {
		if _, ok := ev.(Closed); ok {
			sawClosed = true
		}
	}
	if !sawClosed {
		t.Fatalf("expected Closed event before channel close")
	}
	if b.Connected() {
		t.Fatalf("bridge still reports connected after disconnect")
	}
}

func TestDial_Validation(t *testing.T) {
	if _, err := Dial(context.Background(), Config{APIKey: "k"}, ""); err == nil {
		t.Fatalf("missing url should fail")
	}
	if _, err := Dial(context.Background(), Config{URL: "ws://x"}, ""); err == nil {
		t.Fatalf("missing api key should fail")
	}
}

func TestResponseID_Fallbacks(t *testing.T) {
	mk := func(s string) map[string]json.RawMessage {
		var m map[string]json.RawMessage
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			t.Fatalf("fixture: %v", err)
		}
		return m
	}
	if rid := responseID(mk(`{"header":{"response_id":"a"},"response_id":"b"}`)); rid != "a" {
		t.Fatalf("rid=%q", rid)
	}
	if rid := responseID(mk(`{"response_id":"b","request_id":"c"}`)); rid != "b" {
		t.Fatalf("rid=%q", rid)
	}
	if rid := responseID(mk(`{"request_id":"c"}`)); rid != "c" {
		t.Fatalf("rid=%q", rid)
	}
	if rid := responseID(mk(`{}`)); rid != "" {
		t.Fatalf("rid=%q", rid)
	}
}
