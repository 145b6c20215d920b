package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recordingWS struct {
	mu     sync.Mutex
	frames []string
	closed bool
}

func (w *recordingWS) SetWriteDeadline(time.Time) error { return nil }

func (w *recordingWS) WriteMessage(_ int, data []byte) error {
	w.mu.Lock()
	w.frames = append(w.frames, string(data))
	w.mu.Unlock()
	return nil
}

func (w *recordingWS) WriteControl(int, []byte, time.Time) error { return nil }

func (w *recordingWS) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *recordingWS) snapshot() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.frames))
	copy(out, w.frames)
	return out
}

func TestOutboundWriter_PriorityPreemptsNormal(t *testing.T) {
	ws := &recordingWS{}
	priority := make(chan outboundFrame, 4)
	normal := make(chan outboundFrame, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Queue a priority frame before the writer starts, alongside normal ones.
	priority <- outboundFrame{payload: []byte(`p1`)}
	normal <- outboundFrame{payload: []byte(`n1`)}
	normal <- outboundFrame{payload: []byte(`n2`)}

	done := make(chan error, 1)
	go func() {
		done <- (&outboundWriter{
			ws:           ws,
			ctx:          ctx,
			writeTimeout: time.Second,
			pingInterval: time.Hour,
			priority:     priority,
			normal:       normal,
		}).Run()
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(ws.snapshot()) == 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	frames := ws.snapshot()
	if len(frames) != 3 {
		t.Fatalf("frames=%v", frames)
	}
	if frames[0] != "p1" {
		t.Fatalf("priority frame not first: %v", frames)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if !ws.closed {
		t.Fatalf("socket not closed on shutdown")
	}
}

func TestOutboundWriter_FlushesPriorityOnShutdown(t *testing.T) {
	ws := &recordingWS{}
	priority := make(chan outboundFrame, 4)
	normal := make(chan outboundFrame, 4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already shut down before the writer runs

	priority <- outboundFrame{payload: []byte(`closing-notice`)}

	err := (&outboundWriter{
		ws:           ws,
		ctx:          ctx,
		writeTimeout: time.Second,
		pingInterval: time.Hour,
		priority:     priority,
		normal:       normal,
	}).Run()
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	frames := ws.snapshot()
	if len(frames) != 1 || frames[0] != "closing-notice" {
		t.Fatalf("frames=%v", frames)
	}
}

func TestOutboundWriter_ExitsWhenChannelsClose(t *testing.T) {
	ws := &recordingWS{}
	priority := make(chan outboundFrame, 1)
	normal := make(chan outboundFrame, 1)
	normal <- outboundFrame{payload: []byte(`n1`)}
	close(priority)
	close(normal)

	done := make(chan error, 1)
	go func() {
		done <- (&outboundWriter{
			ws:           ws,
			writeTimeout: time.Second,
			pingInterval: time.Hour,
			priority:     priority,
			normal:       normal,
		}).Run()
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("writer did not exit")
	}
	if frames := ws.snapshot(); len(frames) != 1 || frames[0] != "n1" {
		t.Fatalf("frames=%v", frames)
	}
}

var _ wsWriter = (*websocket.Conn)(nil)
