package session

import (
	"testing"
	"time"

	"github.com/lingokit/tutorgw/pkg/gateway/gateways"
)

func fixedClock() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func TestHistoryManager_AppendAndSnapshot(t *testing.T) {
	h := newHistoryManager(fixedClock)
	h.appendUser("hi")
	h.appendAssistant("hello")
	snap := h.snapshot()
	if len(snap) != 2 || snap[0].Role != "user" || snap[1].Role != "assistant" {
		t.Fatalf("snapshot: %+v", snap)
	}

	// Snapshot is a copy.
	snap[0].Content = "mutated"
	if h.snapshot()[0].Content != "hi" {
		t.Fatalf("snapshot aliases internal slice")
	}
}

func TestHistoryManager_AttachAudioPatches(t *testing.T) {
	h := newHistoryManager(fixedClock)
	idx := h.appendAssistant("hello")
	h.attachAudio("assistant", idx, "https://cdn/a.mp3")
	if got := h.snapshot()[idx].AudioURL; got != "https://cdn/a.mp3" {
		t.Fatalf("audio url=%q", got)
	}
}

func TestHistoryManager_AttachAudioFallsBackToLatest(t *testing.T) {
	h := newHistoryManager(fixedClock)
	h.appendUser("hi")
	h.appendAssistant("first")
	last := h.appendAssistant("second")
	h.attachAudio("assistant", -1, "https://cdn/b.mp3")
	snap := h.snapshot()
	if snap[last].AudioURL != "https://cdn/b.mp3" {
		t.Fatalf("latest assistant not patched: %+v", snap)
	}
	if snap[1].AudioURL != "" {
		t.Fatalf("older message patched: %+v", snap)
	}
}

func TestHistoryManager_AttachAudioAppendsWhenNoMatch(t *testing.T) {
	h := newHistoryManager(fixedClock)
	h.appendUser("hi")
	h.attachAudio("assistant", -1, "https://cdn/c.mp3")
	snap := h.snapshot()
	if len(snap) != 2 || snap[1].Role != "assistant" || snap[1].AudioURL != "https://cdn/c.mp3" {
		t.Fatalf("expected appended audio-only message: %+v", snap)
	}
}

func TestHistoryManager_Recent(t *testing.T) {
	h := newHistoryManager(fixedClock)
	for i := 0; i < 15; i++ {
		if i%2 == 0 {
			h.appendUser("u")
		} else {
			h.appendAssistant("a")
		}
	}
	h.seed([]gateways.Message{{Role: "assistant", AudioURL: "https://cdn/x.mp3"}}) // audio-only, skipped

	recent := h.recent(10)
	if len(recent) != 10 {
		t.Fatalf("len=%d", len(recent))
	}
	// Chronological: the last appended text message comes last.
	if recent[len(recent)-1].Role != "user" {
		t.Fatalf("order wrong: %+v", recent)
	}
}

func TestHistoryManager_Seed(t *testing.T) {
	h := newHistoryManager(fixedClock)
	h.seed([]gateways.Message{{Role: "user", Content: "earlier"}})
	h.appendUser("now")
	if h.len() != 2 {
		t.Fatalf("len=%d", h.len())
	}
	if h.snapshot()[0].Content != "earlier" {
		t.Fatalf("seed order wrong")
	}
}
