package session

import (
	"time"

	"github.com/lingokit/tutorgw/pkg/gateway/gateways"
	"github.com/lingokit/tutorgw/pkg/gateway/live/roles"
)

// historyManager owns the session's accumulated transcript. It lives entirely
// inside the session loop goroutine; only snapshots cross goroutine
// boundaries.
type historyManager struct {
	messages []gateways.Message
	now      func() time.Time
}

func newHistoryManager(now func() time.Time) *historyManager {
	if now == nil {
		now = time.Now
	}
	return &historyManager{
		messages: make([]gateways.Message, 0, 16),
		now:      now,
	}
}

// seed preloads messages from a previous run of the same session.
func (h *historyManager) seed(msgs []gateways.Message) {
	if len(msgs) == 0 {
		return
	}
	h.messages = append(h.messages, msgs...)
}

func (h *historyManager) appendUser(text string) int {
	h.messages = append(h.messages, gateways.Message{Role: "user", Content: text, Timestamp: h.now()})
	return len(h.messages) - 1
}

func (h *historyManager) appendAssistant(text string) int {
	h.messages = append(h.messages, gateways.Message{Role: "assistant", Content: text, Timestamp: h.now()})
	return len(h.messages) - 1
}

// attachAudio records an uploaded audio URL against the turn it belongs to.
// Uploads finish asynchronously, so the message may or may not exist yet: an
// existing message at idx (or the latest matching-role message without audio)
// is patched in place; otherwise an audio-only message is appended.
func (h *historyManager) attachAudio(role string, idx int, url string) {
	if url == "" {
		return
	}
	if idx >= 0 && idx < len(h.messages) && h.messages[idx].Role == role {
		h.messages[idx].AudioURL = url
		return
	}
	for i := len(h.messages) - 1; i >= 0; i-- {
		if h.messages[i].Role == role && h.messages[i].AudioURL == "" {
			h.messages[i].AudioURL = url
			return
		}
	}
	h.messages = append(h.messages, gateways.Message{Role: role, AudioURL: url, Timestamp: h.now()})
}

// setContent overwrites a message's text, used to resolve the "..."
// placeholder once the final transcript arrives.
func (h *historyManager) setContent(idx int, text string) {
	if idx >= 0 && idx < len(h.messages) {
		h.messages[idx].Content = text
	}
}

func (h *historyManager) snapshot() []gateways.Message {
	out := make([]gateways.Message, len(h.messages))
	copy(out, h.messages)
	return out
}

func (h *historyManager) len() int {
	return len(h.messages)
}

// recent returns up to n trailing messages as prompt transcripts, skipping
// audio-only entries.
func (h *historyManager) recent(n int) []roles.Transcript {
	out := make([]roles.Transcript, 0, n)
	for i := len(h.messages) - 1; i >= 0 && len(out) < n; i-- {
		if h.messages[i].Content == "" {
			continue
		}
		out = append(out, roles.Transcript{Role: h.messages[i].Role, Content: h.messages[i].Content})
	}
	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
