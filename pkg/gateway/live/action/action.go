// Package action extracts tool directives that the model embeds in its text
// output as JSON blocks. Extraction is fail-closed: anything that does not
// parse as a well-formed directive yields no directive rather than an error,
// so a malformed block can never take down the response pipeline.
package action

import (
	"encoding/json"
	"strings"
)

// Directive kinds the gateway knows how to execute.
const (
	KindUpdateProfile = "update_profile"
	KindSetGoal       = "set_goal"
	KindCompleteGoal  = "complete_goal"
	KindSaveSummary   = "save_summary"
)

// Directive is one structured instruction parsed out of a model turn.
// Data stays raw; each executor decodes the shape it expects.
type Directive struct {
	Kind string          `json:"action"`
	Data json.RawMessage `json:"data"`
}

// Known reports whether the directive kind is one the gateway executes.
func (d *Directive) Known() bool {
	switch d.Kind {
	case KindUpdateProfile, KindSetGoal, KindCompleteGoal, KindSaveSummary:
		return true
	default:
		return false
	}
}

// Extract scans the full text of a completed turn for an embedded directive.
// It takes the outermost brace span (first '{' to last '}'), requires a
// literal "action" key inside it as a cheap gate, then decodes strictly.
// Returns false when no directive is present or the block is malformed.
func Extract(text string) (*Directive, bool) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return nil, false
	}
	block := text[start : end+1]
	if !strings.Contains(block, `"action"`) {
		return nil, false
	}
	var d Directive
	if err := json.Unmarshal([]byte(block), &d); err != nil {
		return nil, false
	}
	if strings.TrimSpace(d.Kind) == "" || len(d.Data) == 0 {
		return nil, false
	}
	return &d, true
}

// SuppressionPoint returns the byte offset at which client-visible streaming
// of accumulated turn text must stop, or -1 when nothing needs hiding. The
// model wraps directives in a ```json fence, so the fence marker is the
// earliest reliable signal while the turn is still streaming.
func SuppressionPoint(accumulated string) int {
	return strings.Index(accumulated, "```json")
}

// Scrub removes a fenced or bare directive block from completed turn text so
// saved history does not contain tool JSON.
func Scrub(text string) string {
	if i := strings.Index(text, "```json"); i >= 0 {
		rest := text[i+len("```json"):]
		if j := strings.Index(rest, "```"); j >= 0 {
			return strings.TrimSpace(text[:i] + rest[j+len("```"):])
		}
		return strings.TrimSpace(text[:i])
	}
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start >= 0 && end > start && strings.Contains(text[start:end+1], `"action"`) {
		return strings.TrimSpace(text[:start] + text[end+1:])
	}
	return strings.TrimSpace(text)
}
