package gateways

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Message is one turn of saved conversation history.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	AudioURL  string    `json:"audioUrl,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is the history service's per-session record.
type Conversation struct {
	SessionID string     `json:"sessionId"`
	UserID    string     `json:"userId"`
	Messages  []Message  `json:"messages"`
	Topic     string     `json:"topic,omitempty"`
	StartTime *time.Time `json:"startTime,omitempty"`
	EndTime   *time.Time `json:"endTime,omitempty"`
}

// SessionSummary is the end-of-session evaluation the model produces.
type SessionSummary struct {
	SessionID        string `json:"sessionId"`
	UserID           string `json:"userId"`
	Summary          string `json:"summary"`
	Feedback         string `json:"feedback"`
	ProficiencyDelta int    `json:"proficiency_score_delta"`
	GoalID           int64  `json:"goalId,omitempty"`
}

// HistoryClient talks to the history service.
type HistoryClient struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

func NewHistoryClient(baseURL string, timeout time.Duration, logger *slog.Logger) *HistoryClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryClient{
		baseURL: baseURL,
		http:    newHTTPClient(timeout),
		logger:  logger,
	}
}

// SaveConversation upserts the session's transcript. The service replaces the
// message list wholesale, so callers send the full accumulated history.
func (c *HistoryClient) SaveConversation(ctx context.Context, token string, conv *Conversation) error {
	return doJSON(ctx, c.http, http.MethodPost, joinURL(c.baseURL, "/api/history"), token, conv, nil)
}

// FetchSession loads a prior transcript, used to seed reconnect continuity.
func (c *HistoryClient) FetchSession(ctx context.Context, token, sessionID string) (*Conversation, error) {
	var resp struct {
		Data Conversation `json:"data"`
	}
	u := joinURL(c.baseURL, "/api/history/session/"+url.PathEscape(sessionID))
	if err := doJSON(ctx, c.http, http.MethodGet, u, token, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// SaveSummary persists the model's end-of-session evaluation.
func (c *HistoryClient) SaveSummary(ctx context.Context, token string, s *SessionSummary) error {
	return doJSON(ctx, c.http, http.MethodPost, joinURL(c.baseURL, "/api/history/summary"), token, s, nil)
}
