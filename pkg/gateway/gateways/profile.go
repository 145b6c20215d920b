package gateways

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lingokit/tutorgw/pkg/gateway/live/roles"
)

// ProfileClient talks to the user service: profile fields plus the user's
// active learning goal.
type ProfileClient struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

func NewProfileClient(baseURL string, timeout time.Duration, logger *slog.Logger) *ProfileClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProfileClient{
		baseURL: baseURL,
		http:    newHTTPClient(timeout),
		logger:  logger,
	}
}

// FetchContext loads the profile and active goal for the bearer of token.
// The goal fetch is best-effort: a user without a goal is a normal state, so
// goal errors degrade to a nil goal instead of failing the whole fetch.
func (c *ProfileClient) FetchContext(ctx context.Context, token string) (*roles.Context, error) {
	var profileResp struct {
		Data struct {
			User roles.Context `json:"user"`
		} `json:"data"`
	}
	if err := doJSON(ctx, c.http, http.MethodGet, joinURL(c.baseURL, "/profile"), token, nil, &profileResp); err != nil {
		return nil, fmt.Errorf("fetch profile: %w", err)
	}
	out := profileResp.Data.User

	var goalResp struct {
		Data struct {
			Goal *roles.Goal `json:"goal"`
		} `json:"data"`
	}
	if err := doJSON(ctx, c.http, http.MethodGet, joinURL(c.baseURL, "/goals/active"), token, nil, &goalResp); err != nil {
		c.logger.Warn("active goal fetch failed, continuing without goal", "error", err)
	} else {
		out.ActiveGoal = goalResp.Data.Goal
	}
	return &out, nil
}

// UpdateProfile applies a partial profile update. The payload comes straight
// from a model directive and is forwarded untouched.
func (c *ProfileClient) UpdateProfile(ctx context.Context, token string, data json.RawMessage) error {
	return doJSON(ctx, c.http, http.MethodPut, joinURL(c.baseURL, "/profile"), token, data, nil)
}

// CreateGoal creates a new learning goal from a model directive payload.
func (c *ProfileClient) CreateGoal(ctx context.Context, token string, data json.RawMessage) error {
	return doJSON(ctx, c.http, http.MethodPost, joinURL(c.baseURL, "/goals"), token, data, nil)
}

// CompleteGoal archives a finished goal.
func (c *ProfileClient) CompleteGoal(ctx context.Context, token string, goalID int64) error {
	return doJSON(ctx, c.http, http.MethodPut, joinURL(c.baseURL, fmt.Sprintf("/goals/%d/complete", goalID)), token, nil, nil)
}
