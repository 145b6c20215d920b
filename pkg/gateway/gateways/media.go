package gateways

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// MediaClient talks to the media service, which transcodes raw turn audio and
// stores it in object storage.
type MediaClient struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

func NewMediaClient(baseURL string, timeout time.Duration, logger *slog.Logger) *MediaClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &MediaClient{
		baseURL: baseURL,
		http:    newHTTPClient(timeout),
		logger:  logger,
	}
}

// UploadAudio sends one turn's raw audio as a multipart file and returns the
// public playback URL the media service assigns.
func (c *MediaClient) UploadAudio(ctx context.Context, token, filename string, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("empty audio payload")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("audio", filename)
	if err != nil {
		return "", fmt.Errorf("build multipart: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("write multipart: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("finish multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(c.baseURL, "/api/media/upload"), &body)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{Method: http.MethodPost, URL: req.URL.String(), Status: resp.StatusCode}
	}

	var out struct {
		Success bool   `json:"success"`
		URL     string `json:"url"`
	}
	if err := decodeBody(resp, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.URL) == "" {
		return "", fmt.Errorf("media service returned no url")
	}
	return out.URL, nil
}
