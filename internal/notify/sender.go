package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"agendawatch/internal/config"
)

// APISender posts messages to a JSON mail API (Agent Mail compatible):
// POST {to, from, subject, text, html} with a bearer key, 2xx means
// accepted.
type APISender struct {
	client *http.Client
	url    string
	apiKey string
}

// NewAPISender builds a sender from the email config, reading the API key
// from the configured environment variable.
func NewAPISender(cfg config.Email, apiKey string) *APISender {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &APISender{
		client: &http.Client{Timeout: timeout},
		url:    cfg.APIURL,
		apiKey: apiKey,
	}
}

func (s *APISender) Send(ctx context.Context, msg Message) (string, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encoding message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("posting to mail API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("mail API returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var reply struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return "", nil // accepted; id is informational only
	}
	return reply.ID, nil
}
