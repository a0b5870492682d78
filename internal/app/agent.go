package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// AgentRequest is what the conversational agent receives for every user
// message. The agent answers asynchronously by pushing a feature-update for
// the same session.
type AgentRequest struct {
	SessionID      string `json:"sessionId"`
	UserID         string `json:"userId,omitempty"`
	Message        string `json:"message"`
	CurrentFeature string `json:"currentFeature"`
}

// Agent forwards user messages to the content producer.
type Agent interface {
	Send(ctx context.Context, request AgentRequest) error
}

// WebhookAgent posts requests as JSON to a fixed URL.
type WebhookAgent struct {
	url    string
	client *http.Client
}

func NewWebhookAgent(url string) *WebhookAgent {
	return &WebhookAgent{
		url:    url,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (a *WebhookAgent) Send(ctx context.Context, request AgentRequest) error {
	body, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("marshal agent request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("call agent: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("agent responded %d", resp.StatusCode)
	}
	return nil
}
