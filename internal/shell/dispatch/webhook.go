package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"
)

// WebhookTrigger posts dispatch events to an HTTP endpoint.
type WebhookTrigger struct {
	url       string
	token     string
	eventType string
	client    *retryablehttp.Client
	logger    *slog.Logger
}

// webhookEvent is the request body sent to the webhook.
type webhookEvent struct {
	EventType     string  `json:"event_type"`
	ClientPayload Payload `json:"client_payload"`
}

// NewWebhookTrigger creates a trigger posting to url. token, when set, is
// sent as a bearer token.
func NewWebhookTrigger(url, token, eventType string, client *retryablehttp.Client, logger *slog.Logger) *WebhookTrigger {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = retryablehttp.NewClient()
		client.Logger = logger
	}
	if eventType == "" {
		eventType = DefaultEventType
	}
	return &WebhookTrigger{
		url:       url,
		token:     token,
		eventType: eventType,
		client:    client,
		logger:    logger.With("component", "dispatch"),
	}
}

func (t *WebhookTrigger) Dispatch(ctx context.Context, stage string) error {
	body, err := json.Marshal(webhookEvent{
		EventType:     t.eventType,
		ClientPayload: Payload{Stage: stage},
	})
	if err != nil {
		return fmt.Errorf("marshal webhook event: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	t.logger.Info("dispatched", "url", t.url, "event_type", t.eventType, "stage", stage)
	return nil
}
