package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Payload is the body POSTed to the webhook.
type Payload struct {
	Kind      Kind            `json:"kind"`
	ProjectID string          `json:"projectId"`
	Event     json.RawMessage `json:"event"`
	SentAt    time.Time       `json:"sentAt"`
}

// WebhookNotifier POSTs each notification as JSON to a fixed URL.
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
	now        func() time.Time
}

// NewWebhookNotifier creates a notifier for url. A nil client gets one with
// the given timeout.
func NewWebhookNotifier(url string, client *http.Client, timeout time.Duration) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &WebhookNotifier{url: url, httpClient: client, now: time.Now}
}

func (w *WebhookNotifier) NotifyNewMessage(ctx context.Context, projectID string, message json.RawMessage) error {
	return w.post(ctx, Payload{Kind: KindMessage, ProjectID: projectID, Event: message})
}

func (w *WebhookNotifier) NotifyNewComment(ctx context.Context, projectID string, comment json.RawMessage) error {
	return w.post(ctx, Payload{Kind: KindComment, ProjectID: projectID, Event: comment})
}

func (w *WebhookNotifier) post(ctx context.Context, p Payload) error {
	p.SentAt = w.now().UTC()
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Storyboard-Event", string(p.Kind))

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
