package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrNotConfigured is returned when no webhook URL is set.
var ErrNotConfigured = errors.New("webhook notifier not configured")

// WebhookNotifier posts alerts as bot-style JSON messages to a configured
// webhook URL.
type WebhookNotifier struct {
	webhookURL string
	httpClient *http.Client
}

func NewWebhookNotifier(webhookURL string) *WebhookNotifier {
	return &WebhookNotifier{
		webhookURL: webhookURL,
		httpClient: http.DefaultClient,
	}
}

var _ Notifier = (*WebhookNotifier)(nil)

type webhookMessage struct {
	Text     string `json:"text"`
	Severity string `json:"severity"`
	TenantID string `json:"tenant_id"`
}

func (n *WebhookNotifier) Send(ctx context.Context, a Alert) error {
	if n.webhookURL == "" {
		return ErrNotConfigured
	}

	msg := webhookMessage{
		Text:     fmt.Sprintf("[%s] tenant %s: %s", a.Severity, a.TenantID, a.Message),
		Severity: string(a.Severity),
		TenantID: a.TenantID,
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("webhook marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, respBody)
	}
	return nil
}
