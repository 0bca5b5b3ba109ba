// Package alert pushes high-importance notifications to an ops channel.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Alert is one high-importance mail notification.
type Alert struct {
	Subject     string
	Sender      string
	Score       int
	Description string
}

// Notifier delivers alerts. Delivery failures are the caller's to log; the
// pipeline never depends on an alert going out.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Webhook posts an Adaptive Card payload to a Teams-style incoming webhook.
type Webhook struct {
	url    string
	client *http.Client
}

func NewWebhook(url string) *Webhook {
	return &Webhook{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (w *Webhook) Notify(ctx context.Context, a Alert) error {
	payload := map[string]any{
		"type": "message",
		"attachments": []map[string]any{{
			"contentType": "application/vnd.microsoft.card.adaptive",
			"content": map[string]any{
				"$schema": "http://adaptivecards.io/schemas/adaptive-card.json",
				"type":    "AdaptiveCard",
				"version": "1.4",
				"body": []map[string]any{
					{
						"type":   "TextBlock",
						"size":   "Medium",
						"weight": "Bolder",
						"text":   fmt.Sprintf("重要メール通知 (スコア: %d)", a.Score),
					},
					{
						"type": "FactSet",
						"facts": []map[string]string{
							{"title": "件名", "value": a.Subject},
							{"title": "差出人", "value": a.Sender},
						},
					},
					{
						"type": "TextBlock",
						"wrap": true,
						"text": a.Description,
					},
				},
			},
		}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling alert payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned %d", resp.StatusCode)
	}
	return nil
}
