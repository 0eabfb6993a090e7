package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Mailer delivers a rendered notification. The engine decides whether and
// what; transport is the collaborator's concern.
type Mailer interface {
	Send(ctx context.Context, recipients []string, subject, body string) error
}

// WebhookMailer posts the message as JSON to a transactional-mail relay
// endpoint.
type WebhookMailer struct {
	URL    string
	From   string
	Client *http.Client
}

func NewWebhookMailer(url, from string) *WebhookMailer {
	return &WebhookMailer{
		URL:    url,
		From:   from,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

type mailPayload struct {
	From       string   `json:"from"`
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
}

func (m *WebhookMailer) Send(ctx context.Context, recipients []string, subject, body string) error {
	if m.URL == "" {
		return fmt.Errorf("mailer: no delivery endpoint configured")
	}
	payload, err := json.Marshal(mailPayload{
		From:       m.From,
		Recipients: recipients,
		Subject:    subject,
		Body:       body,
	})
	if err != nil {
		return fmt.Errorf("mailer: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("mailer: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.Client.Do(req)
	if err != nil {
		return fmt.Errorf("mailer: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("mailer: delivery endpoint returned %d", resp.StatusCode)
	}
	return nil
}
