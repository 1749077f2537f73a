package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ignite/spamcheck-scheduler/internal/pkg/httpretry"
)

// Webhook request headers.
const (
	HeaderEvent     = "X-Spamcheck-Event"
	HeaderDelivery  = "X-Spamcheck-Delivery"
	HeaderSignature = "X-Spamcheck-Signature"
)

// WebhookPublisher POSTs events as JSON to a fixed URL. When a secret is
// set, the body is signed with HMAC-SHA256 in HeaderSignature as
// "sha256=<hex>".
type WebhookPublisher struct {
	url    string
	secret string
	client httpretry.HTTPDoer
}

// NewWebhookPublisher creates a webhook publisher. A nil client gets a
// retrying client with default settings.
func NewWebhookPublisher(url, secret string, client httpretry.HTTPDoer) *WebhookPublisher {
	if client == nil {
		client = httpretry.NewRetryClient(nil, 3)
	}
	return &WebhookPublisher{url: url, secret: secret, client: client}
}

func (p *WebhookPublisher) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(e.Type))
	req.Header.Set(HeaderDelivery, e.ID)
	if p.secret != "" {
		req.Header.Set(HeaderSignature, "sha256="+Sign(p.secret, body))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook delivery: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
