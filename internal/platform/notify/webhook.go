package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

const (
	SignatureHeader = "X-Summary-Signature"
	EventIDHeader   = "X-Summary-Event-ID"
	TimestampHeader = "X-Summary-Timestamp"
)

// SignPayload returns the hex-encoded HMAC-SHA256 of payload.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature (with or without the "sha256="
// prefix) matches payload under secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	if len(signature) > 7 && signature[:7] == "sha256=" {
		signature = signature[7:]
	}
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

type WebhookConfig struct {
	URL        string
	Secret     string
	Timeout    time.Duration
	RetryCount int
}

// Webhook POSTs a signed JSON event to a single endpoint.
type Webhook struct {
	client *resty.Client
	url    string
	secret string
}

func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	return &Webhook{client: client, url: cfg.URL, secret: cfg.Secret}
}

func (w *Webhook) Notify(ctx context.Context, patientID uuid.UUID, version int) error {
	ev := newEvent(patientID, version)
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode webhook event: %w", err)
	}

	req := w.client.R().
		SetContext(ctx).
		SetHeader(EventIDHeader, ev.ID.String()).
		SetHeader(TimestampHeader, ev.OccurredAt.Format(time.RFC3339)).
		SetBody(payload)
	if w.secret != "" {
		req.SetHeader(SignatureHeader, "sha256="+SignPayload(payload, w.secret))
	}

	resp, err := req.Post(w.url)
	if err != nil {
		return fmt.Errorf("webhook delivery: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook delivery: non-2xx response: %d", resp.StatusCode())
	}
	return nil
}
