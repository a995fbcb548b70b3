package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// WebhookConfig describes one webhook subscription.
type WebhookConfig struct {
	URL    string      `json:"url"`
	Secret string      `json:"secret"`
	Events []EventType `json:"events,omitempty"` // empty delivers all kinds
}

// WebhookDispatcherConfig tunes delivery behavior.
type WebhookDispatcherConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Timeout      time.Duration
}

// DefaultWebhookDispatcherConfig returns the delivery policy: up to 5
// attempts with exponential backoff 1s -> 32s and jitter.
func DefaultWebhookDispatcherConfig() WebhookDispatcherConfig {
	return WebhookDispatcherConfig{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Second,
		MaxDelay:     32 * time.Second,
		Timeout:      10 * time.Second,
	}
}

// WebhookDispatcher posts events to a subscriber URL, one event per POST,
// signed with HMAC-SHA256 over the JSON body.
type WebhookDispatcher struct {
	config  WebhookDispatcherConfig
	client  *http.Client
	logger  *logrus.Logger
	webhook WebhookConfig
	types   map[EventType]bool
}

// NewWebhookDispatcher creates a dispatcher for one webhook subscription.
func NewWebhookDispatcher(webhook WebhookConfig, config WebhookDispatcherConfig, logger *logrus.Logger) *WebhookDispatcher {
	if config.MaxAttempts <= 0 {
		config = DefaultWebhookDispatcherConfig()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	d := &WebhookDispatcher{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		logger:  logger,
		webhook: webhook,
	}
	if len(webhook.Events) > 0 {
		d.types = make(map[EventType]bool, len(webhook.Events))
		for _, t := range webhook.Events {
			d.types[t] = true
		}
	}
	return d
}

// Sign computes the signature header value for a payload.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Wants reports whether the subscription covers an event kind.
func (d *WebhookDispatcher) Wants(t EventType) bool {
	return len(d.types) == 0 || d.types[t]
}

// Deliver posts one event, retrying transient failures. On final failure a
// webhook.delivery.failed entry is logged internally and the error returned;
// it is never dispatched as an event.
func (d *WebhookDispatcher) Deliver(ctx context.Context, ev *LayerEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	delay := d.config.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= d.config.MaxAttempts; attempt++ {
		lastErr = d.post(ctx, body)
		if lastErr == nil {
			return nil
		}

		if attempt == d.config.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(delay)):
		}
		delay *= 2
		if delay > d.config.MaxDelay {
			delay = d.config.MaxDelay
		}
	}

	d.logger.WithFields(logrus.Fields{
		"event":    "webhook.delivery.failed",
		"url":      d.webhook.URL,
		"type":     ev.Type,
		"query_id": ev.QueryID,
		"seq":      ev.Seq,
		"attempts": d.config.MaxAttempts,
	}).Warn("webhook delivery exhausted retries")
	return fmt.Errorf("webhook delivery failed after %d attempts: %w", d.config.MaxAttempts, lastErr)
}

// Run consumes a subscriber until its channel closes, delivering each
// matching event in order.
func (d *WebhookDispatcher) Run(ctx context.Context, sub *Subscriber) {
	for ev := range sub.Events() {
		if !d.Wants(ev.Type) {
			continue
		}
		if err := d.Deliver(ctx, ev); err != nil && ctx.Err() != nil {
			return
		}
	}
}

func (d *WebhookDispatcher) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Council-Signature", Sign(d.webhook.Secret, body))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d))) // #nosec G404 - backoff jitter
}
