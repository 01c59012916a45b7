// Package notify delivers account events (low balance, suspension, auto
// top-up) to a pluggable sink. Delivery is best-effort and must never block
// or roll back the ledger transaction that produced the event.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ProofMesh-Network/proof_layer/pkg/logger"
)

// Event types emitted by the billing pipeline.
const (
	EventLowBalance         = "credit.low_balance"
	EventAccountSuspended   = "credit.account_suspended"
	EventAccountReactivated = "credit.account_reactivated"
	EventAutoTopup          = "credit.auto_topup"
)

// Event is a single account notification.
type Event struct {
	Type       string                 `json:"type"`
	TenantID   string                 `json:"tenant_id"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// Notifier receives account events. Implementations must tolerate concurrent
// calls and should not block for long; callers fire events from goroutines.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// LogNotifier writes events to the log. Default sink when no webhook is
// configured.
type LogNotifier struct {
	log *logger.Logger
}

var _ Notifier = (*LogNotifier)(nil)

// NewLogNotifier creates a log-backed sink.
func NewLogNotifier(log *logger.Logger) *LogNotifier {
	if log == nil {
		log = logger.NewDefault("notify")
	}
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	n.log.WithField("event", event.Type).
		WithField("tenant_id", event.TenantID).
		Info("account notification")
	return nil
}

// SignatureHeader carries the HMAC-SHA256 of the request body, hex-encoded
// with a "sha256=" prefix. Receivers recompute it with the shared secret.
const SignatureHeader = "X-Signature"

// WebhookNotifier POSTs events as JSON to a configured endpoint.
type WebhookNotifier struct {
	url    string
	secret string
	client *http.Client
	log    *logger.Logger
}

var _ Notifier = (*WebhookNotifier)(nil)

// NewWebhookNotifier creates a webhook sink. The secret, when set, signs
// each delivery body.
func NewWebhookNotifier(client *http.Client, url, secret string, log *logger.Logger) (*WebhookNotifier, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("notify")
	}
	return &WebhookNotifier{url: url, secret: secret, client: client, log: log}, nil
}

func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.secret != "" {
		req.Header.Set(SignatureHeader, Sign(n.secret, body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver %s: %w", event.Type, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("deliver %s: webhook returned %d", event.Type, resp.StatusCode)
	}
	return nil
}

// Sign computes the signature header value for a delivery body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
