// Package alert pushes blocked-decision notifications to an external
// webhook so an on-call channel hears about sustained abuse without
// polling the admin API.
package alert

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/perimetra/riskgate/internal/engine"
	"github.com/perimetra/riskgate/internal/retry"
	"github.com/perimetra/riskgate/internal/security"
)

const (
	deliverTimeout = 5 * time.Second
	deliverRetries = 3
	retryBaseDelay = 200 * time.Millisecond

	// SignatureHeader carries the hex HMAC-SHA256 of the payload when a
	// secret is configured.
	SignatureHeader = "X-Riskgate-Signature"
)

// Event is the webhook payload for one blocked decision.
type Event struct {
	Type      string           `json:"type"` // "decision.blocked"
	Timestamp time.Time        `json:"timestamp"`
	Decision  *engine.Decision `json:"decision"`
}

// Notifier implements engine.Hooks and delivers block and ban decisions
// to a single configured webhook URL. Hooks run on the evaluating
// goroutine, so delivery is detached; failures are logged, never surfaced.
type Notifier struct {
	engine.NopHooks

	url    string
	secret string
	client *http.Client
	logger *slog.Logger

	inflight sync.WaitGroup
}

// Option configures a Notifier.
type Option func(*Notifier)

func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) { n.logger = l }
}

// WithSecret enables HMAC-SHA256 payload signing.
func WithSecret(secret string) Option {
	return func(n *Notifier) { n.secret = secret }
}

func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.client = c }
}

// New creates a notifier for the given webhook URL. The URL must point at
// a public address; private and loopback targets are rejected.
func New(url string, opts ...Option) (*Notifier, error) {
	if err := security.ValidateEndpointURL(url); err != nil {
		return nil, fmt.Errorf("alert webhook: %w", err)
	}
	n := &Notifier{
		url:    url,
		client: &http.Client{Timeout: deliverTimeout},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// OnBlock delivers the decision to the webhook.
func (n *Notifier) OnBlock(d *engine.Decision) {
	ev := Event{
		Type:      "decision.blocked",
		Timestamp: time.Now().UTC(),
		Decision:  d,
	}
	body, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error("alert payload marshal failed", "error", err)
		return
	}

	n.inflight.Add(1)
	go func() {
		defer n.inflight.Done()

		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout*deliverRetries)
		defer cancel()

		err := retry.Do(ctx, deliverRetries, retryBaseDelay, func() error {
			return n.deliver(ctx, body)
		})
		if err != nil {
			n.logger.Warn("alert delivery failed",
				"url", n.url,
				"decision", d.ID,
				"error", err)
		}
	}()
}

// Wait blocks until in-flight deliveries finish. Call during shutdown so
// the last alerts are not dropped.
func (n *Notifier) Wait() {
	n.inflight.Wait()
}

func (n *Notifier) deliver(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.secret != "" {
		req.Header.Set(SignatureHeader, sign(n.secret, body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		err := fmt.Errorf("webhook answered %d", resp.StatusCode)
		// Client errors will not heal on retry.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return retry.Permanent(err)
		}
		return err
	}
	return nil
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
