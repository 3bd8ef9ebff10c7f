// Package webhook publishes outbox messages as HTTP POST requests.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fortium/eventserver"
)

// DestinationPrefix is the routing prefix handled by the publisher.
// Destination format: "webhook:https://example.com/events".
const DestinationPrefix = "webhook"

// Request headers set on every delivery.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderSignature      = "X-Eventserver-Signature"
	HeaderPrefix         = "X-Outbox-"
)

var _ eventserver.Publisher = (*Publisher)(nil)

// Publisher posts each outbox message to the URL in its destination.
type Publisher struct {
	client         *http.Client
	defaultHeaders map[string]string
	secret         []byte
}

// Option configures a webhook Publisher.
type Option func(*Publisher)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Publisher) {
		p.client = client
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		p.client.Timeout = d
	}
}

// WithDefaultHeaders sets headers added to every request.
func WithDefaultHeaders(headers map[string]string) Option {
	return func(p *Publisher) {
		for k, v := range headers {
			p.defaultHeaders[k] = v
		}
	}
}

// WithSigningSecret signs each body with HMAC-SHA256. The hex digest is sent
// as "sha256=<digest>" in X-Eventserver-Signature.
func WithSigningSecret(secret string) Option {
	return func(p *Publisher) {
		p.secret = []byte(secret)
	}
}

// New creates a new webhook Publisher.
func New(opts ...Option) *Publisher {
	p := &Publisher{
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		defaultHeaders: map[string]string{
			"Content-Type": "application/json",
		},
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Destination returns the destination prefix this publisher handles.
func (p *Publisher) Destination() string {
	return DestinationPrefix
}

// Close releases idle keep-alive connections.
func (p *Publisher) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

// Publish posts every message. All messages are attempted; errors are joined.
// Any non-2xx response is a failure.
func (p *Publisher) Publish(ctx context.Context, messages []*eventserver.OutboxMessage) error {
	var errs []error
	for _, msg := range messages {
		if err := p.post(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Publisher) post(ctx context.Context, msg *eventserver.OutboxMessage) error {
	url := extractURL(msg.Destination)
	if url == "" {
		return fmt.Errorf("eventserver/webhook: invalid destination %q: missing URL", msg.Destination)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(msg.Payload))
	if err != nil {
		return fmt.Errorf("eventserver/webhook: create request: %w", err)
	}

	for k, v := range p.defaultHeaders {
		req.Header.Set(k, v)
	}
	for k, v := range msg.Headers {
		if v == "" {
			continue
		}
		req.Header.Set(HeaderPrefix+k, v)
	}
	req.Header.Set(HeaderIdempotencyKey, msg.ID)
	if len(p.secret) > 0 {
		req.Header.Set(HeaderSignature, Sign(p.secret, msg.Payload))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("eventserver/webhook: request to %s failed: %w", url, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("eventserver/webhook: server error %d from %s", resp.StatusCode, url)
	case resp.StatusCode >= 300:
		return fmt.Errorf("eventserver/webhook: unexpected status %d from %s", resp.StatusCode, url)
	}
	return nil
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body. Receivers use it to
// authenticate deliveries.
func Verify(secret, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

func extractURL(destination string) string {
	url, ok := strings.CutPrefix(destination, DestinationPrefix+":")
	if !ok {
		return ""
	}
	return url
}
