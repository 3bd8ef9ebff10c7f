// Package nats publishes outbox messages to NATS subjects using
// github.com/nats-io/nats.go.
package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fortium/eventserver"
)

// DestinationPrefix is the routing prefix handled by the publisher.
// Destination format: "nats:subject.name".
const DestinationPrefix = "nats"

var _ eventserver.Publisher = (*Publisher)(nil)

// Publisher publishes outbox messages to NATS subjects.
//
// Each message carries its outbox id in Nats-Msg-Id so JetStream streams
// bound to the subject drop redeliveries. A batch is confirmed with a flush
// round trip before Publish returns.
type Publisher struct {
	conn  *nats.Conn
	owned bool
}

// Connect dials url with automatic reconnection and returns a publisher that
// owns the connection.
func Connect(url string, opts ...nats.Option) (*Publisher, error) {
	defaults := []nats.Option{
		nats.Name("eventserver-outbox"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("eventserver/nats: connect to %s: %w", url, err)
	}
	return &Publisher{conn: nc, owned: true}, nil
}

// New wraps an existing connection. Close leaves it open.
func New(conn *nats.Conn) *Publisher {
	return &Publisher{conn: conn}
}

// Destination returns the destination prefix this publisher handles.
func (p *Publisher) Destination() string {
	return DestinationPrefix
}

// Publish sends each message to the subject in its destination.
// All messages are attempted; errors are joined.
func (p *Publisher) Publish(ctx context.Context, messages []*eventserver.OutboxMessage) error {
	if p.conn == nil {
		return errors.New("eventserver/nats: connection not configured")
	}

	var errs []error
	sent := 0
	for _, msg := range messages {
		subject := extractSubject(msg.Destination)
		if subject == "" {
			errs = append(errs, fmt.Errorf("eventserver/nats: invalid destination %q: missing subject", msg.Destination))
			continue
		}
		if err := p.conn.PublishMsg(toNATSMsg(subject, msg)); err != nil {
			errs = append(errs, fmt.Errorf("eventserver/nats: publish %s to %s: %w", msg.ID, subject, err))
			continue
		}
		sent++
	}

	if sent > 0 {
		if err := p.conn.FlushWithContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("eventserver/nats: flush: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Close drains and closes the connection when the publisher dialed it.
func (p *Publisher) Close() error {
	if p.conn == nil || !p.owned {
		return nil
	}
	if p.conn.IsClosed() {
		return nil
	}
	if err := p.conn.Drain(); err != nil {
		return fmt.Errorf("eventserver/nats: drain: %w", err)
	}
	return nil
}

func toNATSMsg(subject string, msg *eventserver.OutboxMessage) *nats.Msg {
	m := nats.NewMsg(subject)
	m.Data = msg.Payload
	m.Header.Set(nats.MsgIdHdr, msg.ID)
	for k, v := range msg.Headers {
		if v == "" {
			continue
		}
		m.Header.Set(k, v)
	}
	return m
}

func extractSubject(destination string) string {
	subject, ok := strings.CutPrefix(destination, DestinationPrefix+":")
	if !ok {
		return ""
	}
	return subject
}
