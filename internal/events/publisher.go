// Package events publishes load-finished notifications to NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/JonMunkholm/bulkload/internal/config"
	"github.com/JonMunkholm/bulkload/internal/core"
)

// Conn is the subset of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Drain() error
}

// Publisher implements core.Notifier over a NATS connection.
type Publisher struct {
	conn    Conn
	subject string
}

// NewPublisher creates a publisher sending on subject.
func NewPublisher(conn Conn, subject string) *Publisher {
	return &Publisher{conn: conn, subject: subject}
}

// Connect dials NATS with reconnect settings and returns a publisher on the
// configured subject.
func Connect(cfg config.EventsConfig, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("bulkload"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return NewPublisher(nc, cfg.Subject), nil
}

// LoadFinished publishes ev as JSON and waits for the server to
// acknowledge the flush or ctx to end.
func (p *Publisher) LoadFinished(ctx context.Context, ev core.LoadEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode load event: %w", err)
	}
	if err := p.conn.Publish(p.subject, payload); err != nil {
		return fmt.Errorf("publish load event: %w", err)
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush load event: %w", err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() error {
	return p.conn.Drain()
}
