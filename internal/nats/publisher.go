// Package nats publishes artifact lifecycle events to a NATS server.
package nats

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ahrdadan/snapq/internal/events"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subj string, data []byte) error
}

// PublisherConfig holds configuration for the NATS publisher
type PublisherConfig struct {
	URL     string
	Subject string // Prefix, e.g. snapq.artifacts
	Logger  *zap.Logger
}

// Publisher forwards hub events to NATS subjects {prefix}.created and
// {prefix}.swept. It implements events.Sink.
type Publisher struct {
	conn    Conn
	nc      *nats.Conn
	subject string
	log     *zap.Logger
	mu      sync.Mutex
}

// Connect dials the server in cfg.URL.
func Connect(cfg PublisherConfig) (*Publisher, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("nats")

	nc, err := nats.Connect(cfg.URL,
		nats.Name("snapq"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	p := NewPublisher(nc, cfg.Subject, log)
	p.nc = nc
	log.Info("connected", zap.String("url", nc.ConnectedUrl()), zap.String("subject", p.subject))
	return p, nil
}

// NewPublisher wraps an existing connection.
func NewPublisher(conn Conn, subject string, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	if subject == "" {
		subject = "snapq.artifacts"
	}
	return &Publisher{conn: conn, subject: strings.TrimSuffix(subject, "."), log: log}
}

// Subject returns the subject an event of type t is published on.
func (p *Publisher) Subject(t events.Type) string {
	suffix := strings.TrimPrefix(string(t), "artifact.")
	return p.subject + "." + suffix
}

// Publish sends event as JSON.
func (p *Publisher) Publish(event events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("publisher closed")
	}

	if err := conn.Publish(p.Subject(event.Type), data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.Type, err)
	}
	return nil
}

// Close drains and closes the connection opened by Connect.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			p.log.Warn("drain failed", zap.Error(err))
			p.nc.Close()
		}
		p.nc = nil
	}
	p.conn = nil
}
