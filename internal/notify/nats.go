package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// EnvelopeVersion is the schema version of published envelopes.
const EnvelopeVersion = "1.0.0"

// Envelope wraps every published notification.
type Envelope struct {
	Type          string       `json:"type"`
	Version       string       `json:"version"`
	OccurredAt    time.Time    `json:"occurredAt"`
	CorrelationID string       `json:"correlationId"`
	Payload       Notification `json:"payload"`
}

// JetStreamPublisher is the subset of nats.JetStreamContext used to publish.
type JetStreamPublisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// NATSNotifier publishes notifications to a JetStream stream under
// "<prefix>.<event>". The notification ID is used as the JetStream message
// ID so redeliveries are deduplicated by the server.
type NATSNotifier struct {
	nc     *nats.Conn
	js     JetStreamPublisher
	prefix string
}

// NATSConfig configures NewNATSNotifier.
type NATSConfig struct {
	URL           string
	Stream        string
	SubjectPrefix string
	MaxAge        time.Duration
}

// NewNATSNotifier connects to NATS and ensures the stream exists.
func NewNATSNotifier(cfg NATSConfig) (*NATSNotifier, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("signet"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats jetstream: %w", err)
	}
	if err := ensureStream(js, cfg); err != nil {
		nc.Close()
		return nil, err
	}
	n := NewJetStreamNotifier(js, cfg.SubjectPrefix)
	n.nc = nc
	return n, nil
}

// NewJetStreamNotifier publishes through an existing JetStream context.
func NewJetStreamNotifier(js JetStreamPublisher, subjectPrefix string) *NATSNotifier {
	if subjectPrefix == "" {
		subjectPrefix = "signet.notifications"
	}
	return &NATSNotifier{js: js, prefix: subjectPrefix}
}

func ensureStream(js nats.JetStreamContext, cfg NATSConfig) error {
	_, err := js.StreamInfo(cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("nats stream info %q: %w", cfg.Stream, err)
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 72 * time.Hour
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.SubjectPrefix + ".*"},
		Retention: nats.LimitsPolicy,
		MaxAge:    maxAge,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("nats add stream %q: %w", cfg.Stream, err)
	}
	return nil
}

// Subject returns the subject an event is published on.
func (p *NATSNotifier) Subject(e Event) string {
	return p.prefix + "." + string(e)
}

// Notify publishes the notification.
func (p *NATSNotifier) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	env := Envelope{
		Type:          p.Subject(n.Event),
		Version:       EnvelopeVersion,
		OccurredAt:    n.OccurredAt.UTC(),
		CorrelationID: n.RequestID,
		Payload:       n,
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	opts := []nats.PubOpt{nats.Context(ctx)}
	if n.ID != "" {
		opts = append(opts, nats.MsgId(n.ID))
	}
	if _, err := p.js.Publish(p.Subject(n.Event), b, opts...); err != nil {
		return fmt.Errorf("publish %s: %w", p.Subject(n.Event), err)
	}
	return nil
}

// HealthCheck reports whether the NATS connection is up.
func (p *NATSNotifier) HealthCheck(context.Context) error {
	if p.nc == nil {
		return nil
	}
	if !p.nc.IsConnected() {
		return fmt.Errorf("nats: %s", p.nc.Status())
	}
	return nil
}

// Close drains the NATS connection.
func (p *NATSNotifier) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
