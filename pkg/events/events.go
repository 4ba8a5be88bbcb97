// Package events publishes moderation workflow events. Notification delivery
// (email, SMS, print) subscribes to these subjects elsewhere.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Event topics, relative to the configured subject prefix.
const (
	TopicUpdateRequestSubmitted = "update_request.submitted"
	TopicUpdateRequestApproved  = "update_request.approved"
	TopicUpdateRequestRejected  = "update_request.rejected"
)

// UpdateRequestEvent is the payload for every update request topic.
type UpdateRequestEvent struct {
	UpdateRequestID string    `json:"update_request_id"`
	EntityType      string    `json:"entity_type"`
	EntityID        *string   `json:"entity_id,omitempty"`
	SubmittedBy     string    `json:"submitted_by"`
	ReviewedBy      *string   `json:"reviewed_by,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// Publisher is the interface for emitting events.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}

// NATSPublisher publishes JSON-encoded events to NATS subjects.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSPublisher connects to url with automatic reconnects.
func NewNATSPublisher(url, prefix string, opts ...nats.Option) (*NATSPublisher, error) {
	defaults := []nats.Option{
		nats.Name("connect-api"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSPublisher{conn: nc, prefix: strings.TrimSuffix(prefix, ".")}, nil
}

// Subject returns the full subject for a topic.
func (p *NATSPublisher) Subject(topic string) string {
	return Subject(p.prefix, topic)
}

func (p *NATSPublisher) Publish(ctx context.Context, topic string, event any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	return p.conn.Publish(p.Subject(topic), data)
}

func (p *NATSPublisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return err
	}
	return nil
}

// Subject joins prefix and topic with a dot.
func Subject(prefix, topic string) string {
	if prefix == "" {
		return topic
	}
	return prefix + "." + topic
}

// NoopPublisher is a Publisher that does nothing (used when NATS is not configured).
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, topic string, event any) error {
	return nil
}

func (NoopPublisher) Close() error {
	return nil
}
