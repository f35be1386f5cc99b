// Package eventbus publishes message lifecycle events for downstream
// consumers such as search indexing and notifications.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/louisbranch/chatline/internal/platform/natsconn"
	"github.com/louisbranch/chatline/internal/platform/timeouts"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	TopicMessageCreated = "message.created"
	TopicMessageUpdated = "message.updated"
	TopicMessageDeleted = "message.deleted"

	subjectPrefix = "chat.events."
)

// Publisher emits one event body on topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, body any) error
}

// NATSPublisher publishes events as JSON on chat.events.<topic>.
type NATSPublisher struct {
	nc *nats.Conn
}

// NewNATSPublisher wraps an established connection.
func NewNATSPublisher(nc *nats.Conn) *NATSPublisher {
	return &NATSPublisher{nc: nc}
}

// Subject returns the NATS subject for topic.
func Subject(topic string) string {
	return subjectPrefix + topic
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(ctx context.Context, topic string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}
	return natsconn.Publish(ctx, p.nc, Subject(topic), data)
}

// LogPublisher writes events to the process log. It stands in for a bus in
// single-instance mode.
type LogPublisher struct{}

// Publish implements Publisher.
func (LogPublisher) Publish(_ context.Context, topic string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}
	log.Printf("chat: event topic=%s bytes=%d", topic, len(data))
	return nil
}

// BestEffort bounds each publish by a timeout and never returns its failure.
// The ledger is the source of truth, so a lost event is logged and counted.
type BestEffort struct {
	next     Publisher
	timeout  time.Duration
	failures metric.Int64Counter
}

// NewBestEffort wraps next. A non-positive timeout uses timeouts.BusPublish.
func NewBestEffort(next Publisher, timeout time.Duration) *BestEffort {
	if timeout <= 0 {
		timeout = timeouts.BusPublish
	}
	b := &BestEffort{next: next, timeout: timeout}
	if counter, err := otel.Meter("chat.eventbus").Int64Counter("chat_bus_publish_failures_total",
		metric.WithDescription("Event bus publishes that failed or timed out")); err == nil {
		b.failures = counter
	}
	return b
}

// Publish implements Publisher and always returns nil.
func (b *BestEffort) Publish(ctx context.Context, topic string, body any) error {
	if b == nil || b.next == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- b.next.Publish(ctx, topic, body) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		if b.failures != nil {
			b.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
		}
		log.Printf("chat: event publish failed topic=%s err=%v", topic, err)
	}
	return nil
}
