package broadcast

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/louisbranch/chatline/internal/platform/natsconn"
	"github.com/nats-io/nats.go"
)

const (
	roomSubjectPrefix = "chat.room."
	globalSubject     = "chat.global"
)

// NATSRelay carries envelopes over core NATS so every instance receives every
// room event and delivers it to its own members.
//
// Publishes from one instance arrive in the order that instance made them.
// Two instances committing to the same room publish independently, so their
// events can interleave out of ledger order; clients order messages by
// sequence.
type NATSRelay struct {
	nc *nats.Conn

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNATSRelay wraps an established connection.
func NewNATSRelay(nc *nats.Conn) *NATSRelay {
	return &NATSRelay{nc: nc}
}

// RoomSubject returns the subject for room. Room ids outside the subject-token
// alphabet are base64url encoded.
func RoomSubject(room string) string {
	return roomSubjectPrefix + subjectToken(room)
}

func subjectToken(value string) string {
	if strings.IndexFunc(value, func(r rune) bool {
		return r <= ' ' || r == '.' || r == '*' || r == '>' || r > '~'
	}) == -1 && value != "" {
		return value
	}
	return "b64-" + base64.RawURLEncoding.EncodeToString([]byte(value))
}

// Start subscribes to room and global subjects.
func (r *NATSRelay) Start(ctx context.Context, deliver func(context.Context, Envelope)) error {
	if deliver == nil {
		return errors.New("deliver func is required")
	}
	handler := func(msg *nats.Msg) {
		msgCtx, span := natsconn.StartConsumerSpan(ctx, msg, "chat.relay receive")
		defer span.End()
		var envelope Envelope
		if err := json.Unmarshal(msg.Data, &envelope); err != nil {
			span.RecordError(err)
			log.Printf("chat: relay decode failed subject=%s err=%v", msg.Subject, err)
			return
		}
		deliver(msgCtx, envelope)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, subject := range []string{roomSubjectPrefix + ">", globalSubject} {
		sub, err := r.nc.Subscribe(subject, handler)
		if err != nil {
			r.unsubscribeLocked()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		r.subs = append(r.subs, sub)
	}
	if err := r.nc.Flush(); err != nil {
		r.unsubscribeLocked()
		return fmt.Errorf("flush subscriptions: %w", err)
	}
	return nil
}

// Publish sends envelope to its room or the global subject.
func (r *NATSRelay) Publish(ctx context.Context, envelope Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	subject := globalSubject
	if !envelope.Global() {
		subject = RoomSubject(envelope.Room)
	}
	if err := natsconn.Publish(ctx, r.nc, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close drops the subscriptions. The connection stays open for its owner.
func (r *NATSRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribeLocked()
	return nil
}

func (r *NATSRelay) unsubscribeLocked() {
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.subs = nil
}
