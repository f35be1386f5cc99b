// Package broadcast fans room and global events out to connected sessions on
// every instance.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const shardCount = 32

// Member is one locally connected session able to receive frames.
type Member interface {
	ConnectionID() string
	// Enqueue queues frame without blocking and reports whether it fit.
	Enqueue(frame []byte) bool
	// Overflow is called when Enqueue failed. The member must disconnect
	// without blocking the caller.
	Overflow()
}

// Envelope is one event crossing the relay.
type Envelope struct {
	Room                string          `json:"room,omitempty"`
	Event               string          `json:"event"`
	Payload             json.RawMessage `json:"payload"`
	ExcludeConnectionID string          `json:"excludeConnectionId,omitempty"`
}

// Global reports whether the envelope targets every connected session.
func (e Envelope) Global() bool {
	return e.Room == ""
}

// Relay carries envelopes to every instance, including the publisher.
type Relay interface {
	Publish(ctx context.Context, envelope Envelope) error
	// Start begins delivering envelopes to deliver until Close.
	Start(ctx context.Context, deliver func(context.Context, Envelope)) error
	Close() error
}

type shard struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Member
}

// Broadcaster keeps this instance's room membership and delivers relayed
// envelopes to local members.
type Broadcaster struct {
	relay  Relay
	shards [shardCount]shard

	mu       sync.RWMutex
	sessions map[string]Member
	joined   map[string]map[string]struct{}

	deliveries metric.Int64Counter
	overflows  metric.Int64Counter
}

// New builds a Broadcaster publishing through relay.
func New(relay Relay) *Broadcaster {
	b := &Broadcaster{
		relay:    relay,
		sessions: make(map[string]Member),
		joined:   make(map[string]map[string]struct{}),
	}
	for i := range b.shards {
		b.shards[i].rooms = make(map[string]map[string]Member)
	}
	meter := otel.Meter("chat.broadcast")
	if counter, err := meter.Int64Counter("chat_fanout_deliveries_total",
		metric.WithDescription("Frames enqueued to local sessions")); err == nil {
		b.deliveries = counter
	}
	if counter, err := meter.Int64Counter("chat_fanout_overflows_total",
		metric.WithDescription("Sessions disconnected for a full outbound queue")); err == nil {
		b.overflows = counter
	}
	return b
}

// Start subscribes to the relay.
func (b *Broadcaster) Start(ctx context.Context) error {
	return b.relay.Start(ctx, b.Deliver)
}

// Close stops the relay.
func (b *Broadcaster) Close() error {
	return b.relay.Close()
}

// Register makes member reachable by global broadcasts.
func (b *Broadcaster) Register(member Member) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[member.ConnectionID()] = member
}

// Unregister removes member from every room and from global delivery. It
// returns the rooms the member had joined.
func (b *Broadcaster) Unregister(connID string) []string {
	b.mu.Lock()
	rooms := b.joined[connID]
	delete(b.joined, connID)
	delete(b.sessions, connID)
	b.mu.Unlock()

	left := make([]string, 0, len(rooms))
	for room := range rooms {
		b.removeFromShard(room, connID)
		left = append(left, room)
	}
	return left
}

// Join adds member to room on this instance.
func (b *Broadcaster) Join(room string, member Member) {
	connID := member.ConnectionID()
	s := b.shardFor(room)
	s.mu.Lock()
	members := s.rooms[room]
	if members == nil {
		members = make(map[string]Member)
		s.rooms[room] = members
	}
	members[connID] = member
	s.mu.Unlock()

	b.mu.Lock()
	rooms := b.joined[connID]
	if rooms == nil {
		rooms = make(map[string]struct{})
		b.joined[connID] = rooms
	}
	rooms[room] = struct{}{}
	b.mu.Unlock()
}

// Leave removes connID from room.
func (b *Broadcaster) Leave(room string, connID string) {
	b.removeFromShard(room, connID)
	b.mu.Lock()
	if rooms := b.joined[connID]; rooms != nil {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(b.joined, connID)
		}
	}
	b.mu.Unlock()
}

// Joined reports whether connID joined room on this instance.
func (b *Broadcaster) Joined(room string, connID string) bool {
	s := b.shardFor(room)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[room][connID]
	return ok
}

// MemberCount returns how many local sessions joined room.
func (b *Broadcaster) MemberCount(room string) int {
	s := b.shardFor(room)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms[room])
}

// Broadcast publishes event to every session in room on every instance,
// except excludeConnID.
func (b *Broadcaster) Broadcast(ctx context.Context, room string, event string, payload any, excludeConnID string) error {
	if room == "" {
		return fmt.Errorf("room is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}
	return b.relay.Publish(ctx, Envelope{Room: room, Event: event, Payload: data, ExcludeConnectionID: excludeConnID})
}

// BroadcastAll publishes event to every connected session on every instance.
func (b *Broadcaster) BroadcastAll(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}
	return b.relay.Publish(ctx, Envelope{Event: event, Payload: data})
}

// Deliver enqueues envelope to its local recipients. Recipients with a full
// queue are told to disconnect; delivery to the others continues.
func (b *Broadcaster) Deliver(ctx context.Context, envelope Envelope) {
	ctx, span := otel.Tracer("chat.broadcast").Start(ctx, "chat.fanout",
		trace.WithAttributes(
			attribute.String("chat.event", envelope.Event),
			attribute.String("chat.room", envelope.Room),
		),
	)
	defer span.End()

	frame, err := EncodeFrame(envelope.Event, envelope.Payload)
	if err != nil {
		span.RecordError(err)
		return
	}

	recipients := b.recipients(envelope)
	delivered := 0
	for _, member := range recipients {
		if member.ConnectionID() == envelope.ExcludeConnectionID {
			continue
		}
		if member.Enqueue(frame) {
			delivered++
			continue
		}
		if b.overflows != nil {
			b.overflows.Add(ctx, 1)
		}
		member.Overflow()
	}
	span.SetAttributes(attribute.Int("chat.recipients", delivered))
	if b.deliveries != nil && delivered > 0 {
		b.deliveries.Add(ctx, int64(delivered), metric.WithAttributes(attribute.String("event", envelope.Event)))
	}
}

func (b *Broadcaster) recipients(envelope Envelope) []Member {
	if envelope.Global() {
		b.mu.RLock()
		defer b.mu.RUnlock()
		out := make([]Member, 0, len(b.sessions))
		for _, member := range b.sessions {
			out = append(out, member)
		}
		return out
	}
	s := b.shardFor(envelope.Room)
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := s.rooms[envelope.Room]
	out := make([]Member, 0, len(members))
	for _, member := range members {
		out = append(out, member)
	}
	return out
}

func (b *Broadcaster) removeFromShard(room string, connID string) {
	s := b.shardFor(room)
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.rooms[room]
	delete(members, connID)
	if len(members) == 0 {
		delete(s.rooms, room)
	}
}

func (b *Broadcaster) shardFor(room string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(room))
	return &b.shards[h.Sum32()%shardCount]
}

type outboundFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EncodeFrame renders the wire frame for event.
func EncodeFrame(event string, payload json.RawMessage) ([]byte, error) {
	return json.Marshal(outboundFrame{Type: event, Payload: payload})
}
