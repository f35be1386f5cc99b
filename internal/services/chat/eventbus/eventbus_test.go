package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/louisbranch/chatline/internal/platform/natsconn/natstest"
)

type stubPublisher struct {
	err   error
	block bool
	calls int
}

func (p *stubPublisher) Publish(ctx context.Context, _ string, _ any) error {
	p.calls++
	if p.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return p.err
}

func TestBestEffortSwallowsFailures(t *testing.T) {
	next := &stubPublisher{err: errors.New("bus down")}
	bus := NewBestEffort(next, time.Second)
	if err := bus.Publish(context.Background(), TopicMessageCreated, map[string]string{"id": "m1"}); err != nil {
		t.Fatalf("publish err = %v, want nil", err)
	}
	if next.calls != 1 {
		t.Fatalf("calls = %d, want 1", next.calls)
	}
}

func TestBestEffortBoundsSlowPublish(t *testing.T) {
	bus := NewBestEffort(&stubPublisher{block: true}, 20*time.Millisecond)
	start := time.Now()
	if err := bus.Publish(context.Background(), TopicMessageCreated, nil); err != nil {
		t.Fatalf("publish err = %v, want nil", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("publish took %v, want bounded by timeout", elapsed)
	}
}

func TestBestEffortNilIsNoOp(t *testing.T) {
	var bus *BestEffort
	if err := bus.Publish(context.Background(), TopicMessageDeleted, nil); err != nil {
		t.Fatalf("nil publish err = %v", err)
	}
}

func TestLogPublisher(t *testing.T) {
	if err := (LogPublisher{}).Publish(context.Background(), TopicMessageUpdated, map[string]int{"sequence": 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := (LogPublisher{}).Publish(context.Background(), TopicMessageUpdated, make(chan int)); err == nil {
		t.Fatal("expected encode error")
	}
}

func TestNATSPublisherDeliversJSON(t *testing.T) {
	nc := natstest.Connect(t)
	sub, err := nc.SubscribeSync(Subject(TopicMessageCreated))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	publisher := NewNATSPublisher(nc)
	if err := publisher.Publish(context.Background(), TopicMessageCreated, map[string]string{"id": "m1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next msg: %v", err)
	}
	var body map[string]string
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["id"] != "m1" {
		t.Fatalf("id = %q, want m1", body["id"])
	}
	if msg.Subject != "chat.events.message.created" {
		t.Fatalf("subject = %q", msg.Subject)
	}
}
