package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/louisbranch/chatline/internal/platform/natsconn/natstest"
	"github.com/nats-io/nats.go"
)

func connect(t *testing.T, url string) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect nats: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}

func startNATS(t *testing.T, url string) *Broadcaster {
	t.Helper()
	b := New(NewNATSRelay(connect(t, url)))
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// Publishers interleave freely, but each one's events arrive in the order it
// sent them.
func TestNATSRelayKeepsPerInstanceOrder(t *testing.T) {
	srv := natstest.RunServer(t)
	publishers := []*Broadcaster{startNATS(t, srv.ClientURL()), startNATS(t, srv.ClientURL())}
	receiver := startNATS(t, srv.ClientURL())

	const perPublisher = 25
	member := newFakeMember("conn-r", 2*perPublisher)
	receiver.Register(member)
	receiver.Join("room-1", member)

	var wg sync.WaitGroup
	for i, publisher := range publishers {
		wg.Add(1)
		go func(instance int, b *Broadcaster) {
			defer wg.Done()
			for n := 1; n <= perPublisher; n++ {
				if err := b.Broadcast(context.Background(), "room-1", "new-message", map[string]int{"instance": instance, "sequence": n}, ""); err != nil {
					t.Errorf("broadcast: %v", err)
					return
				}
			}
		}(i, publisher)
	}
	wg.Wait()

	last := map[int]int{}
	for i := 0; i < 2*perPublisher; i++ {
		var payload map[string]int
		if err := json.Unmarshal(member.next(t).Payload, &payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		instance, sequence := payload["instance"], payload["sequence"]
		if sequence != last[instance]+1 {
			t.Fatalf("instance %d sequence = %d, want %d", instance, sequence, last[instance]+1)
		}
		last[instance] = sequence
	}
}
