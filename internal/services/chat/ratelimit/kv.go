package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/louisbranch/chatline/internal/platform/natsconn"
	"github.com/nats-io/nats.go"
)

// KVBucket is the JetStream bucket holding shared rate-limit counters.
const KVBucket = "CHAT_RATELIMIT"

const maxCASAttempts = 64

// KVCounter shares counters across instances through a JetStream KV bucket.
// Each key is a window, so the bucket TTL only needs to outlive one window.
type KVCounter struct {
	kv nats.KeyValue
}

// NewKVCounter binds or creates the counter bucket with the given window TTL.
func NewKVCounter(js nats.JetStreamContext, window time.Duration) (*KVCounter, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	kv, err := natsconn.BindKeyValue(js, nats.KeyValueConfig{
		Bucket:  KVBucket,
		History: 1,
		TTL:     2 * window,
		Storage: nats.MemoryStorage,
	})
	if err != nil {
		return nil, err
	}
	return &KVCounter{kv: kv}, nil
}

// Increment implements Counter with a compare-and-swap loop.
func (c *KVCounter) Increment(ctx context.Context, key string, _ time.Duration) (int64, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		entry, err := c.kv.Get(key)
		if errors.Is(err, nats.ErrKeyNotFound) {
			if _, err := c.kv.Create(key, []byte("1")); err == nil {
				return 1, nil
			} else if !natsconn.IsRevisionMismatch(err) {
				return 0, fmt.Errorf("create counter %s: %w", key, err)
			}
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("get counter %s: %w", key, err)
		}
		current, err := strconv.ParseInt(string(entry.Value()), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("decode counter %s: %w", key, err)
		}
		next := current + 1
		if _, err := c.kv.Update(key, []byte(strconv.FormatInt(next, 10)), entry.Revision()); err == nil {
			return next, nil
		} else if !natsconn.IsRevisionMismatch(err) {
			return 0, fmt.Errorf("update counter %s: %w", key, err)
		}
	}
	return 0, fmt.Errorf("increment counter %s: too much contention", key)
}
