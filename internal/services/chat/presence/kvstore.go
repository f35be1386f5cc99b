package presence

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/louisbranch/chatline/internal/platform/natsconn"
	"github.com/nats-io/nats.go"
)

// KVBucket is the JetStream bucket holding presence records.
const KVBucket = "CHAT_PRESENCE"

// KVStore keeps presence records in a JetStream KV bucket shared by all
// instances. The bucket TTL only garbage-collects records nobody swept.
type KVStore struct {
	kv nats.KeyValue
}

// NewKVStore binds or creates the presence bucket. recordTTL is the logical
// record lifetime; entries are hard-deleted after twice that.
func NewKVStore(js nats.JetStreamContext, recordTTL time.Duration) (*KVStore, error) {
	if recordTTL <= 0 {
		recordTTL = DefaultTTL
	}
	kv, err := natsconn.BindKeyValue(js, nats.KeyValueConfig{
		Bucket:  KVBucket,
		History: 1,
		TTL:     2 * recordTTL,
		Storage: nats.MemoryStorage,
	})
	if err != nil {
		return nil, err
	}
	return &KVStore{kv: kv}, nil
}

// User ids are encoded because KV keys only allow a restricted alphabet.
func encodeKey(userID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(userID))
}

func decodeKey(key string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(key)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (s *KVStore) Get(ctx context.Context, userID string) (Record, uint64, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, 0, err
	}
	entry, err := s.kv.Get(encodeKey(userID))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return Record{}, 0, ErrNotFound
	}
	if err != nil {
		return Record{}, 0, fmt.Errorf("get presence %s: %w", userID, err)
	}
	var record Record
	if err := json.Unmarshal(entry.Value(), &record); err != nil {
		return Record{}, 0, fmt.Errorf("decode presence %s: %w", userID, err)
	}
	return record, entry.Revision(), nil
}

func (s *KVStore) Create(ctx context.Context, record Record) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("encode presence: %w", err)
	}
	revision, err := s.kv.Create(encodeKey(record.UserID), data)
	if err != nil {
		if natsconn.IsRevisionMismatch(err) {
			return 0, ErrRevisionMismatch
		}
		return 0, fmt.Errorf("create presence %s: %w", record.UserID, err)
	}
	return revision, nil
}

func (s *KVStore) Update(ctx context.Context, record Record, revision uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("encode presence: %w", err)
	}
	next, err := s.kv.Update(encodeKey(record.UserID), data, revision)
	if err != nil {
		if natsconn.IsRevisionMismatch(err) {
			return 0, ErrRevisionMismatch
		}
		return 0, fmt.Errorf("update presence %s: %w", record.UserID, err)
	}
	return next, nil
}

func (s *KVStore) Delete(ctx context.Context, userID string, revision uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.kv.Delete(encodeKey(userID), nats.LastRevision(revision)); err != nil {
		if natsconn.IsRevisionMismatch(err) {
			return ErrRevisionMismatch
		}
		return fmt.Errorf("delete presence %s: %w", userID, err)
	}
	return nil
}

func (s *KVStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys, err := s.kv.Keys(nats.Context(ctx))
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list presence keys: %w", err)
	}
	userIDs := make([]string, 0, len(keys))
	for _, key := range keys {
		userID, err := decodeKey(key)
		if err != nil {
			continue
		}
		userIDs = append(userIDs, userID)
	}
	return userIDs, nil
}
