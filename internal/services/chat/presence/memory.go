package presence

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store for tests and single-instance mode.
type MemoryStore struct {
	mu       sync.Mutex
	revision uint64
	entries  map[string]memoryEntry
}

type memoryEntry struct {
	record   Record
	revision uint64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Get(ctx context.Context, userID string) (Record, uint64, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[userID]
	if !ok {
		return Record{}, 0, ErrNotFound
	}
	return entry.record, entry.revision, nil
}

func (s *MemoryStore) Create(ctx context.Context, record Record) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[record.UserID]; ok {
		return 0, ErrRevisionMismatch
	}
	return s.put(record), nil
}

func (s *MemoryStore) Update(ctx context.Context, record Record, revision uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[record.UserID]
	if !ok || entry.revision != revision {
		return 0, ErrRevisionMismatch
	}
	return s.put(record), nil
}

func (s *MemoryStore) Delete(ctx context.Context, userID string, revision uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[userID]
	if !ok || entry.revision != revision {
		return ErrRevisionMismatch
	}
	delete(s.entries, userID)
	return nil
}

func (s *MemoryStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) put(record Record) uint64 {
	s.revision++
	s.entries[record.UserID] = memoryEntry{record: record, revision: s.revision}
	return s.revision
}
