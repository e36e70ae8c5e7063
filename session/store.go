package session

import (
	"context"
	"sync"
	"time"
)

// Store persists the latest serialized state of sessions so other processes
// (or a restarted one) can pick a conversation up again.
type Store interface {
	// Save stores data under id. A ttl <= 0 keeps it until deleted.
	Save(ctx context.Context, id string, data []byte, ttl time.Duration) error
	// Load returns the stored data, or nil when id is unknown.
	Load(ctx context.Context, id string) ([]byte, error)
	Delete(ctx context.Context, id string) error
}

type memEntry struct {
	data    []byte
	expires time.Time
}

// InMemoryStore is a volatile Store keeping sessions in a process local map.
// It is safe for concurrent access and best suited for tests or single
// process setups. Stored bytes are copied on the way in and out.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
}

// NewInMemoryStore constructs an empty in-memory session store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[string]memEntry)}
}

// Save stores a copy of data.
func (s *InMemoryStore) Save(_ context.Context, id string, data []byte, ttl time.Duration) error {
	e := memEntry{data: append([]byte(nil), data...)}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = e
	return nil
}

// Load returns a copy of the stored data. Expired entries read as missing.
func (s *InMemoryStore) Load(_ context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok || (!e.expires.IsZero() && time.Now().After(e.expires)) {
		return nil, nil
	}
	return append([]byte(nil), e.data...), nil
}

// Delete removes id. Unknown ids are ignored.
func (s *InMemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
