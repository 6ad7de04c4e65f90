package connect

import (
	"context"
	"sync"
	"time"
)

// Store persists AccountRecord rows. Upsert must be atomic: a cancelled or
// failed call leaves either the old row or the new row, never a partial
// write. An external account id already bound to a different user must fail
// with ErrAccountConflict.
type Store interface {
	GetByUser(ctx context.Context, userID string) (AccountRecord, error)
	GetByExternalID(ctx context.Context, externalAccountID string) (AccountRecord, error)
	Upsert(ctx context.Context, record AccountRecord) error
}

// InMemoryStore implements Store with in-process concurrency safety. Used by
// tests and the demo wiring; production uses the Postgres store.
type InMemoryStore struct {
	mu      sync.RWMutex
	byUser  map[string]AccountRecord
	byExtID map[string]string // externalAccountID -> userID
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byUser:  make(map[string]AccountRecord),
		byExtID: make(map[string]string),
	}
}

func (s *InMemoryStore) GetByUser(ctx context.Context, userID string) (AccountRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byUser[userID]
	if !ok {
		return AccountRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *InMemoryStore) GetByExternalID(ctx context.Context, externalAccountID string) (AccountRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	userID, ok := s.byExtID[externalAccountID]
	if !ok {
		return AccountRecord{}, ErrNotFound
	}
	return s.byUser[userID], nil
}

func (s *InMemoryStore) Upsert(ctx context.Context, record AccountRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if owner, ok := s.byExtID[record.ExternalAccountID]; ok && owner != record.UserID {
		return ErrAccountConflict
	}

	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}
	if prev, ok := s.byUser[record.UserID]; ok && prev.ExternalAccountID != record.ExternalAccountID {
		delete(s.byExtID, prev.ExternalAccountID)
	}
	s.byUser[record.UserID] = record
	s.byExtID[record.ExternalAccountID] = record.UserID
	return nil
}
