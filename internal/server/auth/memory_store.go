package auth

import (
	"context"
	"sync"
	"time"
)

// MemoryTokenStore is an in-process TokenStore, useful for tests and
// single-instance deployments that do not need durable token issuance
// across restarts.
type MemoryTokenStore struct {
	mu     sync.Mutex
	byID   map[string]TokenRecord
	byTok  map[string]string // token -> id
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{
		byID:  make(map[string]TokenRecord),
		byTok: make(map[string]string),
	}
}

func (m *MemoryTokenStore) Lookup(ctx context.Context, token string) (TokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byTok[token]
	if !ok {
		return TokenRecord{}, ErrTokenNotFound
	}
	return m.byID[id], nil
}

func (m *MemoryTokenStore) Create(ctx context.Context, rec TokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[rec.ID] = rec
	m.byTok[rec.Token] = rec.ID
	return nil
}

func (m *MemoryTokenStore) Revoke(ctx context.Context, id string, revokedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[id]
	if !ok {
		return ErrTokenNotFound
	}
	t := revokedAt.UTC()
	rec.RevokedAt = &t
	m.byID[id] = rec
	return nil
}

// List returns every token record, for the admin listing endpoint.
func (m *MemoryTokenStore) List() []TokenRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TokenRecord, 0, len(m.byID))
	for _, rec := range m.byID {
		out = append(out, rec)
	}
	return out
}
