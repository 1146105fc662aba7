// Package outbox implements the client-side persistent retry queue: a
// single key/value slot holding a JSON-encoded sequence of entries, with
// replace-by-id semantics and a one-time legacy migration.
package outbox

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Ap3pp3rs94/outbox-intake/pkg/envelope"
	"github.com/Ap3pp3rs94/outbox-intake/pkg/idempotency"
)

// storeKey is the single key under which the whole queue is persisted.
const storeKey = "outbox.entries.v1"

// legacyFeedbackKey names the prior storage key used for feedback-only
// entries before they were folded into the unified envelope shape.
const legacyFeedbackKey = "feedback.queue.v1"

// KVStore is the device-local persistence primitive the outbox is built on.
// Implementations need not be transactional across keys; all outbox state
// lives under a single key.
type KVStore interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// Entry is a persisted client-side outbox entry: an envelope plus retry
// bookkeeping the flusher maintains.
type Entry struct {
	ID            string          `json:"id"`
	Channel       envelope.Channel `json:"channel"`
	Payload       map[string]any  `json:"payload"`
	CreatedAt     time.Time       `json:"createdAt"`
	RetryCount    int             `json:"retryCount"`
	NextAttemptAt *time.Time      `json:"nextAttemptAt,omitempty"`
}

// legacyFeedbackEntry is the shape of entries under the pre-unification
// feedback-only storage key.
type legacyFeedbackEntry struct {
	RecordID    string    `json:"recordId"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submittedAt"`
	Source      string    `json:"source"`
	Channel     string    `json:"channel"`
	Score       float64   `json:"score"`
}

// Store is the client outbox: hydrate-on-first-use, single-threaded access
// guarded by a mutex (the host app may call it from more than one
// goroutine even though the spec's execution model is cooperative).
type Store struct {
	mu        sync.Mutex
	kv        KVStore
	hydrated  bool
	entries   []Entry
}

// New returns a Store backed by the given KVStore. Hydration is deferred
// until the first operation.
func New(kv KVStore) *Store {
	return &Store{kv: kv}
}

func (s *Store) hydrate() error {
	if s.hydrated {
		return nil
	}
	raw, ok, err := s.kv.Get(storeKey)
	if err != nil {
		return err
	}
	if ok {
		var entries []Entry
		if err := json.Unmarshal(raw, &entries); err != nil {
			return fmt.Errorf("outbox: corrupt store contents: %w", err)
		}
		s.entries = entries
	}
	if err := s.migrateLegacyFeedback(); err != nil {
		return err
	}
	s.hydrated = true
	return nil
}

// migrateLegacyFeedback folds any entries found under the legacy
// feedback-only key into the unified envelope shape, persists the merged
// result, and removes the legacy key. Safe to call repeatedly: once the
// legacy key is gone this is a no-op.
func (s *Store) migrateLegacyFeedback() error {
	raw, ok, err := s.kv.Get(legacyFeedbackKey)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	var legacy []legacyFeedbackEntry
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return fmt.Errorf("outbox: corrupt legacy feedback queue: %w", err)
	}
	for i, le := range legacy {
		id, err := idempotency.BuildKeyFromMap("local", "legacy-feedback", map[string]any{
			"index":       i,
			"recordId":    le.RecordID,
			"submittedAt": le.SubmittedAt.Format(time.RFC3339),
		})
		if err != nil {
			// A malformed legacy row shouldn't block migrating the rest;
			// fall back to the old positional id so it still gets queued.
			id = fmt.Sprintf("legacy-feedback-%d-%s", i, le.RecordID)
		}
		s.entries = append(s.entries, Entry{
			ID:      id,
			Channel: envelope.ChannelFeedback,
			Payload: map[string]any{
				"recordId":    le.RecordID,
				"status":      le.Status,
				"submittedAt": le.SubmittedAt.Format(time.RFC3339),
				"source":      le.Source,
				"channel":     le.Channel,
				"score":       le.Score,
			},
			CreatedAt: le.SubmittedAt,
		})
	}
	if err := s.persistLocked(); err != nil {
		return err
	}
	return s.kv.Delete(legacyFeedbackKey)
}

func (s *Store) persistLocked() error {
	b, err := json.Marshal(s.entries)
	if err != nil {
		return err
	}
	return s.kv.Set(storeKey, b)
}

// Enqueue adds or replaces an entry. If id is non-empty, already present,
// and replace is true, the existing entry's payload/channel/createdAt are
// overwritten in place and its retryCount is preserved. Otherwise a fresh
// entry is appended with retryCount 0 (a supplied id that collides without
// replace still appends a distinct entry, since id-uniqueness is enforced
// server-side, not by the client store).
func (s *Store) Enqueue(channel envelope.Channel, payload map[string]any, id string, replace bool) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hydrate(); err != nil {
		return Entry{}, err
	}

	if id != "" && replace {
		for i := range s.entries {
			if s.entries[i].ID == id {
				s.entries[i].Channel = channel
				s.entries[i].Payload = payload
				s.entries[i].CreatedAt = time.Now().UTC()
				if err := s.persistLocked(); err != nil {
					return Entry{}, err
				}
				return s.entries[i], nil
			}
		}
	}

	entry := Entry{
		ID:        id,
		Channel:   channel,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	s.entries = append(s.entries, entry)
	if err := s.persistLocked(); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Snapshot returns a copy of the current entries, insertion order preserved.
func (s *Store) Snapshot() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hydrate(); err != nil {
		return nil, err
	}
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

// Clear empties the queue.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hydrate(); err != nil {
		return err
	}
	s.entries = nil
	return s.persistLocked()
}

// ApplyUpdate replaces the stored entries wholesale, used by the flusher to
// commit retry-count/nextAttemptAt/drop decisions after a flush cycle.
func (s *Store) ApplyUpdate(updated []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hydrate(); err != nil {
		return err
	}
	s.entries = updated
	return s.persistLocked()
}
