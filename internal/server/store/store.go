// Package store implements the durable server outbox table (C8): a SQL row
// store with a unique id index and a secondary index supporting the
// delivery worker's scan, atop either PostgreSQL or SQLite.
package store

import (
	"context"
	"errors"
	"time"
)

// Status is a ServerOutboxRow's lifecycle state (spec.md §3).
type Status string

const (
	StatusQueued    Status = "queued"
	StatusProcessed Status = "processed"
	StatusError     Status = "error"
)

// Row is the persisted ServerOutboxRow.
type Row struct {
	ID          string
	Channel     string
	PayloadJSON string // canonical JSON
	Hash        string // SHA-256 hex of PayloadJSON
	Status      Status
	Attempts    int
	ReceivedAt  time.Time
	AvailableAt time.Time
	CreatedAt   time.Time
	LastError   string
}

var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: id already exists")
)

// Store is the C8 contract the intake handler and delivery worker depend
// on.
type Store interface {
	EnsureSchema(ctx context.Context) error

	// Lookup returns the row with the given id, or ErrNotFound.
	Lookup(ctx context.Context, id string) (Row, error)

	// Insert attempts to insert a brand-new row. Returns ErrConflict if a
	// row with the same id already exists (unique index violation),
	// leaving the caller to retry the lookup-or-replace logic.
	Insert(ctx context.Context, row Row) error

	// Replace overwrites an existing row's payload/hash/channel, resetting
	// attempts to 0 and status to queued, as happens on a non-duplicate
	// resubmission of the same id.
	Replace(ctx context.Context, id, channel, payloadJSON, hash string, now time.Time) error

	// ClaimNext atomically selects the oldest queued row with
	// availableAt <= now and leases it to the caller by advancing
	// availableAt forward by lease, so a concurrent worker does not pick
	// up the same row before this one finishes. Returns ErrNotFound if no
	// row is eligible.
	ClaimNext(ctx context.Context, now time.Time, lease time.Duration) (Row, error)

	// MarkProcessed transitions a row to the terminal processed state.
	MarkProcessed(ctx context.Context, id string) error

	// MarkRetry records a transient delivery failure: attempts++,
	// lastError set, availableAt advanced.
	MarkRetry(ctx context.Context, id string, availableAt time.Time, lastError string) error

	// MarkError transitions a row to the terminal error state after
	// attempts have reached the configured maximum.
	MarkError(ctx context.Context, id string, lastError string) error
}
