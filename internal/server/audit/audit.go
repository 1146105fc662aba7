// Package audit implements the append-only audit log (C10): every
// mutating admin/API request is recorded after its response is produced,
// and failures to persist an entry are logged and swallowed rather than
// failing the request that triggered them.
package audit

import (
	"context"
	"time"
)

// Entry is one recorded mutating request.
type Entry struct {
	ID        string
	Route     string
	Method    string
	Token     string // redacted/omitted by callers that don't want it persisted
	IP        string
	Body      string
	CreatedAt time.Time
}

// Log appends audit entries and serves the admin listing endpoint.
type Log interface {
	Record(ctx context.Context, e Entry) error

	// Recent returns the limit newest entries, newest first. limit is
	// clamped to [1, MaxListLimit] by implementations.
	Recent(ctx context.Context, limit int) ([]Entry, error)
}

// MaxListLimit bounds GET /v1/admin/audits?limit=N per §6.
const MaxListLimit = 1000

// MaxBodyLen bounds how much of a request body is retained per entry.
const MaxBodyLen = 4096

func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// NopLog discards every entry; Recent always returns an empty slice. Used
// when audit persistence is not configured, mirroring pkg/telemetry's
// NopMeter/Nop-logger convention of a safe do-nothing implementation
// rather than a nil check scattered through callers.
type NopLog struct{}

func (NopLog) Record(ctx context.Context, e Entry) error          { return nil }
func (NopLog) Recent(ctx context.Context, limit int) ([]Entry, error) { return nil, nil }
