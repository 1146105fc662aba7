package audit

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// SQLLog persists audit entries to the same database/sql handle as the
// outbox table, following postgres_store.go's convention of an
// idempotent EnsureSchema plus plain INSERT/SELECT (no ORM).
type SQLLog struct {
	db     *sql.DB
	ph     func(n int) string
	table  string
	driver string
}

// NewSQLLog wraps db for the given logical driver ("postgres" or
// "sqlite"/"sqlite3").
func NewSQLLog(db *sql.DB, driver string) (*SQLLog, error) {
	var ph func(n int) string
	switch driver {
	case "postgres":
		ph = func(n int) string { return fmt.Sprintf("$%d", n) }
	case "sqlite", "sqlite3":
		ph = func(int) string { return "?" }
	default:
		return nil, fmt.Errorf("audit: unsupported driver %q", driver)
	}
	return &SQLLog{db: db, ph: ph, table: "audit_entries", driver: driver}, nil
}

func (l *SQLLog) EnsureSchema(ctx context.Context) error {
	tsType := "TEXT"
	if l.driver == "postgres" {
		tsType = "TIMESTAMPTZ"
	}
	q := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id         TEXT PRIMARY KEY,
  route      TEXT NOT NULL,
  method     TEXT NOT NULL,
  token      TEXT NOT NULL DEFAULT '',
  ip         TEXT NOT NULL DEFAULT '',
  body       TEXT NOT NULL DEFAULT '',
  created_at %s NOT NULL
);
CREATE INDEX IF NOT EXISTS %s_created_idx ON %s (created_at DESC);`, l.table, tsType, l.table, l.table)
	_, err := l.db.ExecContext(ctx, q)
	if err != nil {
		return fmt.Errorf("audit: ensure schema: %w", err)
	}
	return nil
}

func (l *SQLLog) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = newEntryID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if len(e.Body) > MaxBodyLen {
		e.Body = e.Body[:MaxBodyLen]
	}
	q := fmt.Sprintf(`INSERT INTO %s (id, route, method, token, ip, body, created_at)
VALUES (%s, %s, %s, %s, %s, %s, %s)`,
		l.table, l.ph(1), l.ph(2), l.ph(3), l.ph(4), l.ph(5), l.ph(6), l.ph(7))
	_, err := l.db.ExecContext(ctx, q, e.ID, e.Route, e.Method, e.Token, e.IP, e.Body, e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("audit: record: %w", err)
	}
	return nil
}

func (l *SQLLog) Recent(ctx context.Context, limit int) ([]Entry, error) {
	limit = clampLimit(limit)
	q := fmt.Sprintf(`SELECT id, route, method, token, ip, body, created_at FROM %s
ORDER BY created_at DESC LIMIT %s`, l.table, l.ph(1))
	rows, err := l.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: recent: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		var createdAt time.Time
		if err := rows.Scan(&e.ID, &e.Route, &e.Method, &e.Token, &e.IP, &e.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		e.CreatedAt = createdAt.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func newEntryID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
