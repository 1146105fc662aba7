package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLStore is the Store implementation shared by both backends; the
// handful of dialect-specific SQL fragments are isolated in dialect.go.
type SQLStore struct {
	db    *sql.DB
	d     dialect
	table string
}

// Open wraps an already-connected *sql.DB (driver "postgres" or
// "sqlite3") for the named logical driver ("postgres" or "sqlite").
func Open(db *sql.DB, driver string) (*SQLStore, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	return &SQLStore{db: db, d: d, table: "outbox_rows"}, nil
}

func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, s.d.createTableSQL(s.table))
	if err != nil {
		return fmt.Errorf("store: ensure schema: %w", err)
	}
	return nil
}

func (s *SQLStore) ph(n int) string { return s.d.placeholder(n) }

func (s *SQLStore) Lookup(ctx context.Context, id string) (Row, error) {
	q := fmt.Sprintf(`SELECT id, channel, payload_json, hash, status, attempts, received_at, available_at, created_at, last_error
FROM %s WHERE id = %s`, s.table, s.ph(1))
	row := s.db.QueryRowContext(ctx, q, id)
	r, err := scanRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Row{}, ErrNotFound
		}
		return Row{}, fmt.Errorf("store: lookup: %w", err)
	}
	return r, nil
}

func (s *SQLStore) Insert(ctx context.Context, row Row) error {
	q := fmt.Sprintf(`INSERT INTO %s
(id, channel, payload_json, hash, status, attempts, received_at, available_at, created_at, last_error)
VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		s.table, s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10))

	if row.Status == "" {
		row.Status = StatusQueued
	}
	_, err := s.db.ExecContext(ctx, q,
		row.ID, row.Channel, row.PayloadJSON, row.Hash, string(row.Status), row.Attempts,
		row.ReceivedAt.UTC(), row.AvailableAt.UTC(), row.CreatedAt.UTC(), row.LastError)
	if err != nil {
		if s.d.isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("store: insert: %w", err)
	}
	return nil
}

func (s *SQLStore) Replace(ctx context.Context, id, channel, payloadJSON, hash string, now time.Time) error {
	q := fmt.Sprintf(`UPDATE %s SET channel = %s, payload_json = %s, hash = %s, status = %s,
attempts = 0, available_at = %s, last_error = '' WHERE id = %s`,
		s.table, s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6))
	res, err := s.db.ExecContext(ctx, q, channel, payloadJSON, hash, string(StatusQueued), now.UTC(), id)
	if err != nil {
		return fmt.Errorf("store: replace: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) ClaimNext(ctx context.Context, now time.Time, lease time.Duration) (Row, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Row{}, fmt.Errorf("store: claim: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	selectSQL := fmt.Sprintf(`SELECT id, channel, payload_json, hash, status, attempts, received_at, available_at, created_at, last_error
FROM %s WHERE status = %s AND available_at <= %s ORDER BY available_at ASC, created_at ASC LIMIT 1`,
		s.table, s.ph(1), s.ph(2))
	if s.d.supportsForUpdate() {
		selectSQL += " FOR UPDATE SKIP LOCKED"
	}

	row := tx.QueryRowContext(ctx, selectSQL, string(StatusQueued), now.UTC())
	r, err := scanRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Row{}, ErrNotFound
		}
		return Row{}, fmt.Errorf("store: claim: select: %w", err)
	}

	leaseUntil := now.Add(lease)
	updateSQL := fmt.Sprintf(`UPDATE %s SET available_at = %s WHERE id = %s AND status = %s`,
		s.table, s.ph(1), s.ph(2), s.ph(3))
	if _, err := tx.ExecContext(ctx, updateSQL, leaseUntil.UTC(), r.ID, string(StatusQueued)); err != nil {
		return Row{}, fmt.Errorf("store: claim: lease: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Row{}, fmt.Errorf("store: claim: commit: %w", err)
	}
	return r, nil
}

func (s *SQLStore) MarkProcessed(ctx context.Context, id string) error {
	q := fmt.Sprintf(`UPDATE %s SET status = %s, last_error = '' WHERE id = %s`, s.table, s.ph(1), s.ph(2))
	_, err := s.db.ExecContext(ctx, q, string(StatusProcessed), id)
	if err != nil {
		return fmt.Errorf("store: mark processed: %w", err)
	}
	return nil
}

func (s *SQLStore) MarkRetry(ctx context.Context, id string, availableAt time.Time, lastError string) error {
	q := fmt.Sprintf(`UPDATE %s SET attempts = attempts + 1, available_at = %s, last_error = %s WHERE id = %s`,
		s.table, s.ph(1), s.ph(2), s.ph(3))
	_, err := s.db.ExecContext(ctx, q, availableAt.UTC(), truncateError(lastError), id)
	if err != nil {
		return fmt.Errorf("store: mark retry: %w", err)
	}
	return nil
}

func (s *SQLStore) MarkError(ctx context.Context, id string, lastError string) error {
	q := fmt.Sprintf(`UPDATE %s SET status = %s, last_error = %s WHERE id = %s`, s.table, s.ph(1), s.ph(2), s.ph(3))
	_, err := s.db.ExecContext(ctx, q, string(StatusError), truncateError(lastError), id)
	if err != nil {
		return fmt.Errorf("store: mark error: %w", err)
	}
	return nil
}

const maxLastErrorLen = 2048

func truncateError(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLastErrorLen {
		return s[:maxLastErrorLen]
	}
	return s
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(rs rowScanner) (Row, error) {
	var (
		r           Row
		status      string
		receivedAt  time.Time
		availableAt time.Time
		createdAt   time.Time
	)
	if err := rs.Scan(&r.ID, &r.Channel, &r.PayloadJSON, &r.Hash, &status, &r.Attempts,
		&receivedAt, &availableAt, &createdAt, &r.LastError); err != nil {
		return Row{}, err
	}
	r.Status = Status(status)
	r.ReceivedAt = receivedAt.UTC()
	r.AvailableAt = availableAt.UTC()
	r.CreatedAt = createdAt.UTC()
	return r, nil
}
