package store

import "fmt"

// dialect isolates the handful of SQL differences between the two
// supported backends: placeholder style, timestamp column type, and
// whether SELECT ... FOR UPDATE is available to serialize ClaimNext.
type dialect interface {
	name() string
	placeholder(n int) string
	createTableSQL(table string) string
	supportsForUpdate() bool
	isUniqueViolation(err error) bool
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case "postgres":
		return postgresDialect{}, nil
	case "sqlite", "sqlite3":
		return sqliteDialect{}, nil
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}
}

type postgresDialect struct{}

func (postgresDialect) name() string { return "postgres" }

func (postgresDialect) placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (postgresDialect) supportsForUpdate() bool { return true }

func (postgresDialect) createTableSQL(table string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id           TEXT PRIMARY KEY,
  channel      TEXT NOT NULL,
  payload_json TEXT NOT NULL,
  hash         TEXT NOT NULL,
  status       TEXT NOT NULL,
  attempts     INTEGER NOT NULL DEFAULT 0,
  received_at  TIMESTAMPTZ NOT NULL,
  available_at TIMESTAMPTZ NOT NULL,
  created_at   TIMESTAMPTZ NOT NULL,
  last_error   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS %s_scan_idx ON %s (status, available_at, created_at);`, table, table, table)
}

type sqliteDialect struct{}

func (sqliteDialect) name() string { return "sqlite" }

func (sqliteDialect) placeholder(int) string { return "?" }

func (sqliteDialect) supportsForUpdate() bool { return false }

func (sqliteDialect) createTableSQL(table string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id           TEXT PRIMARY KEY,
  channel      TEXT NOT NULL,
  payload_json TEXT NOT NULL,
  hash         TEXT NOT NULL,
  status       TEXT NOT NULL,
  attempts     INTEGER NOT NULL DEFAULT 0,
  received_at  TEXT NOT NULL,
  available_at TEXT NOT NULL,
  created_at   TEXT NOT NULL,
  last_error   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS %s_scan_idx ON %s (status, available_at, created_at);`, table, table, table)
}
