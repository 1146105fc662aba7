package store

import (
	"errors"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

func (postgresDialect) isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// 23505 = unique_violation per the PostgreSQL error code table.
		return pqErr.Code == "23505"
	}
	return false
}

func (sqliteDialect) isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
