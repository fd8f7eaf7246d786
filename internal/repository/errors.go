// Package repository defines error types that are reused across multiple
// repositories. These sentinel values allow higher layers such as the
// ledger service to distinguish between different failure scenarios. For
// example, ErrDuplicateKey indicates that an insert hit a unique
// constraint (the idempotency index or the processed-events primary
// key), while ErrStaleVersion signals that an optimistic-concurrency
// update matched no row.
package repository

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

// ErrNotFound is returned when a requested row does not exist. Callers
// decide whether absence is an error (reservation lookups) or a signal
// to create lazily (balances).
var ErrNotFound = errors.New("not found")

// ErrDuplicateKey is returned when an insert violates a unique
// constraint. The ledger service treats this as "a concurrent writer
// won the race" and re-probes the journal.
var ErrDuplicateKey = errors.New("duplicate key")

// ErrStaleVersion is returned when an optimistic update of a balance row
// affects zero rows because the version counter moved underneath it.
// This cannot happen while the row lock is held and is surfaced as a
// transient, retryable condition.
var ErrStaleVersion = errors.New("stale balance version")

// mysqlDuplicate reports whether err is the MySQL duplicate-entry error
// (1062) raised by unique-index violations.
func mysqlDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}
