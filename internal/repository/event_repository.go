package repository

import (
	"context"
	"database/sql"
)

// ProcessedEventRepo provides access to the processed_events table, the
// single source of truth for "this webhook event was already handled".
// The marker row is inserted in the same transaction as the ledger
// effect, never on its own.
type ProcessedEventRepo struct {
	db *sql.DB
}

// NewProcessedEventRepo returns a new ProcessedEventRepo bound to the given database.
func NewProcessedEventRepo(db *sql.DB) *ProcessedEventRepo { return &ProcessedEventRepo{db: db} }

// Exists reports whether the event id has already been processed.  Used
// as the cheap pre-check before any transactional work starts.
func (r *ProcessedEventRepo) Exists(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM processed_events WHERE event_id = ?`, eventID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ExistsTx is Exists inside an existing transaction.  Handlers call it
// first in their transaction, before any row lock is taken; a duplicate
// delivery racing past it is stopped by the primary key in InsertTx.
func (r *ProcessedEventRepo) ExistsTx(ctx context.Context, tx *sql.Tx, eventID string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx,
		`SELECT 1 FROM processed_events WHERE event_id = ?`, eventID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// InsertTx records the event id within the provided transaction.  A
// duplicate primary key is returned as ErrDuplicateKey, meaning a
// concurrent delivery of the same event committed first.
func (r *ProcessedEventRepo) InsertTx(ctx context.Context, tx *sql.Tx, eventID string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO processed_events (event_id) VALUES (?)`, eventID)
	if err != nil && mysqlDuplicate(err) {
		return ErrDuplicateKey
	}
	return err
}
