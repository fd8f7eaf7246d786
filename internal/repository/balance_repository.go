package repository

import (
	"context"
	"database/sql"

	"github.com/quizforge/billing/internal/model"
)

// BalanceRepo provides access to the balances table.  A balance row is
// the per-user token account with its spendable and held components.
// Every mutation goes through UpdateTx while the row is locked via
// GetForUpdateTx, so concurrent operations on the same user serialize on
// the database row lock.
type BalanceRepo struct {
	db *sql.DB
}

// NewBalanceRepo returns a new BalanceRepo bound to the given database.
func NewBalanceRepo(db *sql.DB) *BalanceRepo { return &BalanceRepo{db: db} }

const balanceColumns = `user_id, available, reserved, version, created_at, updated_at`

func scanBalance(row *sql.Row) (*model.Balance, error) {
	var b model.Balance
	err := row.Scan(&b.UserID, &b.Available, &b.Reserved, &b.Version, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Get returns the balance row for a user without locking it.  Used by
// read-only paths (balance queries, reconciliation).  Returns
// ErrNotFound when the user has no account yet.
func (r *BalanceRepo) Get(ctx context.Context, userID string) (*model.Balance, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+balanceColumns+` FROM balances WHERE user_id = ?`, userID)
	return scanBalance(row)
}

// GetForUpdateTx loads the balance row under an exclusive row lock.  The
// lock is held until the surrounding transaction commits or rolls back,
// which serializes all ledger operations for the same user.  Returns
// ErrNotFound when the row does not exist; callers that may create the
// account lazily should follow up with CreateTx inside the same
// transaction.
func (r *BalanceRepo) GetForUpdateTx(ctx context.Context, tx *sql.Tx, userID string) (*model.Balance, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+balanceColumns+` FROM balances WHERE user_id = ? FOR UPDATE`, userID)
	return scanBalance(row)
}

// CreateTx inserts a fresh balance row within the provided transaction
// and reads it back to populate timestamps.  The insert itself acquires
// the row lock, so a lazily created account is protected the same way as
// one loaded via GetForUpdateTx.
func (r *BalanceRepo) CreateTx(ctx context.Context, tx *sql.Tx, b *model.Balance) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO balances (user_id, available, reserved, version) VALUES (?, ?, ?, 0)`,
		b.UserID, b.Available, b.Reserved)
	if err != nil {
		if mysqlDuplicate(err) {
			return ErrDuplicateKey
		}
		return err
	}
	row := tx.QueryRowContext(ctx,
		`SELECT `+balanceColumns+` FROM balances WHERE user_id = ?`, b.UserID)
	got, err := scanBalance(row)
	if err != nil {
		return err
	}
	*b = *got
	return nil
}

// UpdateTx persists new available/reserved components for a locked
// balance row, bumping the version counter.  The version predicate is a
// second guard on top of the row lock: an update that matches no row
// means the snapshot is stale and the operation must be retried.
func (r *BalanceRepo) UpdateTx(ctx context.Context, tx *sql.Tx, b *model.Balance) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE balances SET available = ?, reserved = ?, version = version + 1 WHERE user_id = ? AND version = ?`,
		b.Available, b.Reserved, b.UserID, b.Version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleVersion
	}
	b.Version++
	return nil
}

// UserIDs returns the ids of every user with a balance row.  Used by the
// reconciliation job to iterate accounts.
func (r *BalanceRepo) UserIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT user_id FROM balances ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
