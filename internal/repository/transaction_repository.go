package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/quizforge/billing/internal/model"
)

// TransactionRepo provides access to the token_transactions journal.
// The journal is append-only: this repository exposes no update or
// delete.  The unique index on idempotency_key is the idempotency
// backstop for every ledger write.
type TransactionRepo struct {
	db *sql.DB
}

// NewTransactionRepo returns a new TransactionRepo bound to the given database.
func NewTransactionRepo(db *sql.DB) *TransactionRepo { return &TransactionRepo{db: db} }

const txColumns = `id, user_id, type, source, amount_tokens, ref_id, idempotency_key,
                   balance_after_available, balance_after_reserved, meta_json, created_at`

func scanTransaction(scan func(dest ...any) error) (*model.TokenTransaction, error) {
	var t model.TokenTransaction
	var meta sql.NullString
	err := scan(&t.ID, &t.UserID, &t.Type, &t.Source, &t.AmountTokens, &t.RefID,
		&t.IdempotencyKey, &t.BalanceAfterAvailable, &t.BalanceAfterReserved, &meta, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if meta.Valid {
		t.MetaJSON = meta.String
	}
	return &t, nil
}

// AppendTx inserts a journal row within the provided transaction and
// populates the generated id and timestamp on the record.  A unique
// violation on idempotency_key is returned as ErrDuplicateKey so the
// caller can re-probe for the concurrent winner.
func (r *TransactionRepo) AppendTx(ctx context.Context, tx *sql.Tx, t *model.TokenTransaction) error {
	var meta any
	if t.MetaJSON != "" {
		meta = t.MetaJSON
	}
	result, err := tx.ExecContext(ctx,
		`INSERT INTO token_transactions
		 (user_id, type, source, amount_tokens, ref_id, idempotency_key,
		  balance_after_available, balance_after_reserved, meta_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.UserID, t.Type, t.Source, t.AmountTokens, t.RefID, t.IdempotencyKey,
		t.BalanceAfterAvailable, t.BalanceAfterReserved, meta)
	if err != nil {
		if mysqlDuplicate(err) {
			return ErrDuplicateKey
		}
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	t.ID = id
	row := tx.QueryRowContext(ctx, `SELECT created_at FROM token_transactions WHERE id = ?`, t.ID)
	return row.Scan(&t.CreatedAt)
}

// ByKey returns the journal row with the given idempotency key, or
// ErrNotFound.  This is the read-side probe of the idempotency protocol.
func (r *TransactionRepo) ByKey(ctx context.Context, key string) (*model.TokenTransaction, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM token_transactions WHERE idempotency_key = ?`, key)
	return scanTransaction(row.Scan)
}

// ByKeyTx is ByKey inside an existing transaction.  Used for the
// re-probe after the balance row lock has been acquired.
func (r *TransactionRepo) ByKeyTx(ctx context.Context, tx *sql.Tx, key string) (*model.TokenTransaction, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM token_transactions WHERE idempotency_key = ?`, key)
	return scanTransaction(row.Scan)
}

// JournalSums aggregates the journal for one user by transaction type.
// Refunds are summed by absolute value because refund rows are stored
// negative (and historic data may carry either sign).
type JournalSums struct {
	Purchased   int64 // Σ PURCHASE
	Adjusted    int64 // Σ ADJUSTMENT
	Reserved    int64 // Σ RESERVE
	Committed   int64 // Σ COMMIT
	Released    int64 // Σ RELEASE
	RefundedAbs int64 // Σ |REFUND|
}

// SumsForUser computes the per-type journal sums used by the
// reconciliation job.
func (r *TransactionRepo) SumsForUser(ctx context.Context, userID string) (JournalSums, error) {
	var s JournalSums
	rows, err := r.db.QueryContext(ctx,
		`SELECT type, COALESCE(SUM(amount_tokens), 0), COALESCE(SUM(ABS(amount_tokens)), 0)
		 FROM token_transactions WHERE user_id = ? GROUP BY type`, userID)
	if err != nil {
		return s, err
	}
	defer rows.Close()
	for rows.Next() {
		var typ model.TransactionType
		var sum, sumAbs int64
		if err := rows.Scan(&typ, &sum, &sumAbs); err != nil {
			return s, err
		}
		switch typ {
		case model.TxPurchase:
			s.Purchased = sum
		case model.TxAdjustment:
			s.Adjusted = sum
		case model.TxReserve:
			s.Reserved = sum
		case model.TxCommit:
			s.Committed = sum
		case model.TxRelease:
			s.Released = sum
		case model.TxRefund:
			s.RefundedAbs = sumAbs
		}
	}
	return s, rows.Err()
}

// CommittedSince returns the total COMMIT amount for a user after the
// given instant.  The refund policy uses it to decide how many of a
// payment's tokens are still unspent.
func (r *TransactionRepo) CommittedSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	var total int64
	row := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_tokens), 0) FROM token_transactions
		 WHERE user_id = ? AND type = 'COMMIT' AND created_at >= ?`, userID, since)
	if err := row.Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}
