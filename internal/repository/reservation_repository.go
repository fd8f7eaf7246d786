package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/quizforge/billing/internal/model"
)

// ReservationRepo provides access to the reservations table.
// Reservations are created ACTIVE and transitioned exactly once into a
// terminal state; rows are never deleted.  All timestamp fields are
// stored in UTC.
type ReservationRepo struct {
	db *sql.DB
}

// NewReservationRepo returns a new ReservationRepo bound to the given database.
func NewReservationRepo(db *sql.DB) *ReservationRepo { return &ReservationRepo{db: db} }

const reservationColumns = `id, user_id, estimated_tokens, committed_tokens, state,
                            expires_at, created_at, updated_at`

func scanReservation(scan func(dest ...any) error) (*model.Reservation, error) {
	var r model.Reservation
	err := scan(&r.ID, &r.UserID, &r.EstimatedTokens, &r.CommittedTokens, &r.State,
		&r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateTx inserts a new reservation within the scope of an existing
// transaction and reads the row back to populate timestamps.  The caller
// supplies the UUID id and must commit or rollback the transaction.
func (r *ReservationRepo) CreateTx(ctx context.Context, tx *sql.Tx, res *model.Reservation) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO reservations (id, user_id, estimated_tokens, committed_tokens, state, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		res.ID, res.UserID, res.EstimatedTokens, res.CommittedTokens, res.State,
		res.ExpiresAt.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		if mysqlDuplicate(err) {
			return ErrDuplicateKey
		}
		return err
	}
	row := tx.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, res.ID)
	got, err := scanReservation(row.Scan)
	if err != nil {
		return err
	}
	*res = *got
	return nil
}

// Get returns a reservation without locking it.
func (r *ReservationRepo) Get(ctx context.Context, id string) (*model.Reservation, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id)
	return scanReservation(row.Scan)
}

// GetForUpdateTx loads a reservation under an exclusive row lock so a
// commit, release and the expiry sweep racing on the same reservation
// serialize.  Lock ordering: callers always lock the balance row first,
// then the reservation.
func (r *ReservationRepo) GetForUpdateTx(ctx context.Context, tx *sql.Tx, id string) (*model.Reservation, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE id = ? FOR UPDATE`, id)
	return scanReservation(row.Scan)
}

// TransitionTx moves a reservation from one state to another within the
// provided transaction, recording the committed amount.  The from-state
// predicate makes the transition a compare-and-set: zero affected rows
// means the reservation was not in the expected state.
func (r *ReservationRepo) TransitionTx(ctx context.Context, tx *sql.Tx, id string, from, to model.ReservationState, committedTokens int64) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE reservations SET state = ?, committed_tokens = ? WHERE id = ? AND state = ?`,
		to, committedTokens, id, from)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListExpired returns up to limit ACTIVE reservations whose expires_at
// lies at or before the given instant.  The expiry sweep resolves each
// returned reservation with a regular release call, so a concurrent
// manual commit or release still wins on the row lock.
func (r *ReservationRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]model.Reservation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations
		 WHERE state = 'ACTIVE' AND expires_at <= ? ORDER BY expires_at LIMIT ?`,
		now.UTC().Format("2006-01-02 15:04:05"), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Reservation
	for rows.Next() {
		res, err := scanReservation(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *res)
	}
	return out, rows.Err()
}

// ActiveEstimatedTotal sums the estimated tokens of all ACTIVE
// reservations for a user.  The reconciliation job compares this against
// the balance's reserved component.
func (r *ReservationRepo) ActiveEstimatedTotal(ctx context.Context, userID string) (int64, error) {
	var total int64
	row := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(estimated_tokens), 0) FROM reservations
		 WHERE user_id = ? AND state = 'ACTIVE'`, userID)
	if err := row.Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}
