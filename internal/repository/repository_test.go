package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizforge/billing/internal/model"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func beginTx(t *testing.T, db *sql.DB, mock sqlmock.Sqlmock) *sql.Tx {
	t.Helper()
	mock.ExpectBegin()
	tx, err := db.Begin()
	require.NoError(t, err)
	return tx
}

func TestBalanceGetForUpdateLocksRow(t *testing.T) {
	db, mock := newMock(t)
	repo := NewBalanceRepo(db)
	tx := beginTx(t, db, mock)

	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT (.+) FROM balances WHERE user_id = \? FOR UPDATE`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"user_id", "available", "reserved", "version", "created_at", "updated_at",
		}).AddRow("user-1", int64(4000), int64(1000), int64(7), now, now))

	b, err := repo.GetForUpdateTx(context.Background(), tx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4000), b.Available)
	assert.Equal(t, int64(1000), b.Reserved)
	assert.Equal(t, int64(7), b.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBalanceGetForUpdateNotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := NewBalanceRepo(db)
	tx := beginTx(t, db, mock)

	mock.ExpectQuery(`FROM balances WHERE user_id = \? FOR UPDATE`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetForUpdateTx(context.Background(), tx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBalanceUpdateBumpsVersion(t *testing.T) {
	db, mock := newMock(t)
	repo := NewBalanceRepo(db)
	tx := beginTx(t, db, mock)

	mock.ExpectExec(`UPDATE balances SET available = \?, reserved = \?, version = version \+ 1 WHERE user_id = \? AND version = \?`).
		WithArgs(int64(3500), int64(1500), "user-1", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	b := &model.Balance{UserID: "user-1", Available: 3500, Reserved: 1500, Version: 7}
	require.NoError(t, repo.UpdateTx(context.Background(), tx, b))
	assert.Equal(t, int64(8), b.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBalanceUpdateStaleVersion(t *testing.T) {
	db, mock := newMock(t)
	repo := NewBalanceRepo(db)
	tx := beginTx(t, db, mock)

	mock.ExpectExec(`UPDATE balances SET available`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	b := &model.Balance{UserID: "user-1", Available: 10, Version: 3}
	err := repo.UpdateTx(context.Background(), tx, b)
	assert.ErrorIs(t, err, ErrStaleVersion)
	assert.Equal(t, int64(3), b.Version)
}

func TestAppendTransactionDuplicateKey(t *testing.T) {
	db, mock := newMock(t)
	repo := NewTransactionRepo(db)
	tx := beginTx(t, db, mock)

	mock.ExpectExec(`INSERT INTO token_transactions`).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})

	err := repo.AppendTx(context.Background(), tx, &model.TokenTransaction{
		UserID:         "user-1",
		Type:           model.TxPurchase,
		Source:         "STRIPE",
		AmountTokens:   500,
		IdempotencyKey: "purchase:sess-1",
	})
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestAppendTransactionReadsBackRow(t *testing.T) {
	db, mock := newMock(t)
	repo := NewTransactionRepo(db)
	tx := beginTx(t, db, mock)

	now := time.Now().UTC()
	mock.ExpectExec(`INSERT INTO token_transactions`).
		WillReturnResult(sqlmock.NewResult(42, 1))
	mock.ExpectQuery(`SELECT created_at FROM token_transactions WHERE id = \?`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))

	row := &model.TokenTransaction{
		UserID:         "user-1",
		Type:           model.TxReserve,
		Source:         "QUIZ_GENERATION",
		AmountTokens:   1000,
		RefID:          "res-1",
		IdempotencyKey: "reserve:job-1",
	}
	require.NoError(t, repo.AppendTx(context.Background(), tx, row))
	assert.Equal(t, int64(42), row.ID)
	assert.Equal(t, now, row.CreatedAt)
}

func TestProcessedEventInsertDuplicate(t *testing.T) {
	db, mock := newMock(t)
	repo := NewProcessedEventRepo(db)
	tx := beginTx(t, db, mock)

	mock.ExpectExec(`INSERT INTO processed_events`).
		WithArgs("evt_1").
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})

	err := repo.InsertTx(context.Background(), tx, "evt_1")
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestReservationTransitionRequiresFromState(t *testing.T) {
	db, mock := newMock(t)
	repo := NewReservationRepo(db)
	tx := beginTx(t, db, mock)

	mock.ExpectExec(`UPDATE reservations SET state = \?, committed_tokens = \? WHERE id = \? AND state = \?`).
		WithArgs(string(model.ReservationCommitted), int64(600), "res-1", string(model.ReservationActive)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.TransitionTx(context.Background(), tx, "res-1",
		model.ReservationActive, model.ReservationCommitted, 600)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSumsForUserUsesAbsoluteRefunds(t *testing.T) {
	db, mock := newMock(t)
	repo := NewTransactionRepo(db)

	mock.ExpectQuery(`FROM token_transactions WHERE user_id = \? GROUP BY type`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"type", "sum", "sum_abs"}).
			AddRow("PURCHASE", int64(2000), int64(2000)).
			AddRow("COMMIT", int64(300), int64(300)).
			AddRow("REFUND", int64(-150), int64(150)))

	sums, err := repo.SumsForUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), sums.Purchased)
	assert.Equal(t, int64(300), sums.Committed)
	assert.Equal(t, int64(150), sums.RefundedAbs)
}
