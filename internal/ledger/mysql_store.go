package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/quizforge/billing/internal/model"
	"github.com/quizforge/billing/internal/repository"
)

// MySQLStore is the production Store backed by the repository layer.
// WithinTx maps one unit of work onto one database transaction; the
// repositories' *ForUpdateTx reads supply the row locks.
type MySQLStore struct {
	db           *sql.DB
	balances     *repository.BalanceRepo
	transactions *repository.TransactionRepo
	reservations *repository.ReservationRepo
	payments     *repository.PaymentRepo
	events       *repository.ProcessedEventRepo
}

// NewMySQLStore returns a Store bound to the given database handle.
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{
		db:           db,
		balances:     repository.NewBalanceRepo(db),
		transactions: repository.NewTransactionRepo(db),
		reservations: repository.NewReservationRepo(db),
		payments:     repository.NewPaymentRepo(db),
		events:       repository.NewProcessedEventRepo(db),
	}
}

// WithinTx opens a database transaction, runs fn against it and commits
// when fn returns nil.  Any error from fn rolls the transaction back and
// is returned unchanged so callers can inspect sentinel and typed
// errors.
func (s *MySQLStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = dbTx.Rollback() }()
	if err := fn(&mysqlTx{store: s, tx: dbTx}); err != nil {
		return err
	}
	return dbTx.Commit()
}

func (s *MySQLStore) Balance(ctx context.Context, userID string) (*model.Balance, error) {
	return s.balances.Get(ctx, userID)
}

func (s *MySQLStore) TransactionByKey(ctx context.Context, key string) (*model.TokenTransaction, error) {
	return s.transactions.ByKey(ctx, key)
}

func (s *MySQLStore) Reservation(ctx context.Context, id string) (*model.Reservation, error) {
	return s.reservations.Get(ctx, id)
}

func (s *MySQLStore) ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]model.Reservation, error) {
	return s.reservations.ListExpired(ctx, now, limit)
}

func (s *MySQLStore) PaymentBySession(ctx context.Context, sessionID string) (*model.Payment, error) {
	return s.payments.BySessionID(ctx, sessionID)
}

func (s *MySQLStore) PaymentByIntent(ctx context.Context, intentID string) (*model.Payment, error) {
	return s.payments.ByIntentID(ctx, intentID)
}

func (s *MySQLStore) EventProcessed(ctx context.Context, eventID string) (bool, error) {
	return s.events.Exists(ctx, eventID)
}

func (s *MySQLStore) UserIDs(ctx context.Context) ([]string, error) {
	return s.balances.UserIDs(ctx)
}

func (s *MySQLStore) JournalSums(ctx context.Context, userID string) (repository.JournalSums, error) {
	return s.transactions.SumsForUser(ctx, userID)
}

func (s *MySQLStore) ActiveReservedTotal(ctx context.Context, userID string) (int64, error) {
	return s.reservations.ActiveEstimatedTotal(ctx, userID)
}

func (s *MySQLStore) CommittedSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	return s.transactions.CommittedSince(ctx, userID, since)
}

// mysqlTx adapts one *sql.Tx to the Tx interface by delegating to the
// repositories' transactional methods.
type mysqlTx struct {
	store *MySQLStore
	tx    *sql.Tx
}

func (t *mysqlTx) BalanceForUpdate(ctx context.Context, userID string) (*model.Balance, error) {
	return t.store.balances.GetForUpdateTx(ctx, t.tx, userID)
}

func (t *mysqlTx) CreateBalance(ctx context.Context, b *model.Balance) error {
	return t.store.balances.CreateTx(ctx, t.tx, b)
}

func (t *mysqlTx) UpdateBalance(ctx context.Context, b *model.Balance) error {
	return t.store.balances.UpdateTx(ctx, t.tx, b)
}

func (t *mysqlTx) AppendTransaction(ctx context.Context, tr *model.TokenTransaction) error {
	return t.store.transactions.AppendTx(ctx, t.tx, tr)
}

func (t *mysqlTx) TransactionByKey(ctx context.Context, key string) (*model.TokenTransaction, error) {
	return t.store.transactions.ByKeyTx(ctx, t.tx, key)
}

func (t *mysqlTx) CreateReservation(ctx context.Context, r *model.Reservation) error {
	return t.store.reservations.CreateTx(ctx, t.tx, r)
}

func (t *mysqlTx) ReservationForUpdate(ctx context.Context, id string) (*model.Reservation, error) {
	return t.store.reservations.GetForUpdateTx(ctx, t.tx, id)
}

func (t *mysqlTx) TransitionReservation(ctx context.Context, id string, from, to model.ReservationState, committedTokens int64) error {
	return t.store.reservations.TransitionTx(ctx, t.tx, id, from, to, committedTokens)
}

func (t *mysqlTx) HasProcessedEvent(ctx context.Context, eventID string) (bool, error) {
	return t.store.events.ExistsTx(ctx, t.tx, eventID)
}

func (t *mysqlTx) InsertProcessedEvent(ctx context.Context, eventID string) error {
	return t.store.events.InsertTx(ctx, t.tx, eventID)
}

func (t *mysqlTx) PaymentBySession(ctx context.Context, sessionID string) (*model.Payment, error) {
	return t.store.payments.BySessionIDForUpdateTx(ctx, t.tx, sessionID)
}

func (t *mysqlTx) PaymentByIntent(ctx context.Context, intentID string) (*model.Payment, error) {
	return t.store.payments.ByIntentIDForUpdateTx(ctx, t.tx, intentID)
}

func (t *mysqlTx) CreatePayment(ctx context.Context, p *model.Payment) error {
	return t.store.payments.CreateTx(ctx, t.tx, p)
}

func (t *mysqlTx) UpdatePayment(ctx context.Context, p *model.Payment) error {
	return t.store.payments.UpdateTx(ctx, t.tx, p)
}
