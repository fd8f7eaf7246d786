package ledger

import (
	"context"
	"time"

	"github.com/quizforge/billing/internal/model"
	"github.com/quizforge/billing/internal/repository"
)

// Tx is the set of storage operations available inside one unit of work.
// All writes performed through a Tx land atomically when the unit of
// work commits, or not at all.  Implementations must make the
// *ForUpdate reads exclusive so operations on the same user serialize.
type Tx interface {
	// Balances.  BalanceForUpdate returns repository.ErrNotFound when the
	// user has no account yet; callers create it lazily via CreateBalance.
	BalanceForUpdate(ctx context.Context, userID string) (*model.Balance, error)
	CreateBalance(ctx context.Context, b *model.Balance) error
	UpdateBalance(ctx context.Context, b *model.Balance) error

	// Journal.  AppendTransaction returns repository.ErrDuplicateKey when
	// the idempotency key is already spent.
	AppendTransaction(ctx context.Context, t *model.TokenTransaction) error
	TransactionByKey(ctx context.Context, key string) (*model.TokenTransaction, error)

	// Reservations.
	CreateReservation(ctx context.Context, r *model.Reservation) error
	ReservationForUpdate(ctx context.Context, id string) (*model.Reservation, error)
	TransitionReservation(ctx context.Context, id string, from, to model.ReservationState, committedTokens int64) error

	// Webhook bookkeeping, committed together with the ledger effect.
	HasProcessedEvent(ctx context.Context, eventID string) (bool, error)
	InsertProcessedEvent(ctx context.Context, eventID string) error
	PaymentBySession(ctx context.Context, sessionID string) (*model.Payment, error)
	PaymentByIntent(ctx context.Context, intentID string) (*model.Payment, error)
	CreatePayment(ctx context.Context, p *model.Payment) error
	UpdatePayment(ctx context.Context, p *model.Payment) error
}

// Store opens units of work and serves the read-only queries used by the
// service, the refund policy and the reconciliation job.
type Store interface {
	// WithinTx runs fn inside one unit of work.  fn returning an error
	// rolls everything back and the error is returned unchanged.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	Balance(ctx context.Context, userID string) (*model.Balance, error)
	TransactionByKey(ctx context.Context, key string) (*model.TokenTransaction, error)
	Reservation(ctx context.Context, id string) (*model.Reservation, error)
	ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]model.Reservation, error)
	PaymentBySession(ctx context.Context, sessionID string) (*model.Payment, error)
	PaymentByIntent(ctx context.Context, intentID string) (*model.Payment, error)
	EventProcessed(ctx context.Context, eventID string) (bool, error)

	// Reconciliation and refund-policy reads.
	UserIDs(ctx context.Context) ([]string, error)
	JournalSums(ctx context.Context, userID string) (repository.JournalSums, error)
	ActiveReservedTotal(ctx context.Context, userID string) (int64, error)
	CommittedSince(ctx context.Context, userID string, since time.Time) (int64, error)
}
