// Package ledger implements the transactional token ledger: per-user
// balances, short-lived reservations against those balances, and the
// append-only transaction journal.  Every operation runs in a single
// database transaction with the affected balance row locked, so effects
// are applied fully or not at all.
package ledger

import (
	"errors"
	"fmt"

	"github.com/quizforge/billing/internal/model"
)

// ErrInvalidAmount is returned for zero or negative token amounts.  This
// is an argument error, not a state error: the reservation or balance is
// left untouched.
var ErrInvalidAmount = errors.New("token amount must be positive")

// InsufficientTokensError is returned by Reserve (and by DeductTokens
// when negative balances are not allowed) when the available component
// cannot cover the requested amount.
type InsufficientTokensError struct {
	Available int64
	Requested int64
	Shortfall int64
}

func (e *InsufficientTokensError) Error() string {
	return fmt.Sprintf("insufficient tokens: available %d, requested %d, shortfall %d",
		e.Available, e.Requested, e.Shortfall)
}

// CommitExceedsReservedError is returned when a commit asks for more
// tokens than the reservation estimated.  The ledger never caps
// silently; the caller must round down before committing.
type CommitExceedsReservedError struct {
	ReservationID string
	Estimated     int64
	Actual        int64
}

func (e *CommitExceedsReservedError) Error() string {
	return fmt.Sprintf("commit of %d exceeds reserved %d on reservation %s",
		e.Actual, e.Estimated, e.ReservationID)
}

// ReservationNotActiveError is returned when the reservation is missing
// or already in a terminal state.  State is empty when the reservation
// does not exist.
type ReservationNotActiveError struct {
	ReservationID string
	State         model.ReservationState
}

func (e *ReservationNotActiveError) Error() string {
	if e.State == "" {
		return fmt.Sprintf("reservation %s not found", e.ReservationID)
	}
	return fmt.Sprintf("reservation %s is %s, not ACTIVE", e.ReservationID, e.State)
}

// IdempotencyConflictError is returned when an idempotency key is reused
// with different parameters: the key is already spent on a different
// operation and the new call must not be applied.
type IdempotencyConflictError struct {
	Key   string
	Prior *model.TokenTransaction
}

func (e *IdempotencyConflictError) Error() string {
	return fmt.Sprintf("idempotency key %q already used by a different operation", e.Key)
}

// TransientError wraps storage failures that callers may retry: lost
// connections, lock wait timeouts, exceeded transaction deadlines.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient storage error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// domainError reports whether err is one of the ledger's semantic error
// kinds, as opposed to a storage failure that should be wrapped as
// transient.
func domainError(err error) bool {
	var (
		insufficient *InsufficientTokensError
		exceeds      *CommitExceedsReservedError
		notActive    *ReservationNotActiveError
		conflict     *IdempotencyConflictError
	)
	return errors.Is(err, ErrInvalidAmount) ||
		errors.As(err, &insufficient) ||
		errors.As(err, &exceeds) ||
		errors.As(err, &notActive) ||
		errors.As(err, &conflict)
}
