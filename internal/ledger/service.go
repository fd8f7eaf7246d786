package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quizforge/billing/internal/config"
	"github.com/quizforge/billing/internal/metrics"
	"github.com/quizforge/billing/internal/model"
	"github.com/quizforge/billing/internal/repository"
)

// EventPublisher notifies downstream consumers (the job system) of
// ledger effects.  Publishing is out-of-band: failures are logged and
// counted, never surfaced to the ledger caller.
type EventPublisher interface {
	ReservationStateChanged(ctx context.Context, r *model.Reservation, reason string)
	TokensCredited(ctx context.Context, userID string, tokens int64, source, refID string)
}

// BalanceCache is an optional hot cache for balance reads.  The database
// stays the source of truth; the service invalidates the cached entry
// after every committed mutation.
type BalanceCache interface {
	Get(ctx context.Context, userID string) (*model.Balance, bool)
	Set(ctx context.Context, userID string, b *model.Balance)
	Invalidate(ctx context.Context, userID string)
}

// CommitResult reports how a commit split the reservation: Committed
// tokens were consumed, Released tokens went back to available.
type CommitResult struct {
	Committed   int64
	Released    int64
	Reservation *model.Reservation
}

// ReleaseResult reports how many held tokens a release returned.
type ReleaseResult struct {
	Released    int64
	Reservation *model.Reservation
}

// Service is the transactional ledger API.  Every operation runs in a
// single unit of work with the affected balance row locked, appends its
// journal rows in that same unit, and is idempotent on the caller's
// key: retries replay the first outcome, and a key reused with
// different parameters fails with IdempotencyConflictError.
//
// Lock ordering is balance first, then reservation.  Commit and release
// read the reservation without locks up front only to learn the user id.
type Service struct {
	store   Store
	cfg     config.LedgerConfig
	log     zerolog.Logger
	metrics metrics.Sink

	// Events and Cache are optional and may be set after construction;
	// nil disables the corresponding side channel.
	Events EventPublisher
	Cache  BalanceCache

	now   func() time.Time
	newID func() string
}

// NewService constructs a ledger service on top of a Store.
func NewService(store Store, cfg config.LedgerConfig, log zerolog.Logger, sink metrics.Sink) *Service {
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Service{
		store:   store,
		cfg:     cfg,
		log:     log,
		metrics: sink,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// SetClock replaces the time source.  Test seam for TTL expiry.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SetIDGenerator replaces the reservation id source.  Test seam.
func (s *Service) SetIDGenerator(gen func() string) { s.newID = gen }

// withTx runs fn in one unit of work under the configured transaction
// deadline.  Domain errors and the duplicate-key sentinel pass through
// unchanged; anything else is wrapped as a retryable TransientError.
func (s *Service) withTx(ctx context.Context, fn func(tx Tx) error) error {
	if s.cfg.TxTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.TxTimeout)
		defer cancel()
	}
	err := s.store.WithinTx(ctx, fn)
	if err == nil || domainError(err) || errors.Is(err, repository.ErrDuplicateKey) {
		return err
	}
	return &TransientError{Err: err}
}

// lockOrCreateBalance loads the user's balance under lock, creating the
// row lazily on first use.
func (s *Service) lockOrCreateBalance(ctx context.Context, tx Tx, userID string) (*model.Balance, error) {
	b, err := tx.BalanceForUpdate(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		b = &model.Balance{UserID: userID}
		if cerr := tx.CreateBalance(ctx, b); cerr != nil {
			if errors.Is(cerr, repository.ErrDuplicateKey) {
				return tx.BalanceForUpdate(ctx, userID)
			}
			return nil, cerr
		}
		return b, nil
	}
	return b, err
}

// appendJournal stamps the post-effect balance components onto the row
// and appends it.
func appendJournal(ctx context.Context, tx Tx, b *model.Balance, t *model.TokenTransaction) error {
	t.BalanceAfterAvailable = b.Available
	t.BalanceAfterReserved = b.Reserved
	return tx.AppendTransaction(ctx, t)
}

// matchPrior checks that a journal row found under an idempotency key
// describes the same intended effect.  An empty refID skips the ref
// comparison (reserve retries cannot know the generated reservation id).
func matchPrior(prior *model.TokenTransaction, key string, typ model.TransactionType, refID string, amount int64) error {
	if prior.Type != typ || prior.AmountTokens != amount || (refID != "" && prior.RefID != refID) {
		return &IdempotencyConflictError{Key: key, Prior: prior}
	}
	return nil
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	default:
		var (
			insufficient *InsufficientTokensError
			exceeds      *CommitExceedsReservedError
			notActive    *ReservationNotActiveError
			conflict     *IdempotencyConflictError
		)
		switch {
		case errors.As(err, &insufficient):
			return "insufficient_tokens"
		case errors.As(err, &exceeds):
			return "commit_exceeds_reserved"
		case errors.As(err, &notActive):
			return "reservation_not_active"
		case errors.As(err, &conflict):
			return "idempotency_conflict"
		}
		return "transient"
	}
}

func (s *Service) invalidate(ctx context.Context, userID string) {
	if s.Cache != nil {
		s.Cache.Invalidate(ctx, userID)
	}
}

// EmitTokensCredited publishes a credit notification.  Exposed so the
// webhook processor can announce credits it applied through the in-tx
// variants after its own transaction commits.
func (s *Service) EmitTokensCredited(ctx context.Context, userID string, tokens int64, source, refID string) {
	if s.Events != nil {
		s.Events.TokensCredited(ctx, userID, tokens, source, refID)
	}
}

// InvalidateBalance drops the cached balance for a user.  Exposed for
// the same composed-transaction callers as EmitTokensCredited.
func (s *Service) InvalidateBalance(ctx context.Context, userID string) { s.invalidate(ctx, userID) }

// GetBalance returns the user's balance.  A user with no account yet
// reads as a zero balance.
func (s *Service) GetBalance(ctx context.Context, userID string) (*model.Balance, error) {
	if s.Cache != nil {
		if b, ok := s.Cache.Get(ctx, userID); ok {
			return b, nil
		}
	}
	b, err := s.store.Balance(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		b, err = &model.Balance{UserID: userID}, nil
	}
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	if s.Cache != nil {
		s.Cache.Set(ctx, userID, b)
	}
	return b, nil
}

// Reserve places a hold of estimatedTokens against the user's available
// balance and journals it.  Fails with InsufficientTokensError when the
// available component cannot cover the estimate.
func (s *Service) Reserve(ctx context.Context, userID string, estimatedTokens int64, source, idempotencyKey string) (*model.Reservation, error) {
	start := s.now()
	res, fresh, err := s.reserve(ctx, userID, estimatedTokens, source, idempotencyKey)
	s.metrics.LedgerOp("reserve", outcomeLabel(err), s.now().Sub(start))
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Str("idempotency_key", idempotencyKey).
			Int64("estimated_tokens", estimatedTokens).Msg("reserve failed")
		return nil, err
	}
	if fresh {
		s.invalidate(ctx, userID)
		if s.Events != nil {
			s.Events.ReservationStateChanged(ctx, res, "")
		}
		s.log.Info().Str("user_id", userID).Str("reservation_id", res.ID).
			Int64("estimated_tokens", estimatedTokens).Msg("tokens reserved")
	}
	return res, nil
}

func (s *Service) reserve(ctx context.Context, userID string, estimatedTokens int64, source, key string) (*model.Reservation, bool, error) {
	if estimatedTokens <= 0 {
		return nil, false, ErrInvalidAmount
	}
	if prior, err := s.store.TransactionByKey(ctx, key); err == nil {
		r, rerr := s.reservationFromPrior(ctx, prior, key, userID, estimatedTokens)
		return r, false, rerr
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, &TransientError{Err: err}
	}

	var out *model.Reservation
	fresh := false
	err := s.withTx(ctx, func(tx Tx) error {
		// Re-probe under the lock: a racing retry may have won.
		if prior, perr := tx.TransactionByKey(ctx, key); perr == nil {
			if merr := matchPrior(prior, key, model.TxReserve, "", estimatedTokens); merr != nil {
				return merr
			}
			r, rerr := tx.ReservationForUpdate(ctx, prior.RefID)
			if rerr != nil {
				return rerr
			}
			out = r
			return nil
		} else if !errors.Is(perr, repository.ErrNotFound) {
			return perr
		}
		b, berr := s.lockOrCreateBalance(ctx, tx, userID)
		if berr != nil {
			return berr
		}
		if b.Available < estimatedTokens {
			return &InsufficientTokensError{
				Available: b.Available,
				Requested: estimatedTokens,
				Shortfall: estimatedTokens - b.Available,
			}
		}
		now := s.now().UTC()
		r := &model.Reservation{
			ID:              s.newID(),
			UserID:          userID,
			EstimatedTokens: estimatedTokens,
			State:           model.ReservationActive,
			ExpiresAt:       now.Add(s.cfg.ReservationTTL),
		}
		if cerr := tx.CreateReservation(ctx, r); cerr != nil {
			return cerr
		}
		b.Available -= estimatedTokens
		b.Reserved += estimatedTokens
		if uerr := tx.UpdateBalance(ctx, b); uerr != nil {
			return uerr
		}
		if jerr := appendJournal(ctx, tx, b, &model.TokenTransaction{
			UserID:         userID,
			Type:           model.TxReserve,
			Source:         source,
			AmountTokens:   estimatedTokens,
			RefID:          r.ID,
			IdempotencyKey: key,
		}); jerr != nil {
			return jerr
		}
		out = r
		fresh = true
		return nil
	})
	if errors.Is(err, repository.ErrDuplicateKey) {
		// A concurrent writer spent the key after our re-probe.  One more
		// read settles it: matching effect means success, otherwise conflict.
		prior, perr := s.store.TransactionByKey(ctx, key)
		if perr != nil {
			return nil, false, &TransientError{Err: perr}
		}
		r, rerr := s.reservationFromPrior(ctx, prior, key, userID, estimatedTokens)
		return r, false, rerr
	}
	if err != nil {
		return nil, false, err
	}
	return out, fresh, nil
}

func (s *Service) reservationFromPrior(ctx context.Context, prior *model.TokenTransaction, key, userID string, estimatedTokens int64) (*model.Reservation, error) {
	if prior.UserID != userID {
		return nil, &IdempotencyConflictError{Key: key, Prior: prior}
	}
	if err := matchPrior(prior, key, model.TxReserve, "", estimatedTokens); err != nil {
		return nil, err
	}
	r, err := s.store.Reservation(ctx, prior.RefID)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	return r, nil
}

// Commit consumes actualTokens from an active reservation and returns
// the unused remainder to available.  A commit larger than the estimate
// is refused; the reservation stays ACTIVE.
func (s *Service) Commit(ctx context.Context, reservationID string, actualTokens int64, source, idempotencyKey string) (*CommitResult, error) {
	start := s.now()
	out, fresh, err := s.commit(ctx, reservationID, actualTokens, source, idempotencyKey)
	s.metrics.LedgerOp("commit", outcomeLabel(err), s.now().Sub(start))
	if err != nil {
		s.log.Warn().Err(err).Str("reservation_id", reservationID).Str("idempotency_key", idempotencyKey).
			Int64("actual_tokens", actualTokens).Msg("commit failed")
		return nil, err
	}
	if fresh {
		s.invalidate(ctx, out.Reservation.UserID)
		if s.Events != nil {
			s.Events.ReservationStateChanged(ctx, out.Reservation, "")
		}
		s.log.Info().Str("reservation_id", reservationID).Int64("committed", out.Committed).
			Int64("released", out.Released).Msg("reservation committed")
	}
	return out, nil
}

func (s *Service) commit(ctx context.Context, reservationID string, actualTokens int64, source, key string) (*CommitResult, bool, error) {
	if actualTokens <= 0 {
		return nil, false, ErrInvalidAmount
	}
	if prior, err := s.store.TransactionByKey(ctx, key); err == nil {
		out, rerr := s.commitFromPrior(ctx, prior, key, reservationID, actualTokens)
		return out, false, rerr
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, &TransientError{Err: err}
	}

	peek, err := s.store.Reservation(ctx, reservationID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, false, &ReservationNotActiveError{ReservationID: reservationID}
	}
	if err != nil {
		return nil, false, &TransientError{Err: err}
	}

	var out *CommitResult
	fresh := false
	err = s.withTx(ctx, func(tx Tx) error {
		if prior, perr := tx.TransactionByKey(ctx, key); perr == nil {
			if merr := matchPrior(prior, key, model.TxCommit, reservationID, actualTokens); merr != nil {
				return merr
			}
			r, rerr := tx.ReservationForUpdate(ctx, reservationID)
			if rerr != nil {
				return rerr
			}
			out = &CommitResult{Committed: r.CommittedTokens, Released: r.EstimatedTokens - r.CommittedTokens, Reservation: r}
			return nil
		} else if !errors.Is(perr, repository.ErrNotFound) {
			return perr
		}
		b, berr := tx.BalanceForUpdate(ctx, peek.UserID)
		if berr != nil {
			return berr
		}
		res, rerr := tx.ReservationForUpdate(ctx, reservationID)
		if rerr != nil {
			return rerr
		}
		if res.State != model.ReservationActive {
			return &ReservationNotActiveError{ReservationID: reservationID, State: res.State}
		}
		if actualTokens > res.EstimatedTokens {
			return &CommitExceedsReservedError{
				ReservationID: reservationID,
				Estimated:     res.EstimatedTokens,
				Actual:        actualTokens,
			}
		}
		released := res.EstimatedTokens - actualTokens
		b.Reserved -= res.EstimatedTokens
		b.Available += released
		if terr := tx.TransitionReservation(ctx, reservationID, model.ReservationActive, model.ReservationCommitted, actualTokens); terr != nil {
			return terr
		}
		if uerr := tx.UpdateBalance(ctx, b); uerr != nil {
			return uerr
		}
		if jerr := appendJournal(ctx, tx, b, &model.TokenTransaction{
			UserID:         res.UserID,
			Type:           model.TxCommit,
			Source:         source,
			AmountTokens:   actualTokens,
			RefID:          reservationID,
			IdempotencyKey: key,
		}); jerr != nil {
			return jerr
		}
		if released > 0 {
			if jerr := appendJournal(ctx, tx, b, &model.TokenTransaction{
				UserID:         res.UserID,
				Type:           model.TxRelease,
				Source:         source,
				AmountTokens:   released,
				RefID:          reservationID,
				IdempotencyKey: key + "#release",
				MetaJSON:       `{"reason":"commit_remainder"}`,
			}); jerr != nil {
				return jerr
			}
		}
		res.State = model.ReservationCommitted
		res.CommittedTokens = actualTokens
		out = &CommitResult{Committed: actualTokens, Released: released, Reservation: res}
		fresh = true
		return nil
	})
	if errors.Is(err, repository.ErrDuplicateKey) {
		prior, perr := s.store.TransactionByKey(ctx, key)
		if perr != nil {
			return nil, false, &TransientError{Err: perr}
		}
		res, rerr := s.commitFromPrior(ctx, prior, key, reservationID, actualTokens)
		return res, false, rerr
	}
	if err != nil {
		return nil, false, err
	}
	return out, fresh, nil
}

func (s *Service) commitFromPrior(ctx context.Context, prior *model.TokenTransaction, key, reservationID string, actualTokens int64) (*CommitResult, error) {
	if err := matchPrior(prior, key, model.TxCommit, reservationID, actualTokens); err != nil {
		return nil, err
	}
	r, err := s.store.Reservation(ctx, reservationID)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	return &CommitResult{Committed: r.CommittedTokens, Released: r.EstimatedTokens - r.CommittedTokens, Reservation: r}, nil
}

// Release returns the full held remainder of an active reservation to
// available.  The reason selects the terminal state: "expired" marks the
// reservation EXPIRED, "cancelled" marks it CANCELLED, anything else
// RELEASED.  Releasing an already-released reservation with the same
// idempotency key replays the first outcome.
func (s *Service) Release(ctx context.Context, reservationID, reason, idempotencyKey string) (*ReleaseResult, error) {
	start := s.now()
	out, fresh, err := s.release(ctx, reservationID, reason, idempotencyKey)
	s.metrics.LedgerOp("release", outcomeLabel(err), s.now().Sub(start))
	if err != nil {
		s.log.Warn().Err(err).Str("reservation_id", reservationID).Str("idempotency_key", idempotencyKey).
			Str("reason", reason).Msg("release failed")
		return nil, err
	}
	if fresh {
		s.invalidate(ctx, out.Reservation.UserID)
		if s.Events != nil {
			s.Events.ReservationStateChanged(ctx, out.Reservation, reason)
		}
		s.log.Info().Str("reservation_id", reservationID).Int64("released", out.Released).
			Str("reason", reason).Msg("reservation released")
	}
	return out, nil
}

func terminalStateFor(reason string) model.ReservationState {
	switch reason {
	case "expired":
		return model.ReservationExpired
	case "cancelled":
		return model.ReservationCancelled
	default:
		return model.ReservationReleased
	}
}

func (s *Service) release(ctx context.Context, reservationID, reason, key string) (*ReleaseResult, bool, error) {
	if prior, err := s.store.TransactionByKey(ctx, key); err == nil {
		out, rerr := s.releaseFromPrior(ctx, prior, key, reservationID)
		return out, false, rerr
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, &TransientError{Err: err}
	}

	peek, err := s.store.Reservation(ctx, reservationID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, false, &ReservationNotActiveError{ReservationID: reservationID}
	}
	if err != nil {
		return nil, false, &TransientError{Err: err}
	}

	var out *ReleaseResult
	fresh := false
	err = s.withTx(ctx, func(tx Tx) error {
		if prior, perr := tx.TransactionByKey(ctx, key); perr == nil {
			if merr := matchPrior(prior, key, model.TxRelease, reservationID, prior.AmountTokens); merr != nil {
				return merr
			}
			r, rerr := tx.ReservationForUpdate(ctx, reservationID)
			if rerr != nil {
				return rerr
			}
			out = &ReleaseResult{Released: prior.AmountTokens, Reservation: r}
			return nil
		} else if !errors.Is(perr, repository.ErrNotFound) {
			return perr
		}
		b, berr := tx.BalanceForUpdate(ctx, peek.UserID)
		if berr != nil {
			return berr
		}
		res, rerr := tx.ReservationForUpdate(ctx, reservationID)
		if rerr != nil {
			return rerr
		}
		if res.State != model.ReservationActive {
			return &ReservationNotActiveError{ReservationID: reservationID, State: res.State}
		}
		remainder := res.EstimatedTokens - res.CommittedTokens
		b.Reserved -= remainder
		b.Available += remainder
		if terr := tx.TransitionReservation(ctx, reservationID, model.ReservationActive, terminalStateFor(reason), res.CommittedTokens); terr != nil {
			return terr
		}
		if uerr := tx.UpdateBalance(ctx, b); uerr != nil {
			return uerr
		}
		if jerr := appendJournal(ctx, tx, b, &model.TokenTransaction{
			UserID:         res.UserID,
			Type:           model.TxRelease,
			Source:         "LEDGER",
			AmountTokens:   remainder,
			RefID:          reservationID,
			IdempotencyKey: key,
			MetaJSON:       `{"reason":"` + reason + `"}`,
		}); jerr != nil {
			return jerr
		}
		res.State = terminalStateFor(reason)
		out = &ReleaseResult{Released: remainder, Reservation: res}
		fresh = true
		return nil
	})
	if errors.Is(err, repository.ErrDuplicateKey) {
		prior, perr := s.store.TransactionByKey(ctx, key)
		if perr != nil {
			return nil, false, &TransientError{Err: perr}
		}
		res, rerr := s.releaseFromPrior(ctx, prior, key, reservationID)
		return res, false, rerr
	}
	if err != nil {
		return nil, false, err
	}
	return out, fresh, nil
}

func (s *Service) releaseFromPrior(ctx context.Context, prior *model.TokenTransaction, key, reservationID string) (*ReleaseResult, error) {
	if prior.Type != model.TxRelease || prior.RefID != reservationID {
		return nil, &IdempotencyConflictError{Key: key, Prior: prior}
	}
	r, err := s.store.Reservation(ctx, reservationID)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	return &ReleaseResult{Released: prior.AmountTokens, Reservation: r}, nil
}

// CreditPurchase adds purchased tokens to the user's available balance.
func (s *Service) CreditPurchase(ctx context.Context, userID string, tokens int64, idempotencyKey, refID, source, metaJSON string) (*model.TokenTransaction, error) {
	return s.credit(ctx, model.TxPurchase, "credit_purchase", userID, tokens, idempotencyKey, refID, source, metaJSON)
}

// CreditAdjustment adds tokens outside of a purchase: support grants,
// refund cancellations, dispute reversals.
func (s *Service) CreditAdjustment(ctx context.Context, userID string, tokens int64, idempotencyKey, refID, source, metaJSON string) (*model.TokenTransaction, error) {
	return s.credit(ctx, model.TxAdjustment, "credit_adjustment", userID, tokens, idempotencyKey, refID, source, metaJSON)
}

func (s *Service) credit(ctx context.Context, typ model.TransactionType, op, userID string, tokens int64, key, refID, source, metaJSON string) (*model.TokenTransaction, error) {
	start := s.now()
	var out *model.TokenTransaction
	fresh := false
	err := s.withTx(ctx, func(tx Tx) error {
		t, f, cerr := s.CreditTx(ctx, tx, typ, userID, tokens, key, refID, source, metaJSON)
		out, fresh = t, f
		return cerr
	})
	if errors.Is(err, repository.ErrDuplicateKey) {
		out, err = s.replayCredit(ctx, typ, key, refID, tokens)
		fresh = false
	}
	s.metrics.LedgerOp(op, outcomeLabel(err), s.now().Sub(start))
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Str("idempotency_key", key).Msg(op + " failed")
		return nil, err
	}
	if fresh {
		s.invalidate(ctx, userID)
		s.EmitTokensCredited(ctx, userID, tokens, source, refID)
		s.log.Info().Str("user_id", userID).Int64("tokens", tokens).Str("ref_id", refID).Msg("tokens credited")
	}
	return out, nil
}

func (s *Service) replayCredit(ctx context.Context, typ model.TransactionType, key, refID string, tokens int64) (*model.TokenTransaction, error) {
	prior, err := s.store.TransactionByKey(ctx, key)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	if merr := matchPrior(prior, key, typ, refID, tokens); merr != nil {
		return nil, merr
	}
	return prior, nil
}

// CreditTx applies a credit inside an existing unit of work.  Returns
// the journal row and whether it was freshly written (false on an
// idempotent replay).  Used by the webhook processor to compose a credit
// with payment and processed-event bookkeeping in one transaction.
func (s *Service) CreditTx(ctx context.Context, tx Tx, typ model.TransactionType, userID string, tokens int64, key, refID, source, metaJSON string) (*model.TokenTransaction, bool, error) {
	if tokens <= 0 {
		return nil, false, ErrInvalidAmount
	}
	if prior, err := tx.TransactionByKey(ctx, key); err == nil {
		if merr := matchPrior(prior, key, typ, refID, tokens); merr != nil {
			return nil, false, merr
		}
		return prior, false, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, err
	}
	b, err := s.lockOrCreateBalance(ctx, tx, userID)
	if err != nil {
		return nil, false, err
	}
	b.Available += tokens
	if err := tx.UpdateBalance(ctx, b); err != nil {
		return nil, false, err
	}
	t := &model.TokenTransaction{
		UserID:         userID,
		Type:           typ,
		Source:         source,
		AmountTokens:   tokens,
		RefID:          refID,
		IdempotencyKey: key,
		MetaJSON:       metaJSON,
	}
	if err := appendJournal(ctx, tx, b, t); err != nil {
		return nil, false, err
	}
	return t, true, nil
}

// DeductTokens subtracts tokens from the user's available balance,
// journaling a REFUND row with a negative amount.  Whether the balance
// may go negative is the caller's policy decision.
func (s *Service) DeductTokens(ctx context.Context, userID string, tokens int64, idempotencyKey, refID, source, metaJSON string, allowNegative bool) (*model.TokenTransaction, error) {
	start := s.now()
	var out *model.TokenTransaction
	fresh := false
	err := s.withTx(ctx, func(tx Tx) error {
		t, f, derr := s.DeductTx(ctx, tx, userID, tokens, idempotencyKey, refID, source, metaJSON, allowNegative)
		out, fresh = t, f
		return derr
	})
	if errors.Is(err, repository.ErrDuplicateKey) {
		out, err = s.replayCredit(ctx, model.TxRefund, idempotencyKey, refID, -tokens)
		fresh = false
	}
	s.metrics.LedgerOp("deduct", outcomeLabel(err), s.now().Sub(start))
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Str("idempotency_key", idempotencyKey).Msg("deduct failed")
		return nil, err
	}
	if fresh {
		s.invalidate(ctx, userID)
		s.log.Info().Str("user_id", userID).Int64("tokens", tokens).Str("ref_id", refID).Msg("tokens deducted")
	}
	return out, nil
}

// DeductTx is DeductTokens inside an existing unit of work.
func (s *Service) DeductTx(ctx context.Context, tx Tx, userID string, tokens int64, key, refID, source, metaJSON string, allowNegative bool) (*model.TokenTransaction, bool, error) {
	if tokens <= 0 {
		return nil, false, ErrInvalidAmount
	}
	return s.RefundTx(ctx, tx, userID, tokens, key, refID, source, metaJSON, allowNegative)
}

// RefundTx journals a refund effect of tokens (>= 0) inside an existing
// unit of work.  Unlike DeductTx it accepts zero: a refund whose policy
// clawed back nothing still writes its zero-amount REFUND row, so a
// later delivery of the same refund under a different event id replays
// instead of reapplying its payment bookkeeping.
func (s *Service) RefundTx(ctx context.Context, tx Tx, userID string, tokens int64, key, refID, source, metaJSON string, allowNegative bool) (*model.TokenTransaction, bool, error) {
	if tokens < 0 {
		return nil, false, ErrInvalidAmount
	}
	if prior, err := tx.TransactionByKey(ctx, key); err == nil {
		if merr := matchPrior(prior, key, model.TxRefund, refID, -tokens); merr != nil {
			return nil, false, merr
		}
		return prior, false, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, err
	}
	b, err := s.lockOrCreateBalance(ctx, tx, userID)
	if err != nil {
		return nil, false, err
	}
	if !allowNegative && b.Available < tokens {
		return nil, false, &InsufficientTokensError{
			Available: b.Available,
			Requested: tokens,
			Shortfall: tokens - b.Available,
		}
	}
	b.Available -= tokens
	if err := tx.UpdateBalance(ctx, b); err != nil {
		return nil, false, err
	}
	t := &model.TokenTransaction{
		UserID:         userID,
		Type:           model.TxRefund,
		Source:         source,
		AmountTokens:   -tokens,
		RefID:          refID,
		IdempotencyKey: key,
		MetaJSON:       metaJSON,
	}
	if err := appendJournal(ctx, tx, b, t); err != nil {
		return nil, false, err
	}
	return t, true, nil
}

// ExpireActiveReservations releases every ACTIVE reservation whose TTL
// elapsed at or before now.  Each expiry is a regular release keyed by
// the reservation id, so a concurrent manual commit or release wins on
// the row lock and the sweep skips it.  Returns the number of
// reservations expired.
func (s *Service) ExpireActiveReservations(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.store.ExpiredReservations(ctx, now, s.cfg.SweepBatchSize)
	if err != nil {
		return 0, &TransientError{Err: err}
	}
	count := 0
	for _, r := range expired {
		if _, rerr := s.Release(ctx, r.ID, "expired", "expire:"+r.ID); rerr != nil {
			var notActive *ReservationNotActiveError
			if errors.As(rerr, &notActive) {
				continue
			}
			s.log.Warn().Err(rerr).Str("reservation_id", r.ID).Msg("expiry sweep release failed")
			continue
		}
		count++
	}
	if count > 0 {
		s.log.Info().Int("expired", count).Msg("expiry sweep released reservations")
	}
	return count, nil
}
