package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizforge/billing/internal/config"
	"github.com/quizforge/billing/internal/ledger"
	"github.com/quizforge/billing/internal/metrics"
	"github.com/quizforge/billing/internal/model"
	"github.com/quizforge/billing/internal/repository"
)

func newTestService(t *testing.T) (*ledger.Service, *ledger.MemStore) {
	t.Helper()
	store := ledger.NewMemStore()
	cfg := config.LedgerConfig{
		ReservationTTL: 30 * time.Minute,
		SweepBatchSize: 100,
	}
	svc := ledger.NewService(store, cfg, zerolog.Nop(), metrics.Nop{})
	return svc, store
}

func seedBalance(t *testing.T, svc *ledger.Service, userID string, tokens int64) {
	t.Helper()
	_, err := svc.CreditPurchase(context.Background(), userID, tokens, "seed:"+userID, "seed", "TEST", "")
	require.NoError(t, err)
}

func TestReserveCommitPartial(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	seedBalance(t, svc, "user-1", 5000)

	res, err := svc.Reserve(ctx, "user-1", 1000, "QUIZ_GENERATION", "reserve:job-1")
	require.NoError(t, err)
	require.Equal(t, model.ReservationActive, res.State)

	bal, err := svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4000), bal.Available)
	assert.Equal(t, int64(1000), bal.Reserved)

	out, err := svc.Commit(ctx, res.ID, 600, "QUIZ_GENERATION", "commit:job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(600), out.Committed)
	assert.Equal(t, int64(400), out.Released)
	assert.Equal(t, model.ReservationCommitted, out.Reservation.State)

	bal, err = svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4400), bal.Available)
	assert.Equal(t, int64(0), bal.Reserved)

	var types []model.TransactionType
	var amounts []int64
	for _, row := range store.Journal("user-1") {
		if row.RefID == res.ID {
			types = append(types, row.Type)
			amounts = append(amounts, row.AmountTokens)
		}
	}
	assert.Equal(t, []model.TransactionType{model.TxReserve, model.TxCommit, model.TxRelease}, types)
	assert.Equal(t, []int64{1000, 600, 400}, amounts)
}

func TestCommitEqualToEstimateWritesNoReleaseRow(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	seedBalance(t, svc, "user-1", 2000)

	res, err := svc.Reserve(ctx, "user-1", 800, "QUIZ_GENERATION", "reserve:job-2")
	require.NoError(t, err)
	out, err := svc.Commit(ctx, res.ID, 800, "QUIZ_GENERATION", "commit:job-2")
	require.NoError(t, err)
	assert.Equal(t, int64(0), out.Released)

	for _, row := range store.Journal("user-1") {
		if row.RefID == res.ID {
			assert.NotEqual(t, model.TxRelease, row.Type)
		}
	}
}

func TestOverCommitRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seedBalance(t, svc, "user-1", 5000)

	res, err := svc.Reserve(ctx, "user-1", 1000, "QUIZ_GENERATION", "reserve:job-3")
	require.NoError(t, err)

	_, err = svc.Commit(ctx, res.ID, 1500, "QUIZ_GENERATION", "commit:job-3")
	var exceeds *ledger.CommitExceedsReservedError
	require.ErrorAs(t, err, &exceeds)
	assert.Equal(t, int64(1000), exceeds.Estimated)
	assert.Equal(t, int64(1500), exceeds.Actual)

	// Nothing moved: the balance still shows the hold, the reservation is
	// still ACTIVE and committable.
	bal, err := svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4000), bal.Available)
	assert.Equal(t, int64(1000), bal.Reserved)

	got, err := svc.Commit(ctx, res.ID, 1000, "QUIZ_GENERATION", "commit:job-3-retry")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.Committed)
}

func TestReserveInsufficientTokens(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seedBalance(t, svc, "user-1", 100)

	_, err := svc.Reserve(ctx, "user-1", 250, "QUIZ_GENERATION", "reserve:job-4")
	var insufficient *ledger.InsufficientTokensError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(100), insufficient.Available)
	assert.Equal(t, int64(250), insufficient.Requested)
	assert.Equal(t, int64(150), insufficient.Shortfall)
}

func TestReserveInvalidAmount(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.Reserve(ctx, "user-1", 0, "QUIZ_GENERATION", "reserve:zero")
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
	_, err = svc.Commit(ctx, "res-x", -5, "QUIZ_GENERATION", "commit:neg")
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func TestReserveRetryReplaysFirstOutcome(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	seedBalance(t, svc, "user-1", 5000)

	first, err := svc.Reserve(ctx, "user-1", 1000, "QUIZ_GENERATION", "reserve:job-5")
	require.NoError(t, err)
	second, err := svc.Reserve(ctx, "user-1", 1000, "QUIZ_GENERATION", "reserve:job-5")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	bal, err := svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4000), bal.Available)

	count := 0
	for _, row := range store.Journal("user-1") {
		if row.Type == model.TxReserve {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestIdempotencyKeyConflict(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seedBalance(t, svc, "user-1", 5000)

	_, err := svc.Reserve(ctx, "user-1", 1000, "QUIZ_GENERATION", "reserve:job-6")
	require.NoError(t, err)

	// Same key, different amount: the key is spent.
	_, err = svc.Reserve(ctx, "user-1", 999, "QUIZ_GENERATION", "reserve:job-6")
	var conflict *ledger.IdempotencyConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "reserve:job-6", conflict.Key)

	// Same key, different operation entirely.
	_, err = svc.CreditPurchase(ctx, "user-1", 1000, "reserve:job-6", "x", "TEST", "")
	require.ErrorAs(t, err, &conflict)
}

func TestConcurrentCreditsSameKey(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.CreditPurchase(ctx, "user-1", 500, "purchase:sess-1", "sess-1", "STRIPE", "")
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	bal, err := svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), bal.Available)
	assert.Len(t, store.Journal("user-1"), 1)
}

func TestPhantomDuplicateKeySurfacesTransient(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	// A duplicate-key error with no matching journal row cannot be
	// replayed; the caller gets a retryable error and the balance is
	// untouched.
	store.FailAppendOnce = func(tr *model.TokenTransaction) error {
		return repository.ErrDuplicateKey
	}
	_, err := svc.CreditPurchase(ctx, "user-1", 500, "purchase:sess-2", "sess-2", "STRIPE", "")
	var transient *ledger.TransientError
	require.ErrorAs(t, err, &transient)

	bal, err := svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.Available)
}

func TestReleaseReturnsHold(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seedBalance(t, svc, "user-1", 3000)

	res, err := svc.Reserve(ctx, "user-1", 1200, "QUIZ_GENERATION", "reserve:job-7")
	require.NoError(t, err)

	out, err := svc.Release(ctx, res.ID, "job failed", "release:job-7")
	require.NoError(t, err)
	assert.Equal(t, int64(1200), out.Released)
	assert.Equal(t, model.ReservationReleased, out.Reservation.State)

	bal, err := svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3000), bal.Available)
	assert.Equal(t, int64(0), bal.Reserved)

	// Releasing again with the same key replays without side effects.
	again, err := svc.Release(ctx, res.ID, "job failed", "release:job-7")
	require.NoError(t, err)
	assert.Equal(t, int64(1200), again.Released)
	bal, err = svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3000), bal.Available)

	// A release under a fresh key hits the terminal state and is refused.
	_, err = svc.Release(ctx, res.ID, "job failed", "release:job-7-again")
	var notActive *ledger.ReservationNotActiveError
	require.ErrorAs(t, err, &notActive)
	assert.Equal(t, model.ReservationReleased, notActive.State)
}

func TestCommitAfterTerminalRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seedBalance(t, svc, "user-1", 3000)

	res, err := svc.Reserve(ctx, "user-1", 500, "QUIZ_GENERATION", "reserve:job-8")
	require.NoError(t, err)
	_, err = svc.Commit(ctx, res.ID, 300, "QUIZ_GENERATION", "commit:job-8")
	require.NoError(t, err)

	// A second commit under a new key is a state error, not a replay.
	_, err = svc.Commit(ctx, res.ID, 200, "QUIZ_GENERATION", "commit:job-8-more")
	var notActive *ledger.ReservationNotActiveError
	require.ErrorAs(t, err, &notActive)

	// The retry of the original commit still replays.
	out, err := svc.Commit(ctx, res.ID, 300, "QUIZ_GENERATION", "commit:job-8")
	require.NoError(t, err)
	assert.Equal(t, int64(300), out.Committed)
	assert.Equal(t, int64(200), out.Released)
}

func TestCommitUnknownReservation(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Commit(context.Background(), "no-such-id", 10, "QUIZ_GENERATION", "commit:missing")
	var notActive *ledger.ReservationNotActiveError
	require.ErrorAs(t, err, &notActive)
	assert.Empty(t, notActive.State)
}

func TestDeductTokens(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seedBalance(t, svc, "user-1", 1000)

	tx, err := svc.DeductTokens(ctx, "user-1", 333, "refund:re_1", "re_1", "STRIPE", "", false)
	require.NoError(t, err)
	assert.Equal(t, int64(-333), tx.AmountTokens)
	assert.Equal(t, model.TxRefund, tx.Type)

	bal, err := svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(667), bal.Available)

	// Without the negative-balance policy a deduction past zero fails.
	_, err = svc.DeductTokens(ctx, "user-1", 5000, "refund:re_2", "re_2", "STRIPE", "", false)
	var insufficient *ledger.InsufficientTokensError
	require.ErrorAs(t, err, &insufficient)

	// With it, the balance goes negative.
	_, err = svc.DeductTokens(ctx, "user-1", 5000, "refund:re_3", "re_3", "STRIPE", "", true)
	require.NoError(t, err)
	bal, err = svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(-4333), bal.Available)
}

func TestExpireActiveReservations(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seedBalance(t, svc, "user-1", 5000)

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	svc.SetClock(func() time.Time { return base })

	res, err := svc.Reserve(ctx, "user-1", 1000, "QUIZ_GENERATION", "reserve:job-9")
	require.NoError(t, err)

	// Before the TTL elapses the sweep is a no-op.
	n, err := svc.ExpireActiveReservations(ctx, base.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = svc.ExpireActiveReservations(ctx, base.Add(31*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), got.Available)
	assert.Equal(t, int64(0), got.Reserved)

	_, err = svc.Commit(ctx, res.ID, 500, "QUIZ_GENERATION", "commit:job-9")
	var notActive *ledger.ReservationNotActiveError
	require.ErrorAs(t, err, &notActive)
	assert.Equal(t, model.ReservationExpired, notActive.State)

	// The sweep is idempotent across runs.
	n, err = svc.ExpireActiveReservations(ctx, base.Add(45*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReleaseCancelledState(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seedBalance(t, svc, "user-1", 1000)

	res, err := svc.Reserve(ctx, "user-1", 400, "QUIZ_GENERATION", "reserve:job-10")
	require.NoError(t, err)
	out, err := svc.Release(ctx, res.ID, "cancelled", "cancel:job-10")
	require.NoError(t, err)
	assert.Equal(t, model.ReservationCancelled, out.Reservation.State)
}

func TestGetBalanceUnknownUserIsZero(t *testing.T) {
	svc, _ := newTestService(t)
	bal, err := svc.GetBalance(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.Available)
	assert.Equal(t, int64(0), bal.Reserved)
}

// TestRandomOperationStreamInvariants drives a random interleaving of
// ledger operations and then checks the balance equation and the
// per-reservation conservation property against the journal.
func TestRandomOperationStreamInvariants(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	users := []string{"user-a", "user-b", "user-c"}

	type hold struct {
		id     string
		user   string
		amount int64
	}
	var active []hold

	for i := 0; i < 400; i++ {
		user := users[rng.Intn(len(users))]
		switch rng.Intn(6) {
		case 0, 1: // credit
			amount := int64(rng.Intn(900) + 100)
			_, err := svc.CreditPurchase(ctx, user, amount, fmt.Sprintf("purchase:%d", i), fmt.Sprintf("sess-%d", i), "STRIPE", "")
			require.NoError(t, err)
		case 2: // reserve
			amount := int64(rng.Intn(500) + 1)
			res, err := svc.Reserve(ctx, user, amount, "QUIZ_GENERATION", fmt.Sprintf("reserve:%d", i))
			if err != nil {
				var insufficient *ledger.InsufficientTokensError
				require.ErrorAs(t, err, &insufficient)
				continue
			}
			active = append(active, hold{id: res.ID, user: user, amount: amount})
		case 3: // commit part of a random active hold
			if len(active) == 0 {
				continue
			}
			idx := rng.Intn(len(active))
			h := active[idx]
			actual := rng.Int63n(h.amount) + 1
			_, err := svc.Commit(ctx, h.id, actual, "QUIZ_GENERATION", fmt.Sprintf("commit:%d", i))
			require.NoError(t, err)
			active = append(active[:idx], active[idx+1:]...)
		case 4: // release a random active hold
			if len(active) == 0 {
				continue
			}
			idx := rng.Intn(len(active))
			h := active[idx]
			_, err := svc.Release(ctx, h.id, "test", fmt.Sprintf("release:%d", i))
			require.NoError(t, err)
			active = append(active[:idx], active[idx+1:]...)
		case 5: // deduct within the available balance
			bal, err := svc.GetBalance(ctx, user)
			require.NoError(t, err)
			if bal.Available <= 0 {
				continue
			}
			amount := rng.Int63n(bal.Available) + 1
			_, err = svc.DeductTokens(ctx, user, amount, fmt.Sprintf("refund:%d", i), fmt.Sprintf("re-%d", i), "STRIPE", "", false)
			require.NoError(t, err)
		}
	}

	for _, user := range users {
		sums, err := store.JournalSums(ctx, user)
		require.NoError(t, err)
		activeHeld, err := store.ActiveReservedTotal(ctx, user)
		require.NoError(t, err)
		bal, err := svc.GetBalance(ctx, user)
		require.NoError(t, err)

		assert.GreaterOrEqual(t, bal.Available, int64(0), "user %s", user)
		assert.GreaterOrEqual(t, bal.Reserved, int64(0), "user %s", user)
		assert.Equal(t, activeHeld, bal.Reserved, "user %s reserved", user)
		expected := sums.Purchased + sums.Adjusted - sums.Committed - sums.RefundedAbs - activeHeld
		assert.Equal(t, expected, bal.Available, "user %s available", user)
	}

	// Terminal conservation: COMMIT + RELEASE rows of every resolved
	// reservation add up to its estimate.
	perReservation := map[string]int64{}
	estimates := map[string]int64{}
	for _, row := range store.Journal("") {
		switch row.Type {
		case model.TxReserve:
			estimates[row.RefID] = row.AmountTokens
		case model.TxCommit, model.TxRelease:
			perReservation[row.RefID] += row.AmountTokens
		}
	}
	for rid, est := range estimates {
		r, err := store.Reservation(ctx, rid)
		require.NoError(t, err)
		if r.State == model.ReservationActive {
			continue
		}
		assert.Equal(t, est, perReservation[rid], "reservation %s", rid)
	}
}

func TestIdempotentEffectMultiset(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	seedBalance(t, svc, "user-1", 2000)

	res, err := svc.Reserve(ctx, "user-1", 600, "QUIZ_GENERATION", "reserve:job-11")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := svc.Commit(ctx, res.ID, 200, "QUIZ_GENERATION", "commit:job-11")
		require.NoError(t, err)
	}

	bal, err := svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1800), bal.Available)
	assert.Equal(t, int64(0), bal.Reserved)

	rows := 0
	for _, row := range store.Journal("user-1") {
		if row.RefID == res.ID {
			rows++
		}
	}
	assert.Equal(t, 3, rows) // RESERVE, COMMIT, RELEASE once each
}

func TestTransientErrorUnwraps(t *testing.T) {
	inner := errors.New("boom")
	err := &ledger.TransientError{Err: inner}
	assert.ErrorIs(t, err, inner)
}
