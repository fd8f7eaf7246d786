package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizforge/billing/internal/config"
	"github.com/quizforge/billing/internal/ledger"
	"github.com/quizforge/billing/internal/metrics"
)

func newFixture(t *testing.T) (*ledger.Service, *ledger.MemStore, *Reconciler) {
	t.Helper()
	store := ledger.NewMemStore()
	svc := ledger.NewService(store, config.LedgerConfig{
		ReservationTTL: 30 * time.Minute,
		SweepBatchSize: 100,
	}, zerolog.Nop(), metrics.Nop{})
	return svc, store, New(store, zerolog.Nop(), metrics.Nop{})
}

func TestReconcileCleanLedger(t *testing.T) {
	svc, _, rec := newFixture(t)
	ctx := context.Background()

	// Purchases, holds, commits, releases and a negative-amount refund:
	// the whole journal shape the equation has to absorb.
	_, err := svc.CreditPurchase(ctx, "user-1", 2000, "purchase:s1", "s1", "STRIPE", "")
	require.NoError(t, err)
	_, err = svc.CreditAdjustment(ctx, "user-1", 100, "adjust:a1", "a1", "SUPPORT", "")
	require.NoError(t, err)

	res, err := svc.Reserve(ctx, "user-1", 500, "QUIZ_GENERATION", "reserve:j1")
	require.NoError(t, err)
	_, err = svc.Commit(ctx, res.ID, 300, "QUIZ_GENERATION", "commit:j1")
	require.NoError(t, err)

	res2, err := svc.Reserve(ctx, "user-1", 400, "QUIZ_GENERATION", "reserve:j2")
	require.NoError(t, err)
	_, err = svc.Release(ctx, res2.ID, "abandoned", "release:j2")
	require.NoError(t, err)

	_, err = svc.DeductTokens(ctx, "user-1", 150, "refund:r1", "r1", "STRIPE", "", false)
	require.NoError(t, err)

	// An active hold stays out of available and inside reserved.
	_, err = svc.Reserve(ctx, "user-1", 250, "QUIZ_GENERATION", "reserve:j3")
	require.NoError(t, err)

	mismatches, err := rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, mismatches)
}

func TestReconcileDetectsDrift(t *testing.T) {
	svc, store, rec := newFixture(t)
	ctx := context.Background()

	_, err := svc.CreditPurchase(ctx, "user-1", 1000, "purchase:s1", "s1", "STRIPE", "")
	require.NoError(t, err)

	// Corrupt the balance without a journal row, the exact drift the
	// job exists to catch.
	err = store.WithinTx(ctx, func(tx ledger.Tx) error {
		b, berr := tx.BalanceForUpdate(ctx, "user-1")
		if berr != nil {
			return berr
		}
		b.Available += 77
		return tx.UpdateBalance(ctx, b)
	})
	require.NoError(t, err)

	mismatches, err := rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, mismatches)

	// The job reports; it does not repair.
	bal, err := store.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1077), bal.Available)
}

func TestReconcileMultipleUsers(t *testing.T) {
	svc, _, rec := newFixture(t)
	ctx := context.Background()
	for _, user := range []string{"a", "b", "c"} {
		_, err := svc.CreditPurchase(ctx, user, 500, "purchase:"+user, user, "STRIPE", "")
		require.NoError(t, err)
	}
	mismatches, err := rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, mismatches)
}
