// Package refund decides how many tokens to claw back when a payment is
// refunded or disputed.  The calculation itself is a pure function of
// the payment, the refunded amount and the tokens spent since the
// purchase; the Engine wrapper only gathers that last input from the
// journal.
package refund

import (
	"context"
	"time"

	"github.com/quizforge/billing/internal/config"
	"github.com/quizforge/billing/internal/model"
)

// Calculation is the outcome of a policy run.  RefundAllowed is false
// whenever spent tokens stop the claw-back: when the cap is exhausted
// (the money refund itself still goes through, with zero tokens
// deducted) and when the blocking mode finds tokens already spent.
type Calculation struct {
	TokensToDeduct int64
	RefundAllowed  bool
	Proportional   int64
	UnspentTokens  int64
}

// Proportional computes floor(originalTokens * refundCents /
// originalCents): the token share corresponding to the refunded money.
// A non-positive original amount yields zero.  The result is monotonic
// in refundCents and equals originalTokens when the full amount is
// refunded.
func Proportional(originalTokens, originalCents, refundCents int64) int64 {
	if originalCents <= 0 || refundCents <= 0 || originalTokens <= 0 {
		return 0
	}
	return originalTokens * refundCents / originalCents
}

// Compute is the pure policy function.  committedSincePurchase is the
// total of COMMIT journal rows for the user after the payment was made;
// only the capping and blocking modes consult it.
func Compute(mode string, p *model.Payment, refundCents, committedSincePurchase int64) Calculation {
	prop := Proportional(p.CreditedTokens, p.AmountCents, refundCents)
	switch mode {
	case config.PolicyBlockIfTokensSpent:
		if committedSincePurchase > 0 {
			return Calculation{TokensToDeduct: 0, RefundAllowed: false, Proportional: prop}
		}
		return Calculation{TokensToDeduct: prop, RefundAllowed: true, Proportional: prop, UnspentTokens: p.CreditedTokens}
	case config.PolicyCapByUnspentTokens:
		unspent := p.CreditedTokens - committedSincePurchase
		if unspent <= 0 {
			return Calculation{TokensToDeduct: 0, RefundAllowed: false, Proportional: prop, UnspentTokens: 0}
		}
		deduct := prop
		if deduct > unspent {
			deduct = unspent
		}
		return Calculation{TokensToDeduct: deduct, RefundAllowed: true, Proportional: prop, UnspentTokens: unspent}
	default: // config.PolicyAllowNegativeBalance
		return Calculation{TokensToDeduct: prop, RefundAllowed: true, Proportional: prop, UnspentTokens: p.CreditedTokens}
	}
}

// AllowNegative reports whether deductions under this mode may push the
// balance below zero.
func AllowNegative(mode string) bool { return mode == config.PolicyAllowNegativeBalance }

// CommittedSincer supplies the committed-token total used by the capping
// modes.  Implemented by the ledger store.
type CommittedSincer interface {
	CommittedSince(ctx context.Context, userID string, since time.Time) (int64, error)
}

// Engine binds the configured mode to its journal input.
type Engine struct {
	Mode  string
	Store CommittedSincer
}

// NewEngine returns an Engine for the process-wide policy mode.
func NewEngine(mode string, store CommittedSincer) *Engine {
	return &Engine{Mode: mode, Store: store}
}

// Calculate runs the policy for one refund event.  The spend window
// starts at the payment's creation time.
func (e *Engine) Calculate(ctx context.Context, p *model.Payment, refundCents int64) (Calculation, error) {
	var committed int64
	if e.Mode == config.PolicyCapByUnspentTokens || e.Mode == config.PolicyBlockIfTokensSpent {
		var err error
		committed, err = e.Store.CommittedSince(ctx, p.UserID, p.CreatedAt)
		if err != nil {
			return Calculation{}, err
		}
	}
	return Compute(e.Mode, p, refundCents, committed), nil
}
