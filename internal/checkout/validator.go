package checkout

import (
	"context"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v82"

	"github.com/quizforge/billing/internal/model"
)

// InvalidSessionError is returned when a completed checkout session does
// not line up with the catalog: unknown pack, currency mismatch, or (in
// strict mode) a charged amount that differs from the pack price.
type InvalidSessionError struct {
	SessionID string
	Reason    string
}

func (e *InvalidSessionError) Error() string {
	return fmt.Sprintf("invalid checkout session %s: %s", e.SessionID, e.Reason)
}

// Validation is the confirmed purchase content of a session.
type Validation struct {
	PrimaryPack      model.ProductPack
	AdditionalPacks  []model.ProductPack
	TotalAmountCents int64
	TotalTokens      int64
	Currency         string
}

// Validator confirms currency, pack and amount consistency of a
// completed session before any tokens are credited.
type Validator struct {
	Catalog *Catalog
	Strict  bool
}

// NewValidator returns a Validator.  strict controls whether an amount
// mismatch between session and pack price rejects the session.
func NewValidator(catalog *Catalog, strict bool) *Validator {
	return &Validator{Catalog: catalog, Strict: strict}
}

// Validate resolves the packs named in the session metadata and checks
// them against the session's currency and charged amount.  The pack ids
// are read from metadata keys "pack_id" (primary, written by the checkout
// creation flow) and "additional_pack_ids" (comma-separated, read when
// present).
func (v *Validator) Validate(ctx context.Context, sess *stripe.CheckoutSession) (*Validation, error) {
	if sess == nil || sess.ID == "" {
		return nil, &InvalidSessionError{Reason: "empty session"}
	}
	packID := sess.Metadata["pack_id"]
	if packID == "" {
		return nil, &InvalidSessionError{SessionID: sess.ID, Reason: "missing pack_id metadata"}
	}
	primary, err := v.Catalog.ByID(ctx, packID)
	if err != nil {
		return nil, &InvalidSessionError{SessionID: sess.ID, Reason: "unknown pack " + packID}
	}
	out := &Validation{
		PrimaryPack:      *primary,
		TotalAmountCents: primary.PriceCents,
		TotalTokens:      primary.Tokens,
		Currency:         primary.Currency,
	}
	if extra := sess.Metadata["additional_pack_ids"]; extra != "" {
		for _, id := range strings.Split(extra, ",") {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			p, perr := v.Catalog.ByID(ctx, id)
			if perr != nil {
				return nil, &InvalidSessionError{SessionID: sess.ID, Reason: "unknown pack " + id}
			}
			if !strings.EqualFold(p.Currency, primary.Currency) {
				return nil, &InvalidSessionError{SessionID: sess.ID, Reason: "mixed pack currencies"}
			}
			out.AdditionalPacks = append(out.AdditionalPacks, *p)
			out.TotalAmountCents += p.PriceCents
			out.TotalTokens += p.Tokens
		}
	}
	if sess.Currency != "" && !strings.EqualFold(string(sess.Currency), primary.Currency) {
		return nil, &InvalidSessionError{
			SessionID: sess.ID,
			Reason:    fmt.Sprintf("currency mismatch: session %s, pack %s", sess.Currency, primary.Currency),
		}
	}
	if v.Strict && sess.AmountTotal != 0 && sess.AmountTotal != out.TotalAmountCents {
		return nil, &InvalidSessionError{
			SessionID: sess.ID,
			Reason:    fmt.Sprintf("amount mismatch: session %d, packs %d", sess.AmountTotal, out.TotalAmountCents),
		}
	}
	if !v.Strict && sess.AmountTotal != 0 {
		// Trust the charged amount when strict validation is off.
		out.TotalAmountCents = sess.AmountTotal
	}
	return out, nil
}
