package checkout

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"

	"github.com/quizforge/billing/internal/model"
	"github.com/quizforge/billing/internal/provider"
	"github.com/quizforge/billing/internal/repository"
)

// PaymentRecorder persists the PENDING payment row opened for a session.
// Implemented by repository.PaymentRepo.
type PaymentRecorder interface {
	Create(ctx context.Context, p *model.Payment) error
}

// Session is the checkout session handed back to the caller.
type Session struct {
	SessionID string
	URL       string
}

// Service opens provider checkout sessions for product packs.  The
// session carries the user and pack ids in its metadata; the webhook
// processor reads them back when the session completes.
type Service struct {
	Provider   provider.Client
	Catalog    *Catalog
	Payments   PaymentRecorder
	SuccessURL string
	CancelURL  string
	Log        zerolog.Logger
}

// CreateSession opens a checkout session for one pack and records the
// pending payment.  The payment row is written before returning so a
// fast-arriving completion webhook finds it.
func (s *Service) CreateSession(ctx context.Context, userID, packID string) (*Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("missing user id")
	}
	pack, err := s.Catalog.ByID(ctx, packID)
	if err != nil {
		return nil, fmt.Errorf("unknown pack %q: %w", packID, err)
	}
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(s.SuccessURL),
		CancelURL:  stripe.String(s.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(pack.ProviderPriceID),
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: map[string]string{
			"user_id": userID,
			"pack_id": pack.ID,
		},
	}
	sess, err := s.Provider.CreateCheckoutSession(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	p := &model.Payment{
		UserID:            userID,
		ProviderSessionID: sess.ID,
		AmountCents:       pack.PriceCents,
		Currency:          pack.Currency,
		CreditedTokens:    0,
		Status:            model.PaymentPending,
	}
	if err := s.Payments.Create(ctx, p); err != nil && !errors.Is(err, repository.ErrDuplicateKey) {
		s.Log.Error().Err(err).Str("session_id", sess.ID).Msg("failed to record pending payment")
		return nil, err
	}
	s.Log.Info().Str("user_id", userID).Str("pack_id", pack.ID).Str("session_id", sess.ID).
		Msg("checkout session created")
	return &Session{SessionID: sess.ID, URL: sess.URL}, nil
}
