package webhook

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"

	"github.com/quizforge/billing/internal/ledger"
	"github.com/quizforge/billing/internal/model"
	"github.com/quizforge/billing/internal/refund"
	"github.com/quizforge/billing/internal/repository"
)

// eventMeta is the context stamped into journal rows written by the
// processor.
type eventMeta struct {
	EventID   string `json:"event_id"`
	SessionID string `json:"session_id,omitempty"`
	RefundID  string `json:"refund_id,omitempty"`
	DisputeID string `json:"dispute_id,omitempty"`
}

func (m eventMeta) JSON() string {
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}

// handleCheckoutCompleted credits the purchased tokens for a completed
// checkout session.  Validation runs before the transaction; the credit,
// the payment update and the processed-event marker commit together.
func (p *Processor) handleCheckoutCompleted(ctx context.Context, log zerolog.Logger, event stripe.Event) Outcome {
	var sess stripe.CheckoutSession
	if err := unmarshalObject(event, &sess); err != nil {
		return OutcomeRejected
	}
	// Thin payloads carry no metadata; fetch the full session first.
	if len(sess.Metadata) == 0 && p.provider != nil {
		full, err := p.provider.RetrieveSession(ctx, sess.ID)
		if err != nil {
			log.Error().Err(err).Str("session_id", sess.ID).Msg("session retrieval failed")
			return OutcomeFailed
		}
		sess = *full
	}
	userID := sess.Metadata["user_id"]
	if userID == "" {
		userID = sess.ClientReferenceID
	}
	if userID == "" {
		log.Warn().Str("session_id", sess.ID).Msg("completed session carries no user id")
		return OutcomeRejected
	}
	val, err := p.validator.Validate(ctx, &sess)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sess.ID).Msg("checkout validation failed")
		return outcomeForError(err)
	}
	intentID := ""
	if sess.PaymentIntent != nil {
		intentID = sess.PaymentIntent.ID
	}
	meta := eventMeta{EventID: event.ID, SessionID: sess.ID}.JSON()

	credited := false
	err = p.store.WithinTx(ctx, func(tx ledger.Tx) error {
		if processed, perr := tx.HasProcessedEvent(ctx, event.ID); perr != nil {
			return perr
		} else if processed {
			return errDuplicateEvent
		}
		pay, perr := tx.PaymentBySession(ctx, sess.ID)
		if errors.Is(perr, repository.ErrNotFound) {
			pay = &model.Payment{
				UserID:            userID,
				ProviderSessionID: sess.ID,
				AmountCents:       val.TotalAmountCents,
				Currency:          val.Currency,
				Status:            model.PaymentPending,
			}
			if cerr := tx.CreatePayment(ctx, pay); cerr != nil {
				return cerr
			}
		} else if perr != nil {
			return perr
		}
		_, fresh, cerr := p.ledger.CreditTx(ctx, tx, model.TxPurchase, userID, val.TotalTokens,
			"purchase:"+sess.ID, sess.ID, "STRIPE", meta)
		if cerr != nil {
			return cerr
		}
		credited = fresh
		pay.ProviderPaymentIntentID = intentID
		pay.CreditedTokens = val.TotalTokens
		pay.AmountCents = val.TotalAmountCents
		pay.Currency = val.Currency
		pay.Status = model.PaymentSucceeded
		if uerr := tx.UpdatePayment(ctx, pay); uerr != nil {
			return uerr
		}
		return tx.InsertProcessedEvent(ctx, event.ID)
	})
	if errors.Is(err, repository.ErrDuplicateKey) {
		return OutcomeDuplicate
	}
	if err != nil {
		return outcomeForError(err)
	}
	if credited {
		p.ledger.InvalidateBalance(ctx, userID)
		p.ledger.EmitTokensCredited(ctx, userID, val.TotalTokens, "STRIPE", sess.ID)
	}
	return OutcomeOK
}

// refundEffect is one refund to apply, with the payment intent resolved
// before any transaction opens.
type refundEffect struct {
	RefundID    string
	IntentID    string
	AmountCents int64
}

// resolveIntent finds the payment intent behind a refund, following the
// charge through the provider when the event payload does not carry it.
func (p *Processor) resolveIntent(ctx context.Context, r *stripe.Refund, fallback string) string {
	if r.PaymentIntent != nil && r.PaymentIntent.ID != "" {
		return r.PaymentIntent.ID
	}
	if fallback != "" {
		return fallback
	}
	if r.Charge != nil && r.Charge.ID != "" {
		if r.Charge.PaymentIntent != nil && r.Charge.PaymentIntent.ID != "" {
			return r.Charge.PaymentIntent.ID
		}
		if p.provider != nil {
			if ch, err := p.provider.RetrieveCharge(ctx, r.Charge.ID); err == nil && ch.PaymentIntent != nil {
				return ch.PaymentIntent.ID
			}
		}
	}
	return ""
}

// handleRefundEvent routes refund.created and refund.updated.  Both
// converge on the same idempotent refund effect keyed by the refund id,
// so their relative order does not matter.  A canceled refund re-credits
// whatever the original refund deducted.
func (p *Processor) handleRefundEvent(ctx context.Context, log zerolog.Logger, event stripe.Event) Outcome {
	var r stripe.Refund
	if err := unmarshalObject(event, &r); err != nil {
		return OutcomeRejected
	}
	effect := refundEffect{
		RefundID:    r.ID,
		IntentID:    p.resolveIntent(ctx, &r, ""),
		AmountCents: r.Amount,
	}
	switch r.Status {
	case stripe.RefundStatusCanceled:
		return p.cancelRefund(ctx, log, event.ID, effect)
	case stripe.RefundStatusFailed:
		log.Debug().Str("refund_id", r.ID).Msg("ignoring failed refund")
		return OutcomeOK
	default:
		return p.applyRefunds(ctx, log, event.ID, []refundEffect{effect})
	}
}

// handleChargeRefunded applies every refund attached to the charge.
// Refunds already applied via refund.* events replay through their
// journal keys.
func (p *Processor) handleChargeRefunded(ctx context.Context, log zerolog.Logger, event stripe.Event) Outcome {
	var ch stripe.Charge
	if err := unmarshalObject(event, &ch); err != nil {
		return OutcomeRejected
	}
	fallback := ""
	if ch.PaymentIntent != nil {
		fallback = ch.PaymentIntent.ID
	}
	var effects []refundEffect
	if ch.Refunds != nil {
		for _, r := range ch.Refunds.Data {
			if r == nil || r.ID == "" {
				continue
			}
			effects = append(effects, refundEffect{
				RefundID:    r.ID,
				IntentID:    p.resolveIntent(ctx, r, fallback),
				AmountCents: r.Amount,
			})
		}
	}
	if len(effects) == 0 {
		log.Debug().Str("charge_id", ch.ID).Msg("charge.refunded carried no refunds")
		return OutcomeOK
	}
	return p.applyRefunds(ctx, log, event.ID, effects)
}

// applyRefunds deducts tokens for each refund per the configured policy.
// All effects for one event, the payment updates and the processed-event
// marker commit in a single transaction.
func (p *Processor) applyRefunds(ctx context.Context, log zerolog.Logger, eventID string, effects []refundEffect) Outcome {
	type plan struct {
		effect refundEffect
		userID string
		calc   refund.Calculation
	}
	plans := make([]plan, 0, len(effects))
	for _, e := range effects {
		if e.IntentID == "" {
			log.Warn().Str("refund_id", e.RefundID).Msg("refund carries no payment intent")
			return OutcomeRejected
		}
		pay, err := p.store.PaymentByIntent(ctx, e.IntentID)
		if errors.Is(err, repository.ErrNotFound) {
			log.Warn().Str("refund_id", e.RefundID).Str("payment_intent_id", e.IntentID).
				Msg("refund for unknown payment")
			return OutcomeRejected
		}
		if err != nil {
			return OutcomeFailed
		}
		calc, err := p.policy.Calculate(ctx, pay, e.AmountCents)
		if err != nil {
			return OutcomeFailed
		}
		if !calc.RefundAllowed {
			log.Warn().Str("refund_id", e.RefundID).Str("user_id", pay.UserID).
				Int64("proportional", calc.Proportional).Msg("refund policy clawed back no tokens")
		}
		plans = append(plans, plan{effect: e, userID: pay.UserID, calc: calc})
	}

	touched := map[string]struct{}{}
	err := p.store.WithinTx(ctx, func(tx ledger.Tx) error {
		if processed, perr := tx.HasProcessedEvent(ctx, eventID); perr != nil {
			return perr
		} else if processed {
			return errDuplicateEvent
		}
		for _, pl := range plans {
			pay, perr := tx.PaymentByIntent(ctx, pl.effect.IntentID)
			if errors.Is(perr, repository.ErrNotFound) {
				return errUnknownPayment
			}
			if perr != nil {
				return perr
			}
			meta := eventMeta{EventID: eventID, RefundID: pl.effect.RefundID}.JSON()
			_, fresh, rerr := p.ledger.RefundTx(ctx, tx, pay.UserID, pl.calc.TokensToDeduct,
				"refund:"+pl.effect.RefundID, pl.effect.RefundID, "STRIPE", meta,
				refund.AllowNegative(p.policy.Mode))
			if rerr != nil {
				return rerr
			}
			if !fresh {
				continue
			}
			pay.RefundedAmountCents += pl.effect.AmountCents
			if pay.RefundedAmountCents >= pay.AmountCents {
				pay.Status = model.PaymentRefunded
			} else {
				pay.Status = model.PaymentPartiallyRefunded
			}
			if uerr := tx.UpdatePayment(ctx, pay); uerr != nil {
				return uerr
			}
			touched[pay.UserID] = struct{}{}
		}
		return tx.InsertProcessedEvent(ctx, eventID)
	})
	if errors.Is(err, repository.ErrDuplicateKey) {
		return OutcomeDuplicate
	}
	if err != nil {
		return outcomeForError(err)
	}
	for userID := range touched {
		p.ledger.InvalidateBalance(ctx, userID)
	}
	return OutcomeOK
}

// cancelRefund re-credits a previously deducted refund.  The amount
// comes from the original deduction's journal row, so the re-credit is
// exact even under the capping policies.
func (p *Processor) cancelRefund(ctx context.Context, log zerolog.Logger, eventID string, effect refundEffect) Outcome {
	prior, err := p.store.TransactionByKey(ctx, "refund:"+effect.RefundID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Debug().Str("refund_id", effect.RefundID).Msg("refund cancellation with no prior deduction")
		return OutcomeOK
	}
	if err != nil {
		return OutcomeFailed
	}
	tokens := -prior.AmountTokens
	meta := eventMeta{EventID: eventID, RefundID: effect.RefundID}.JSON()

	credited := false
	werr := p.store.WithinTx(ctx, func(tx ledger.Tx) error {
		if processed, perr := tx.HasProcessedEvent(ctx, eventID); perr != nil {
			return perr
		} else if processed {
			return errDuplicateEvent
		}
		fresh := true
		if tokens > 0 {
			var cerr error
			_, fresh, cerr = p.ledger.CreditTx(ctx, tx, model.TxAdjustment, prior.UserID, tokens,
				"refund-canceled:"+effect.RefundID, effect.RefundID, "STRIPE", meta)
			if cerr != nil {
				return cerr
			}
		}
		if fresh && effect.IntentID != "" {
			pay, perr := tx.PaymentByIntent(ctx, effect.IntentID)
			if perr == nil {
				pay.RefundedAmountCents -= effect.AmountCents
				if pay.RefundedAmountCents <= 0 {
					pay.RefundedAmountCents = 0
					pay.Status = model.PaymentSucceeded
				} else {
					pay.Status = model.PaymentPartiallyRefunded
				}
				if uerr := tx.UpdatePayment(ctx, pay); uerr != nil {
					return uerr
				}
			} else if !errors.Is(perr, repository.ErrNotFound) {
				return perr
			}
		}
		credited = fresh && tokens > 0
		return tx.InsertProcessedEvent(ctx, eventID)
	})
	if errors.Is(werr, repository.ErrDuplicateKey) {
		return OutcomeDuplicate
	}
	if werr != nil {
		return outcomeForError(werr)
	}
	if credited {
		p.ledger.InvalidateBalance(ctx, prior.UserID)
		p.ledger.EmitTokensCredited(ctx, prior.UserID, tokens, "STRIPE", effect.RefundID)
	}
	return OutcomeOK
}

// handleDispute deducts tokens when a dispute opens or is lost.  The
// three deducting event types share the key "dispute:{id}", so whichever
// arrives first applies the effect and the rest replay.
func (p *Processor) handleDispute(ctx context.Context, log zerolog.Logger, event stripe.Event) Outcome {
	var d stripe.Dispute
	if err := unmarshalObject(event, &d); err != nil {
		return OutcomeRejected
	}
	intentID := ""
	if d.PaymentIntent != nil {
		intentID = d.PaymentIntent.ID
	}
	if intentID == "" && d.Charge != nil && d.Charge.ID != "" {
		if d.Charge.PaymentIntent != nil {
			intentID = d.Charge.PaymentIntent.ID
		} else if p.provider != nil {
			if ch, err := p.provider.RetrieveCharge(ctx, d.Charge.ID); err == nil && ch.PaymentIntent != nil {
				intentID = ch.PaymentIntent.ID
			}
		}
	}
	if intentID == "" {
		log.Warn().Str("dispute_id", d.ID).Msg("dispute carries no payment intent")
		return OutcomeRejected
	}
	pay, err := p.store.PaymentByIntent(ctx, intentID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Warn().Str("dispute_id", d.ID).Str("payment_intent_id", intentID).Msg("dispute for unknown payment")
		return OutcomeRejected
	}
	if err != nil {
		return OutcomeFailed
	}
	calc, err := p.policy.Calculate(ctx, pay, d.Amount)
	if err != nil {
		return OutcomeFailed
	}
	meta := eventMeta{EventID: event.ID, DisputeID: d.ID}.JSON()

	deducted := false
	werr := p.store.WithinTx(ctx, func(tx ledger.Tx) error {
		if processed, perr := tx.HasProcessedEvent(ctx, event.ID); perr != nil {
			return perr
		} else if processed {
			return errDuplicateEvent
		}
		_, fresh, rerr := p.ledger.RefundTx(ctx, tx, pay.UserID, calc.TokensToDeduct,
			"dispute:"+d.ID, d.ID, "STRIPE", meta, refund.AllowNegative(p.policy.Mode))
		if rerr != nil {
			return rerr
		}
		deducted = fresh
		return tx.InsertProcessedEvent(ctx, event.ID)
	})
	if errors.Is(werr, repository.ErrDuplicateKey) {
		return OutcomeDuplicate
	}
	if werr != nil {
		return outcomeForError(werr)
	}
	if deducted {
		p.ledger.InvalidateBalance(ctx, pay.UserID)
	}
	return OutcomeOK
}

// handleDisputeClosed re-credits the disputed deduction when the dispute
// is won.  Any other closing status is acknowledged without effect.
func (p *Processor) handleDisputeClosed(ctx context.Context, log zerolog.Logger, event stripe.Event) Outcome {
	var d stripe.Dispute
	if err := unmarshalObject(event, &d); err != nil {
		return OutcomeRejected
	}
	if d.Status != stripe.DisputeStatusWon {
		log.Debug().Str("dispute_id", d.ID).Str("status", string(d.Status)).Msg("dispute closed without reinstatement")
		return OutcomeOK
	}
	prior, err := p.store.TransactionByKey(ctx, "dispute:"+d.ID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Debug().Str("dispute_id", d.ID).Msg("dispute won with no prior deduction")
		return OutcomeOK
	}
	if err != nil {
		return OutcomeFailed
	}
	tokens := -prior.AmountTokens
	if tokens <= 0 {
		return OutcomeOK
	}
	meta := eventMeta{EventID: event.ID, DisputeID: d.ID}.JSON()

	credited := false
	werr := p.store.WithinTx(ctx, func(tx ledger.Tx) error {
		if processed, perr := tx.HasProcessedEvent(ctx, event.ID); perr != nil {
			return perr
		} else if processed {
			return errDuplicateEvent
		}
		_, fresh, cerr := p.ledger.CreditTx(ctx, tx, model.TxAdjustment, prior.UserID, tokens,
			"dispute-won:"+d.ID, d.ID, "STRIPE", meta)
		if cerr != nil {
			return cerr
		}
		credited = fresh
		return tx.InsertProcessedEvent(ctx, event.ID)
	})
	if errors.Is(werr, repository.ErrDuplicateKey) {
		return OutcomeDuplicate
	}
	if werr != nil {
		return outcomeForError(werr)
	}
	if credited {
		p.ledger.InvalidateBalance(ctx, prior.UserID)
		p.ledger.EmitTokensCredited(ctx, prior.UserID, tokens, "STRIPE", d.ID)
	}
	return OutcomeOK
}
