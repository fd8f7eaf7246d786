// Package webhook turns provider events into ledger effects.  The
// pipeline is verify, parse, dedup, classify, dispatch; every handler
// commits its ProcessedEvent marker in the same transaction as the
// ledger effect, so at-least-once delivery becomes exactly-once effect.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/quizforge/billing/internal/checkout"
	"github.com/quizforge/billing/internal/ledger"
	"github.com/quizforge/billing/internal/metrics"
	"github.com/quizforge/billing/internal/provider"
	"github.com/quizforge/billing/internal/refund"
)

// Outcome is the processing result reported to the HTTP layer.
type Outcome string

const (
	OutcomeOK           Outcome = "OK"
	OutcomeDuplicate    Outcome = "DUPLICATE"
	OutcomeBadSignature Outcome = "BAD_SIGNATURE"
	OutcomeRejected     Outcome = "REJECTED"
	OutcomeFailed       Outcome = "FAILED"
)

// errDuplicateEvent aborts a handler transaction when the authoritative
// in-tx dedup check finds the event already processed.
var errDuplicateEvent = errors.New("event already processed")

// SessionValidator confirms a completed checkout session against the
// catalog.  Implemented by checkout.Validator.
type SessionValidator interface {
	Validate(ctx context.Context, sess *stripe.CheckoutSession) (*checkout.Validation, error)
}

// Processor verifies, deduplicates and dispatches provider events.
type Processor struct {
	secret    string
	store     ledger.Store
	ledger    *ledger.Service
	validator SessionValidator
	policy    *refund.Engine
	provider  provider.Client
	log       zerolog.Logger
	metrics   metrics.Sink
}

// NewProcessor constructs a Processor.  The provider client is used only
// for pre-transaction lookups (expanding sessions and charges); it is
// never called while a database transaction is open.
func NewProcessor(secret string, store ledger.Store, svc *ledger.Service, validator SessionValidator, policy *refund.Engine, prov provider.Client, log zerolog.Logger, sink metrics.Sink) *Processor {
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Processor{
		secret:    secret,
		store:     store,
		ledger:    svc,
		validator: validator,
		policy:    policy,
		provider:  prov,
		log:       log,
		metrics:   sink,
	}
}

// Process handles one raw webhook delivery.  The payload must be the
// unmodified request body; signature verification covers it byte for
// byte.
func (p *Processor) Process(ctx context.Context, payload []byte, signatureHeader string) Outcome {
	log := p.log.With().Str("correlation_id", uuid.NewString()).Logger()

	if err := stripewebhook.ValidatePayload(payload, signatureHeader, p.secret); err != nil {
		log.Warn().Err(err).Msg("webhook signature verification failed")
		p.metrics.WebhookEvent("unknown", string(OutcomeBadSignature))
		return OutcomeBadSignature
	}
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		log.Warn().Err(err).Msg("webhook payload could not be parsed")
		p.metrics.WebhookEvent("unknown", string(OutcomeRejected))
		return OutcomeRejected
	}
	if event.ID == "" || event.Type == "" {
		log.Warn().Msg("webhook event missing id or type")
		p.metrics.WebhookEvent(string(event.Type), string(OutcomeRejected))
		return OutcomeRejected
	}
	log = log.With().Str("event_id", event.ID).Str("event_type", string(event.Type)).Logger()

	// Cheap pre-check; the authoritative check runs inside the handler
	// transaction.
	if processed, perr := p.store.EventProcessed(ctx, event.ID); perr == nil && processed {
		log.Debug().Msg("duplicate webhook event")
		p.metrics.WebhookEvent(string(event.Type), string(OutcomeDuplicate))
		return OutcomeDuplicate
	}

	outcome := p.dispatch(ctx, log, event)
	p.metrics.WebhookEvent(string(event.Type), string(outcome))
	switch outcome {
	case OutcomeFailed:
		log.Error().Str("outcome", string(outcome)).Msg("webhook event failed")
	case OutcomeRejected:
		log.Warn().Str("outcome", string(outcome)).Msg("webhook event rejected")
	default:
		log.Info().Str("outcome", string(outcome)).Msg("webhook event processed")
	}
	return outcome
}

var ignoredPrefixes = []string{
	"customer.", "plan.", "product.", "price.", "payment_method.",
}

func (p *Processor) dispatch(ctx context.Context, log zerolog.Logger, event stripe.Event) Outcome {
	switch event.Type {
	case "checkout.session.completed":
		return p.handleCheckoutCompleted(ctx, log, event)
	case "charge.refunded":
		return p.handleChargeRefunded(ctx, log, event)
	case "refund.created":
		return p.handleRefundEvent(ctx, log, event)
	case "refund.updated":
		return p.handleRefundEvent(ctx, log, event)
	case "charge.dispute.created", "charge.dispute.funds_withdrawn", "charge.dispute.lost":
		return p.handleDispute(ctx, log, event)
	case "charge.dispute.closed":
		return p.handleDisputeClosed(ctx, log, event)
	}
	for _, prefix := range ignoredPrefixes {
		if strings.HasPrefix(string(event.Type), prefix) {
			log.Debug().Msg("ignored webhook event type")
			return OutcomeOK
		}
	}
	log.Debug().Msg("unhandled webhook event type")
	return OutcomeOK
}

// outcomeForError maps handler errors onto the response taxonomy:
// duplicates short-circuit, semantic problems are non-retryable, and
// everything else is surfaced as FAILED so the provider retries.
func outcomeForError(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	if errors.Is(err, errDuplicateEvent) {
		return OutcomeDuplicate
	}
	var (
		invalidSession *checkout.InvalidSessionError
		conflict       *ledger.IdempotencyConflictError
	)
	if errors.As(err, &invalidSession) || errors.As(err, &conflict) || errors.Is(err, ledger.ErrInvalidAmount) || errors.Is(err, errUnknownPayment) || errors.Is(err, errMalformedEvent) {
		return OutcomeRejected
	}
	return OutcomeFailed
}

// errUnknownPayment marks a refund or dispute whose payment the ledger
// never recorded.
var errUnknownPayment = errors.New("no payment recorded for event")

// errMalformedEvent marks an event payload that cannot be decoded into
// the expected object.
var errMalformedEvent = errors.New("malformed event payload")

func unmarshalObject(event stripe.Event, v any) error {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return errMalformedEvent
	}
	if err := json.Unmarshal(event.Data.Raw, v); err != nil {
		return errMalformedEvent
	}
	return nil
}
