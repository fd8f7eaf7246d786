package model

import "time"

// PaymentStatus enumerates the provider-facing payment lifecycle.
type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "PENDING"
	PaymentSucceeded         PaymentStatus = "SUCCEEDED"
	PaymentPartiallyRefunded PaymentStatus = "PARTIALLY_REFUNDED"
	PaymentRefunded          PaymentStatus = "REFUNDED"
	PaymentFailed            PaymentStatus = "FAILED"
)

// Payment records the external effect of one checkout session.  It is
// created PENDING when the session is opened, marked SUCCEEDED when the
// provider confirms completion, and accumulates refunded cents as refund
// and dispute events arrive.
//
// Fields:
//  ID                      – auto-increment primary key.
//  UserID                  – purchaser.
//  ProviderSessionID       – checkout session id; unique.
//  ProviderPaymentIntentID – payment intent id, set on completion.
//  AmountCents             – total charged amount.
//  Currency                – lower-case ISO currency code.
//  CreditedTokens          – tokens credited for this payment.
//  RefundedAmountCents     – running total of refunded cents.
//  Status                  – current lifecycle status.
//  CreatedAt               – creation timestamp.
//  UpdatedAt               – last modification timestamp.
type Payment struct {
	ID                      int64         // payments.id
	UserID                  string        // payments.user_id
	ProviderSessionID       string        // payments.provider_session_id
	ProviderPaymentIntentID string        // payments.provider_payment_intent_id
	AmountCents             int64         // payments.amount_cents
	Currency                string        // payments.currency
	CreditedTokens          int64         // payments.credited_tokens
	RefundedAmountCents     int64         // payments.refunded_amount_cents
	Status                  PaymentStatus // payments.status
	CreatedAt               time.Time     // payments.created_at
	UpdatedAt               time.Time     // payments.updated_at
}
