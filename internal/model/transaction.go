package model

import "time"

// TransactionType enumerates the journal row kinds.
type TransactionType string

const (
	TxPurchase   TransactionType = "PURCHASE"
	TxAdjustment TransactionType = "ADJUSTMENT"
	TxReserve    TransactionType = "RESERVE"
	TxCommit     TransactionType = "COMMIT"
	TxRelease    TransactionType = "RELEASE"
	TxRefund     TransactionType = "REFUND"
)

// TokenTransaction is one immutable journal row.  The journal is
// append-only: rows are never updated or deleted, and corrections are
// expressed as new rows.  Sign convention: every type stores a positive
// amount except REFUND, which is stored negative; consumers that need a
// magnitude must take the absolute value.
//
// Fields:
//  ID                    – auto-increment primary key.
//  UserID                – account the row applies to.
//  Type                  – journal row kind.
//  Source                – origin of the effect (e.g. QUIZ_GENERATION, STRIPE).
//  AmountTokens          – signed token amount per the convention above.
//  RefID                 – external correlation id: reservation id for
//                          RESERVE/COMMIT/RELEASE, provider refund or
//                          dispute id for REFUND, session id for PURCHASE.
//  IdempotencyKey        – caller-chosen key; unique across the journal.
//  BalanceAfterAvailable – available component after this row applied.
//  BalanceAfterReserved  – reserved component after this row applied.
//  MetaJSON              – optional free-form JSON context.
//  CreatedAt             – append timestamp.
type TokenTransaction struct {
	ID                    int64           // token_transactions.id
	UserID                string          // token_transactions.user_id
	Type                  TransactionType // token_transactions.type
	Source                string          // token_transactions.source
	AmountTokens          int64           // token_transactions.amount_tokens
	RefID                 string          // token_transactions.ref_id
	IdempotencyKey        string          // token_transactions.idempotency_key
	BalanceAfterAvailable int64           // token_transactions.balance_after_available
	BalanceAfterReserved  int64           // token_transactions.balance_after_reserved
	MetaJSON              string          // token_transactions.meta_json (may be empty)
	CreatedAt             time.Time       // token_transactions.created_at
}
