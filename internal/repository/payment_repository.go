package repository

import (
	"context"
	"database/sql"

	"github.com/quizforge/billing/internal/model"
)

// PaymentRepo provides access to the payments table.  A payment row is
// the local record of one provider checkout session; the unique index on
// provider_session_id makes session completion idempotent at the
// storage level.
type PaymentRepo struct {
	db *sql.DB
}

// NewPaymentRepo returns a new PaymentRepo bound to the given database.
func NewPaymentRepo(db *sql.DB) *PaymentRepo { return &PaymentRepo{db: db} }

const paymentColumns = `id, user_id, provider_session_id, provider_payment_intent_id,
                        amount_cents, currency, credited_tokens, refunded_amount_cents,
                        status, created_at, updated_at`

func scanPayment(scan func(dest ...any) error) (*model.Payment, error) {
	var p model.Payment
	err := scan(&p.ID, &p.UserID, &p.ProviderSessionID, &p.ProviderPaymentIntentID,
		&p.AmountCents, &p.Currency, &p.CreditedTokens, &p.RefundedAmountCents,
		&p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Create inserts a PENDING payment when a checkout session is opened.
// A duplicate session id returns ErrDuplicateKey, which callers treat as
// "session already recorded".
func (r *PaymentRepo) Create(ctx context.Context, p *model.Payment) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO payments (user_id, provider_session_id, provider_payment_intent_id,
		                       amount_cents, currency, credited_tokens, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.UserID, p.ProviderSessionID, p.ProviderPaymentIntentID,
		p.AmountCents, p.Currency, p.CreditedTokens, p.Status)
	if err != nil {
		if mysqlDuplicate(err) {
			return ErrDuplicateKey
		}
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	p.ID = id
	return nil
}

// CreateTx is Create inside an existing transaction.  Used by the
// webhook processor when a session completes before the checkout flow
// recorded the PENDING row (events may arrive out of order).
func (r *PaymentRepo) CreateTx(ctx context.Context, tx *sql.Tx, p *model.Payment) error {
	result, err := tx.ExecContext(ctx,
		`INSERT INTO payments (user_id, provider_session_id, provider_payment_intent_id,
		                       amount_cents, currency, credited_tokens, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.UserID, p.ProviderSessionID, p.ProviderPaymentIntentID,
		p.AmountCents, p.Currency, p.CreditedTokens, p.Status)
	if err != nil {
		if mysqlDuplicate(err) {
			return ErrDuplicateKey
		}
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	p.ID = id
	return nil
}

// BySessionID returns the payment recorded for a checkout session.
func (r *PaymentRepo) BySessionID(ctx context.Context, sessionID string) (*model.Payment, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE provider_session_id = ?`, sessionID)
	return scanPayment(row.Scan)
}

// BySessionIDForUpdateTx locks the payment row for a session.  The
// webhook processor holds this lock while crediting tokens so repeated
// deliveries serialize.
func (r *PaymentRepo) BySessionIDForUpdateTx(ctx context.Context, tx *sql.Tx, sessionID string) (*model.Payment, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE provider_session_id = ? FOR UPDATE`, sessionID)
	return scanPayment(row.Scan)
}

// ByIntentID returns the payment carrying the given payment intent.
// Refund and dispute events reference payments through this id.
func (r *PaymentRepo) ByIntentID(ctx context.Context, intentID string) (*model.Payment, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE provider_payment_intent_id = ?`, intentID)
	return scanPayment(row.Scan)
}

// ByIntentIDForUpdateTx is ByIntentID under an exclusive row lock.
func (r *PaymentRepo) ByIntentIDForUpdateTx(ctx context.Context, tx *sql.Tx, intentID string) (*model.Payment, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE provider_payment_intent_id = ? FOR UPDATE`, intentID)
	return scanPayment(row.Scan)
}

// UpdateTx persists the mutable payment fields within the provided
// transaction: the intent id learned at completion, credited tokens, the
// refunded running total and the status.
func (r *PaymentRepo) UpdateTx(ctx context.Context, tx *sql.Tx, p *model.Payment) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE payments SET provider_payment_intent_id = ?, credited_tokens = ?,
		        refunded_amount_cents = ?, status = ? WHERE id = ?`,
		p.ProviderPaymentIntentID, p.CreditedTokens, p.RefundedAmountCents, p.Status, p.ID)
	return err
}
