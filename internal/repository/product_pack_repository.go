package repository

import (
	"context"
	"database/sql"

	"github.com/quizforge/billing/internal/model"
)

// ProductPackRepo provides read access to the product_packs catalog.
// The catalog is maintained by an external sync; the ledger core only
// reads it during checkout session creation and validation.
type ProductPackRepo struct {
	db *sql.DB
}

// NewProductPackRepo returns a new ProductPackRepo bound to the given database.
func NewProductPackRepo(db *sql.DB) *ProductPackRepo { return &ProductPackRepo{db: db} }

const packColumns = `id, provider_price_id, tokens, price_cents, currency, active`

func scanPack(scan func(dest ...any) error) (*model.ProductPack, error) {
	var p model.ProductPack
	err := scan(&p.ID, &p.ProviderPriceID, &p.Tokens, &p.PriceCents, &p.Currency, &p.Active)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListActive returns all sellable packs.  An empty result is not an
// error; callers fall back to the configured catalog.
func (r *ProductPackRepo) ListActive(ctx context.Context) ([]model.ProductPack, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+packColumns+` FROM product_packs WHERE active = 1 ORDER BY price_cents`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var packs []model.ProductPack
	for rows.Next() {
		p, err := scanPack(rows.Scan)
		if err != nil {
			return nil, err
		}
		packs = append(packs, *p)
	}
	return packs, rows.Err()
}

// ByID returns the pack with the given internal id.
func (r *ProductPackRepo) ByID(ctx context.Context, id string) (*model.ProductPack, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+packColumns+` FROM product_packs WHERE id = ?`, id)
	return scanPack(row.Scan)
}

// ByProviderPriceID returns the pack backed by the given provider price.
func (r *ProductPackRepo) ByProviderPriceID(ctx context.Context, priceID string) (*model.ProductPack, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+packColumns+` FROM product_packs WHERE provider_price_id = ?`, priceID)
	return scanPack(row.Scan)
}
