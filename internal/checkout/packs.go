// Package checkout owns the purchase boundary: the product pack
// catalog, creation of provider checkout sessions, and validation of
// completed sessions before the ledger credits any tokens.
package checkout

import (
	"context"

	"github.com/quizforge/billing/internal/config"
	"github.com/quizforge/billing/internal/model"
)

// PackSource supplies the product pack catalog.  Implemented by
// repository.ProductPackRepo.
type PackSource interface {
	ListActive(ctx context.Context) ([]model.ProductPack, error)
	ByID(ctx context.Context, id string) (*model.ProductPack, error)
	ByProviderPriceID(ctx context.Context, priceID string) (*model.ProductPack, error)
}

// Fallback pack token counts used when the catalog table is empty.
const (
	fallbackTokensSmall  = 500
	fallbackTokensMedium = 1500
	fallbackTokensLarge  = 5000

	fallbackCentsSmall  = 500
	fallbackCentsMedium = 1200
	fallbackCentsLarge  = 3500
)

// FallbackPacks builds the configured three-pack catalog.  Packs whose
// provider price id is not configured are omitted.
func FallbackPacks(cfg config.BillingConfig) []model.ProductPack {
	var packs []model.ProductPack
	add := func(id, priceID string, tokens, cents int64) {
		if priceID == "" {
			return
		}
		packs = append(packs, model.ProductPack{
			ID:              id,
			ProviderPriceID: priceID,
			Tokens:          tokens,
			PriceCents:      cents,
			Currency:        cfg.FallbackCurrency,
			Active:          true,
		})
	}
	add("small", cfg.FallbackPriceSmall, fallbackTokensSmall, fallbackCentsSmall)
	add("medium", cfg.FallbackPriceMedium, fallbackTokensMedium, fallbackCentsMedium)
	add("large", cfg.FallbackPriceLarge, fallbackTokensLarge, fallbackCentsLarge)
	return packs
}

// Catalog resolves packs from the database with the configuration
// fallback when the table is empty.
type Catalog struct {
	Packs PackSource
	Cfg   config.BillingConfig
}

// NewCatalog returns a catalog over the given pack source.
func NewCatalog(packs PackSource, cfg config.BillingConfig) *Catalog {
	return &Catalog{Packs: packs, Cfg: cfg}
}

// Active returns all currently sellable packs.
func (c *Catalog) Active(ctx context.Context) ([]model.ProductPack, error) {
	packs, err := c.Packs.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	if len(packs) == 0 {
		packs = FallbackPacks(c.Cfg)
	}
	return packs, nil
}

// ByID resolves one pack by its internal id, consulting the fallback
// catalog when the table has no row.
func (c *Catalog) ByID(ctx context.Context, id string) (*model.ProductPack, error) {
	p, err := c.Packs.ByID(ctx, id)
	if err == nil {
		return p, nil
	}
	for _, fp := range FallbackPacks(c.Cfg) {
		if fp.ID == id {
			fp := fp
			return &fp, nil
		}
	}
	return nil, err
}
