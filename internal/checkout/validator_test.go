package checkout

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"

	"github.com/quizforge/billing/internal/config"
	"github.com/quizforge/billing/internal/model"
	"github.com/quizforge/billing/internal/repository"
)

type stubPacks struct {
	packs map[string]model.ProductPack
}

func (s *stubPacks) ListActive(ctx context.Context) ([]model.ProductPack, error) {
	var out []model.ProductPack
	for _, p := range s.packs {
		out = append(out, p)
	}
	return out, nil
}

func (s *stubPacks) ByID(ctx context.Context, id string) (*model.ProductPack, error) {
	p, ok := s.packs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (s *stubPacks) ByProviderPriceID(ctx context.Context, priceID string) (*model.ProductPack, error) {
	for _, p := range s.packs {
		if p.ProviderPriceID == priceID {
			return &p, nil
		}
	}
	return nil, repository.ErrNotFound
}

func testCatalog() *Catalog {
	return NewCatalog(&stubPacks{packs: map[string]model.ProductPack{
		"small": {ID: "small", ProviderPriceID: "price_small", Tokens: 500, PriceCents: 500, Currency: "usd", Active: true},
		"large": {ID: "large", ProviderPriceID: "price_large", Tokens: 5000, PriceCents: 3500, Currency: "usd", Active: true},
	}}, config.BillingConfig{})
}

func session(amount int64, currency string, meta map[string]string) *stripe.CheckoutSession {
	return &stripe.CheckoutSession{
		ID:          "cs_test",
		AmountTotal: amount,
		Currency:    stripe.Currency(currency),
		Metadata:    meta,
	}
}

func TestValidateHappyPath(t *testing.T) {
	v := NewValidator(testCatalog(), true)
	val, err := v.Validate(context.Background(), session(500, "usd", map[string]string{"pack_id": "small"}))
	require.NoError(t, err)
	assert.Equal(t, int64(500), val.TotalTokens)
	assert.Equal(t, int64(500), val.TotalAmountCents)
	assert.Equal(t, "usd", val.Currency)
}

func TestValidateCurrencyCompareIsCaseInsensitive(t *testing.T) {
	v := NewValidator(testCatalog(), true)
	_, err := v.Validate(context.Background(), session(500, "USD", map[string]string{"pack_id": "small"}))
	assert.NoError(t, err)
}

func TestValidateCurrencyMismatch(t *testing.T) {
	v := NewValidator(testCatalog(), true)
	_, err := v.Validate(context.Background(), session(500, "eur", map[string]string{"pack_id": "small"}))
	var invalid *InvalidSessionError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Reason, "currency mismatch")
}

func TestValidateStrictAmountMismatch(t *testing.T) {
	v := NewValidator(testCatalog(), true)
	_, err := v.Validate(context.Background(), session(499, "usd", map[string]string{"pack_id": "small"}))
	var invalid *InvalidSessionError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Reason, "amount mismatch")
}

func TestValidateLenientAmountTrustsSession(t *testing.T) {
	v := NewValidator(testCatalog(), false)
	val, err := v.Validate(context.Background(), session(450, "usd", map[string]string{"pack_id": "small"}))
	require.NoError(t, err)
	assert.Equal(t, int64(450), val.TotalAmountCents)
	assert.Equal(t, int64(500), val.TotalTokens)
}

func TestValidateAdditionalPacks(t *testing.T) {
	v := NewValidator(testCatalog(), true)
	val, err := v.Validate(context.Background(), session(4000, "usd", map[string]string{
		"pack_id":             "small",
		"additional_pack_ids": "large",
	}))
	require.NoError(t, err)
	assert.Equal(t, int64(5500), val.TotalTokens)
	assert.Equal(t, int64(4000), val.TotalAmountCents)
	assert.Len(t, val.AdditionalPacks, 1)
}

func TestValidateMissingPack(t *testing.T) {
	v := NewValidator(testCatalog(), true)
	_, err := v.Validate(context.Background(), session(500, "usd", map[string]string{}))
	var invalid *InvalidSessionError
	require.ErrorAs(t, err, &invalid)

	_, err = v.Validate(context.Background(), session(500, "usd", map[string]string{"pack_id": "mega"}))
	require.ErrorAs(t, err, &invalid)
}

func TestFallbackPacksFromConfig(t *testing.T) {
	empty := NewCatalog(&stubPacks{packs: map[string]model.ProductPack{}}, config.BillingConfig{
		FallbackCurrency:    "usd",
		FallbackPriceSmall:  "price_s",
		FallbackPriceMedium: "price_m",
	})
	packs, err := empty.Active(context.Background())
	require.NoError(t, err)
	assert.Len(t, packs, 2) // large has no configured price id

	p, err := empty.ByID(context.Background(), "small")
	require.NoError(t, err)
	assert.Equal(t, "price_s", p.ProviderPriceID)
}
