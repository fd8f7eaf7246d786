package config

import "strings"

// BillingConfig defines settings for checkout validation and the refund
// policy.  RefundPolicy selects the single process-wide clawback mode.
// StrictAmountValidation rejects checkout sessions whose charged amount
// does not match the pack price exactly.  The Fallback* fields describe
// the catalog used when the product_packs table is empty.
type BillingConfig struct {
	RefundPolicy           string
	StrictAmountValidation bool
	PublishableKey         string
	FallbackCurrency       string
	FallbackPriceSmall     string
	FallbackPriceMedium    string
	FallbackPriceLarge     string
}

// Refund policy modes.  See the refund package for their semantics.
const (
	PolicyAllowNegativeBalance = "ALLOW_NEGATIVE_BALANCE"
	PolicyCapByUnspentTokens   = "CAP_BY_UNSPENT_TOKENS"
	PolicyBlockIfTokensSpent   = "BLOCK_IF_TOKENS_SPENT"
)

// LoadBillingConfig reads environment variables to build a BillingConfig.
// An unrecognized REFUND_POLICY falls back to CAP_BY_UNSPENT_TOKENS.
func LoadBillingConfig() BillingConfig {
	policy := strings.ToUpper(getenv("REFUND_POLICY", PolicyCapByUnspentTokens))
	switch policy {
	case PolicyAllowNegativeBalance, PolicyCapByUnspentTokens, PolicyBlockIfTokensSpent:
	default:
		policy = PolicyCapByUnspentTokens
	}
	return BillingConfig{
		RefundPolicy:           policy,
		StrictAmountValidation: getenv("BILLING_STRICT_AMOUNT_VALIDATION", "true") == "true",
		PublishableKey:         getenv("PROVIDER_PUBLISHABLE_KEY", ""),
		FallbackCurrency:       strings.ToLower(getenv("BILLING_FALLBACK_CURRENCY", "usd")),
		FallbackPriceSmall:     getenv("PRICE_SMALL", ""),
		FallbackPriceMedium:    getenv("PRICE_MEDIUM", ""),
		FallbackPriceLarge:     getenv("PRICE_LARGE", ""),
	}
}
