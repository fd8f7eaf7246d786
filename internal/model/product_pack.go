package model

// ProductPack describes a purchasable token bundle.  Packs are read-only
// from the ledger's perspective; the catalog is maintained by an external
// sync against the provider's price list, with a configuration fallback
// used when the table is empty.
//
// Fields:
//  ID              – internal pack identifier (e.g. "small").
//  ProviderPriceID – provider price object backing this pack; unique.
//  Tokens          – tokens credited when the pack is purchased.
//  PriceCents      – pack price.
//  Currency        – lower-case ISO currency code.
//  Active          – whether the pack is currently sellable.
type ProductPack struct {
	ID              string // product_packs.id
	ProviderPriceID string // product_packs.provider_price_id
	Tokens          int64  // product_packs.tokens
	PriceCents      int64  // product_packs.price_cents
	Currency        string // product_packs.currency
	Active          bool   // product_packs.active
}
