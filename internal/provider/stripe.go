// Package provider wraps the payment provider SDK behind a narrow
// client interface.  Provider calls are plain network I/O and are never
// made while a database transaction is open.
package provider

import (
	"context"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/charge"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/price"
)

// Client is the provider surface the billing core consumes.
type Client interface {
	RetrieveSession(ctx context.Context, id string) (*stripe.CheckoutSession, error)
	RetrieveCharge(ctx context.Context, id string) (*stripe.Charge, error)
	ListActivePrices(ctx context.Context) ([]*stripe.Price, error)
	CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// StripeClient implements Client against the live Stripe API.  The
// global API key is set once at startup via Init.
type StripeClient struct{}

// Init configures the SDK's secret key.
func Init(secretKey string) { stripe.Key = secretKey }

// NewStripeClient returns a live provider client.
func NewStripeClient() *StripeClient { return &StripeClient{} }

func (c *StripeClient) RetrieveSession(ctx context.Context, id string) (*stripe.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("line_items")
	return checkoutsession.Get(id, params)
}

func (c *StripeClient) RetrieveCharge(ctx context.Context, id string) (*stripe.Charge, error) {
	params := &stripe.ChargeParams{}
	params.Context = ctx
	return charge.Get(id, params)
}

func (c *StripeClient) ListActivePrices(ctx context.Context) ([]*stripe.Price, error) {
	params := &stripe.PriceListParams{Active: stripe.Bool(true)}
	params.Context = ctx
	iter := price.List(params)
	var out []*stripe.Price
	for iter.Next() {
		out = append(out, iter.Price())
	}
	return out, iter.Err()
}

func (c *StripeClient) CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	params.Context = ctx
	return checkoutsession.New(params)
}
