// Package domain contains the core business entities and interfaces for the UCP engine.
package domain

import "context"

// CommerceBackend is the merchant platform: the source of truth for pricing
// and coupon validity.
// This is a "port" in hexagonal architecture - the domain defines what it needs,
// and infrastructure provides the implementation.
type CommerceBackend interface {
	// QuoteCart prices the requested products in the given currency.
	QuoteCart(ctx context.Context, currency string, items []CartItemRequest) (*CartQuote, error)

	// RedeemCoupon asks the backend whether code can apply to the checkout.
	// A rejected coupon is returned as an error whose message describes why;
	// the discount extension classifies that message.
	// Redeeming the same code twice for one checkout counts a single use.
	RedeemCoupon(ctx context.Context, checkoutID, code string, subtotal Money) (*CouponQuote, error)

	// ReleaseCoupon gives back a use taken by RedeemCoupon for the checkout.
	// Releasing a code that was never redeemed is not an error.
	ReleaseCoupon(ctx context.Context, checkoutID, code string) error
}

// OrderPublisher pushes synthesized orders to the merchant platform.
type OrderPublisher interface {
	PublishOrder(ctx context.Context, order *Order) error
}

// HostedCheckout is a PSP that can create a hosted payment page.
type HostedCheckout interface {
	// CreateHostedPayment returns the URL the buyer is redirected to.
	CreateHostedPayment(ctx context.Context, req HostedPaymentRequest) (string, error)
}

// HostedPaymentRequest carries what a PSP needs to open a hosted payment page.
type HostedPaymentRequest struct {
	CheckoutID   string
	InstrumentID string
	Title        string
	Amount       float64
	Currency     string
	ReturnURL    string
}

// CouponRejection is returned by RedeemCoupon when the backend refuses a code.
// Reason is the backend's own wording.
type CouponRejection struct {
	Reason string
}

func (e *CouponRejection) Error() string { return e.Reason }
