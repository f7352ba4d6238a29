// Package domain contains the core business entities and interfaces for the UCP engine.
// This is the innermost layer - it has no dependencies on transport or storage.
package domain

import "time"

// Capability is a named, versioned protocol feature. An extension names its
// parent capability in Extends.
type Capability struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
	SpecURL string `json:"spec_url,omitempty" yaml:"spec_url"`
	Extends string `json:"extends,omitempty" yaml:"extends"`
}

// HandlerCapability is a feature a payment handler offers.
type HandlerCapability string

const (
	HandlerTokenization   HandlerCapability = "tokenization"
	HandlerRedirect       HandlerCapability = "redirect"
	HandlerDirect         HandlerCapability = "direct"
	HandlerSubscription   HandlerCapability = "subscription"
	HandlerRefund         HandlerCapability = "refund"
	HandlerPartialCapture HandlerCapability = "partial_capture"
)

// InstrumentType categorizes a minted instrument.
type InstrumentType string

const (
	InstrumentCard         InstrumentType = "card"
	InstrumentWallet       InstrumentType = "wallet"
	InstrumentBankTransfer InstrumentType = "bank_transfer"
	InstrumentRedirect     InstrumentType = "redirect"
	InstrumentSandbox      InstrumentType = "sandbox"
)

// PaymentHandler is a catalog entry describing how a Platform can pay.
type PaymentHandler struct {
	ID                  string              `json:"id"`
	Name                string              `json:"name"`
	Type                InstrumentType      `json:"type"`
	Capabilities        []HandlerCapability `json:"capabilities"`
	SupportedCurrencies []string            `json:"supported_currencies"`
	SupportedCountries  []string            `json:"supported_countries"`
	Enabled             bool                `json:"enabled"`
}

// InstrumentStatus is the lifecycle state of a minted instrument.
type InstrumentStatus string

const (
	InstrumentActive    InstrumentStatus = "active"
	InstrumentUsed      InstrumentStatus = "used"
	InstrumentExpired   InstrumentStatus = "expired"
	InstrumentCancelled InstrumentStatus = "cancelled"
)

// InstrumentDisplay is the non-sensitive part of a credential shown to buyers.
type InstrumentDisplay struct {
	Brand       string `json:"brand,omitempty"`
	Last4       string `json:"last4,omitempty"`
	ExpiryMonth int    `json:"expiry_month,omitempty"`
	ExpiryYear  int    `json:"expiry_year,omitempty"`
	WalletType  string `json:"wallet_type,omitempty"`
}

// MintedInstrument is a short-lived, single-use payment credential bound to
// one checkout's amount and currency.
type MintedInstrument struct {
	ID          string             `json:"id"`
	HandlerID   string             `json:"handler_id"`
	CheckoutID  string             `json:"checkout_id"`
	Type        InstrumentType     `json:"type"`
	Token       string             `json:"token"`
	Display     *InstrumentDisplay `json:"display,omitempty"`
	Amount      float64            `json:"amount"`
	Currency    string             `json:"currency"`
	ExpiresAt   time.Time          `json:"expires_at"`
	Status      InstrumentStatus   `json:"status"`
	RedirectURL string             `json:"redirect_url,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UsedAt      *time.Time         `json:"used_at,omitempty"`
	Metadata    map[string]string  `json:"metadata,omitempty"`
}

// IsExpired reports whether the instrument is past expiry. The stored status
// is not consulted: expiresAt is authoritative.
func (i *MintedInstrument) IsExpired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// SessionStatus is the lifecycle state of a checkout session.
type SessionStatus string

const (
	SessionCreated   SessionStatus = "created"
	SessionPending   SessionStatus = "pending"
	SessionCompleted SessionStatus = "completed"
	SessionExpired   SessionStatus = "expired"
	SessionCancelled SessionStatus = "cancelled"
)

// IsTerminal reports whether no further mutation is permitted.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionExpired || s == SessionCancelled
}

// LineItem is a priced product in a checkout.
type LineItem struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
	Title     string `json:"title"`
	Quantity  int    `json:"quantity"`
	UnitPrice Money  `json:"unit_price"`
	Total     Money  `json:"total"`
	ImageURL  string `json:"image_url,omitempty"`
}

// Totals is the pricing breakdown of a checkout.
type Totals struct {
	Subtotal Money  `json:"subtotal"`
	Discount *Money `json:"discount,omitempty"`
	Shipping *Money `json:"shipping,omitempty"`
	Tax      *Money `json:"tax,omitempty"`
	Total    Money  `json:"total"`
}

// DiscountType is the normalized kind of a discount.
type DiscountType string

const (
	DiscountPercentage   DiscountType = "percentage"
	DiscountFixedAmount  DiscountType = "fixed_amount"
	DiscountFreeShipping DiscountType = "free_shipping"
)

// DiscountScope says what a discount applies to.
type DiscountScope string

const (
	ScopeOrder     DiscountScope = "order"
	ScopeLineItems DiscountScope = "line_items"
)

// AppliedDiscount is a discount attached to a session's totals.
type AppliedDiscount struct {
	ID       string        `json:"id"`
	Code     string        `json:"code,omitempty"`
	Name     string        `json:"name"`
	Type     DiscountType  `json:"type"`
	Scope    DiscountScope `json:"scope"`
	Value    float64       `json:"value"`
	Amount   float64       `json:"amount"`
	Currency string        `json:"currency"`
}

// CheckoutSession is the state tracked for one checkout.
type CheckoutSession struct {
	ID          string            `json:"id"`
	Status      SessionStatus     `json:"status"`
	Items       []LineItem        `json:"items"`
	Totals      Totals            `json:"totals"`
	Currency    string            `json:"currency"`
	Discounts   []AppliedDiscount `json:"discounts,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	OrderID     string            `json:"order_id,omitempty"`
}

// Address is a postal address supplied at completion.
type Address struct {
	Name       string `json:"name,omitempty"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// OrderPayment records how an order was paid.
type OrderPayment struct {
	InstrumentID string             `json:"instrument_id"`
	HandlerID    string             `json:"handler_id"`
	Display      *InstrumentDisplay `json:"display,omitempty"`
}

// Order is the artifact synthesized by a successful completion.
type Order struct {
	ID              string            `json:"id"`
	OrderNumber     string            `json:"order_number"`
	CheckoutID      string            `json:"checkout_id"`
	Status          string            `json:"status"`
	Items           []LineItem        `json:"items"`
	Totals          Totals            `json:"totals"`
	Currency        string            `json:"currency"`
	Discounts       []AppliedDiscount `json:"discounts,omitempty"`
	BillingAddress  *Address          `json:"billing_address,omitempty"`
	ShippingAddress *Address          `json:"shipping_address,omitempty"`
	BuyerNote       string            `json:"buyer_note,omitempty"`
	Payment         OrderPayment      `json:"payment"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Transaction is the payment record returned alongside an order.
type Transaction struct {
	ID           string    `json:"id"`
	InstrumentID string    `json:"instrument_id"`
	HandlerID    string    `json:"handler_id"`
	Amount       Money     `json:"amount"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// CompletionResult is the full response of a checkout completion.
type CompletionResult struct {
	Order       Order       `json:"order"`
	Transaction Transaction `json:"transaction"`
}

// CartItemRequest asks the merchant backend to price a product.
type CartItemRequest struct {
	ProductID string `json:"product_id" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required,gt=0"`
}

// CartQuote is the merchant backend's priced view of a cart.
type CartQuote struct {
	Currency string     `json:"currency"`
	Items    []LineItem `json:"items"`
	Shipping *Money     `json:"shipping,omitempty"`
	Tax      *Money     `json:"tax,omitempty"`
}

// CouponQuote is the raw coupon outcome returned by the merchant backend.
// At most one of the discount fields is expected, but normalization picks the
// first populated in the order PercentOff, AmountOff, FreeShipping.
type CouponQuote struct {
	ID           string   `json:"id"`
	Code         string   `json:"code"`
	Name         string   `json:"name"`
	PercentOff   *float64 `json:"percent_off,omitempty"`
	AmountOff    *float64 `json:"amount_off,omitempty"`
	FreeShipping bool     `json:"free_shipping,omitempty"`
	LineItemIDs  []string `json:"line_item_ids,omitempty"`
}
