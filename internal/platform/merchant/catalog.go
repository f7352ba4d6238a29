package merchant

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/itayshmool/ucp-engine/internal/domain"
)

// Product is a sellable item in the in-memory catalog.
type Product struct {
	ID       string
	Title    string
	Price    decimal.Decimal
	ImageURL string
}

// Coupon is a redeemable code in the in-memory catalog.
type Coupon struct {
	ID           string
	Code         string
	Name         string
	PercentOff   *float64
	AmountOff    *float64
	FreeShipping bool
	MinSubtotal  decimal.Decimal
	MaxUses      int
	ExpiresAt    *time.Time
}

// Catalog is an in-memory merchant backend used when no merchant API is
// configured. It prices every product in whatever currency the cart asks for.
type Catalog struct {
	mu       sync.Mutex
	products map[string]Product
	coupons  map[string]*Coupon
	uses     map[string]int
	redeemed map[string]string // checkoutID:CODE -> coupon id
	orders   []*domain.Order
	shipping decimal.Decimal
	now      func() time.Time
}

// NewCatalog creates an empty catalog. shipping is a flat per-cart fee; zero
// means the quote carries no shipping line.
func NewCatalog(shipping decimal.Decimal) *Catalog {
	return &Catalog{
		products: make(map[string]Product),
		coupons:  make(map[string]*Coupon),
		uses:     make(map[string]int),
		redeemed: make(map[string]string),
		shipping: shipping,
		now:      time.Now,
	}
}

// AddProduct adds or replaces a product.
func (c *Catalog) AddProduct(p Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[p.ID] = p
}

// AddCoupon adds or replaces a coupon. Codes match case-insensitively.
func (c *Catalog) AddCoupon(cp Coupon) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.coupons[strings.ToUpper(cp.Code)] = &cp
}

func ptr(v float64) *float64 { return &v }

// NewDemoCatalog seeds the products and coupons the sandbox environment uses.
func NewDemoCatalog() *Catalog {
	c := NewCatalog(decimal.Zero)

	c.AddProduct(Product{ID: "prod_tee", Title: "Classic T-Shirt", Price: decimal.RequireFromString("25.00")})
	c.AddProduct(Product{ID: "prod_mug", Title: "Ceramic Mug", Price: decimal.RequireFromString("12.50")})
	c.AddProduct(Product{ID: "prod_hoodie", Title: "Zip Hoodie", Price: decimal.RequireFromString("59.99")})
	c.AddProduct(Product{ID: "prod_cap", Title: "Baseball Cap", Price: decimal.RequireFromString("18.00")})

	expired := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.AddCoupon(Coupon{ID: "cpn_save10", Code: "SAVE10", Name: "10% off your order", PercentOff: ptr(10)})
	c.AddCoupon(Coupon{ID: "cpn_flat5", Code: "FLAT5", Name: "$5 off", AmountOff: ptr(5)})
	c.AddCoupon(Coupon{ID: "cpn_freeship", Code: "FREESHIP", Name: "Free shipping", FreeShipping: true})
	c.AddCoupon(Coupon{ID: "cpn_expired20", Code: "EXPIRED20", Name: "20% off (ended)", PercentOff: ptr(20), ExpiresAt: &expired})
	c.AddCoupon(Coupon{ID: "cpn_big200", Code: "BIG200", Name: "$30 off orders over $200", AmountOff: ptr(30),
		MinSubtotal: decimal.NewFromInt(200)})
	c.AddCoupon(Coupon{ID: "cpn_limited", Code: "LIMITED", Name: "15% off, first customer only", PercentOff: ptr(15), MaxUses: 1})

	return c
}

// QuoteCart prices the requested items.
func (c *Catalog) QuoteCart(_ context.Context, currency string, items []domain.CartItemRequest) (*domain.CartQuote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	currency = strings.ToUpper(currency)
	quote := &domain.CartQuote{Currency: currency}
	for i, item := range items {
		p, ok := c.products[item.ProductID]
		if !ok {
			return nil, fmt.Errorf("product %s: %w", item.ProductID, domain.ErrNotFound)
		}
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("product %s: quantity must be positive: %w", item.ProductID, domain.ErrValidation)
		}
		quote.Items = append(quote.Items, domain.LineItem{
			ID:        fmt.Sprintf("li_%d", i+1),
			ProductID: p.ID,
			Title:     p.Title,
			Quantity:  item.Quantity,
			UnitPrice: domain.NewMoney(p.Price, currency),
			Total:     domain.NewMoney(p.Price.Mul(decimal.NewFromInt(int64(item.Quantity))), currency),
			ImageURL:  p.ImageURL,
		})
	}
	if c.shipping.IsPositive() {
		shipping := domain.NewMoney(c.shipping, currency)
		quote.Shipping = &shipping
	}
	return quote, nil
}

// RedeemCoupon checks code against the catalog and counts a use on success.
func (c *Catalog) RedeemCoupon(_ context.Context, checkoutID string, code string, subtotal domain.Money) (*domain.CouponQuote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	code = strings.ToUpper(strings.TrimSpace(code))
	cp, ok := c.coupons[code]
	if !ok {
		return nil, &domain.CouponRejection{Reason: fmt.Sprintf("Coupon code %q not found", code)}
	}
	if cp.ExpiresAt != nil && !c.now().Before(*cp.ExpiresAt) {
		return nil, &domain.CouponRejection{Reason: "This coupon has expired"}
	}
	if cp.MinSubtotal.IsPositive() && subtotal.Decimal().LessThan(cp.MinSubtotal) {
		return nil, &domain.CouponRejection{
			Reason: fmt.Sprintf("Order subtotal must be at least the minimum of %s", cp.MinSubtotal.StringFixed(2)),
		}
	}
	key := redemptionKey(checkoutID, code)
	if _, again := c.redeemed[key]; !again {
		if cp.MaxUses > 0 && c.uses[cp.ID] >= cp.MaxUses {
			return nil, &domain.CouponRejection{Reason: "Coupon usage limit reached"}
		}
		c.uses[cp.ID]++
		c.redeemed[key] = cp.ID
	}

	return &domain.CouponQuote{
		ID:           cp.ID,
		Code:         cp.Code,
		Name:         cp.Name,
		PercentOff:   cp.PercentOff,
		AmountOff:    cp.AmountOff,
		FreeShipping: cp.FreeShipping,
	}, nil
}

// ReleaseCoupon returns the use the checkout took for code.
func (c *Catalog) ReleaseCoupon(_ context.Context, checkoutID, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := redemptionKey(checkoutID, strings.ToUpper(strings.TrimSpace(code)))
	id, ok := c.redeemed[key]
	if !ok {
		return nil
	}
	delete(c.redeemed, key)
	if c.uses[id] > 0 {
		c.uses[id]--
	}
	return nil
}

// Uses reports how many redemptions of a coupon are outstanding.
func (c *Catalog) Uses(couponID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uses[couponID]
}

func redemptionKey(checkoutID, code string) string {
	return checkoutID + ":" + code
}

// PublishOrder records the order locally.
func (c *Catalog) PublishOrder(_ context.Context, order *domain.Order) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders = append(c.orders, order)
	return nil
}

// Orders returns the orders published so far.
func (c *Catalog) Orders() []*domain.Order {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*domain.Order(nil), c.orders...)
}
