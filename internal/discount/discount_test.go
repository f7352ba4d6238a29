package discount

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itayshmool/ucp-engine/internal/checkout"
	"github.com/itayshmool/ucp-engine/internal/domain"
	"github.com/itayshmool/ucp-engine/internal/logging"
	"github.com/itayshmool/ucp-engine/internal/platform/merchant"
	"github.com/itayshmool/ucp-engine/internal/store"
)

func setup(t *testing.T, catalog *merchant.Catalog) (*Service, *checkout.Sessions) {
	t.Helper()
	sessions := checkout.NewSessions(store.NewMemoryStore(), checkout.DefaultMaxAge, nil)
	return NewService(sessions, catalog, logging.Discard(), nil), sessions
}

func openSession(t *testing.T, sessions *checkout.Sessions, catalog *merchant.Catalog, items ...domain.CartItemRequest) *domain.CheckoutSession {
	t.Helper()
	quote, err := catalog.QuoteCart(context.Background(), "USD", items)
	require.NoError(t, err)
	s, err := sessions.Open(context.Background(), quote)
	require.NoError(t, err)
	return s
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, domain.ErrorCodeOf(err), "error: %v", err)
}

func TestApplyAndRemove_Save10(t *testing.T) {
	catalog := merchant.NewDemoCatalog()
	svc, sessions := setup(t, catalog)
	ctx := context.Background()
	session := openSession(t, sessions, catalog, domain.CartItemRequest{ProductID: "prod_tee", Quantity: 2})
	require.Equal(t, 50.0, session.Totals.Subtotal.Amount)

	result, err := svc.Apply(ctx, session.ID, "SAVE10")
	require.NoError(t, err)
	assert.Equal(t, domain.DiscountPercentage, result.Discount.Type)
	assert.Equal(t, 10.0, result.Discount.Value)
	assert.Equal(t, 5.0, result.Discount.Amount)
	require.NotNil(t, result.Totals.Discount)
	assert.Equal(t, 5.0, result.Totals.Discount.Amount)
	assert.Equal(t, 45.0, result.Totals.Total.Amount)

	got, err := sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionPending, got.Status)

	listed, err := svc.List(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "SAVE10", listed[0].Code)

	totals, err := svc.Remove(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, totals.Discount)
	assert.Equal(t, 0.0, totals.Discount.Amount)
	assert.Equal(t, 50.0, totals.Total.Amount)

	listed, err = svc.List(ctx, session.ID)
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestApply_ReplacesWholesale(t *testing.T) {
	catalog := merchant.NewDemoCatalog()
	svc, sessions := setup(t, catalog)
	ctx := context.Background()
	session := openSession(t, sessions, catalog, domain.CartItemRequest{ProductID: "prod_tee", Quantity: 2})

	_, err := svc.Apply(ctx, session.ID, "save10")
	require.NoError(t, err)

	result, err := svc.Apply(ctx, session.ID, "FLAT5")
	require.NoError(t, err)
	assert.Equal(t, domain.DiscountFixedAmount, result.Discount.Type)
	assert.Equal(t, 45.0, result.Totals.Total.Amount)

	listed, err := svc.List(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "FLAT5", listed[0].Code)
}

func TestApply_SameCodeTwice(t *testing.T) {
	catalog := merchant.NewDemoCatalog()
	svc, sessions := setup(t, catalog)
	session := openSession(t, sessions, catalog, domain.CartItemRequest{ProductID: "prod_tee", Quantity: 1})

	_, err := svc.Apply(context.Background(), session.ID, "SAVE10")
	require.NoError(t, err)
	_, err = svc.Apply(context.Background(), session.ID, " save10 ")
	requireCode(t, err, domain.CodeAlreadyApplied)
}

func TestApply_Rejections(t *testing.T) {
	tests := []struct {
		code string
		want string
	}{
		{"", domain.CodeInvalidCode},
		{"BOGUS", domain.CodeInvalidCode},
		{"EXPIRED20", domain.CodeExpired},
		{"BIG200", domain.CodeMinPurchaseNotMet},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			catalog := merchant.NewDemoCatalog()
			svc, sessions := setup(t, catalog)
			session := openSession(t, sessions, catalog, domain.CartItemRequest{ProductID: "prod_tee", Quantity: 1})

			_, err := svc.Apply(context.Background(), session.ID, tt.code)
			requireCode(t, err, tt.want)

			got, err := sessions.Get(context.Background(), session.ID)
			require.NoError(t, err)
			assert.Nil(t, got.Totals.Discount)
			assert.Equal(t, domain.SessionCreated, got.Status)
		})
	}
}

func TestApply_UsageLimit(t *testing.T) {
	catalog := merchant.NewDemoCatalog()
	svc, sessions := setup(t, catalog)
	a := openSession(t, sessions, catalog, domain.CartItemRequest{ProductID: "prod_tee", Quantity: 1})
	b := openSession(t, sessions, catalog, domain.CartItemRequest{ProductID: "prod_tee", Quantity: 1})

	_, err := svc.Apply(context.Background(), a.ID, "LIMITED")
	require.NoError(t, err)
	_, err = svc.Apply(context.Background(), b.ID, "LIMITED")
	requireCode(t, err, domain.CodeMaxUsesReached)
}

func TestRemove_ReleasesUse(t *testing.T) {
	catalog := merchant.NewDemoCatalog()
	svc, sessions := setup(t, catalog)
	ctx := context.Background()
	session := openSession(t, sessions, catalog, domain.CartItemRequest{ProductID: "prod_tee", Quantity: 1})

	_, err := svc.Apply(ctx, session.ID, "LIMITED")
	require.NoError(t, err)
	assert.Equal(t, 1, catalog.Uses("cpn_limited"))

	_, err = svc.Remove(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, catalog.Uses("cpn_limited"))

	result, err := svc.Apply(ctx, session.ID, "LIMITED")
	require.NoError(t, err)
	assert.Equal(t, "LIMITED", result.Discount.Code)
	assert.Equal(t, 1, catalog.Uses("cpn_limited"))
}

func TestApply_ReplacedCodeIsReleased(t *testing.T) {
	catalog := merchant.NewDemoCatalog()
	svc, sessions := setup(t, catalog)
	ctx := context.Background()
	a := openSession(t, sessions, catalog, domain.CartItemRequest{ProductID: "prod_tee", Quantity: 1})
	b := openSession(t, sessions, catalog, domain.CartItemRequest{ProductID: "prod_tee", Quantity: 1})

	_, err := svc.Apply(ctx, a.ID, "LIMITED")
	require.NoError(t, err)
	_, err = svc.Apply(ctx, a.ID, "SAVE10")
	require.NoError(t, err)

	_, err = svc.Apply(ctx, b.ID, "LIMITED")
	require.NoError(t, err)
}

func TestApply_RejectedQuoteDoesNotBurnUse(t *testing.T) {
	catalog := merchant.NewDemoCatalog()
	catalog.AddCoupon(merchant.Coupon{ID: "cpn_broken", Code: "TOOMUCH", PercentOff: ptr(150), MaxUses: 1})
	svc, sessions := setup(t, catalog)
	session := openSession(t, sessions, catalog, domain.CartItemRequest{ProductID: "prod_tee", Quantity: 1})

	for i := 0; i < 2; i++ {
		_, err := svc.Apply(context.Background(), session.ID, "TOOMUCH")
		requireCode(t, err, domain.CodeNotApplicable)
	}
	assert.Equal(t, 0, catalog.Uses("cpn_broken"))
}

func TestReleaseApplied(t *testing.T) {
	catalog := merchant.NewDemoCatalog()
	svc, sessions := setup(t, catalog)
	ctx := context.Background()
	session := openSession(t, sessions, catalog, domain.CartItemRequest{ProductID: "prod_tee", Quantity: 1})

	_, err := svc.Apply(ctx, session.ID, "LIMITED")
	require.NoError(t, err)
	cancelled, err := sessions.Cancel(ctx, session.ID)
	require.NoError(t, err)

	svc.ReleaseApplied(ctx, cancelled)
	assert.Equal(t, 0, catalog.Uses("cpn_limited"))

	completed := &domain.CheckoutSession{ID: "chk_done", Status: domain.SessionCompleted,
		Discounts: []domain.AppliedDiscount{{Code: "SAVE10"}}}
	svc.ReleaseApplied(ctx, completed)
}

func ptr(v float64) *float64 { return &v }

func TestApply_FreeShipping(t *testing.T) {
	catalog := merchant.NewCatalog(decimal.RequireFromString("7.50"))
	catalog.AddProduct(merchant.Product{ID: "p", Title: "P", Price: decimal.NewFromInt(20)})
	catalog.AddCoupon(merchant.Coupon{ID: "c", Code: "SHIPFREE", FreeShipping: true})
	svc, sessions := setup(t, catalog)
	session := openSession(t, sessions, catalog, domain.CartItemRequest{ProductID: "p", Quantity: 1})
	require.Equal(t, 27.5, session.Totals.Total.Amount)

	result, err := svc.Apply(context.Background(), session.ID, "SHIPFREE")
	require.NoError(t, err)
	assert.Equal(t, domain.DiscountFreeShipping, result.Discount.Type)
	assert.Equal(t, 7.5, result.Discount.Amount)
	assert.Equal(t, 20.0, result.Totals.Total.Amount)
}

func TestApply_ClosedCheckout(t *testing.T) {
	catalog := merchant.NewDemoCatalog()
	svc, sessions := setup(t, catalog)
	session := openSession(t, sessions, catalog, domain.CartItemRequest{ProductID: "prod_tee", Quantity: 1})
	_, err := sessions.Cancel(context.Background(), session.ID)
	require.NoError(t, err)

	_, err = svc.Apply(context.Background(), session.ID, "SAVE10")
	requireCode(t, err, domain.CodeNotApplicable)

	_, err = svc.Remove(context.Background(), session.ID)
	requireCode(t, err, domain.CodeNotApplicable)

	_, err = svc.Apply(context.Background(), "chk_missing", "SAVE10")
	requireCode(t, err, domain.CodeCheckoutNotFound)
}

type brokenBackend struct {
	domain.CommerceBackend
}

func (brokenBackend) RedeemCoupon(context.Context, string, string, domain.Money) (*domain.CouponQuote, error) {
	return nil, errors.Join(domain.ErrUpstream, errors.New("connection refused"))
}

func TestApply_UpstreamFailureIsNotClassified(t *testing.T) {
	catalog := merchant.NewDemoCatalog()
	sessions := checkout.NewSessions(store.NewMemoryStore(), time.Hour, nil)
	svc := NewService(sessions, brokenBackend{catalog}, logging.Discard(), nil)
	session := openSession(t, sessions, catalog, domain.CartItemRequest{ProductID: "prod_tee", Quantity: 1})

	_, err := svc.Apply(context.Background(), session.ID, "SAVE10")
	require.Error(t, err)
	assert.Empty(t, domain.ErrorCodeOf(err))
	assert.ErrorIs(t, err, domain.ErrUpstream)
}

func TestClassifyRejection(t *testing.T) {
	tests := map[string]string{
		"Coupon not found":              domain.CodeInvalidCode,
		"INVALID coupon":                domain.CodeInvalidCode,
		"Invalid: coupon expired":       domain.CodeInvalidCode,
		"This coupon has Expired":       domain.CodeExpired,
		"Expired: usage limit reached":  domain.CodeExpired,
		"Minimum purchase of $100":      domain.CodeMinPurchaseNotMet,
		"Subtotal too low, usage limit": domain.CodeMinPurchaseNotMet,
		"Usage limit reached":           domain.CodeMaxUsesReached,
		"Coupon already redeemed":       domain.CodeAlreadyApplied,
		"Only valid on weekends":        domain.CodeNotApplicable,
		"":                              domain.CodeNotApplicable,
	}
	for msg, want := range tests {
		assert.Equal(t, want, ClassifyRejection(msg), msg)
	}
}

func TestNormalize(t *testing.T) {
	session := &domain.CheckoutSession{
		Currency: "USD",
		Items: []domain.LineItem{
			{ID: "li_1", ProductID: "p1", Total: domain.MoneyFromFloat(33.33, "USD")},
			{ID: "li_2", ProductID: "p2", Total: domain.MoneyFromFloat(10, "USD")},
		},
	}
	pct := func(v float64) *float64 { return &v }

	d, err := Normalize(&domain.CouponQuote{Code: "x", PercentOff: pct(15), AmountOff: pct(100)}, session)
	require.NoError(t, err)
	assert.Equal(t, domain.DiscountPercentage, d.Type, "percentage wins over fixed")
	assert.Equal(t, 6.5, d.Amount)

	d, err = Normalize(&domain.CouponQuote{AmountOff: pct(100)}, session)
	require.NoError(t, err)
	assert.Equal(t, 43.33, d.Amount, "fixed is capped at the subtotal")

	d, err = Normalize(&domain.CouponQuote{PercentOff: pct(50), LineItemIDs: []string{"p2"}}, session)
	require.NoError(t, err)
	assert.Equal(t, domain.ScopeLineItems, d.Scope)
	assert.Equal(t, 5.0, d.Amount)

	_, err = Normalize(&domain.CouponQuote{}, session)
	requireCode(t, err, domain.CodeNotApplicable)

	_, err = Normalize(&domain.CouponQuote{PercentOff: pct(150)}, session)
	requireCode(t, err, domain.CodeNotApplicable)
}
