package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itayshmool/ucp-engine/internal/domain"
	"github.com/itayshmool/ucp-engine/internal/idempotency"
	"github.com/itayshmool/ucp-engine/internal/logging"
	"github.com/itayshmool/ucp-engine/internal/payment"
	"github.com/itayshmool/ucp-engine/internal/platform/merchant"
	"github.com/itayshmool/ucp-engine/internal/store"
)

type fixture struct {
	kv       *store.MemoryStore
	sessions *Sessions
	payments *payment.Service
	svc      *Service
	catalog  *merchant.Catalog
	now      time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		kv:      store.NewMemoryStore(),
		catalog: merchant.NewDemoCatalog(),
		now:     time.Now().UTC(),
	}
	clock := func() time.Time { return f.now }
	idem := idempotency.New(f.kv, time.Hour)
	f.sessions = NewSessions(f.kv, DefaultMaxAge, clock)
	f.payments = payment.NewService(payment.NewDefaultRegistry(nil, "http://localhost"), f.kv, idem,
		logging.Discard(), payment.WithClock(clock))
	f.svc = NewService(f.sessions, f.payments, f.kv, idem, f.catalog, cfg, logging.Discard(), nil)
	return f
}

// open creates a session with one T-shirt ($25.00) times qty.
func (f *fixture) open(t *testing.T, qty int) *domain.CheckoutSession {
	t.Helper()
	quote, err := f.catalog.QuoteCart(context.Background(), "USD", []domain.CartItemRequest{{ProductID: "prod_tee", Quantity: qty}})
	require.NoError(t, err)
	session, err := f.sessions.Open(context.Background(), quote)
	require.NoError(t, err)
	return session
}

func (f *fixture) mint(t *testing.T, checkoutID string, amount float64, currency string) *domain.MintedInstrument {
	t.Helper()
	ins, err := f.payments.Mint(context.Background(), payment.MintRequest{
		CheckoutID:  checkoutID,
		HandlerID:   payment.HandlerSandbox,
		Amount:      amount,
		Currency:    currency,
		PaymentData: map[string]string{"card_number": payment.TestCardSuccess},
	})
	require.NoError(t, err)
	return ins
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, domain.ErrorCodeOf(err), "error: %v", err)
}

func TestSessions_OpenComputesTotals(t *testing.T) {
	f := newFixture(t, Config{})
	session := f.open(t, 2)

	assert.Equal(t, domain.SessionCreated, session.Status)
	assert.Equal(t, "USD", session.Currency)
	assert.Equal(t, 50.0, session.Totals.Subtotal.Amount)
	assert.Equal(t, 50.0, session.Totals.Total.Amount)
	assert.Equal(t, "$50.00", session.Totals.Total.Formatted)

	_, err := f.sessions.Open(context.Background(), &domain.CartQuote{Currency: "USD"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestSessions_AgedOutReadsExpired(t *testing.T) {
	f := newFixture(t, Config{})
	session := f.open(t, 1)

	f.now = f.now.Add(DefaultMaxAge + time.Minute)
	got, err := f.sessions.Get(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionExpired, got.Status)

	_, err = f.sessions.Cancel(context.Background(), session.ID)
	requireCode(t, err, domain.CodeCheckoutExpired)
}

func TestSessions_GetMissing(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.sessions.Get(context.Background(), "chk_missing")
	requireCode(t, err, domain.CodeCheckoutNotFound)
}

func TestTransition(t *testing.T) {
	tests := []struct {
		from, to domain.SessionStatus
		ok       bool
	}{
		{domain.SessionCreated, domain.SessionPending, true},
		{domain.SessionCreated, domain.SessionCompleted, true},
		{domain.SessionPending, domain.SessionPending, true},
		{domain.SessionPending, domain.SessionCancelled, true},
		{domain.SessionPending, domain.SessionCreated, false},
		{domain.SessionCompleted, domain.SessionCancelled, false},
		{domain.SessionCompleted, domain.SessionCompleted, false},
		{domain.SessionCancelled, domain.SessionPending, false},
		{domain.SessionExpired, domain.SessionCompleted, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			s := &domain.CheckoutSession{Status: tt.from}
			err := Transition(s, tt.to, time.Now())
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.to, s.Status)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
				assert.Equal(t, tt.from, s.Status)
			}
		})
	}
}

func TestSessions_Cancel(t *testing.T) {
	f := newFixture(t, Config{})
	session := f.open(t, 1)

	cancelled, err := f.sessions.Cancel(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCancelled, cancelled.Status)

	_, err = f.sessions.Cancel(context.Background(), session.ID)
	requireCode(t, err, domain.CodeCheckoutExpired)
}

func TestComplete_HappyPath(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	session := f.open(t, 2)
	ins := f.mint(t, session.ID, 50, "USD")

	result, err := f.svc.Complete(ctx, session.ID, CompleteRequest{
		InstrumentID:    ins.ID,
		ShippingAddress: &domain.Address{Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US"},
		BuyerNote:       "leave at door",
	})
	require.NoError(t, err)

	assert.Equal(t, "#1001", result.Order.OrderNumber)
	assert.Equal(t, session.ID, result.Order.CheckoutID)
	assert.Equal(t, 50.0, result.Order.Totals.Total.Amount)
	assert.Equal(t, "Visa", result.Order.Payment.Display.Brand)
	assert.Equal(t, "leave at door", result.Order.BuyerNote)
	assert.Equal(t, ins.ID, result.Transaction.InstrumentID)
	assert.Equal(t, 50.0, result.Transaction.Amount.Amount)

	used, err := f.payments.Get(ctx, ins.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstrumentUsed, used.Status)

	completed, err := f.sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, completed.Status)
	assert.Equal(t, result.Order.ID, completed.OrderID)
	require.NotNil(t, completed.CompletedAt)

	order, err := f.svc.GetOrder(ctx, result.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, result.Order.OrderNumber, order.OrderNumber)

	require.Len(t, f.catalog.Orders(), 1)
}

func TestComplete_OrderNumbersAreMonotonic(t *testing.T) {
	f := newFixture(t, Config{})
	var numbers []string
	for i := 0; i < 3; i++ {
		session := f.open(t, 1)
		ins := f.mint(t, session.ID, 25, "USD")
		result, err := f.svc.Complete(context.Background(), session.ID, CompleteRequest{InstrumentID: ins.ID})
		require.NoError(t, err)
		numbers = append(numbers, result.Order.OrderNumber)
	}
	assert.Equal(t, []string{"#1001", "#1002", "#1003"}, numbers)
}

func TestComplete_AlreadyCompleted(t *testing.T) {
	f := newFixture(t, Config{})
	session := f.open(t, 1)
	ins := f.mint(t, session.ID, 25, "USD")

	_, err := f.svc.Complete(context.Background(), session.ID, CompleteRequest{InstrumentID: ins.ID})
	require.NoError(t, err)

	other := f.mint(t, session.ID, 25, "USD")
	_, err = f.svc.Complete(context.Background(), session.ID, CompleteRequest{InstrumentID: other.ID})
	requireCode(t, err, domain.CodeCheckoutAlreadyCompleted)
}

func TestComplete_StaleCheckout(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	stale := &domain.CheckoutSession{
		ID:       "chk_stale",
		Status:   domain.SessionCreated,
		Currency: "USD",
		Items: []domain.LineItem{{
			ID: "li_1", ProductID: "prod_tee", Title: "Classic T-Shirt", Quantity: 1,
			UnitPrice: domain.MoneyFromFloat(25, "USD"), Total: domain.MoneyFromFloat(25, "USD"),
		}},
		CreatedAt: f.now.Add(-25 * time.Hour),
		UpdatedAt: f.now.Add(-25 * time.Hour),
	}
	RecalculateTotals(stale)
	require.NoError(t, f.sessions.Put(ctx, stale))
	ins := f.mint(t, stale.ID, 25, "USD")

	_, err := f.svc.Complete(ctx, stale.ID, CompleteRequest{InstrumentID: ins.ID})
	requireCode(t, err, domain.CodeCheckoutExpired)

	stored, err := f.sessions.sessions.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionExpired, stored.Status, "expiry is written back")

	got, err := f.payments.Get(ctx, ins.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstrumentActive, got.Status)
}

func TestComplete_NotFound(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.svc.Complete(context.Background(), "chk_nope", CompleteRequest{InstrumentID: "ins_x"})
	requireCode(t, err, domain.CodeCheckoutNotFound)

	session := f.open(t, 1)
	_, err = f.svc.Complete(context.Background(), session.ID, CompleteRequest{InstrumentID: "ins_missing"})
	requireCode(t, err, domain.CodeInstrumentNotFound)

	_, err = f.svc.Complete(context.Background(), session.ID, CompleteRequest{})
	requireCode(t, err, domain.CodeInstrumentInvalid)
}

func TestComplete_PropagatesInstrumentErrors(t *testing.T) {
	f := newFixture(t, Config{})
	session := f.open(t, 1)

	wrongAmount := f.mint(t, session.ID, 20, "USD")
	_, err := f.svc.Complete(context.Background(), session.ID, CompleteRequest{InstrumentID: wrongAmount.ID})
	requireCode(t, err, domain.CodeInvalidAmount)

	wrongCurrency := f.mint(t, session.ID, 25, "EUR")
	_, err = f.svc.Complete(context.Background(), session.ID, CompleteRequest{InstrumentID: wrongCurrency.ID})
	requireCode(t, err, domain.CodeUnsupportedCurrency)

	expired := f.mint(t, session.ID, 25, "USD")
	f.now = f.now.Add(payment.SandboxTTL)
	_, err = f.svc.Complete(context.Background(), session.ID, CompleteRequest{InstrumentID: expired.ID})
	requireCode(t, err, domain.CodeInstrumentExpired)
}

func TestComplete_InstrumentForOtherCheckout(t *testing.T) {
	f := newFixture(t, Config{})
	a := f.open(t, 1)
	b := f.open(t, 1)
	ins := f.mint(t, a.ID, 25, "USD")

	_, err := f.svc.Complete(context.Background(), b.ID, CompleteRequest{InstrumentID: ins.ID})
	requireCode(t, err, domain.CodeInstrumentInvalid)
}

func TestComplete_IdempotentReplay(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	session := f.open(t, 1)
	ins := f.mint(t, session.ID, 25, "USD")
	req := CompleteRequest{InstrumentID: ins.ID, IdempotencyKey: "complete-1"}

	first, err := f.svc.Complete(ctx, session.ID, req)
	require.NoError(t, err)

	second, err := f.svc.Complete(ctx, session.ID, req)
	require.NoError(t, err)

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	assert.Equal(t, string(a), string(b))
	assert.Len(t, f.catalog.Orders(), 1, "exactly one order")
}

func TestComplete_ConcurrentDoubleSpend(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	session := f.open(t, 1)
	ins := f.mint(t, session.ID, 25, "USD")

	const workers = 8
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Complete(ctx, session.ID, CompleteRequest{InstrumentID: ins.ID})
			if err == nil {
				wins.Add(1)
				return
			}
			code := domain.ErrorCodeOf(err)
			assert.Contains(t, []string{
				domain.CodePaymentFailed,
				domain.CodeInstrumentAlreadyUsed,
				domain.CodeCheckoutAlreadyCompleted,
			}, code)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Len(t, f.catalog.Orders(), 1)
}

func TestComplete_AdhocCheckout(t *testing.T) {
	f := newFixture(t, Config{AllowAdhoc: true})
	ins := f.mint(t, "chk_adhoc", 12.34, "EUR")

	result, err := f.svc.Complete(context.Background(), "chk_adhoc", CompleteRequest{InstrumentID: ins.ID})
	require.NoError(t, err)
	require.Len(t, result.Order.Items, 1)
	assert.Equal(t, 12.34, result.Order.Totals.Total.Amount)
	assert.Equal(t, "EUR", result.Order.Currency)
}

type failingInstruments struct {
	Instruments
	released atomic.Int32
}

func (f *failingInstruments) Release(ctx context.Context, id string) error {
	f.released.Add(1)
	return f.Instruments.Release(ctx, id)
}

type failingCounter struct {
	store.KeyValueStore
}

func (failingCounter) Incr(context.Context, string) (int64, error) {
	return 0, errors.New("counter unavailable")
}

func TestComplete_ReleasesInstrumentWhenOrderFails(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	session := f.open(t, 1)
	ins := f.mint(t, session.ID, 25, "USD")

	tracked := &failingInstruments{Instruments: f.payments}
	svc := NewService(f.sessions, tracked, failingCounter{f.kv}, idempotency.New(f.kv, time.Hour), nil,
		Config{}, logging.Discard(), nil)

	_, err := svc.Complete(ctx, session.ID, CompleteRequest{InstrumentID: ins.ID})
	requireCode(t, err, domain.CodeOrderCreationFailed)
	assert.Equal(t, int32(1), tracked.released.Load())

	got, err := f.payments.Get(ctx, ins.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstrumentActive, got.Status)

	// The released instrument still completes through a healthy service.
	_, err = f.svc.Complete(ctx, session.ID, CompleteRequest{InstrumentID: ins.ID})
	require.NoError(t, err)
}
