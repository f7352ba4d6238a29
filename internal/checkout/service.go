package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/itayshmool/ucp-engine/internal/domain"
	"github.com/itayshmool/ucp-engine/internal/idempotency"
	"github.com/itayshmool/ucp-engine/internal/metrics"
	"github.com/itayshmool/ucp-engine/internal/store"
)

const (
	idempotencyScope = "complete"
	orderPrefix      = "order:"
	orderSequenceKey = "order:seq"
	orderNumberBase  = 1000
)

// Instruments is what completion needs from the instrument service.
type Instruments interface {
	Get(ctx context.Context, id string) (*domain.MintedInstrument, error)
	Reserve(ctx context.Context, id, checkoutID string, amount float64, currency string) (*domain.MintedInstrument, error)
	Release(ctx context.Context, id string) error
}

// CompleteRequest is the input to Service.Complete.
type CompleteRequest struct {
	InstrumentID    string          `json:"instrument_id"`
	BillingAddress  *domain.Address `json:"billing_address,omitempty"`
	ShippingAddress *domain.Address `json:"shipping_address,omitempty"`
	BuyerNote       string          `json:"buyer_note,omitempty"`
	IdempotencyKey  string          `json:"-"`
}

// Config holds completion settings.
type Config struct {
	// AllowAdhoc completes an unknown checkout id as a single placeholder
	// line item priced at the instrument's amount instead of failing.
	AllowAdhoc bool
}

// Service implements checkout completion.
// It orchestrates between the session store, the instrument service, the
// order store and the merchant's order sink.
type Service struct {
	sessions    *Sessions
	instruments Instruments
	orders      *store.Collection[domain.Order]
	counter     store.KeyValueStore
	idem        *idempotency.Cache
	publisher   domain.OrderPublisher
	cfg         Config
	log         logrus.FieldLogger
	metrics     *metrics.Metrics
}

// NewService creates a new completion service. publisher and m may be nil.
func NewService(
	sessions *Sessions,
	instruments Instruments,
	kv store.KeyValueStore,
	idem *idempotency.Cache,
	publisher domain.OrderPublisher,
	cfg Config,
	log logrus.FieldLogger,
	m *metrics.Metrics,
) *Service {
	return &Service{
		sessions:    sessions,
		instruments: instruments,
		orders:      store.NewCollection[domain.Order](kv, orderPrefix, 0),
		counter:     kv,
		idem:        idem,
		publisher:   publisher,
		cfg:         cfg,
		log:         log,
		metrics:     m,
	}
}

// Sessions exposes the session store.
func (s *Service) Sessions() *Sessions {
	return s.sessions
}

// Complete pays for a checkout with a minted instrument and produces an order:
// 1. Replays the cached response when the idempotency key was seen
// 2. Checks the session is open and younger than its max age
// 3. Loads the instrument and checks it belongs to this checkout
// 4. Validates and consumes the instrument in one atomic reservation
// 5. Records the order and marks the session completed
// 6. Caches the response under the idempotency key
// If step 5 fails the instrument is released again.
func (s *Service) Complete(ctx context.Context, checkoutID string, req CompleteRequest) (*domain.CompletionResult, error) {
	log := s.log.WithFields(logrus.Fields{
		"checkout_id":   checkoutID,
		"instrument_id": req.InstrumentID,
	})

	key := strings.TrimSpace(req.IdempotencyKey)
	fingerprint := idempotency.Fingerprint(struct {
		CheckoutID string
		Request    CompleteRequest
	}{checkoutID, req})

	if key != "" {
		rec, err := s.idem.Begin(ctx, idempotencyScope, key, fingerprint)
		if errors.Is(err, idempotency.ErrInFlight) {
			return nil, s.fail(log, domain.NewCheckoutError(domain.ErrConflict,
				"a completion with this idempotency key is still in progress",
				domain.CodeCompletionInProgress))
		}
		if err != nil {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
		if rec != nil {
			if rec.Fingerprint != fingerprint {
				log.WithField("idempotency_key", key).Warn("idempotency key replayed with different request body")
			}
			var cached domain.CompletionResult
			if err := rec.Decode(&cached); err != nil {
				return nil, fmt.Errorf("decode cached completion: %w", err)
			}
			log.WithField("order_id", cached.Order.ID).Debug("replaying cached completion")
			return &cached, nil
		}
	}

	result, err := s.complete(ctx, log, checkoutID, req)
	if err != nil {
		if key != "" {
			if abandonErr := s.idem.Abandon(ctx, idempotencyScope, key); abandonErr != nil {
				log.WithError(abandonErr).Warn("failed to release idempotency key")
			}
		}
		return nil, s.fail(log, err)
	}

	if key != "" {
		if err := s.idem.Complete(ctx, idempotencyScope, key, fingerprint, result); err != nil {
			log.WithError(err).Warn("failed to cache completion response")
		}
	}

	s.metrics.CheckoutCompleted("")
	log.WithFields(logrus.Fields{
		"order_id":     result.Order.ID,
		"order_number": result.Order.OrderNumber,
		"amount":       result.Transaction.Amount.Amount,
		"currency":     result.Transaction.Amount.Currency,
	}).Info("checkout completed")
	return result, nil
}

func (s *Service) fail(log logrus.FieldLogger, err error) error {
	code := domain.ErrorCodeOf(err)
	s.metrics.CheckoutCompleted(code)
	if code != "" {
		log.WithField("error_code", code).Info("checkout completion rejected")
	} else {
		log.WithError(err).Error("checkout completion failed")
	}
	return err
}

func (s *Service) complete(ctx context.Context, log logrus.FieldLogger, checkoutID string, req CompleteRequest) (*domain.CompletionResult, error) {
	if strings.TrimSpace(req.InstrumentID) == "" {
		return nil, domain.NewCheckoutError(domain.ErrValidation, "instrument_id is required", domain.CodeInstrumentInvalid)
	}

	// Step 2: session state
	session, err := s.loadSession(ctx, log, checkoutID, req.InstrumentID)
	if err != nil {
		return nil, err
	}

	// Step 3: instrument
	instrument, err := s.loadInstrument(ctx, req.InstrumentID)
	if err != nil {
		return nil, err
	}
	if instrument.CheckoutID != "" && instrument.CheckoutID != session.ID {
		return nil, domain.NewCheckoutError(domain.ErrValidation,
			fmt.Sprintf("instrument was minted for checkout '%s'", instrument.CheckoutID),
			domain.CodeInstrumentInvalid)
	}

	// Step 4: validate and consume atomically
	total := session.Totals.Total
	reserved, err := s.instruments.Reserve(ctx, instrument.ID, session.ID, total.Amount, session.Currency)
	if err != nil {
		if domain.ErrorCodeOf(err) == domain.CodeInstrumentAlreadyUsed && instrument.Status == domain.InstrumentActive {
			// Active a moment ago: another completion consumed it first.
			return nil, domain.NewCheckoutError(domain.ErrConflict,
				"instrument was consumed by a concurrent request", domain.CodePaymentFailed)
		}
		return nil, err
	}

	// Step 5: order and session
	order, err := s.recordOrder(ctx, session, reserved, req)
	if err != nil {
		s.release(ctx, log, reserved.ID)
		return nil, err
	}

	completedAt := order.CreatedAt
	_, err = s.sessions.Update(ctx, session.ID, func(current *domain.CheckoutSession) error {
		if !domain.AmountsEqual(current.Totals.Total.Amount, total.Amount) {
			return domain.NewCheckoutError(domain.ErrConflict,
				"checkout total changed during completion", domain.CodeAmountMismatch)
		}
		if err := Transition(current, domain.SessionCompleted, completedAt); err != nil {
			return err
		}
		current.CompletedAt = &completedAt
		current.OrderID = order.ID
		return nil
	})
	if err != nil {
		s.release(ctx, log, reserved.ID)
		if delErr := s.orders.Delete(ctx, order.ID); delErr != nil {
			log.WithError(delErr).WithField("order_id", order.ID).Error("failed to remove orphaned order")
		}
		if domain.ErrorCodeOf(err) != "" {
			return nil, err
		}
		return nil, domain.NewCheckoutError(domain.ErrConflict,
			"failed to mark checkout completed: "+err.Error(), domain.CodeOrderCreationFailed)
	}

	if s.publisher != nil {
		if err := s.publisher.PublishOrder(ctx, order); err != nil {
			log.WithError(err).WithField("order_id", order.ID).Warn("failed to publish order to merchant")
		}
	}

	return &domain.CompletionResult{
		Order: *order,
		Transaction: domain.Transaction{
			ID:           "txn_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
			InstrumentID: reserved.ID,
			HandlerID:    reserved.HandlerID,
			Amount:       total,
			Status:       "captured",
			CreatedAt:    completedAt,
		},
	}, nil
}

func (s *Service) loadSession(ctx context.Context, log logrus.FieldLogger, checkoutID, instrumentID string) (*domain.CheckoutSession, error) {
	session, err := s.sessions.sessions.Get(ctx, checkoutID)
	if store.IsNotFound(err) {
		if !s.cfg.AllowAdhoc {
			return nil, notFound(checkoutID)
		}
		return s.adhocSession(ctx, log, checkoutID, instrumentID)
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	effective := s.sessions.EffectiveStatus(session)
	if effective == domain.SessionExpired && !session.Status.IsTerminal() {
		if err := s.sessions.Expire(ctx, checkoutID); err != nil {
			log.WithError(err).Warn("failed to mark aged-out checkout expired")
		}
	}
	if err := ensureOpen(session, effective); err != nil {
		return nil, err
	}
	return session, nil
}

// adhocSession builds a placeholder one-line session for an unknown checkout.
func (s *Service) adhocSession(ctx context.Context, log logrus.FieldLogger, checkoutID, instrumentID string) (*domain.CheckoutSession, error) {
	instrument, err := s.loadInstrument(ctx, instrumentID)
	if err != nil {
		return nil, err
	}

	amount := domain.MoneyFromFloat(instrument.Amount, instrument.Currency)
	now := s.sessions.now()
	session := &domain.CheckoutSession{
		ID:     checkoutID,
		Status: domain.SessionCreated,
		Items: []domain.LineItem{{
			ID:        "li_1",
			ProductID: "adhoc",
			Title:     "Checkout " + checkoutID,
			Quantity:  1,
			UnitPrice: amount,
			Total:     amount,
		}},
		Currency:  amount.Currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
	RecalculateTotals(session)

	created, err := s.sessions.sessions.Create(ctx, checkoutID, session)
	if err != nil {
		return nil, fmt.Errorf("store adhoc session: %w", err)
	}
	if !created {
		// Another request created it first; use theirs.
		return s.sessions.Get(ctx, checkoutID)
	}
	log.Warn("completing unknown checkout with a placeholder session")
	return session, nil
}

func (s *Service) loadInstrument(ctx context.Context, id string) (*domain.MintedInstrument, error) {
	instrument, err := s.instruments.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.NewCheckoutError(domain.ErrNotFound,
			fmt.Sprintf("instrument '%s' not found", id),
			domain.CodeInstrumentNotFound)
	}
	return instrument, err
}

func (s *Service) recordOrder(ctx context.Context, session *domain.CheckoutSession, instrument *domain.MintedInstrument, req CompleteRequest) (*domain.Order, error) {
	seq, err := s.counter.Incr(ctx, orderSequenceKey)
	if err != nil {
		return nil, domain.NewCheckoutError(err, "failed to allocate order number", domain.CodeOrderCreationFailed)
	}

	order := &domain.Order{
		ID:              "ord_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		OrderNumber:     fmt.Sprintf("#%d", orderNumberBase+seq),
		CheckoutID:      session.ID,
		Status:          "confirmed",
		Items:           session.Items,
		Totals:          session.Totals,
		Currency:        session.Currency,
		Discounts:       session.Discounts,
		BillingAddress:  req.BillingAddress,
		ShippingAddress: req.ShippingAddress,
		BuyerNote:       req.BuyerNote,
		Payment: domain.OrderPayment{
			InstrumentID: instrument.ID,
			HandlerID:    instrument.HandlerID,
			Display:      instrument.Display,
		},
		CreatedAt: s.sessions.now(),
	}

	created, err := s.orders.Create(ctx, order.ID, order)
	if err == nil && !created {
		err = fmt.Errorf("order id %s already exists", order.ID)
	}
	if err != nil {
		return nil, domain.NewCheckoutError(err, "failed to store order", domain.CodeOrderCreationFailed)
	}
	return order, nil
}

func (s *Service) release(ctx context.Context, log logrus.FieldLogger, instrumentID string) {
	// The request context may already be done; compensation must still run.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.instruments.Release(ctx, instrumentID); err != nil {
		log.WithError(err).Error("failed to release instrument after failed completion")
	}
}

// GetOrder returns a synthesized order.
func (s *Service) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	order, err := s.orders.Get(ctx, id)
	if store.IsNotFound(err) {
		return nil, domain.NewCheckoutError(domain.ErrNotFound,
			fmt.Sprintf("order '%s' not found", id),
			domain.CodeOrderNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}
	return order, nil
}
