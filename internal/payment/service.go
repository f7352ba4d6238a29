// Package payment implements the payment handler catalog and the instrument
// lifecycle: minting, validation, and single-use consumption.
// This is the service/use-case layer in Clean Architecture.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/itayshmool/ucp-engine/internal/domain"
	"github.com/itayshmool/ucp-engine/internal/idempotency"
	"github.com/itayshmool/ucp-engine/internal/metrics"
	"github.com/itayshmool/ucp-engine/internal/store"
)

const (
	idempotencyScope = "mint"
	instrumentPrefix = "instrument:"

	// instrumentRetention keeps spent and expired instruments readable for a
	// while after their credential lifetime ends.
	instrumentRetention = 24 * time.Hour
)

// Service implements the instrument business logic.
// It orchestrates between the handler catalog (which strategy mints what),
// the instrument store, and the idempotency cache.
type Service struct {
	handlers    *Registry
	instruments *store.Collection[domain.MintedInstrument]
	idem        *idempotency.Cache
	log         logrus.FieldLogger
	metrics     *metrics.Metrics
	now         func() time.Time
	newID       func() string
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the time source, for expiry tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMetrics records mint and consumption outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a new instrument service with the required dependencies.
func NewService(
	handlers *Registry,
	kv store.KeyValueStore,
	idem *idempotency.Cache,
	log logrus.FieldLogger,
	opts ...Option,
) *Service {
	s := &Service{
		handlers:    handlers,
		instruments: store.NewCollection[domain.MintedInstrument](kv, instrumentPrefix, instrumentRetention),
		idem:        idem,
		log:         log,
		now:         time.Now,
		newID:       func() string { return "ins_" + compactUUID() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handlers exposes the catalog for discovery endpoints.
func (s *Service) Handlers() *Registry {
	return s.handlers
}

// Mint issues a new instrument for a checkout:
// 1. Replays the cached instrument when the idempotency key was seen
// 2. Checks the handler exists, is enabled, and accepts the currency/country
// 3. Rejects non-positive amounts
// 4. Delegates to the handler's minting strategy
// 5. Persists the instrument and caches the response under the key
func (s *Service) Mint(ctx context.Context, req MintRequest) (*domain.MintedInstrument, error) {
	log := s.log.WithFields(logrus.Fields{
		"checkout_id": req.CheckoutID,
		"handler_id":  req.HandlerID,
	})

	key := strings.TrimSpace(req.IdempotencyKey)
	fingerprint := idempotency.Fingerprint(req)
	if key != "" {
		rec, err := s.idem.Begin(ctx, idempotencyScope, key, fingerprint)
		if errors.Is(err, idempotency.ErrInFlight) {
			return nil, s.fail(req.HandlerID, domain.NewPaymentError(domain.ErrConflict,
				"a mint request with this idempotency key is still in progress",
				domain.CodeDuplicateRequest))
		}
		if err != nil {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
		if rec != nil {
			if rec.Fingerprint != fingerprint {
				log.WithField("idempotency_key", key).Warn("idempotency key replayed with different request body")
			}
			var cached domain.MintedInstrument
			if err := rec.Decode(&cached); err != nil {
				return nil, fmt.Errorf("decode cached instrument: %w", err)
			}
			log.WithField("instrument_id", cached.ID).Debug("replaying cached mint response")
			return &cached, nil
		}
	}

	instrument, err := s.mint(ctx, req)
	if err != nil {
		if key != "" {
			if abandonErr := s.idem.Abandon(ctx, idempotencyScope, key); abandonErr != nil {
				log.WithError(abandonErr).Warn("failed to release idempotency key")
			}
		}
		if code := domain.ErrorCodeOf(err); code != "" {
			log.WithField("error_code", code).Info("instrument mint rejected")
		} else {
			log.WithError(err).Error("instrument mint failed")
		}
		return nil, s.fail(req.HandlerID, err)
	}

	if key != "" {
		if err := s.idem.Complete(ctx, idempotencyScope, key, fingerprint, instrument); err != nil {
			log.WithError(err).Warn("failed to cache mint response")
		}
	}

	s.metrics.InstrumentMinted(req.HandlerID, "")
	log.WithFields(logrus.Fields{
		"instrument_id": instrument.ID,
		"amount":        instrument.Amount,
		"currency":      instrument.Currency,
	}).Info("instrument minted")

	return instrument, nil
}

func (s *Service) mint(ctx context.Context, req MintRequest) (*domain.MintedInstrument, error) {
	handler, ok := s.handlers.Get(req.HandlerID)
	if !ok {
		return nil, domain.NewPaymentError(domain.ErrNotFound,
			fmt.Sprintf("payment handler '%s' not found", req.HandlerID),
			domain.CodeHandlerNotFound)
	}
	if !handler.Enabled {
		return nil, domain.NewPaymentError(domain.ErrValidation,
			fmt.Sprintf("payment handler '%s' is disabled", req.HandlerID),
			domain.CodeHandlerDisabled)
	}
	if !s.handlers.SupportsCurrency(handler.ID, req.Currency) {
		return nil, domain.NewPaymentError(domain.ErrValidation,
			fmt.Sprintf("currency '%s' is not supported by %s", req.Currency, handler.Name),
			domain.CodeUnsupportedCurrency)
	}
	if req.Country != "" && !s.handlers.SupportsCountry(handler.ID, req.Country) {
		return nil, domain.NewPaymentError(domain.ErrValidation,
			fmt.Sprintf("country '%s' is not supported by %s", req.Country, handler.Name),
			domain.CodeUnsupportedCountry)
	}
	if req.Amount <= 0 {
		return nil, domain.NewPaymentError(domain.ErrValidation,
			"amount must be greater than zero",
			domain.CodeInvalidAmount)
	}

	minter := s.handlers.minter(handler.ID)
	if minter == nil {
		return nil, domain.NewPaymentError(domain.ErrValidation,
			fmt.Sprintf("payment handler '%s' cannot mint instruments", handler.ID),
			domain.CodeHandlerDisabled)
	}

	id := s.newID()
	minted, err := minter.Mint(ctx, req, id)
	if err != nil {
		return nil, mintFailure(err)
	}

	now := s.now()
	instrument := &domain.MintedInstrument{
		ID:          id,
		HandlerID:   handler.ID,
		CheckoutID:  req.CheckoutID,
		Type:        minted.Type,
		Token:       minted.Token,
		Display:     minted.Display,
		Amount:      domain.MoneyFromFloat(req.Amount, req.Currency).Amount,
		Currency:    strings.ToUpper(req.Currency),
		ExpiresAt:   now.Add(minted.TTL),
		Status:      domain.InstrumentActive,
		RedirectURL: minted.RedirectURL,
		CreatedAt:   now,
		Metadata:    minted.Metadata,
	}

	created, err := s.instruments.Create(ctx, id, instrument)
	if err != nil {
		return nil, fmt.Errorf("store instrument: %w", err)
	}
	if !created {
		return nil, fmt.Errorf("store instrument: id %s already exists", id)
	}
	return instrument, nil
}

// mintFailure maps a handler strategy error to the instrument taxonomy.
func mintFailure(err error) error {
	var decline *SandboxDecline
	switch {
	case errors.As(err, &decline):
		return domain.NewPaymentError(domain.ErrValidation, decline.Message, domain.CodeTokenizationFailed)
	case errors.Is(err, ErrMissingWalletToken):
		return domain.NewPaymentError(domain.ErrValidation, err.Error(), domain.CodeInvalidPaymentData)
	default:
		return domain.NewPaymentError(domain.ErrUpstream, "tokenization failed: "+err.Error(), domain.CodeTokenizationFailed)
	}
}

func (s *Service) fail(handlerID string, err error) error {
	s.metrics.InstrumentMinted(handlerID, domain.ErrorCodeOf(err))
	return err
}

// Get returns an instrument by id.
func (s *Service) Get(ctx context.Context, id string) (*domain.MintedInstrument, error) {
	instrument, err := s.instruments.Get(ctx, id)
	if store.IsNotFound(err) {
		return nil, instrumentNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("load instrument: %w", err)
	}
	return instrument, nil
}

func instrumentNotFound(id string) error {
	return domain.NewPaymentError(domain.ErrNotFound,
		fmt.Sprintf("instrument '%s' not found", id),
		domain.CodeHandlerNotFound)
}

// Validate checks that an instrument can pay checkoutID's amount and currency.
// It never mutates state. An empty checkoutID skips the binding check.
func (s *Service) Validate(ctx context.Context, id, checkoutID string, amount float64, currency string) error {
	instrument, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return checkUsable(instrument, checkoutID, amount, currency, s.now())
}

// checkUsable applies the validation rules in order: expiry, status,
// checkout binding, amount, currency.
func checkUsable(i *domain.MintedInstrument, checkoutID string, amount float64, currency string, now time.Time) error {
	if i.IsExpired(now) {
		return domain.NewPaymentError(domain.ErrValidation,
			fmt.Sprintf("instrument expired at %s", i.ExpiresAt.UTC().Format(time.RFC3339)),
			domain.CodeInstrumentExpired)
	}
	if i.Status != domain.InstrumentActive {
		return domain.NewPaymentError(domain.ErrConflict,
			fmt.Sprintf("instrument is %s", i.Status),
			domain.CodeInstrumentAlreadyUsed)
	}
	if checkoutID != "" && i.CheckoutID != "" && i.CheckoutID != checkoutID {
		return domain.NewPaymentError(domain.ErrValidation,
			"instrument was minted for a different checkout",
			domain.CodeInvalidPaymentData)
	}
	if !domain.AmountsEqual(i.Amount, amount) {
		return domain.NewPaymentError(domain.ErrValidation,
			fmt.Sprintf("instrument amount %.2f does not match %.2f", i.Amount, amount),
			domain.CodeInvalidAmount)
	}
	if !domain.CurrenciesEqual(i.Currency, currency) {
		return domain.NewPaymentError(domain.ErrValidation,
			fmt.Sprintf("instrument currency %s does not match %s", i.Currency, currency),
			domain.CodeUnsupportedCurrency)
	}
	return nil
}

// Reserve validates and consumes an instrument in one compare-and-swap, so
// two concurrent completions cannot both spend it. The loser re-reads the
// used record and fails with INSTRUMENT_ALREADY_USED.
func (s *Service) Reserve(ctx context.Context, id, checkoutID string, amount float64, currency string) (*domain.MintedInstrument, error) {
	instrument, err := s.instruments.Update(ctx, id, func(i *domain.MintedInstrument) error {
		now := s.now()
		if err := checkUsable(i, checkoutID, amount, currency, now); err != nil {
			return err
		}
		i.Status = domain.InstrumentUsed
		i.UsedAt = &now
		return nil
	})
	if store.IsNotFound(err) {
		return nil, instrumentNotFound(id)
	}
	if errors.Is(err, store.ErrContention) {
		return nil, domain.NewPaymentError(domain.ErrConflict,
			"instrument is being used by another request",
			domain.CodeInstrumentAlreadyUsed)
	}
	if err != nil {
		return nil, err
	}

	s.metrics.InstrumentTransition("used")
	s.log.WithFields(logrus.Fields{
		"instrument_id": id,
		"checkout_id":   checkoutID,
	}).Info("instrument reserved")
	return instrument, nil
}

// Use transitions an active instrument to used. It reports false, without an
// error, when the instrument is absent or no longer active.
func (s *Service) Use(ctx context.Context, id string) bool {
	_, err := s.instruments.Update(ctx, id, func(i *domain.MintedInstrument) error {
		if i.Status != domain.InstrumentActive {
			return domain.ErrConflict
		}
		now := s.now()
		i.Status = domain.InstrumentUsed
		i.UsedAt = &now
		return nil
	})
	if err != nil {
		if !store.IsNotFound(err) && !errors.Is(err, domain.ErrConflict) {
			s.log.WithError(err).WithField("instrument_id", id).Warn("instrument use failed")
		}
		return false
	}
	s.metrics.InstrumentTransition("used")
	return true
}

// Release returns a reserved instrument to active. Completion calls it when
// the order cannot be recorded after the instrument was consumed.
func (s *Service) Release(ctx context.Context, id string) error {
	_, err := s.instruments.Update(ctx, id, func(i *domain.MintedInstrument) error {
		if i.Status != domain.InstrumentUsed {
			return domain.NewPaymentError(domain.ErrConflict,
				fmt.Sprintf("instrument is %s, not used", i.Status),
				domain.CodeInstrumentAlreadyUsed)
		}
		i.Status = domain.InstrumentActive
		i.UsedAt = nil
		return nil
	})
	if store.IsNotFound(err) {
		return instrumentNotFound(id)
	}
	if err != nil {
		return err
	}
	s.metrics.InstrumentTransition("released")
	s.log.WithField("instrument_id", id).Warn("instrument released after failed completion")
	return nil
}

// Cancel transitions an active instrument to cancelled.
func (s *Service) Cancel(ctx context.Context, id string) (*domain.MintedInstrument, error) {
	instrument, err := s.instruments.Update(ctx, id, func(i *domain.MintedInstrument) error {
		if i.Status != domain.InstrumentActive {
			return domain.NewPaymentError(domain.ErrConflict,
				fmt.Sprintf("instrument is %s and cannot be cancelled", i.Status),
				domain.CodeInstrumentAlreadyUsed)
		}
		i.Status = domain.InstrumentCancelled
		return nil
	})
	if store.IsNotFound(err) {
		return nil, instrumentNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	s.metrics.InstrumentTransition("cancelled")
	s.log.WithField("instrument_id", id).Info("instrument cancelled")
	return instrument, nil
}
