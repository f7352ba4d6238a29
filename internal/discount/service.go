// Package discount applies and removes coupon codes on checkout sessions.
package discount

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/itayshmool/ucp-engine/internal/checkout"
	"github.com/itayshmool/ucp-engine/internal/domain"
	"github.com/itayshmool/ucp-engine/internal/metrics"
)

// ApplyResult is returned by Apply.
type ApplyResult struct {
	Discount domain.AppliedDiscount `json:"discount"`
	Totals   domain.Totals          `json:"totals"`
}

// Service implements the discount extension. Coupon validity is decided by
// the merchant backend; this service normalizes its answer onto the session.
type Service struct {
	sessions *checkout.Sessions
	backend  domain.CommerceBackend
	log      logrus.FieldLogger
	metrics  *metrics.Metrics
}

// NewService creates a new discount service. m may be nil.
func NewService(sessions *checkout.Sessions, backend domain.CommerceBackend, log logrus.FieldLogger, m *metrics.Metrics) *Service {
	return &Service{
		sessions: sessions,
		backend:  backend,
		log:      log,
		metrics:  m,
	}
}

// Apply redeems code against the checkout and replaces any applied discount.
func (s *Service) Apply(ctx context.Context, checkoutID, code string) (*ApplyResult, error) {
	result, err := s.apply(ctx, checkoutID, code)
	s.record("apply", checkoutID, err)
	return result, err
}

func (s *Service) apply(ctx context.Context, checkoutID, code string) (*ApplyResult, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, domain.NewDiscountError(domain.ErrValidation, "coupon code is required", domain.CodeInvalidCode)
	}

	session, err := s.sessions.Get(ctx, checkoutID)
	if err != nil {
		return nil, err
	}
	if session.Status.IsTerminal() {
		return nil, domain.NewDiscountError(domain.ErrValidation,
			fmt.Sprintf("checkout is %s", session.Status), domain.CodeNotApplicable)
	}
	if hasCode(session, code) {
		return nil, alreadyApplied(code)
	}

	quote, err := s.backend.RedeemCoupon(ctx, checkoutID, code, session.Totals.Subtotal)
	if err != nil {
		var rejection *domain.CouponRejection
		if errors.As(err, &rejection) {
			return nil, domain.NewDiscountError(domain.ErrValidation, rejection.Reason, ClassifyRejection(rejection.Reason))
		}
		return nil, fmt.Errorf("redeem coupon: %w", err)
	}

	var applied domain.AppliedDiscount
	var replaced []domain.AppliedDiscount
	updated, err := s.sessions.Update(ctx, checkoutID, func(current *domain.CheckoutSession) error {
		if hasCode(current, code) {
			return alreadyApplied(code)
		}
		d, err := Normalize(quote, current)
		if err != nil {
			return err
		}
		if d.Code == "" {
			d.Code = code
		}
		discount := domain.NewMoney(decimal.NewFromFloat(d.Amount), current.Currency)
		replaced = current.Discounts
		current.Discounts = []domain.AppliedDiscount{d}
		current.Totals.Discount = &discount
		checkout.RecalculateTotals(current)
		applied = d
		return checkout.Transition(current, domain.SessionPending, current.UpdatedAt)
	})
	if err != nil {
		// A concurrent apply of the same code owns the redemption.
		if domain.ErrorCodeOf(err) != domain.CodeAlreadyApplied {
			s.release(ctx, checkoutID, code)
		}
		return nil, discountError(err)
	}
	for _, d := range replaced {
		if !strings.EqualFold(d.Code, code) {
			s.release(ctx, checkoutID, d.Code)
		}
	}

	s.log.WithFields(logrus.Fields{
		"checkout_id": checkoutID,
		"code":        code,
		"amount":      applied.Amount,
	}).Info("discount applied")

	return &ApplyResult{Discount: applied, Totals: updated.Totals}, nil
}

// Remove clears the applied discount and leaves a zero discount line. The
// removed codes are handed back to the merchant.
func (s *Service) Remove(ctx context.Context, checkoutID string) (*domain.Totals, error) {
	var removed []domain.AppliedDiscount
	updated, err := s.sessions.Update(ctx, checkoutID, func(current *domain.CheckoutSession) error {
		zero := domain.NewMoney(decimal.Zero, current.Currency)
		removed = current.Discounts
		current.Discounts = nil
		current.Totals.Discount = &zero
		checkout.RecalculateTotals(current)
		return checkout.Transition(current, domain.SessionPending, current.UpdatedAt)
	})
	if err != nil {
		err = discountError(err)
		s.record("remove", checkoutID, err)
		return nil, err
	}
	s.record("remove", checkoutID, nil)
	for _, d := range removed {
		s.release(ctx, checkoutID, d.Code)
	}
	s.log.WithField("checkout_id", checkoutID).Info("discount removed")
	return &updated.Totals, nil
}

// ReleaseApplied hands back the codes held by a checkout that will never
// complete.
func (s *Service) ReleaseApplied(ctx context.Context, session *domain.CheckoutSession) {
	if session == nil || session.Status == domain.SessionCompleted {
		return
	}
	for _, d := range session.Discounts {
		s.release(ctx, session.ID, d.Code)
	}
}

// release is best effort: a failure leaves the use counted upstream.
func (s *Service) release(ctx context.Context, checkoutID, code string) {
	if code == "" {
		return
	}
	if err := s.backend.ReleaseCoupon(context.WithoutCancel(ctx), checkoutID, code); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"checkout_id": checkoutID,
			"code":        code,
		}).Warn("coupon release failed")
	}
}

// List returns the discounts applied to a checkout.
func (s *Service) List(ctx context.Context, checkoutID string) ([]domain.AppliedDiscount, error) {
	session, err := s.sessions.Get(ctx, checkoutID)
	if err != nil {
		return nil, err
	}
	if session.Discounts == nil {
		return []domain.AppliedDiscount{}, nil
	}
	return session.Discounts, nil
}

func (s *Service) record(op, checkoutID string, err error) {
	code := domain.ErrorCodeOf(err)
	s.metrics.DiscountOperation(op, code)
	if err != nil && code == "" {
		s.log.WithError(err).WithField("checkout_id", checkoutID).Error("discount " + op + " failed")
	}
}

func hasCode(session *domain.CheckoutSession, code string) bool {
	for _, d := range session.Discounts {
		if strings.EqualFold(d.Code, code) {
			return true
		}
	}
	return false
}

func alreadyApplied(code string) error {
	return domain.NewDiscountError(domain.ErrConflict,
		fmt.Sprintf("coupon %s is already applied", code), domain.CodeAlreadyApplied)
}

// discountError keeps checkout and discount errors as they are and maps a
// terminal-state rejection raised by the session store to NOT_APPLICABLE.
func discountError(err error) error {
	var de *domain.DiscountError
	if errors.As(err, &de) {
		return err
	}
	switch domain.ErrorCodeOf(err) {
	case domain.CodeCheckoutAlreadyCompleted, domain.CodeCheckoutExpired:
		return domain.NewDiscountError(domain.ErrValidation, err.Error(), domain.CodeNotApplicable)
	}
	return err
}
