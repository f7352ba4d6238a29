// Package checkout tracks checkout sessions through their lifecycle and
// completes them into orders.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/itayshmool/ucp-engine/internal/domain"
	"github.com/itayshmool/ucp-engine/internal/store"
)

// DefaultMaxAge is how long a session stays open before it reads as expired.
const DefaultMaxAge = 24 * time.Hour

const sessionPrefix = "session:"

// ErrInvalidTransition is returned for a status change the state machine forbids.
var ErrInvalidTransition = errors.New("invalid session transition")

var transitions = map[domain.SessionStatus][]domain.SessionStatus{
	domain.SessionCreated: {domain.SessionPending, domain.SessionCompleted, domain.SessionCancelled, domain.SessionExpired},
	domain.SessionPending: {domain.SessionCompleted, domain.SessionCancelled, domain.SessionExpired},
}

// Transition moves s to status `to` or returns ErrInvalidTransition.
// Staying in a non-terminal status is allowed.
func Transition(s *domain.CheckoutSession, to domain.SessionStatus, now time.Time) error {
	if s.Status == to && !to.IsTerminal() {
		return nil
	}
	for _, allowed := range transitions[s.Status] {
		if allowed == to {
			s.Status = to
			s.UpdatedAt = now
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
}

// Sessions is the checkout session store.
type Sessions struct {
	sessions *store.Collection[domain.CheckoutSession]
	maxAge   time.Duration
	now      func() time.Time
}

// NewSessions creates the store. Records are retained twice as long as
// maxAge so an aged-out session still reads as expired rather than missing.
func NewSessions(kv store.KeyValueStore, maxAge time.Duration, now func() time.Time) *Sessions {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if now == nil {
		now = time.Now
	}
	return &Sessions{
		sessions: store.NewCollection[domain.CheckoutSession](kv, sessionPrefix, 2*maxAge),
		maxAge:   maxAge,
		now:      now,
	}
}

// MaxAge returns the session lifetime.
func (s *Sessions) MaxAge() time.Duration {
	return s.maxAge
}

// Open creates a session from a priced cart.
func (s *Sessions) Open(ctx context.Context, quote *domain.CartQuote) (*domain.CheckoutSession, error) {
	if quote == nil || len(quote.Items) == 0 {
		return nil, fmt.Errorf("checkout needs at least one line item: %w", domain.ErrValidation)
	}
	now := s.now()
	currency := strings.ToUpper(quote.Currency)
	session := &domain.CheckoutSession{
		ID:        "chk_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Status:    domain.SessionCreated,
		Items:     quote.Items,
		Currency:  currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
	session.Totals = domain.Totals{Shipping: quote.Shipping, Tax: quote.Tax}
	RecalculateTotals(session)

	if err := s.put(ctx, session, true); err != nil {
		return nil, err
	}
	return session, nil
}

// Put stores a session built elsewhere, replacing any previous version.
func (s *Sessions) Put(ctx context.Context, session *domain.CheckoutSession) error {
	return s.put(ctx, session, false)
}

func (s *Sessions) put(ctx context.Context, session *domain.CheckoutSession, create bool) error {
	if !create {
		if err := s.sessions.Put(ctx, session.ID, session); err != nil {
			return fmt.Errorf("store session: %w", err)
		}
		return nil
	}
	created, err := s.sessions.Create(ctx, session.ID, session)
	if err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	if !created {
		return fmt.Errorf("store session: id %s already exists", session.ID)
	}
	return nil
}

// Get returns a session with its effective status: a session past maxAge
// reads as expired even when nothing has written that back yet.
func (s *Sessions) Get(ctx context.Context, id string) (*domain.CheckoutSession, error) {
	session, err := s.sessions.Get(ctx, id)
	if store.IsNotFound(err) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	session.Status = s.EffectiveStatus(session)
	return session, nil
}

// EffectiveStatus applies the age rule to a stored session.
func (s *Sessions) EffectiveStatus(session *domain.CheckoutSession) domain.SessionStatus {
	if !session.Status.IsTerminal() && s.now().Sub(session.CreatedAt) > s.maxAge {
		return domain.SessionExpired
	}
	return session.Status
}

// Update applies fn to an open session with compare-and-swap. Terminal and
// aged-out sessions are rejected with the matching checkout error before fn runs.
func (s *Sessions) Update(ctx context.Context, id string, fn func(*domain.CheckoutSession) error) (*domain.CheckoutSession, error) {
	session, err := s.sessions.Update(ctx, id, func(session *domain.CheckoutSession) error {
		if err := ensureOpen(session, s.EffectiveStatus(session)); err != nil {
			return err
		}
		if err := fn(session); err != nil {
			return err
		}
		session.UpdatedAt = s.now()
		return nil
	})
	if store.IsNotFound(err) {
		return nil, notFound(id)
	}
	return session, err
}

// Expire writes the expired status back for an aged-out session.
func (s *Sessions) Expire(ctx context.Context, id string) error {
	_, err := s.sessions.Update(ctx, id, func(session *domain.CheckoutSession) error {
		if session.Status.IsTerminal() {
			return errAlreadyTerminal
		}
		return Transition(session, domain.SessionExpired, s.now())
	})
	if errors.Is(err, errAlreadyTerminal) {
		return nil
	}
	if store.IsNotFound(err) {
		return notFound(id)
	}
	return err
}

var errAlreadyTerminal = errors.New("session already terminal")

// Cancel moves an open session to cancelled.
func (s *Sessions) Cancel(ctx context.Context, id string) (*domain.CheckoutSession, error) {
	return s.Update(ctx, id, func(session *domain.CheckoutSession) error {
		return Transition(session, domain.SessionCancelled, s.now())
	})
}

// ensureOpen maps a terminal effective status to its checkout error.
func ensureOpen(session *domain.CheckoutSession, effective domain.SessionStatus) error {
	switch effective {
	case domain.SessionCompleted:
		return domain.NewCheckoutError(domain.ErrConflict,
			fmt.Sprintf("checkout '%s' is already completed", session.ID),
			domain.CodeCheckoutAlreadyCompleted)
	case domain.SessionExpired, domain.SessionCancelled:
		return domain.NewCheckoutError(domain.ErrValidation,
			fmt.Sprintf("checkout '%s' is %s", session.ID, effective),
			domain.CodeCheckoutExpired)
	}
	return nil
}

func notFound(id string) error {
	return domain.NewCheckoutError(domain.ErrNotFound,
		fmt.Sprintf("checkout '%s' not found", id),
		domain.CodeCheckoutNotFound)
}

// RecalculateTotals derives subtotal and total from the line items and the
// discount, shipping and tax lines. The total never goes below zero.
func RecalculateTotals(session *domain.CheckoutSession) {
	ccy := session.Currency
	subtotal := decimal.Zero
	for _, item := range session.Items {
		subtotal = subtotal.Add(item.Total.Decimal())
	}

	total := subtotal
	if d := session.Totals.Discount; d != nil {
		total = total.Sub(d.Decimal())
	}
	if sh := session.Totals.Shipping; sh != nil {
		total = total.Add(sh.Decimal())
	}
	if tx := session.Totals.Tax; tx != nil {
		total = total.Add(tx.Decimal())
	}
	if total.IsNegative() {
		total = decimal.Zero
	}

	session.Totals.Subtotal = domain.NewMoney(subtotal, ccy)
	session.Totals.Total = domain.NewMoney(total, ccy)
}
