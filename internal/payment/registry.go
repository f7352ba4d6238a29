package payment

import (
	"fmt"
	"strings"

	"github.com/itayshmool/ucp-engine/internal/domain"
)

// Handler IDs in the seeded catalog.
const (
	HandlerSandbox        = "sandbox"
	HandlerHostedCheckout = "hosted_checkout"
	HandlerGooglePay      = "google_pay"
	HandlerApplePay       = "apple_pay"
)

// Registry is the fixed payment handler catalog. Each handler is paired with
// the Minter that issues its instruments.
type Registry struct {
	handlers map[string]domain.PaymentHandler
	minters  map[string]Minter
	order    []string
}

// NewRegistry creates an empty catalog.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]domain.PaymentHandler),
		minters:  make(map[string]Minter),
	}
}

// Add registers a handler and its minting strategy.
func (r *Registry) Add(h domain.PaymentHandler, m Minter) {
	if _, exists := r.handlers[h.ID]; !exists {
		r.order = append(r.order, h.ID)
	}
	r.handlers[h.ID] = h
	r.minters[h.ID] = m
}

// SetEnabled toggles a handler. Only configuration calls this, never request traffic.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	h, ok := r.handlers[id]
	if !ok {
		return fmt.Errorf("unknown payment handler %q", id)
	}
	h.Enabled = enabled
	r.handlers[id] = h
	return nil
}

// List returns handlers in catalog order, optionally only the enabled ones.
func (r *Registry) List(enabledOnly bool) []domain.PaymentHandler {
	out := make([]domain.PaymentHandler, 0, len(r.order))
	for _, id := range r.order {
		h := r.handlers[id]
		if enabledOnly && !h.Enabled {
			continue
		}
		out = append(out, h)
	}
	return out
}

// Get looks a handler up by id.
func (r *Registry) Get(id string) (domain.PaymentHandler, bool) {
	h, ok := r.handlers[id]
	return h, ok
}

// SupportsCurrency reports whether handler id accepts ccy.
func (r *Registry) SupportsCurrency(id, ccy string) bool {
	h, ok := r.handlers[id]
	return ok && containsFold(h.SupportedCurrencies, ccy)
}

// SupportsCountry reports whether handler id accepts buyers from country.
func (r *Registry) SupportsCountry(id, country string) bool {
	h, ok := r.handlers[id]
	return ok && containsFold(h.SupportedCountries, country)
}

func (r *Registry) minter(id string) Minter {
	return r.minters[id]
}

func containsFold(set []string, v string) bool {
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

var (
	majorCurrencies = []string{"USD", "EUR", "GBP", "ILS", "CAD", "AUD", "BRL", "ARS"}
	majorCountries  = []string{"US", "GB", "DE", "FR", "IL", "CA", "AU", "BR", "AR"}
)

// DefaultHandlers is the seeded catalog.
func DefaultHandlers() []domain.PaymentHandler {
	return []domain.PaymentHandler{
		{
			ID:                  HandlerSandbox,
			Name:                "Sandbox",
			Type:                domain.InstrumentSandbox,
			Capabilities:        []domain.HandlerCapability{domain.HandlerTokenization, domain.HandlerRefund},
			SupportedCurrencies: majorCurrencies,
			SupportedCountries:  majorCountries,
			Enabled:             true,
		},
		{
			ID:   HandlerHostedCheckout,
			Name: "Hosted Checkout",
			Type: domain.InstrumentRedirect,
			Capabilities: []domain.HandlerCapability{
				domain.HandlerRedirect, domain.HandlerRefund, domain.HandlerPartialCapture,
			},
			SupportedCurrencies: majorCurrencies,
			SupportedCountries:  majorCountries,
			Enabled:             true,
		},
		{
			ID:                  HandlerGooglePay,
			Name:                "Google Pay",
			Type:                domain.InstrumentWallet,
			Capabilities:        []domain.HandlerCapability{domain.HandlerTokenization, domain.HandlerDirect, domain.HandlerRefund},
			SupportedCurrencies: []string{"USD", "EUR", "GBP", "ILS"},
			SupportedCountries:  []string{"US", "GB", "DE", "FR", "IL"},
			Enabled:             true,
		},
		{
			ID:                  HandlerApplePay,
			Name:                "Apple Pay",
			Type:                domain.InstrumentWallet,
			Capabilities:        []domain.HandlerCapability{domain.HandlerTokenization, domain.HandlerDirect, domain.HandlerSubscription},
			SupportedCurrencies: []string{"USD", "EUR", "GBP"},
			SupportedCountries:  []string{"US", "GB", "DE", "FR"},
			Enabled:             false,
		},
	}
}

// NewDefaultRegistry seeds the catalog and routes each handler to its minter
// by instrument type. hosted may be nil, in which case redirect instruments
// point at this service's own pay page under baseURL.
func NewDefaultRegistry(hosted domain.HostedCheckout, baseURL string) *Registry {
	r := NewRegistry()
	for _, h := range DefaultHandlers() {
		var m Minter
		switch h.Type {
		case domain.InstrumentSandbox:
			m = SandboxMinter{}
		case domain.InstrumentRedirect:
			m = HostedRedirectMinter{PSP: hosted, BaseURL: baseURL}
		case domain.InstrumentWallet:
			m = WalletMinter{WalletType: h.ID}
		}
		r.Add(h, m)
	}
	return r
}
