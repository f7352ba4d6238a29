package payment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/itayshmool/ucp-engine/internal/domain"
)

// Instrument lifetimes per handler type.
const (
	SandboxTTL  = 30 * time.Minute
	WalletTTL   = 30 * time.Minute
	RedirectTTL = time.Hour
)

// MintRequest is the input to Service.Mint.
type MintRequest struct {
	CheckoutID     string            `json:"checkout_id"`
	HandlerID      string            `json:"handler_id"`
	Amount         float64           `json:"amount"`
	Currency       string            `json:"currency"`
	Country        string            `json:"country,omitempty"`
	PaymentData    map[string]string `json:"payment_data,omitempty"`
	IdempotencyKey string            `json:"-"`
}

// Minted is what a handler strategy produces; the service wraps it into a
// MintedInstrument.
type Minted struct {
	Type        domain.InstrumentType
	Token       string
	Display     *domain.InstrumentDisplay
	RedirectURL string
	TTL         time.Duration
	Metadata    map[string]string
}

// Minter issues credentials for one kind of payment handler.
type Minter interface {
	Mint(ctx context.Context, req MintRequest, instrumentID string) (*Minted, error)
}

// ErrMissingWalletToken is returned when a wallet mint carries no token.
var ErrMissingWalletToken = errors.New("wallet token is required in payment_data.token")

// DeclineReason names a deterministic sandbox failure.
type DeclineReason string

const (
	DeclineCardDeclined      DeclineReason = "card_declined"
	DeclineInsufficientFunds DeclineReason = "insufficient_funds"
	DeclineExpiredCard       DeclineReason = "expired_card"
	DeclineProcessingError   DeclineReason = "processing_error"
)

// SandboxDecline is returned by the sandbox for its failure test cards.
type SandboxDecline struct {
	Reason  DeclineReason
	Message string
}

func (d *SandboxDecline) Error() string { return d.Message }

// Sandbox test cards.
const (
	TestCardSuccess           = "4242424242424242"
	TestCardDeclined          = "4000000000000002"
	TestCardInsufficientFunds = "4000000000009995"
	TestCardExpired           = "4000000000000069"
	TestCardProcessingError   = "4000000000000119"
)

var sandboxDeclines = map[string]*SandboxDecline{
	TestCardDeclined:          {Reason: DeclineCardDeclined, Message: "Your card was declined"},
	TestCardInsufficientFunds: {Reason: DeclineInsufficientFunds, Message: "Your card has insufficient funds"},
	TestCardExpired:           {Reason: DeclineExpiredCard, Message: "Your card has expired"},
	TestCardProcessingError:   {Reason: DeclineProcessingError, Message: "An error occurred while processing your card"},
}

// SandboxMinter simulates card tokenization with deterministic test cards.
type SandboxMinter struct{}

func (SandboxMinter) Mint(_ context.Context, req MintRequest, _ string) (*Minted, error) {
	number := digitsOnly(req.PaymentData["card_number"])
	if number == "" {
		number = TestCardSuccess
	}
	if len(number) < 12 {
		return nil, &SandboxDecline{Reason: DeclineCardDeclined, Message: "Card number is invalid"}
	}
	if decline, ok := sandboxDeclines[number]; ok {
		return nil, &SandboxDecline{Reason: decline.Reason, Message: decline.Message}
	}

	display := &domain.InstrumentDisplay{
		Brand: CardBrand(number),
		Last4: number[len(number)-4:],
	}
	display.ExpiryMonth, _ = strconv.Atoi(req.PaymentData["exp_month"])
	display.ExpiryYear, _ = strconv.Atoi(req.PaymentData["exp_year"])

	return &Minted{
		Type:    domain.InstrumentCard,
		Token:   "tok_sandbox_" + compactUUID(),
		Display: display,
		TTL:     SandboxTTL,
		Metadata: map[string]string{
			"environment": "sandbox",
		},
	}, nil
}

// CardBrand infers the network from the leading digits of a card number.
func CardBrand(number string) string {
	number = digitsOnly(number)
	prefix := func(n int) int {
		if len(number) < n {
			return -1
		}
		v, _ := strconv.Atoi(number[:n])
		return v
	}

	switch {
	case strings.HasPrefix(number, "4"):
		return "Visa"
	case prefix(2) >= 51 && prefix(2) <= 55, prefix(4) >= 2221 && prefix(4) <= 2720:
		return "Mastercard"
	case strings.HasPrefix(number, "34"), strings.HasPrefix(number, "37"):
		return "American Express"
	case strings.HasPrefix(number, "6011"), strings.HasPrefix(number, "65"):
		return "Discover"
	default:
		return "Unknown"
	}
}

// HostedRedirectMinter hands the buyer off to a hosted payment page. No
// credential is validated; the instrument stands for the handoff itself.
type HostedRedirectMinter struct {
	PSP     domain.HostedCheckout
	BaseURL string
}

func (m HostedRedirectMinter) Mint(ctx context.Context, req MintRequest, instrumentID string) (*Minted, error) {
	redirectURL := fmt.Sprintf("%s/ucp/checkout/%s/pay?instrument=%s",
		strings.TrimRight(m.BaseURL, "/"), req.CheckoutID, instrumentID)

	if m.PSP != nil {
		url, err := m.PSP.CreateHostedPayment(ctx, domain.HostedPaymentRequest{
			CheckoutID:   req.CheckoutID,
			InstrumentID: instrumentID,
			Title:        "Checkout " + req.CheckoutID,
			Amount:       req.Amount,
			Currency:     req.Currency,
			ReturnURL:    redirectURL,
		})
		if err != nil {
			return nil, fmt.Errorf("hosted checkout unavailable: %w", err)
		}
		redirectURL = url
	}

	return &Minted{
		Type:        domain.InstrumentRedirect,
		Token:       "redir_" + compactUUID(),
		RedirectURL: redirectURL,
		TTL:         RedirectTTL,
	}, nil
}

// WalletMinter wraps an opaque wallet token (Google Pay, Apple Pay).
type WalletMinter struct {
	WalletType string
}

func (m WalletMinter) Mint(_ context.Context, req MintRequest, _ string) (*Minted, error) {
	walletToken := strings.TrimSpace(req.PaymentData["token"])
	if walletToken == "" {
		return nil, ErrMissingWalletToken
	}

	display := &domain.InstrumentDisplay{
		Brand:      req.PaymentData["brand"],
		WalletType: m.WalletType,
	}
	if last4 := digitsOnly(req.PaymentData["last4"]); len(last4) == 4 {
		display.Last4 = last4
	}

	return &Minted{
		Type:    domain.InstrumentWallet,
		Token:   "tok_wallet_" + compactUUID(),
		Display: display,
		TTL:     WalletTTL,
		Metadata: map[string]string{
			"wallet_type": m.WalletType,
		},
	}, nil
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func compactUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
