// Package domain contains the core business entities and interfaces for the UCP engine.
package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Money is the representation that crosses the merchant boundary.
// Amount is authoritative; Formatted is presentation only.
type Money struct {
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
	Formatted string  `json:"formatted,omitempty"`
}

var currencySymbols = map[string]string{
	"USD": "$",
	"EUR": "€",
	"GBP": "£",
	"ILS": "₪",
	"BRL": "R$",
	"ARS": "$",
	"CAD": "CA$",
	"AUD": "A$",
}

// NewMoney builds a Money value rounded to cents with its formatted string.
func NewMoney(amount decimal.Decimal, currency string) Money {
	currency = strings.ToUpper(currency)
	rounded := amount.Round(2)
	f, _ := rounded.Float64()
	return Money{
		Amount:    f,
		Currency:  currency,
		Formatted: FormatAmount(rounded, currency),
	}
}

// MoneyFromFloat is NewMoney for a plain float amount.
func MoneyFromFloat(amount float64, currency string) Money {
	return NewMoney(decimal.NewFromFloat(amount), currency)
}

// Decimal returns the amount as a decimal rounded to cents.
func (m Money) Decimal() decimal.Decimal {
	return decimal.NewFromFloat(m.Amount).Round(2)
}

// FormatAmount renders an amount for display, e.g. "$10.00" or "12.50 CHF".
func FormatAmount(amount decimal.Decimal, currency string) string {
	if sym, ok := currencySymbols[currency]; ok {
		return sym + amount.StringFixed(2)
	}
	return amount.StringFixed(2) + " " + currency
}

// AmountsEqual compares two amounts at cent precision.
func AmountsEqual(a, b float64) bool {
	return decimal.NewFromFloat(a).Round(2).Equal(decimal.NewFromFloat(b).Round(2))
}

// CurrenciesEqual compares ISO-4217 codes case-insensitively.
func CurrenciesEqual(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
