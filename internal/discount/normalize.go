package discount

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/itayshmool/ucp-engine/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// Normalize turns a backend coupon into an AppliedDiscount priced against
// session. The first populated field wins: percent, then amount, then free
// shipping.
func Normalize(quote *domain.CouponQuote, session *domain.CheckoutSession) (domain.AppliedDiscount, error) {
	d := domain.AppliedDiscount{
		ID:       quote.ID,
		Code:     strings.ToUpper(quote.Code),
		Name:     quote.Name,
		Scope:    domain.ScopeOrder,
		Currency: session.Currency,
	}
	if d.Name == "" {
		d.Name = d.Code
	}

	base := eligibleSubtotal(session, quote.LineItemIDs)
	if len(quote.LineItemIDs) > 0 {
		d.Scope = domain.ScopeLineItems
	}

	var amount decimal.Decimal
	switch {
	case quote.PercentOff != nil:
		pct := decimal.NewFromFloat(*quote.PercentOff)
		if !pct.IsPositive() || pct.GreaterThan(hundred) {
			return d, notApplicable("percentage must be between 0 and 100")
		}
		d.Type = domain.DiscountPercentage
		d.Value = *quote.PercentOff
		amount = base.Mul(pct).Div(hundred)

	case quote.AmountOff != nil:
		off := decimal.NewFromFloat(*quote.AmountOff)
		if !off.IsPositive() {
			return d, notApplicable("discount amount must be positive")
		}
		d.Type = domain.DiscountFixedAmount
		d.Value = *quote.AmountOff
		amount = decimal.Min(off, base)

	case quote.FreeShipping:
		d.Type = domain.DiscountFreeShipping
		d.Scope = domain.ScopeOrder
		if sh := session.Totals.Shipping; sh != nil {
			amount = sh.Decimal()
		}
		d.Value, _ = amount.Round(2).Float64()

	default:
		return d, notApplicable("coupon carries no discount")
	}

	d.Amount, _ = amount.Round(2).Float64()
	return d, nil
}

// eligibleSubtotal sums the listed line items, or all of them when ids is empty.
func eligibleSubtotal(session *domain.CheckoutSession, ids []string) decimal.Decimal {
	total := decimal.Zero
	for _, item := range session.Items {
		if len(ids) > 0 && !contains(ids, item.ID) && !contains(ids, item.ProductID) {
			continue
		}
		total = total.Add(item.Total.Decimal())
	}
	return total
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func notApplicable(msg string) error {
	return domain.NewDiscountError(domain.ErrValidation, msg, domain.CodeNotApplicable)
}

// ClassifyRejection maps the backend's rejection wording to a discount code.
// Messages can match several patterns, so the order here is significant.
func ClassifyRejection(message string) string {
	msg := strings.ToLower(message)
	switch {
	case strings.Contains(msg, "not found"), strings.Contains(msg, "invalid"):
		return domain.CodeInvalidCode
	case strings.Contains(msg, "expired"):
		return domain.CodeExpired
	case strings.Contains(msg, "minimum"), strings.Contains(msg, "subtotal"):
		return domain.CodeMinPurchaseNotMet
	case strings.Contains(msg, "limit"), strings.Contains(msg, "usage"):
		return domain.CodeMaxUsesReached
	case strings.Contains(msg, "already"):
		return domain.CodeAlreadyApplied
	default:
		return domain.CodeNotApplicable
	}
}
