// Package domain contains the core business entities and interfaces for the UCP engine.
package domain

import "errors"

// Domain errors represent business rule violations.
// Each coded error below wraps one of these so callers can use errors.Is.
var (
	// ErrNotFound is returned when a handler, instrument, session or order is absent.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when the request collides with current state.
	ErrConflict = errors.New("conflict")

	// ErrValidation is returned when input or business rules reject a request.
	ErrValidation = errors.New("validation failed")

	// ErrUpstream is returned when the merchant backend or PSP fails.
	ErrUpstream = errors.New("upstream failure")
)

// Instrument and payment error codes.
const (
	CodeHandlerNotFound       = "HANDLER_NOT_FOUND"
	CodeHandlerDisabled       = "HANDLER_DISABLED"
	CodeInvalidAmount         = "INVALID_AMOUNT"
	CodeUnsupportedCurrency   = "UNSUPPORTED_CURRENCY"
	CodeUnsupportedCountry    = "UNSUPPORTED_COUNTRY"
	CodeInvalidPaymentData    = "INVALID_PAYMENT_DATA"
	CodeTokenizationFailed    = "TOKENIZATION_FAILED"
	CodeInstrumentExpired     = "INSTRUMENT_EXPIRED"
	CodeInstrumentAlreadyUsed = "INSTRUMENT_ALREADY_USED"
	CodeDuplicateRequest      = "DUPLICATE_REQUEST"
)

// Checkout and order error codes.
const (
	CodeCheckoutNotFound         = "CHECKOUT_NOT_FOUND"
	CodeCheckoutAlreadyCompleted = "CHECKOUT_ALREADY_COMPLETED"
	CodeCheckoutExpired          = "CHECKOUT_EXPIRED"
	CodeInstrumentNotFound       = "INSTRUMENT_NOT_FOUND"
	CodeInstrumentInvalid        = "INSTRUMENT_INVALID"
	CodeAmountMismatch           = "AMOUNT_MISMATCH"
	CodeCurrencyMismatch         = "CURRENCY_MISMATCH"
	CodePaymentFailed            = "PAYMENT_FAILED"
	CodeOrderCreationFailed      = "ORDER_CREATION_FAILED"
	CodeCompletionInProgress     = "COMPLETION_IN_PROGRESS"
	CodeOrderNotFound            = "ORDER_NOT_FOUND"
)

// Discount error codes.
const (
	CodeInvalidCode       = "INVALID_CODE"
	CodeExpired           = "EXPIRED"
	CodeMinPurchaseNotMet = "MIN_PURCHASE_NOT_MET"
	CodeMaxUsesReached    = "MAX_USES_REACHED"
	CodeAlreadyApplied    = "ALREADY_APPLIED"
	CodeNotApplicable     = "NOT_APPLICABLE"
)

// CodedError is implemented by every error taxonomy so adapters can map
// codes to transport status deterministically.
type CodedError interface {
	error
	ErrorCode() string
}

// PaymentError wraps a domain error with an instrument/payment code.
type PaymentError struct {
	Err     error
	Message string
	Code    string
}

// Error implements the error interface.
func (e *PaymentError) Error() string {
	if e.Message != "" {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

// Unwrap allows errors.Is and errors.As to work with PaymentError.
func (e *PaymentError) Unwrap() error {
	return e.Err
}

// ErrorCode returns the instrument taxonomy code.
func (e *PaymentError) ErrorCode() string { return e.Code }

// NewPaymentError creates a new PaymentError with the given error and message.
func NewPaymentError(err error, message, code string) *PaymentError {
	return &PaymentError{
		Err:     err,
		Message: message,
		Code:    code,
	}
}

// CheckoutError wraps a domain error with a checkout/order code.
type CheckoutError struct {
	Err     error
	Message string
	Code    string
}

func (e *CheckoutError) Error() string {
	if e.Message != "" {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

func (e *CheckoutError) Unwrap() error { return e.Err }

// ErrorCode returns the checkout taxonomy code.
func (e *CheckoutError) ErrorCode() string { return e.Code }

// NewCheckoutError creates a new CheckoutError.
func NewCheckoutError(err error, message, code string) *CheckoutError {
	return &CheckoutError{Err: err, Message: message, Code: code}
}

// DiscountError wraps a domain error with a discount code.
type DiscountError struct {
	Err     error
	Message string
	Code    string
}

func (e *DiscountError) Error() string {
	if e.Message != "" {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

func (e *DiscountError) Unwrap() error { return e.Err }

// ErrorCode returns the discount taxonomy code.
func (e *DiscountError) ErrorCode() string { return e.Code }

// NewDiscountError creates a new DiscountError.
func NewDiscountError(err error, message, code string) *DiscountError {
	return &DiscountError{Err: err, Message: message, Code: code}
}

// ErrorCodeOf extracts the taxonomy code from err, or "" when err is not coded.
func ErrorCodeOf(err error) string {
	var coded CodedError
	if errors.As(err, &coded) {
		return coded.ErrorCode()
	}
	return ""
}
