// Package api contains the HTTP handlers and routing for the UCP engine.
package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/itayshmool/ucp-engine/internal/capability"
	"github.com/itayshmool/ucp-engine/internal/checkout"
	"github.com/itayshmool/ucp-engine/internal/discount"
	"github.com/itayshmool/ucp-engine/internal/domain"
	"github.com/itayshmool/ucp-engine/internal/payment"
)

// Handler contains the HTTP handlers for the UCP API.
type Handler struct {
	profileName  string
	capabilities *capability.Registry
	payments     *payment.Service
	checkouts    *checkout.Service
	discounts    *discount.Service
	backend      domain.CommerceBackend
	log          logrus.FieldLogger
}

// Services groups what the handlers dispatch to.
type Services struct {
	ProfileName  string
	Capabilities *capability.Registry
	Payments     *payment.Service
	Checkouts    *checkout.Service
	Discounts    *discount.Service
	Backend      domain.CommerceBackend
}

// NewHandler creates a new API handler.
func NewHandler(svc Services, log logrus.FieldLogger) *Handler {
	return &Handler{
		profileName:  svc.ProfileName,
		capabilities: svc.Capabilities,
		payments:     svc.Payments,
		checkouts:    svc.Checkouts,
		discounts:    svc.Discounts,
		backend:      svc.Backend,
		log:          log,
	}
}

// ErrorResponse represents an error response. ErrorCode repeats Code for
// clients that read the UCP field name.
type ErrorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
}

func errorResponse(message, code string) ErrorResponse {
	return ErrorResponse{Success: false, Error: message, Code: code, ErrorCode: code}
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, errorResponse("Invalid request body: "+err.Error(), "INVALID_REQUEST"))
}

// idempotencyKey prefers the Idempotency-Key header over the body field.
func idempotencyKey(c *gin.Context, fromBody string) string {
	if key := strings.TrimSpace(c.GetHeader("Idempotency-Key")); key != "" {
		return key
	}
	return strings.TrimSpace(fromBody)
}

// Health handles GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "ucp-engine",
	})
}

// Profile handles GET /.well-known/ucp
// Publishes the business capabilities and enabled payment handlers. When the
// caller declared its own capabilities, the negotiated set is included.
func (h *Handler) Profile(c *gin.Context) {
	body := gin.H{
		"name": h.profileName,
		"ucp": gin.H{
			"version":      capability.DefaultVersion,
			"capabilities": h.capabilities.List(),
		},
		"payment": gin.H{
			"handlers": h.payments.Handlers().List(true),
		},
	}
	if set, ok := negotiatedFrom(c); ok && c.GetHeader(CapabilitiesHeader) != "" {
		body["negotiated"] = set
	}
	c.JSON(http.StatusOK, body)
}

// NegotiateRequest represents the JSON body for the negotiate endpoint.
type NegotiateRequest struct {
	Capabilities []domain.Capability `json:"capabilities" binding:"required"`
}

// Negotiate handles POST /ucp/negotiate
func (h *Handler) Negotiate(c *gin.Context) {
	var req NegotiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	set := capability.Negotiate(req.Capabilities, h.capabilities.List())
	c.JSON(http.StatusOK, gin.H{
		"success":          true,
		"capabilities":     set.Capabilities,
		"checkout_enabled": set.SupportsCheckout(),
	})
}

// LineItemRequest is one product in a create-checkout request.
type LineItemRequest struct {
	ProductID string `json:"productId" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required,gt=0"`
}

// CreateCheckoutRequest represents the JSON body for opening a checkout.
type CreateCheckoutRequest struct {
	Currency  string            `json:"currency"`
	LineItems []LineItemRequest `json:"lineItems" binding:"required,min=1,dive"`
}

// CreateCheckout handles POST /ucp/checkout
// Prices the cart through the merchant backend and opens a session.
func (h *Handler) CreateCheckout(c *gin.Context) {
	var req CreateCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "USD"
	}

	items := make([]domain.CartItemRequest, len(req.LineItems))
	for i, li := range req.LineItems {
		items[i] = domain.CartItemRequest{ProductID: li.ProductID, Quantity: li.Quantity}
	}

	quote, err := h.backend.QuoteCart(c.Request.Context(), currency, items)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	session, err := h.checkouts.Sessions().Open(c.Request.Context(), quote)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"success": true, "checkout": session})
}

// GetCheckout handles GET /ucp/checkout/:checkoutId
func (h *Handler) GetCheckout(c *gin.Context) {
	session, err := h.checkouts.Sessions().Get(c.Request.Context(), c.Param("checkoutId"))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "checkout": session})
}

// CancelCheckout handles POST /ucp/checkout/:checkoutId/cancel
func (h *Handler) CancelCheckout(c *gin.Context) {
	session, err := h.checkouts.Sessions().Cancel(c.Request.Context(), c.Param("checkoutId"))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	h.discounts.ReleaseApplied(c.Request.Context(), session)
	c.JSON(http.StatusOK, gin.H{"success": true, "checkout": session})
}

// CompleteCheckoutRequest represents the JSON body for completing a checkout.
type CompleteCheckoutRequest struct {
	InstrumentID    string          `json:"instrumentId" binding:"required"`
	BillingAddress  *domain.Address `json:"billingAddress"`
	ShippingAddress *domain.Address `json:"shippingAddress"`
	BuyerNote       string          `json:"buyerNote"`
	IdempotencyKey  string          `json:"idempotencyKey"`
}

// CompleteCheckout handles POST /ucp/checkout/:checkoutId/complete
func (h *Handler) CompleteCheckout(c *gin.Context) {
	var req CompleteCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	result, err := h.checkouts.Complete(c.Request.Context(), c.Param("checkoutId"), checkout.CompleteRequest{
		InstrumentID:    req.InstrumentID,
		BillingAddress:  req.BillingAddress,
		ShippingAddress: req.ShippingAddress,
		BuyerNote:       req.BuyerNote,
		IdempotencyKey:  idempotencyKey(c, req.IdempotencyKey),
	})
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"order":       result.Order,
		"transaction": result.Transaction,
	})
}

// GetOrder handles GET /ucp/orders/:orderId
func (h *Handler) GetOrder(c *gin.Context) {
	order, err := h.checkouts.GetOrder(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "order": order})
}

// ApplyCouponRequest represents the JSON body for applying a coupon.
type ApplyCouponRequest struct {
	Code string `json:"code"`
}

// ApplyCoupon handles POST /ucp/checkout/:checkoutId/coupons
func (h *Handler) ApplyCoupon(c *gin.Context) {
	var req ApplyCouponRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	result, err := h.discounts.Apply(c.Request.Context(), c.Param("checkoutId"), req.Code)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"discount": result.Discount,
		"totals":   result.Totals,
	})
}

// RemoveCoupon handles DELETE /ucp/checkout/:checkoutId/coupons
func (h *Handler) RemoveCoupon(c *gin.Context) {
	totals, err := h.discounts.Remove(c.Request.Context(), c.Param("checkoutId"))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "totals": totals})
}

// ListDiscounts handles GET /ucp/checkout/:checkoutId/discounts
func (h *Handler) ListDiscounts(c *gin.Context) {
	discounts, err := h.discounts.List(c.Request.Context(), c.Param("checkoutId"))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "discounts": discounts})
}

// statusByCode holds the codes that do not map to 400.
var statusByCode = map[string]int{
	domain.CodeHandlerNotFound:          http.StatusNotFound,
	domain.CodeCheckoutNotFound:         http.StatusNotFound,
	domain.CodeInstrumentNotFound:       http.StatusNotFound,
	domain.CodeOrderNotFound:            http.StatusNotFound,
	domain.CodeCheckoutAlreadyCompleted: http.StatusConflict,
	domain.CodeDuplicateRequest:         http.StatusConflict,
	domain.CodeCompletionInProgress:     http.StatusConflict,
	domain.CodeInstrumentAlreadyUsed:    http.StatusConflict,
	domain.CodeAlreadyApplied:           http.StatusConflict,
}

// handleServiceError maps domain errors to HTTP responses.
func (h *Handler) handleServiceError(c *gin.Context, err error) {
	var coded domain.CodedError
	if errors.As(err, &coded) {
		statusCode, ok := statusByCode[coded.ErrorCode()]
		if !ok {
			statusCode = http.StatusBadRequest
		}
		c.JSON(statusCode, errorResponse(publicMessage(coded), coded.ErrorCode()))
		return
	}

	switch {
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error(), "NOT_FOUND"))
		return
	case errors.Is(err, domain.ErrValidation):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error(), "INVALID_REQUEST"))
		return
	case errors.Is(err, domain.ErrUpstream):
		h.log.WithError(err).WithField("path", c.Request.URL.Path).Error("upstream failure")
		c.JSON(http.StatusBadGateway, errorResponse("Upstream service unavailable", "UPSTREAM_ERROR"))
		return
	}

	// Generic error
	h.log.WithError(err).WithField("path", c.Request.URL.Path).Error("unhandled service error")
	c.JSON(http.StatusInternalServerError, errorResponse("Internal server error", "INTERNAL_ERROR"))
}

// publicMessage returns the coded error's own message without the sentinel
// suffix added by Error().
func publicMessage(err domain.CodedError) string {
	var msg string
	switch e := err.(type) {
	case *domain.PaymentError:
		msg = e.Message
	case *domain.CheckoutError:
		msg = e.Message
	case *domain.DiscountError:
		msg = e.Message
	}
	if msg == "" {
		return err.Error()
	}
	return msg
}
