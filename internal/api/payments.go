package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/itayshmool/ucp-engine/internal/domain"
	"github.com/itayshmool/ucp-engine/internal/payment"
)

// ListPaymentHandlers handles GET /ucp/payment-handlers
// Only enabled handlers are listed unless enabledOnly=false.
func (h *Handler) ListPaymentHandlers(c *gin.Context) {
	enabledOnly := true
	if v := c.Query("enabledOnly"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse("enabledOnly must be a boolean", "INVALID_REQUEST"))
			return
		}
		enabledOnly = parsed
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"handlers": h.payments.Handlers().List(enabledOnly),
	})
}

// GetPaymentHandler handles GET /ucp/payment-handlers/:handlerId
func (h *Handler) GetPaymentHandler(c *gin.Context) {
	id := c.Param("handlerId")
	handler, ok := h.payments.Handlers().Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, errorResponse("payment handler '"+id+"' not found", domain.CodeHandlerNotFound))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "handler": handler})
}

// MintRequest represents the JSON body for the mint endpoint.
type MintRequest struct {
	HandlerID      string            `json:"handlerId" binding:"required"`
	Amount         float64           `json:"amount"`
	Currency       string            `json:"currency" binding:"required"`
	Country        string            `json:"country"`
	PaymentData    map[string]string `json:"paymentData"`
	IdempotencyKey string            `json:"idempotencyKey"`
}

// MintInstrument handles POST /ucp/checkout/:checkoutId/mint
func (h *Handler) MintInstrument(c *gin.Context) {
	var req MintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	instrument, err := h.payments.Mint(c.Request.Context(), payment.MintRequest{
		CheckoutID:     c.Param("checkoutId"),
		HandlerID:      req.HandlerID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Country:        req.Country,
		PaymentData:    req.PaymentData,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
	})
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"success": true, "instrument": instrument})
}

// GetInstrument handles GET /ucp/instruments/:instrumentId
func (h *Handler) GetInstrument(c *gin.Context) {
	instrument, err := h.payments.Get(c.Request.Context(), c.Param("instrumentId"))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "instrument": instrument})
}

// ValidateRequest represents the JSON body for the validate endpoint.
type ValidateRequest struct {
	CheckoutID string  `json:"checkoutId"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency" binding:"required"`
}

// ValidateInstrument handles POST /ucp/instruments/:instrumentId/validate
// Validation never consumes the instrument.
func (h *Handler) ValidateInstrument(c *gin.Context) {
	var req ValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	err := h.payments.Validate(c.Request.Context(), c.Param("instrumentId"), req.CheckoutID, req.Amount, req.Currency)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "valid": true})
}

// CancelInstrument handles DELETE /ucp/instruments/:instrumentId
func (h *Handler) CancelInstrument(c *gin.Context) {
	instrument, err := h.payments.Cancel(c.Request.Context(), c.Param("instrumentId"))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "instrument": instrument})
}
