// Package merchant implements the CommerceBackend and OrderPublisher ports,
// either against the merchant platform's HTTP API or an in-memory catalog.
package merchant

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/itayshmool/ucp-engine/internal/domain"
)

// Client implements domain.CommerceBackend and domain.OrderPublisher
// by making HTTP requests to the merchant platform.
type Client struct {
	http *resty.Client
}

// NewClient creates a new merchant API client.
func NewClient(baseURL, apiKey string) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Internal-API-Key", apiKey).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return !errors.Is(err, context.Canceled)
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= http.StatusInternalServerError
		})
	return &Client{http: c}
}

// idempotencyHeader keys every mutating request; retries reuse the key.
const idempotencyHeader = "Idempotency-Key"

// apiError is the merchant API's error body.
type apiError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type quoteRequest struct {
	Currency string                   `json:"currency"`
	Items    []domain.CartItemRequest `json:"items"`
}

// QuoteCart asks the merchant platform to price a cart.
func (c *Client) QuoteCart(ctx context.Context, currency string, items []domain.CartItemRequest) (*domain.CartQuote, error) {
	var quote domain.CartQuote
	var apiErr apiError

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(quoteRequest{Currency: currency, Items: items}).
		SetResult(&quote).
		SetError(&apiErr).
		Post("/api/internal/cart/quote")
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", errors.Join(domain.ErrUpstream, err))
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		return &quote, nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", apiErr.Message, domain.ErrNotFound)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return nil, fmt.Errorf("%s: %w", apiErr.Message, domain.ErrValidation)
	default:
		return nil, fmt.Errorf("merchant API returned status %d: %w", resp.StatusCode(), domain.ErrUpstream)
	}
}

type redeemRequest struct {
	Code     string       `json:"code"`
	Subtotal domain.Money `json:"subtotal"`
}

// RedeemCoupon asks the merchant platform whether code applies. A 4xx
// answer is a rejection whose message the discount extension classifies.
// The idempotency key lets the platform drop a retried redemption.
func (c *Client) RedeemCoupon(ctx context.Context, checkoutID, code string, subtotal domain.Money) (*domain.CouponQuote, error) {
	var coupon domain.CouponQuote
	var apiErr apiError

	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("checkoutID", checkoutID).
		SetHeader(idempotencyHeader, redemptionKey(checkoutID, code)).
		SetBody(redeemRequest{Code: code, Subtotal: subtotal}).
		SetResult(&coupon).
		SetError(&apiErr).
		Post("/api/internal/checkouts/{checkoutID}/coupons/redeem")
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", errors.Join(domain.ErrUpstream, err))
	}

	switch {
	case resp.IsSuccess():
		return &coupon, nil
	case resp.StatusCode() >= 400 && resp.StatusCode() < 500 && resp.StatusCode() != http.StatusUnauthorized:
		reason := apiErr.Message
		if reason == "" {
			reason = resp.String()
		}
		return nil, &domain.CouponRejection{Reason: reason}
	default:
		return nil, fmt.Errorf("merchant API returned status %d: %w", resp.StatusCode(), domain.ErrUpstream)
	}
}

// ReleaseCoupon gives back the checkout's redemption of code. The platform
// answering 404 means there was nothing to release.
func (c *Client) ReleaseCoupon(ctx context.Context, checkoutID, code string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("checkoutID", checkoutID).
		SetPathParam("code", code).
		SetHeader(idempotencyHeader, redemptionKey(checkoutID, code)+":release").
		Delete("/api/internal/checkouts/{checkoutID}/coupons/{code}")
	if err != nil {
		return fmt.Errorf("failed to make request: %w", errors.Join(domain.ErrUpstream, err))
	}
	if resp.IsSuccess() || resp.StatusCode() == http.StatusNotFound {
		return nil
	}
	return fmt.Errorf("merchant API returned status %d: %w", resp.StatusCode(), domain.ErrUpstream)
}

// PublishOrder pushes a synthesized order to the merchant platform.
func (c *Client) PublishOrder(ctx context.Context, order *domain.Order) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(idempotencyHeader, order.ID).
		SetBody(order).
		Post("/api/internal/orders")
	if err != nil {
		return fmt.Errorf("failed to make request: %w", errors.Join(domain.ErrUpstream, err))
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return fmt.Errorf("merchant API returned status %d: %s: %w", resp.StatusCode(), resp.String(), domain.ErrUpstream)
	}
	return nil
}
