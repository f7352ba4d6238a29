// Package mercadopago implements the HostedCheckout port using Mercado Pago
// Checkout Pro preferences.
package mercadopago

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/mercadopago/sdk-go/pkg/config"
	"github.com/mercadopago/sdk-go/pkg/mperror"
	"github.com/mercadopago/sdk-go/pkg/preference"
	"github.com/sirupsen/logrus"

	"github.com/itayshmool/ucp-engine/internal/domain"
)

// preferenceCreator is the part of the SDK preference client we use.
type preferenceCreator interface {
	Create(ctx context.Context, request preference.Request) (*preference.Response, error)
}

// RetryConfig controls backoff around preference creation.
type RetryConfig struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64 // 0.25 = ±25%
}

// DefaultRetryConfig returns the production retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		JitterFactor: 0.25,
	}
}

// Adapter implements domain.HostedCheckout using the Mercado Pago SDK.
type Adapter struct {
	client          preferenceCreator
	notificationURL string
	retry           RetryConfig
	log             logrus.FieldLogger
	sleep           func(context.Context, time.Duration) error
}

// NewAdapter creates a new Mercado Pago adapter for a single merchant account.
func NewAdapter(accessToken, notificationURL string, log logrus.FieldLogger) (*Adapter, error) {
	cfg, err := config.New(accessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create MP config: %w", err)
	}
	return newAdapter(preference.NewClient(cfg), notificationURL, DefaultRetryConfig(), log), nil
}

func newAdapter(client preferenceCreator, notificationURL string, retry RetryConfig, log logrus.FieldLogger) *Adapter {
	return &Adapter{
		client:          client,
		notificationURL: notificationURL,
		retry:           retry,
		log:             log,
		sleep:           sleepContext,
	}
}

// CreateHostedPayment creates a Checkout Pro preference and returns its init_point.
// external_reference carries "checkout|instrument" so a PSP notification can be
// traced back to the instrument that started it.
func (a *Adapter) CreateHostedPayment(ctx context.Context, req domain.HostedPaymentRequest) (string, error) {
	request := preference.Request{
		Items: []preference.ItemRequest{
			{
				Title:      req.Title,
				Quantity:   1,
				UnitPrice:  req.Amount,
				CurrencyID: strings.ToUpper(req.Currency),
			},
		},
		ExternalReference: req.CheckoutID + "|" + req.InstrumentID,
		AutoReturn:        "approved",
		BackURLs: &preference.BackURLsRequest{
			Success: req.ReturnURL + "&status=success",
			Failure: req.ReturnURL + "&status=failure",
			Pending: req.ReturnURL + "&status=pending",
		},
		NotificationURL: a.notificationURL,
	}

	var lastErr error
	for attempt := 0; attempt < a.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := a.backoff(attempt - 1)
			a.log.WithFields(logrus.Fields{
				"checkout_id": req.CheckoutID,
				"attempt":     attempt + 1,
				"backoff":     backoff.String(),
			}).WithError(lastErr).Warn("retrying Mercado Pago preference creation")
			if err := a.sleep(ctx, backoff); err != nil {
				return "", err
			}
		}

		result, err := a.client.Create(ctx, request)
		if err == nil {
			if result == nil || result.InitPoint == "" {
				return "", errors.New("preference created without init_point")
			}
			return result.InitPoint, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return "", fmt.Errorf("failed to create preference: %w", lastErr)
}

// backoff is baseDelay * 2^attempt, capped at MaxDelay, with jitter.
func (a *Adapter) backoff(attempt int) time.Duration {
	backoff := a.retry.BaseDelay * time.Duration(1<<uint(attempt))
	if backoff > a.retry.MaxDelay {
		backoff = a.retry.MaxDelay
	}

	jitterRange := float64(backoff) * a.retry.JitterFactor
	backoff += time.Duration(rand.Float64()*2*jitterRange - jitterRange)
	if backoff < 0 {
		backoff = a.retry.BaseDelay
	}
	return backoff
}

// retryable treats cancellation and API rejections other than 429 and 5xx
// as final. Errors without a response never reached the API.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var respErr *mperror.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.StatusCode
		return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError || status < http.StatusBadRequest
	}
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
