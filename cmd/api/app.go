package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/itayshmool/ucp-engine/config"
	"github.com/itayshmool/ucp-engine/internal/api"
	"github.com/itayshmool/ucp-engine/internal/capability"
	"github.com/itayshmool/ucp-engine/internal/checkout"
	"github.com/itayshmool/ucp-engine/internal/discount"
	"github.com/itayshmool/ucp-engine/internal/domain"
	"github.com/itayshmool/ucp-engine/internal/idempotency"
	"github.com/itayshmool/ucp-engine/internal/metrics"
	"github.com/itayshmool/ucp-engine/internal/payment"
	"github.com/itayshmool/ucp-engine/internal/platform/mercadopago"
	"github.com/itayshmool/ucp-engine/internal/platform/merchant"
	"github.com/itayshmool/ucp-engine/internal/store"
)

// app is the fully wired service.
type app struct {
	handler  *api.Handler
	metrics  *metrics.Metrics
	profile  *config.Profile
	caps     *capability.Registry
	handlers *payment.Registry
	sweeper  *store.Sweeper
	closers  []func() error
}

// merchantBackend is what the merchant platform provides to the engine.
type merchantBackend interface {
	domain.CommerceBackend
	domain.OrderPublisher
}

// buildApp wires up all dependencies (manual dependency injection).
func buildApp(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*app, error) {
	a := &app{metrics: metrics.New()}

	profile, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		return nil, err
	}
	a.profile = profile

	// Capabilities
	caps := capability.DefaultCapabilities()
	if len(profile.Capabilities) > 0 {
		caps = profile.Capabilities
	}
	a.caps, err = capability.NewRegistryFrom(caps)
	if err != nil {
		return nil, fmt.Errorf("capability profile: %w", err)
	}

	// Infrastructure Layer
	kv, err := a.openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	idem := idempotency.New(kv, cfg.Checkout.IdempotencyTTL)

	var backend merchantBackend
	if cfg.Merchant.BaseURL != "" {
		backend = merchant.NewClient(cfg.Merchant.BaseURL, cfg.Merchant.APIKey)
		log.WithField("url", cfg.Merchant.BaseURL).Info("using merchant platform API")
	} else {
		backend = merchant.NewDemoCatalog()
		log.Warn("MERCHANT_API_URL not set, using in-memory demo catalog")
	}

	var hosted domain.HostedCheckout
	if cfg.Payments.MercadoPagoAccessToken != "" {
		adapter, err := mercadopago.NewAdapter(cfg.Payments.MercadoPagoAccessToken, cfg.Payments.NotificationURL, log)
		if err != nil {
			return nil, fmt.Errorf("mercadopago: %w", err)
		}
		hosted = adapter
	} else {
		log.Warn("MP_ACCESS_TOKEN not set, hosted checkout redirects to the local pay page")
	}

	a.handlers = payment.NewDefaultRegistry(hosted, cfg.Server.PublicBaseURL)
	for id, enabled := range profile.Handlers {
		if err := a.handlers.SetEnabled(id, enabled); err != nil {
			return nil, fmt.Errorf("profile handler %s: %w", id, err)
		}
	}

	// Service Layer
	sessions := checkout.NewSessions(kv, cfg.Checkout.SessionTTL, nil)
	payments := payment.NewService(a.handlers, kv, idem, log, payment.WithMetrics(a.metrics))
	checkouts := checkout.NewService(sessions, payments, kv, idem, backend,
		checkout.Config{AllowAdhoc: cfg.Checkout.AllowAdhoc}, log, a.metrics)
	discounts := discount.NewService(sessions, backend, log, a.metrics)

	// API Layer
	name := profile.Name
	if name == "" {
		name = "UCP Merchant"
	}
	a.handler = api.NewHandler(api.Services{
		ProfileName:  name,
		Capabilities: a.caps,
		Payments:     payments,
		Checkouts:    checkouts,
		Discounts:    discounts,
		Backend:      backend,
	}, log)

	return a, nil
}

// openStore selects the key-value backend. The in-memory store gets a
// periodic sweep; Redis expires keys natively.
func (a *app) openStore(ctx context.Context, cfg *config.Config, log *logrus.Logger) (store.KeyValueStore, error) {
	if cfg.Store.Backend == "redis" {
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Store.RedisAddr},
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		rs := store.NewRedisStore(client, "ucp:")
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rs.Ping(pingCtx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.Store.RedisAddr, err)
		}
		a.closers = append(a.closers, client.Close)
		log.WithField("addr", cfg.Store.RedisAddr).Info("using redis store")
		return rs, nil
	}

	mem := store.NewMemoryStore()
	sweeper, err := store.NewSweeper(mem, cfg.Store.SweepSchedule, log)
	if err != nil {
		return nil, fmt.Errorf("sweep schedule %q: %w", cfg.Store.SweepSchedule, err)
	}
	a.sweeper = sweeper
	log.Info("using in-memory store")
	return mem, nil
}

// close releases background work and connections.
func (a *app) close() {
	if a.sweeper != nil {
		<-a.sweeper.Stop().Done()
	}
	for _, c := range a.closers {
		_ = c()
	}
}
