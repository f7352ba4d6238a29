package api

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/itayshmool/ucp-engine/internal/capability"
	"github.com/itayshmool/ucp-engine/internal/metrics"
)

// RouterConfig holds the edge settings for SetupRouter.
type RouterConfig struct {
	GinMode           string
	PlatformJWTSecret string
	RateLimitRPS      float64
	RateLimitBurst    int
	Metrics           *metrics.Metrics
	Log               logrus.FieldLogger
}

// SetupRouter configures the Gin router with all routes and middleware.
func SetupRouter(handler *Handler, cfg RouterConfig) *gin.Engine {
	// Set Gin mode
	gin.SetMode(cfg.GinMode)

	router := gin.New()

	// Apply middleware
	router.Use(gin.Recovery())
	router.Use(CORSMiddleware())
	router.Use(RequestIDMiddleware())
	router.Use(LoggerMiddleware(cfg.Log, cfg.Metrics))

	// Health and metrics endpoints (no auth required)
	router.GET("/health", handler.Health)
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}

	negotiate := CapabilityMiddleware(handler.capabilities)
	router.GET("/.well-known/ucp", negotiate, handler.Profile)

	limiter := NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	limited := limiter.Middleware()

	ucp := router.Group("/ucp")
	ucp.Use(PlatformAuthMiddleware(cfg.PlatformJWTSecret), negotiate)
	{
		ucp.POST("/negotiate", handler.Negotiate)

		// Payment handler catalog
		ucp.GET("/payment-handlers", handler.ListPaymentHandlers)
		ucp.GET("/payment-handlers/:handlerId", handler.GetPaymentHandler)

		// Instruments
		instruments := ucp.Group("/instruments")
		{
			instruments.GET("/:instrumentId", handler.GetInstrument)
			instruments.POST("/:instrumentId/validate", handler.ValidateInstrument)
			instruments.DELETE("/:instrumentId", limited, handler.CancelInstrument)
		}

		// Checkout sessions
		checkouts := ucp.Group("/checkout", RequireCapability(capability.Checkout))
		{
			checkouts.POST("", limited, handler.CreateCheckout)
			checkouts.GET("/:checkoutId", handler.GetCheckout)
			checkouts.POST("/:checkoutId/cancel", limited, handler.CancelCheckout)
			checkouts.POST("/:checkoutId/mint", limited, handler.MintInstrument)
			checkouts.POST("/:checkoutId/complete", limited, handler.CompleteCheckout)

			// Discount extension
			discounts := checkouts.Group("", RequireCapability(capability.Discount))
			discounts.POST("/:checkoutId/coupons", limited, handler.ApplyCoupon)
			discounts.DELETE("/:checkoutId/coupons", limited, handler.RemoveCoupon)
			discounts.GET("/:checkoutId/discounts", handler.ListDiscounts)
		}

		ucp.GET("/orders/:orderId", RequireCapability(capability.Order), handler.GetOrder)
	}

	return router
}
