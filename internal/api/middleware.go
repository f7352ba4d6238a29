package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/itayshmool/ucp-engine/internal/capability"
	"github.com/itayshmool/ucp-engine/internal/metrics"
)

// CapabilitiesHeader carries the platform's declared capabilities as a
// comma-separated list of name@version.
const CapabilitiesHeader = "UCP-Agent-Capabilities"

const (
	requestIDKey  = "request_id"
	platformIDKey = "platform_id"
	negotiatedKey = "ucp_negotiated"
)

// CORSMiddleware handles Cross-Origin Resource Sharing.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers",
			"Origin, Content-Type, Authorization, X-Request-ID, Idempotency-Key, "+CapabilitiesHeader)
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

// RequestIDMiddleware adds a unique request ID to each request.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(requestIDKey, requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// LoggerMiddleware logs each request and records it in m, which may be nil.
func LoggerMiddleware(log logrus.FieldLogger, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequest(c.Request.Method, route, strconv.Itoa(status), latency.Seconds())

		entry := log.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     status,
			"latency_ms": latency.Milliseconds(),
			"request_id": c.GetString(requestIDKey),
		})
		if platform := c.GetString(platformIDKey); platform != "" {
			entry = entry.WithField("platform_id", platform)
		}
		switch {
		case status >= 500:
			entry.Error("request failed")
		case status >= 400:
			entry.Warn("request rejected")
		default:
			entry.Info("request served")
		}
	}
}

// PlatformClaims are the claims a platform token must carry. The subject is
// the platform id.
type PlatformClaims struct {
	jwt.RegisteredClaims
}

// PlatformAuthMiddleware validates HS256 bearer tokens issued to platforms.
// An empty secret disables authentication.
func PlatformAuthMiddleware(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("Authorization header required", "UNAUTHORIZED"))
			return
		}

		// Expect: Bearer <token>
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("Invalid authorization format", "UNAUTHORIZED"))
			return
		}

		platformID, err := parsePlatformToken(parts[1], key)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("Invalid platform token", "UNAUTHORIZED"))
			return
		}

		c.Set(platformIDKey, platformID)
		c.Next()
	}
}

func parsePlatformToken(tokenString string, key []byte) (string, error) {
	claims := &PlatformClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if !token.Valid || claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// limiterIdleTTL is how long a caller's bucket survives without traffic.
const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per platform, falling back to the
// client IP for unauthenticated callers. Idle buckets are evicted.
type RateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	rate      rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// NewRateLimiter creates a limiter. A non-positive rps disables limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters:  make(map[string]*limiterEntry),
		rate:      rate.Limit(rps),
		burst:     burst,
		idle:      limiterIdleTTL,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) >= rl.idle {
		rl.evictIdle(now)
	}

	e, ok := rl.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

// evictIdle drops buckets unused for the idle window. An evicted caller
// starts again with a full bucket. Callers hold rl.mu.
func (rl *RateLimiter) evictIdle(now time.Time) {
	for key, e := range rl.limiters {
		if now.Sub(e.lastSeen) >= rl.idle {
			delete(rl.limiters, key)
		}
	}
	rl.lastSweep = now
}

// Len reports how many callers currently hold a bucket.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// Middleware rejects requests over the caller's budget with 429.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.rate <= 0 {
			c.Next()
			return
		}
		key := c.GetString(platformIDKey)
		if key == "" {
			key = c.ClientIP()
		}
		if !rl.limiter(key).Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse("Rate limit exceeded", "RATE_LIMITED"))
			return
		}
		c.Next()
	}
}

// CapabilityMiddleware negotiates the caller's declared capabilities against
// the business registry. Callers that declare nothing get the full business
// set.
func CapabilityMiddleware(business *capability.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader(CapabilitiesHeader)
		if strings.TrimSpace(header) == "" {
			c.Set(negotiatedKey, capability.NegotiatedSet{Capabilities: business.List()})
			c.Next()
			return
		}

		declared, err := capability.ParseDeclared(header, business)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse(err.Error(), "INVALID_REQUEST"))
			return
		}
		c.Set(negotiatedKey, capability.Negotiate(declared, business.List()))
		c.Next()
	}
}

// RequireCapability rejects the request unless name survived negotiation.
func RequireCapability(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		set, ok := negotiatedFrom(c)
		if !ok || !set.Has(name) {
			c.AbortWithStatusJSON(http.StatusBadRequest,
				errorResponse("capability "+name+" was not negotiated", "CAPABILITY_NOT_SUPPORTED"))
			return
		}
		c.Next()
	}
}

func negotiatedFrom(c *gin.Context) (capability.NegotiatedSet, bool) {
	v, ok := c.Get(negotiatedKey)
	if !ok {
		return capability.NegotiatedSet{}, false
	}
	set, ok := v.(capability.NegotiatedSet)
	return set, ok
}
