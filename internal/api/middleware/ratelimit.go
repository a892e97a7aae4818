package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/noetl/noetl/internal/config"
)

const (
	burstMultiplier        = 2
	defaultGlobalRPS       = 200
	defaultCallerRPS       = 100
	defaultUnAuthRPS       = 20
	defaultMaxCallers      = 1000
	defaultCleanupInterval = 5 * time.Minute
	defaultIdleTimeout     = time.Hour
)

type (
	// RateLimiter decides whether a request is admitted. The callerID is the
	// authenticated credential name, or empty for unauthenticated requests.
	RateLimiter interface {
		Allow(callerID string) bool
	}

	// InMemoryRateLimiter implements RateLimiter with golang.org/x/time/rate
	// token buckets in three tiers: a global bucket, one bucket per caller,
	// and a shared unauthenticated bucket. Idle caller buckets are swept
	// periodically so the map stays bounded.
	InMemoryRateLimiter struct {
		global          *rate.Limiter
		perCaller       map[string]*callerLimiter
		unauthenticated *rate.Limiter
		mu              sync.RWMutex
		cleanupTicker   *time.Ticker
		done            chan struct{}

		callerRPS       int
		callerBurst     int
		cleanupInterval time.Duration
		idleTimeout     time.Duration
	}

	callerLimiter struct {
		limiter    *rate.Limiter
		lastAccess time.Time
		mu         sync.Mutex
	}

	// RateLimitConfig holds the per-tier limits in requests per second. A
	// burst of zero is computed as twice the rate.
	RateLimitConfig struct {
		GlobalRPS int
		CallerRPS int
		UnAuthRPS int

		GlobalBurst int
		CallerBurst int
		UnAuthBurst int

		CleanupInterval time.Duration
		IdleTimeout     time.Duration
	}
)

// LoadRateLimitConfig reads rate limits from NOETL_* variables.
func LoadRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		GlobalRPS: config.GetEnvInt("NOETL_GLOBAL_RPS", defaultGlobalRPS),
		CallerRPS: config.GetEnvInt("NOETL_CALLER_RPS", defaultCallerRPS),
		UnAuthRPS: config.GetEnvInt("NOETL_UNAUTH_RPS", defaultUnAuthRPS),

		GlobalBurst: config.GetEnvInt("NOETL_GLOBAL_BURST", 0),
		CallerBurst: config.GetEnvInt("NOETL_CALLER_BURST", 0),
		UnAuthBurst: config.GetEnvInt("NOETL_UNAUTH_BURST", 0),

		CleanupInterval: config.GetEnvDuration("NOETL_RATE_LIMIT_CLEANUP_INTERVAL", defaultCleanupInterval),
		IdleTimeout:     config.GetEnvDuration("NOETL_RATE_LIMIT_IDLE_TIMEOUT", defaultIdleTimeout),
	}
}

// NewInMemoryRateLimiter creates the three-tier limiter and starts its
// cleanup goroutine. Call Close when done.
func NewInMemoryRateLimiter(cfg *RateLimitConfig) *InMemoryRateLimiter {
	rl := &InMemoryRateLimiter{
		global:          rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burstCapacity(cfg.GlobalRPS, cfg.GlobalBurst)),
		perCaller:       make(map[string]*callerLimiter),
		unauthenticated: rate.NewLimiter(rate.Limit(cfg.UnAuthRPS), burstCapacity(cfg.UnAuthRPS, cfg.UnAuthBurst)),
		done:            make(chan struct{}),
		callerRPS:       cfg.CallerRPS,
		callerBurst:     burstCapacity(cfg.CallerRPS, cfg.CallerBurst),
		cleanupInterval: cfg.CleanupInterval,
		idleTimeout:     cfg.IdleTimeout,
	}

	rl.startCleanup()

	return rl
}

func burstCapacity(rps, override int) int {
	if override > 0 {
		return override
	}

	return rps * burstMultiplier
}

// Allow admits or rejects one request.
func (rl *InMemoryRateLimiter) Allow(callerID string) bool {
	if !rl.global.Allow() {
		return false
	}

	if callerID == "" {
		return rl.unauthenticated.Allow()
	}

	rl.mu.RLock()
	cl, ok := rl.perCaller[callerID]
	rl.mu.RUnlock()

	if !ok {
		rl.mu.Lock()
		if cl, ok = rl.perCaller[callerID]; !ok {
			cl = &callerLimiter{
				limiter:    rate.NewLimiter(rate.Limit(rl.callerRPS), rl.callerBurst),
				lastAccess: time.Now(),
			}
			rl.perCaller[callerID] = cl
		}
		rl.mu.Unlock()
	}

	cl.mu.Lock()
	cl.lastAccess = time.Now()
	cl.mu.Unlock()

	return cl.limiter.Allow()
}

// Close stops the cleanup goroutine.
func (rl *InMemoryRateLimiter) Close() {
	if rl.cleanupTicker != nil {
		rl.cleanupTicker.Stop()
	}

	close(rl.done)
}

func (rl *InMemoryRateLimiter) startCleanup() {
	interval := rl.cleanupInterval
	if interval <= 0 {
		interval = defaultCleanupInterval
	}

	rl.cleanupTicker = time.NewTicker(interval)

	go func() {
		for {
			select {
			case <-rl.cleanupTicker.C:
				rl.cleanup()
			case <-rl.done:
				return
			}
		}
	}()
}

func (rl *InMemoryRateLimiter) cleanup() {
	idleTimeout := rl.idleTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}

	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for callerID, cl := range rl.perCaller {
		cl.mu.Lock()
		lastAccess := cl.lastAccess
		cl.mu.Unlock()

		if now.Sub(lastAccess) > idleTimeout {
			delete(rl.perCaller, callerID)
		}
	}
}

// RateLimit creates a middleware that rejects over-limit requests with a 429
// problem body. Place it after authentication so per-caller limits apply.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			callerID := ""
			if credential, ok := GetCaller(r.Context()); ok {
				callerID = credential.Name
			}

			if !limiter.Allow(callerID) {
				correlationID := GetCorrelationID(r.Context())

				if err := writeProblem(w, r, http.StatusTooManyRequests,
					"Rate limit exceeded; retry later", correlationID); err != nil {
					logger.Error("failed to encode rate limit response",
						slog.String("correlation_id", correlationID),
						slog.Any("error", err),
					)
				}

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
