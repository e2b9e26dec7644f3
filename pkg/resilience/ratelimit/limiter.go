// Package ratelimit provides HTTP rate limiting middleware using ulule/limiter.
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	redisstore "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/your-org/tokengate/internal/config"
	"github.com/your-org/tokengate/pkg/logger"
)

// Limiter enforces a per-client request rate on the proxy listener.
type Limiter struct {
	cfg      config.RateLimitConfig
	instance *limiter.Limiter
	log      *zap.Logger
}

// NewLimiter creates a rate limiter from configuration. Rates use the
// ulule/limiter notation, e.g. "100-S" for 100 requests per second.
func NewLimiter(cfg config.RateLimitConfig, log *zap.Logger) (*Limiter, error) {
	if log == nil {
		log = logger.Named("ratelimit")
	}

	store, err := createStore(cfg)
	if err != nil {
		return nil, err
	}

	rate, err := limiter.NewRateFromFormatted(cfg.Rate)
	if err != nil {
		return nil, err
	}

	return &Limiter{
		cfg:      cfg,
		instance: limiter.New(store, rate),
		log:      log,
	}, nil
}

// createStore creates the appropriate store based on configuration.
func createStore(cfg config.RateLimitConfig) (limiter.Store, error) {
	switch cfg.Store {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		if _, err := client.Ping(context.Background()).Result(); err != nil {
			return nil, err
		}

		return redisstore.NewStoreWithOptions(client, limiter.StoreOptions{
			Prefix: cfg.Redis.KeyPrefix,
		})

	default:
		return memory.NewStore(), nil
	}
}

// Enabled reports whether the middleware should be installed.
func (l *Limiter) Enabled() bool {
	return l != nil && l.cfg.Enabled
}

// Middleware returns an HTTP middleware that applies rate limiting per
// client. Store errors fail open so a degraded Redis cannot take the
// proxy down with it.
func (l *Limiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := l.clientKey(r)

			lctx, err := l.instance.Get(r.Context(), key)
			if err != nil {
				l.log.Error("rate limiter store error", logger.Err(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

			if lctx.Reached {
				l.log.Warn("rate limit exceeded",
					logger.String("client_key", key),
					logger.String("path", r.URL.Path),
					logger.Int64("limit", lctx.Limit),
				)
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientKey determines the client identifier for rate limiting.
func (l *Limiter) clientKey(r *http.Request) string {
	if l.cfg.TrustForwardedFor {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// Take the first IP from X-Forwarded-For
			if idx := strings.Index(xff, ","); idx != -1 {
				return strings.TrimSpace(xff[:idx])
			}
			return strings.TrimSpace(xff)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}

	// Fall back to RemoteAddr
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}

// Peek reports the current limit state for a key without incrementing it.
func (l *Limiter) Peek(ctx context.Context, key string) (limiter.Context, error) {
	return l.instance.Peek(ctx, key)
}
