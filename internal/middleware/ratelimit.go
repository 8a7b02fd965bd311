package middleware

import (
	"fmt"
	"net/http"
	"strconv"

	limiter "github.com/ulule/limiter/v3"
	stdlib "github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	memory "github.com/ulule/limiter/v3/drivers/store/memory"
	"github.com/uptrace/bunrouter"

	"github.com/Brownie44l1/food-classifier/internal/logger"
)

// RateLimiter limits requests per client IP with an in-memory store.
type RateLimiter struct {
	mw *stdlib.Middleware
}

// NewRateLimiter parses a formatted rate such as "10-S" or "1000-H".
func NewRateLimiter(formatted string) (*RateLimiter, error) {
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		return nil, fmt.Errorf("parse rate limit %q: %w", formatted, err)
	}
	instance := limiter.New(memory.NewStore(), rate)
	mw := stdlib.NewMiddleware(instance,
		stdlib.WithLimitReachedHandler(func(w http.ResponseWriter, r *http.Request) {
			logger.WithContext(r.Context()).Warn("rate limit reached", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
			WriteError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests, slow down")
		}),
		stdlib.WithErrorHandler(func(w http.ResponseWriter, r *http.Request, err error) {
			logger.WithContext(r.Context()).Error("rate limiter failed", "error", err)
			WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
		}),
	)
	return &RateLimiter{mw: mw}, nil
}

// Handler limits POST requests only; reads stay free.
func (l *RateLimiter) Handler(next bunrouter.HandlerFunc) bunrouter.HandlerFunc {
	return func(w http.ResponseWriter, req bunrouter.Request) error {
		if req.Method != http.MethodPost {
			return next(w, req)
		}
		r := req.Request
		key := l.mw.KeyGetter(r)
		if l.mw.ExcludedKey != nil && l.mw.ExcludedKey(key) {
			return next(w, req)
		}

		ctx, err := l.mw.Limiter.Get(r.Context(), key)
		if err != nil {
			l.mw.OnError(w, r, err)
			return nil
		}

		w.Header().Add("X-RateLimit-Limit", strconv.FormatInt(ctx.Limit, 10))
		w.Header().Add("X-RateLimit-Remaining", strconv.FormatInt(ctx.Remaining, 10))
		w.Header().Add("X-RateLimit-Reset", strconv.FormatInt(ctx.Reset, 10))

		if ctx.Reached {
			l.mw.OnLimitReached(w, r)
			return nil
		}
		return next(w, req)
	}
}
