package handlers

import (
	"net/http"

	"github.com/uptrace/bunrouter"

	"github.com/Brownie44l1/food-classifier/internal/middleware"
)

type RouterOptions struct {
	EnableCORS bool
	// RateLimit in limiter format, e.g. "10-S"; empty disables limiting.
	RateLimit string
}

// Router returns the API with the full middleware stack applied.
func (h *Handler) Router(opts RouterOptions) (http.Handler, error) {
	var inner []bunrouter.MiddlewareFunc
	if opts.RateLimit != "" {
		rl, err := middleware.NewRateLimiter(opts.RateLimit)
		if err != nil {
			return nil, err
		}
		inner = append(inner, rl.Handler)
	}
	router := bunrouter.New(bunrouter.Use(inner...)).Compat()
	h.Routes(router)

	outer := []middleware.Middleware{middleware.RequestID, middleware.Recovery, middleware.Logging}
	if opts.EnableCORS {
		outer = append(outer, middleware.CORS(middleware.DefaultCORSConfig()))
	}
	return middleware.Chain(outer...)(router), nil
}
