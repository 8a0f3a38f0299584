package unifiedllm

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware blocks each request until limiter admits it. A nil
// limiter passes requests through.
func RateLimitMiddleware(limiter *rate.Limiter) Middleware {
	return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil, &RequestTimeoutError{SDKError: SDKError{Message: "rate limiter wait", Cause: err}}
			}
		}
		return next(ctx, req)
	}
}

// PerMinute builds a limiter allowing n requests per minute with a burst of
// one. Fractional rates are allowed. n <= 0 returns nil.
func PerMinute(n float64) *rate.Limiter {
	if n <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(n/60.0), 1)
}
