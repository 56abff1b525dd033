package middleware

import (
	"context"
	"errors"
	"octo/message"

	"golang.org/x/time/rate"
)

// ErrRateLimited is reported in the Result of a rejected invocation.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitMiddleware rejects invocations beyond a token bucket shared by every connection of
// the server. Per-connection pacing belongs to the backpressure package instead.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *message.Invocation) *message.Result {
			if !limiter.Allow() {
				return &message.Result{Error: ErrRateLimited.Error()}
			}
			return next(ctx, inv)
		}
	}
}
