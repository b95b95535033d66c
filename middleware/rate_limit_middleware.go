package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"muxrpc/message"
	"muxrpc/status"
)

// RateLimitMiddleware rejects calls beyond a token bucket of r calls per second with the given
// burst.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			if !limiter.Allow() {
				return nil, status.Errorf(status.ResourceExhausted, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
