package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"muxrpc/message"
	"muxrpc/status"
)

// retryable codes mean the server did not run the handler, so repeating the call is safe.
func retryable(code status.Code) bool {
	return code == status.Unavailable || code == status.ResourceExhausted
}

// RetryMiddleware is a client middleware that repeats calls rejected with Unavailable or
// ResourceExhausted, backing off exponentially from baseDelay. It gives up early when ctx ends.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			resp, err := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				code := CodeOf(resp, err)
				// A lost connection also reads as Unavailable, but the request may have reached
				// the handler. Only a status sent back by the server is retried.
				if _, fromServer := status.FromError(err); !fromServer || !retryable(code) {
					return resp, err
				}
				logger.Info("retrying call",
					zap.String("method", req.FullMethod()),
					zap.Int("attempt", i+1),
					zap.Stringer("code", code))

				timer := time.NewTimer(baseDelay * time.Duration(1<<i))
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil, status.FromContextError(ctx.Err())
				case <-timer.C:
				}
				resp, err = next(ctx, req)
			}
			return resp, err
		}
	}
}
