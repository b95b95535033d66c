package middleware

import (
	"context"
	"time"

	"muxrpc/message"
	"muxrpc/status"
)

type result struct {
	resp *message.Response
	err  error
}

// TimeOutMiddleware bounds the time spent in the rest of the chain. The inner handler keeps
// running after the deadline; it should watch ctx.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan result, 1)
			go func() {
				resp, err := next(ctx, req)
				done <- result{resp, err}
			}()

			select {
			case r := <-done:
				return r.resp, r.err
			case <-ctx.Done():
				return nil, status.Errorf(status.DeadlineExceeded, "request timed out")
			}
		}
	}
}
