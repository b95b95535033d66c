package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"muxrpc/message"
	"muxrpc/status"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			code := CodeOf(resp, err)
			fields := []zap.Field{
				zap.String("service", req.Service),
				zap.String("method", req.Method),
				zap.Stringer("code", code),
				zap.Duration("duration", time.Since(start)),
			}
			if code == status.OK {
				logger.Debug("call finished", fields...)
			} else {
				logger.Warn("call failed", append(fields, zap.Error(err))...)
			}
			return resp, err
		}
	}
}
