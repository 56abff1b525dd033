package middleware

import (
	"context"
	"octo/message"
	"time"

	"go.uber.org/zap"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *message.Invocation) *message.Result {
			start := time.Now()
			res := next(ctx, inv)

			fields := []zap.Field{
				zap.String("session", inv.SessionID),
				zap.Int64("request", inv.Request.RequestID),
				zap.Int("script_len", len(inv.Request.Script)),
				zap.Int("args", len(inv.Request.Arguments)),
				zap.Duration("duration", time.Since(start)),
			}
			if res.Failed() {
				logger.Warn("invocation failed", append(fields, zap.String("error", res.Error))...)
			} else {
				logger.Debug("invocation done", fields...)
			}
			return res
		}
	}
}
