package middleware

import (
	"context"
	"fmt"
	"octo/message"

	"go.uber.org/zap"
)

// RecoverMiddleware turns a panicking invoker into a failed Result. It has to be the innermost
// layer because TimeOutMiddleware runs the rest of the chain on its own goroutine.
func RecoverMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *message.Invocation) (res *message.Result) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("invoker panicked",
						zap.String("session", inv.SessionID),
						zap.Int64("request", inv.Request.RequestID),
						zap.Any("panic", r),
						zap.StackSkip("stack", 2))
					res = &message.Result{Error: fmt.Sprintf("panic: %v", r)}
				}
			}()
			return next(ctx, inv)
		}
	}
}
