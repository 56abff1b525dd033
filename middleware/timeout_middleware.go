package middleware

import (
	"context"
	"errors"
	"octo/message"
	"time"
)

// ErrTimedOut is reported in the Result of an invocation that outlived its timeout.
var ErrTimedOut = errors.New("invocation timed out")

// TimeOutMiddleware cancels the invocation context after timeout and answers with a failure
// without waiting for the invoker to notice.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *message.Invocation) *message.Result {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Result, 1)
			go func() {
				done <- next(ctx, inv)
			}()

			select {
			case res := <-done:
				return res
			case <-ctx.Done():
				return &message.Result{Error: ErrTimedOut.Error()}
			}
		}
	}
}
