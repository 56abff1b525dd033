// Package middleware wraps the invoker in an onion of cross-cutting handlers.
package middleware

import (
	"context"
	"octo/message"
)

// HandlerFunc runs one invocation and always returns a Result; failures travel in Result.Error.
type HandlerFunc func(ctx context.Context, inv *message.Invocation) *message.Result

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one is the outermost layer.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
