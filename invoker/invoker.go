// Package invoker defines the script execution engine the server hands decoded requests to.
package invoker

import (
	"context"
	"octo/message"
)

// Invoker executes one invocation. Console output goes to inv.Stdout and inv.Stderr, never to
// the process streams. A returned error becomes the Error of the Result frame; the connection
// stays open.
//
// Invoke may be called concurrently for different connections.
type Invoker interface {
	Invoke(ctx context.Context, inv *message.Invocation) (any, error)
}

// Func adapts a plain function to the Invoker interface.
type Func func(ctx context.Context, inv *message.Invocation) (any, error)

func (f Func) Invoke(ctx context.Context, inv *message.Invocation) (any, error) {
	return f(ctx, inv)
}

// Result runs inv on i and folds the outcome into a Result.
func Result(ctx context.Context, i Invoker, inv *message.Invocation) *message.Result {
	v, err := i.Invoke(ctx, inv)
	if err != nil {
		return &message.Result{Error: err.Error()}
	}
	return &message.Result{Value: v}
}
