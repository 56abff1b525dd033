package middleware

import (
	"context"
	"io"
	"octo/message"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newInvocation() *message.Invocation {
	return &message.Invocation{
		SessionID: "s1",
		Request:   &message.InvocationRequest{RequestID: 1, Script: "print('hi')"},
		Stdout:    io.Discard,
		Stderr:    io.Discard,
	}
}

// echoHandler answers with the script itself.
func echoHandler(ctx context.Context, inv *message.Invocation) *message.Result {
	return &message.Result{Value: inv.Request.Script}
}

// slowHandler sleeps 200ms.
func slowHandler(ctx context.Context, inv *message.Invocation) *message.Result {
	time.Sleep(200 * time.Millisecond)
	return &message.Result{Value: "late"}
}

func failHandler(ctx context.Context, inv *message.Invocation) *message.Result {
	return &message.Result{Error: "boom"}
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	res := LoggingMiddleware(logger)(echoHandler)(context.Background(), newInvocation())
	if res == nil || res.Value != "print('hi')" {
		t.Fatalf("expect echoed script, got %+v", res)
	}
	if logs.FilterMessage("invocation done").Len() != 1 {
		t.Fatalf("expect one debug entry, got %v", logs.All())
	}

	LoggingMiddleware(logger)(failHandler)(context.Background(), newInvocation())
	failed := logs.FilterMessage("invocation failed").All()
	if len(failed) != 1 {
		t.Fatalf("expect one warn entry, got %d", len(failed))
	}
	if failed[0].ContextMap()["error"] != "boom" {
		t.Fatalf("expect error field, got %v", failed[0].ContextMap())
	}
}

func TestTimeoutPass(t *testing.T) {
	// 500ms budget, the handler is fast.
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)

	res := handler(context.Background(), newInvocation())
	if res.Failed() {
		t.Fatalf("expect no error, got '%s'", res.Error)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	// 50ms budget, the handler needs 200ms.
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)

	res := handler(context.Background(), newInvocation())
	if res.Error != ErrTimedOut.Error() {
		t.Fatalf("expect timeout error, got '%s'", res.Error)
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: the first two pass, the third is rejected.
	handler := RateLimitMiddleware(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		res := handler(context.Background(), newInvocation())
		if res.Failed() {
			t.Fatalf("request %d should pass, got error: %s", i, res.Error)
		}
	}

	res := handler(context.Background(), newInvocation())
	if res.Error != ErrRateLimited.Error() {
		t.Fatalf("request 3 should be rate limited, got: '%s'", res.Error)
	}
}

func TestRecover(t *testing.T) {
	panicking := func(ctx context.Context, inv *message.Invocation) *message.Result {
		panic("kaboom")
	}
	core, logs := observer.New(zapcore.ErrorLevel)

	res := RecoverMiddleware(zap.New(core))(panicking)(context.Background(), newInvocation())
	if res.Error != "panic: kaboom" {
		t.Fatalf("expect recovered panic, got '%s'", res.Error)
	}
	if logs.Len() != 1 {
		t.Fatalf("expect the panic to be logged once, got %d", logs.Len())
	}
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, inv *message.Invocation) *message.Result {
				order = append(order, name)
				return next(ctx, inv)
			}
		}
	}

	chained := Chain(mark("outer"), LoggingMiddleware(zap.NewNop()), TimeOutMiddleware(500*time.Millisecond), mark("inner"))
	res := chained(echoHandler)(context.Background(), newInvocation())

	if res == nil || res.Failed() {
		t.Fatalf("expect success, got %+v", res)
	}
	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Fatalf("unexpected order %v", order)
	}
}
