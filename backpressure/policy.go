package backpressure

import (
	"time"

	"golang.org/x/time/rate"
)

// Policy decides how long to suspend reads after the n-th message (1-based) decoded on a
// connection. Policies may be stateful; create one per connection.
type Policy interface {
	Delay(n int) time.Duration
}

type PolicyFunc func(n int) time.Duration

func (f PolicyFunc) Delay(n int) time.Duration {
	return f(n)
}

// None never suspends.
func None() Policy {
	return PolicyFunc(func(int) time.Duration { return 0 })
}

// FirstN suspends for d after each of the first k messages of a connection.
func FirstN(k int, d time.Duration) Policy {
	return PolicyFunc(func(n int) time.Duration {
		if n <= k {
			return d
		}
		return 0
	})
}

type limitPolicy struct {
	limiter *rate.Limiter
}

// Limit admits messages at rate r with the given burst, suspending reads for as long as the
// token bucket needs to cover the message just decoded.
func Limit(r rate.Limit, burst int) Policy {
	return &limitPolicy{limiter: rate.NewLimiter(r, burst)}
}

func (p *limitPolicy) Delay(int) time.Duration {
	res := p.limiter.Reserve()
	if !res.OK() {
		return 0
	}
	return res.Delay()
}
