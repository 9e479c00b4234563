// Package limits contains the admission and overload controls: a
// per-connection inbound message limiter and a resource guard with static
// CPU, goroutine, and memory thresholds.
package limits

import "golang.org/x/time/rate"

// MessageLimiter bounds the inbound message rate of one connection using a
// token bucket. A connection that keeps exceeding the sustained rate is
// disconnected by its session.
type MessageLimiter struct {
	limiter *rate.Limiter
}

// NewMessageLimiter allows perSec sustained messages with the given burst.
func NewMessageLimiter(perSec, burst int) *MessageLimiter {
	if perSec <= 0 {
		perSec = 50
	}
	if burst < perSec {
		burst = perSec
	}
	return &MessageLimiter{limiter: rate.NewLimiter(rate.Limit(perSec), burst)}
}

// Allow reports whether one more message may be processed now.
func (l *MessageLimiter) Allow() bool {
	return l.limiter.Allow()
}
