// Package ratelimit is a token-bucket throttle per broker endpoint
// class with a bounded queue. Token admission is delegated to
// golang.org/x/time/rate; the bounded queue depth is layered on top
// with a buffered-channel admission gate, since x/time/rate itself
// has no notion of a queue-depth gauge.
package ratelimit

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Class identifies a broker endpoint category (order placement, market
// data, account/quote) each throttled independently.
type Class string

const (
	ClassOrder      Class = "order"
	ClassMarketData Class = "market_data"
	ClassAccount    Class = "account"
)

// ErrQueueFull is returned when a request exceeds the queue high-water
// mark. The execution engine returns it to its caller wrapped as
// broker.ClassTransient and marks the order REJECTED; it does not retry.
var ErrQueueFull = errors.New("ratelimit: queue depth exceeds high-water mark")

// Limiter throttles one endpoint class.
type Limiter struct {
	class    Class
	bucket   *rate.Limiter
	queue    chan struct{} // admission gate; capacity == maxQueueDepth
	depth    atomic.Int64
	sustainedSince atomic.Int64 // unix nanos when depth first exceeded threshold, 0 if not exceeded
}

// New builds a Limiter admitting ratePerSec tokens/sec with burst, and
// bounding in-flight admission requests to maxQueueDepth.
func New(class Class, ratePerSec float64, burst, maxQueueDepth int) *Limiter {
	return &Limiter{
		class:  class,
		bucket: rate.NewLimiter(rate.Limit(ratePerSec), burst),
		queue:  make(chan struct{}, maxQueueDepth),
	}
}

// Depth returns the current number of admitted-but-not-yet-released
// requests, for the throttle_queue_depth{class} gauge.
func (l *Limiter) Depth() int64 { return l.depth.Load() }

// Class returns the endpoint class this limiter throttles.
func (l *Limiter) Class() Class { return l.class }

// SustainedOverflow reports whether queue depth has stayed above the
// high-water mark for longer than d, the condition that should raise a
// risk event and pause new entries.
func (l *Limiter) SustainedOverflow(d time.Duration) bool {
	since := l.sustainedSince.Load()
	if since == 0 {
		return false
	}
	return time.Since(time.Unix(0, since)) > d
}

// Wait blocks until a token is available, subject to ctx and the bound
// queue depth. Requests exceeding the queue fail fast with ErrQueueFull
// rather than blocking indefinitely.
func (l *Limiter) Wait(ctx context.Context) error {
	select {
	case l.queue <- struct{}{}:
		l.depth.Add(1)
		if len(l.queue) == cap(l.queue) {
			l.sustainedSince.CompareAndSwap(0, time.Now().UnixNano())
		}
		defer func() {
			<-l.queue
			l.depth.Add(-1)
			if len(l.queue) < cap(l.queue) {
				l.sustainedSince.Store(0)
			}
		}()
	default:
		return ErrQueueFull
	}
	return l.bucket.Wait(ctx)
}
