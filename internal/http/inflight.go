package http

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// InFlightTracker counts requests being served, proxied site loads included.
type InFlightTracker struct {
	n atomic.Int64
}

// Begin marks one request as started. The returned func ends it; calling it
// more than once has no further effect.
func (t *InFlightTracker) Begin() (end func()) {
	t.n.Add(1)
	var once sync.Once
	return func() { once.Do(func() { t.n.Add(-1) }) }
}

// Count returns the number of requests between Begin and end.
func (t *InFlightTracker) Count() int64 { return t.n.Load() }

// Drain polls every interval until Count is zero or ctx is done.
func (t *InFlightTracker) Drain(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	for t.Count() > 0 {
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}

var inFlight = &InFlightTracker{}

// InFlightCount returns the number of requests MetricsMiddleware is serving.
func InFlightCount() int64 {
	return inFlight.Count()
}

// WaitForInFlight blocks until every request seen by MetricsMiddleware has
// finished or ctx is done.
func WaitForInFlight(ctx context.Context, interval time.Duration) error {
	return inFlight.Drain(ctx, interval)
}
