package service

import "sync"

// overlapTracker counts pipeline invocations running against the same envelope.
// Enter returns the count including the caller; callers defer Leave.
type overlapTracker struct {
	mu     sync.Mutex
	active map[string]int
}

func newOverlapTracker() *overlapTracker {
	return &overlapTracker{active: make(map[string]int)}
}

func (o *overlapTracker) Enter(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active[key]++
	return o.active[key]
}

func (o *overlapTracker) Leave(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active[key]--
	if o.active[key] <= 0 {
		delete(o.active, key)
	}
}
