package gateway

import (
	"sync"
	"time"
)

// breaker is a per-provider circuit breaker over a rolling failure window.
// State is rebuildable from ledgers; it exists only to shed load fast.
type breaker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	failures  []time.Time
	clock     func() time.Time
}

func newBreaker(threshold int, window time.Duration) *breaker {
	return &breaker{threshold: threshold, window: window, clock: time.Now}
}

// allow reports whether calls may proceed: the breaker opens when the number
// of failures inside the rolling window reaches the threshold.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune()
	return len(b.failures) < b.threshold
}

func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune()
	b.failures = append(b.failures, b.clock())
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = b.failures[:0]
}

func (b *breaker) prune() {
	cutoff := b.clock().Add(-b.window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}
