package connection

import (
	"math/rand/v2"
	"sync"
	"time"
)

// DelayedRetry computes jittered, exponentially growing retry delays. Each
// delay is drawn uniformly from [min, bound], where bound doubles with every
// call up to max.
type DelayedRetry struct {
	min time.Duration
	max time.Duration

	mtx   sync.Mutex
	bound time.Duration
}

// NewDelayedRetry constructs a DelayedRetry. The first delay is at most
// 2*min.
func NewDelayedRetry(min, max time.Duration) *DelayedRetry {
	if max < min {
		max = min
	}
	return &DelayedRetry{min: min, max: max, bound: min}
}

// NextDelay returns the next delay.
func (r *DelayedRetry) NextDelay() time.Duration {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.bound = min(2*r.bound, r.max)
	if r.bound <= r.min {
		return r.min
	}
	return r.min + rand.N(r.bound-r.min+1)
}

// Reset returns the delays to their starting range.
func (r *DelayedRetry) Reset() {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.bound = r.min
}

// Bound returns the upper bound of the last delay.
func (r *DelayedRetry) Bound() time.Duration {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.bound
}
