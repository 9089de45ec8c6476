package swarm

import (
	"sync"
	"time"
)

// AIMD adjusts a concurrency limit: additive increase while calls are fast,
// multiplicative decrease when the remote side throttles.
type AIMD struct {
	mu          sync.Mutex
	concurrency int
	minWorkers  int
	maxWorkers  int
	step        int
	healthy     time.Duration
	cooldown    time.Duration
	lastChange  time.Time
}

// NewAIMD creates a controller starting at start and clamped to [min, max].
func NewAIMD(start, min, max int) *AIMD {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}
	if start < min {
		start = min
	}
	if start > max {
		start = max
	}
	return &AIMD{
		concurrency: start,
		minWorkers:  min,
		maxWorkers:  max,
		step:        1,
		healthy:     500 * time.Millisecond,
		cooldown:    100 * time.Millisecond,
		lastChange:  time.Now(),
	}
}

func (a *AIMD) GetConcurrency() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.concurrency
}

// Feedback records the latency of one call and whether it was throttled.
func (a *AIMD) Feedback(lat time.Duration, throttled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	// dampen oscillation
	if now.Sub(a.lastChange) < a.cooldown {
		return
	}

	if throttled {
		a.concurrency = a.concurrency / 2
		if a.concurrency < a.minWorkers {
			a.concurrency = a.minWorkers
		}
		a.lastChange = now
		return
	}

	if lat < a.healthy && a.concurrency < a.maxWorkers {
		a.concurrency += a.step
		if a.concurrency > a.maxWorkers {
			a.concurrency = a.maxWorkers
		}
		a.lastChange = now
	}
}
