// Package swarm provides a bounded worker pool for per-item collaborator calls.
package swarm

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/aws/smithy-go"
)

// Task represents a unit of work for the swarm.
type Task func(ctx context.Context) error

// Stats holds runtime statistics for the pool.
type Stats struct {
	ActiveWorkers  int
	Concurrency    int
	TasksCompleted int64
	TasksThrottled int64
	TasksTimedOut  int64
}

// Pool bounds how many tasks run at once. The bound follows an AIMD controller,
// so it shrinks when collaborators throttle and grows back when they recover.
type Pool struct {
	aimd    *AIMD
	timeout time.Duration

	mu     sync.Mutex
	active int
	stats  Stats
	wake   chan struct{}
}

// NewPool creates a pool allowing up to maxWorkers concurrent tasks, each bounded by timeout.
// A zero timeout means tasks only stop when their parent context does.
func NewPool(maxWorkers int, timeout time.Duration) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Pool{
		aimd:    NewAIMD(maxWorkers, 1, maxWorkers),
		timeout: timeout,
		wake:    make(chan struct{}, 1),
	}
}

// GetStats returns current pool stats.
func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.ActiveWorkers = p.active
	s.Concurrency = p.aimd.GetConcurrency()
	return s
}

func (p *Pool) acquire(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.active < p.aimd.GetConcurrency() {
			p.active++
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.wake:
		case <-time.After(10 * time.Millisecond):
			// the limit can grow without a release
		}
	}
}

func (p *Pool) release() {
	p.mu.Lock()
	p.active--
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) run(ctx context.Context, t Task) error {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := time.Now()
	err := t(ctx)
	throttled := IsThrottle(err)
	p.aimd.Feedback(time.Since(start), throttled)

	p.mu.Lock()
	p.stats.TasksCompleted++
	if throttled {
		p.stats.TasksThrottled++
	}
	if errors.Is(err, context.DeadlineExceeded) {
		p.stats.TasksTimedOut++
	}
	p.mu.Unlock()
	return err
}

// Group tracks a set of tasks submitted to a pool.
type Group struct {
	pool *Pool
	ctx  context.Context
	wg   sync.WaitGroup

	mu   sync.Mutex
	errs []error
}

// Group starts a task group bound to ctx.
func (p *Pool) Group(ctx context.Context) *Group {
	return &Group{pool: p, ctx: ctx}
}

// Go blocks until a worker slot is free, then runs t in its own goroutine.
// If ctx is cancelled while waiting, t is not run and the error is recorded.
func (g *Group) Go(t Task) {
	g.wg.Add(1)
	if err := g.pool.acquire(g.ctx); err != nil {
		g.record(err)
		g.wg.Done()
		return
	}

	go func() {
		defer g.wg.Done()
		defer g.pool.release()
		if err := g.pool.run(g.ctx, t); err != nil {
			g.record(err)
		}
	}()
}

// Wait blocks until every submitted task returned and reports their errors joined.
func (g *Group) Wait() error {
	g.wg.Wait()
	g.mu.Lock()
	defer g.mu.Unlock()
	return errors.Join(g.errs...)
}

func (g *Group) record(err error) {
	g.mu.Lock()
	g.errs = append(g.errs, err)
	g.mu.Unlock()
}

var throttleCodes = map[string]bool{
	"Throttling":                true,
	"ThrottlingException":       true,
	"ThrottledException":        true,
	"RequestLimitExceeded":      true,
	"TooManyRequestsException":  true,
	"RequestThrottledException": true,
	"SlowDown":                  true,
}

// IsThrottle reports whether err means the remote side asked us to slow down.
func IsThrottle(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && throttleCodes[apiErr.ErrorCode()] {
		return true
	}
	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) && status.HTTPStatusCode() == http.StatusTooManyRequests {
		return true
	}
	return false
}
