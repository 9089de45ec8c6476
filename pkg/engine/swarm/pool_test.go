package swarm

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroup_BoundsConcurrency(t *testing.T) {
	pool := NewPool(3, time.Second)
	g := pool.Group(context.Background())

	var running, peak int32
	for i := 0; i < 20; i++ {
		g.Go(func(ctx context.Context) error {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil
		})
	}

	require.NoError(t, g.Wait())
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
	assert.Equal(t, int64(20), pool.GetStats().TasksCompleted)
}

func TestGroup_AppliesPerTaskTimeout(t *testing.T) {
	pool := NewPool(2, 20*time.Millisecond)
	g := pool.Group(context.Background())

	g.Go(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := g.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(1), pool.GetStats().TasksTimedOut)
}

func TestGroup_CancelledBeforeSlot(t *testing.T) {
	pool := NewPool(1, 0)
	ctx, cancel := context.WithCancel(context.Background())
	g := pool.Group(ctx)

	release := make(chan struct{})
	g.Go(func(ctx context.Context) error {
		<-release
		return nil
	})

	var ran atomic.Bool
	done := make(chan struct{})
	go func() {
		g.Go(func(ctx context.Context) error {
			ran.Store(true)
			return nil
		})
		close(done)
	}()

	cancel()
	<-done
	close(release)

	err := g.Wait()
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran.Load())
}

type statusErr int

func (e statusErr) Error() string { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) HTTPStatusCode() int { return int(e) }

func TestIsThrottle(t *testing.T) {
	assert.False(t, IsThrottle(nil))
	assert.False(t, IsThrottle(errors.New("boom")))
	assert.True(t, IsThrottle(&smithy.GenericAPIError{Code: "Throttling", Message: "Rate exceeded"}))
	assert.True(t, IsThrottle(fmt.Errorf("wrapped: %w", &smithy.GenericAPIError{Code: "RequestLimitExceeded"})))
	assert.False(t, IsThrottle(&smithy.GenericAPIError{Code: "AccessDenied"}))
	assert.True(t, IsThrottle(fmt.Errorf("director: %w", statusErr(429))))
	assert.False(t, IsThrottle(statusErr(500)))
}
