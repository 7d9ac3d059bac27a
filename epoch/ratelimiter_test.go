package epoch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestRateLimiterCapsConcurrency(t *testing.T) {
	limiter := NewRateLimiter(4)

	var inFlight int32
	var maxInFlight int32
	var wg sync.WaitGroup

	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = limiter.Schedule(context.Background(), func() error {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					cur := atomic.LoadInt32(&maxInFlight)
					if n <= cur || atomic.CompareAndSwapInt32(&maxInFlight, cur, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, maxInFlight <= 4, true)
}

func TestRateLimiterDefaultPermits(t *testing.T) {
	limiter := NewRateLimiter(0)
	assert.Equal(t, limiter.Capacity(), DefaultPermits)
}

func TestRateLimiterReleasesOnTaskError(t *testing.T) {
	limiter := NewRateLimiter(1)

	err := limiter.Schedule(context.Background(), func() error {
		return errors.New("boom")
	})
	assert.NotEqual(t, err, nil)
	assert.Equal(t, limiter.Outstanding(), 0)

	// a second task must still be schedulable: the permit was released
	// even though the first task failed.
	ran := false
	_ = limiter.Schedule(context.Background(), func() error {
		ran = true
		return nil
	})
	assert.Equal(t, ran, true)
}

func TestRateLimiterCancelledContextDoesNotAcquire(t *testing.T) {
	limiter := NewRateLimiter(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	err := limiter.Schedule(ctx, func() error {
		ran = true
		return nil
	})
	assert.NotEqual(t, err, nil)
	assert.Equal(t, ran, false)
}
