package availability

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetProbesOnceAndCaches(t *testing.T) {
	var calls int32
	c := New(50*time.Millisecond, func(ctx context.Context, id string) Status {
		atomic.AddInt32(&calls, 1)
		return Status{Available: true, SupportsStreaming: true}
	})

	st1 := c.Get(context.Background(), "mock")
	st2 := c.Get(context.Background(), "mock")
	assert.True(t, st1.Available)
	assert.True(t, st2.Available)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetRefreshesAfterTTL(t *testing.T) {
	var calls int32
	c := New(10*time.Millisecond, func(ctx context.Context, id string) Status {
		atomic.AddInt32(&calls, 1)
		return Status{Available: true}
	})
	c.Get(context.Background(), "mock")
	time.Sleep(30 * time.Millisecond)
	c.Get(context.Background(), "mock")
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestConcurrentGetDeduplicatesRefresh(t *testing.T) {
	var calls int32
	c := New(time.Minute, func(ctx context.Context, id string) Status {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return Status{Available: true}
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Get(context.Background(), "mock")
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestInvalidateForcesReprobe(t *testing.T) {
	var calls int32
	c := New(time.Hour, func(ctx context.Context, id string) Status {
		atomic.AddInt32(&calls, 1)
		return Status{Available: true}
	})
	c.Get(context.Background(), "mock")
	c.Invalidate("mock")
	c.Get(context.Background(), "mock")
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
