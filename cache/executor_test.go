package cache_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wkalt/tapecache/cache"
)

func TestExecutorOrdering(t *testing.T) {
	e := cache.NewExecutor("test")
	defer e.Stop()
	mtx := sync.Mutex{}
	order := []int{}
	for i := 0; i < 100; i++ {
		require.NoError(t, e.Execute(func() {
			mtx.Lock()
			order = append(order, i)
			mtx.Unlock()
		}))
	}
	n, err := cache.Compute(context.Background(), e, func() (int, error) {
		mtx.Lock()
		defer mtx.Unlock()
		return len(order), nil
	})
	require.NoError(t, err)
	require.Equal(t, 100, n)
	for i, x := range order {
		require.Equal(t, i, x)
	}
}

func TestExecutorDelay(t *testing.T) {
	e := cache.NewExecutor("test")
	defer e.Stop()

	t.Run("fires", func(t *testing.T) {
		fired := make(chan time.Time, 1)
		start := time.Now()
		_, err := e.Delay(20*time.Millisecond, func() { fired <- time.Now() })
		require.NoError(t, err)
		select {
		case at := <-fired:
			require.GreaterOrEqual(t, at.Sub(start), 20*time.Millisecond)
		case <-time.After(5 * time.Second):
			t.Fatal("delayed task did not run")
		}
	})

	t.Run("ordered by deadline", func(t *testing.T) {
		results := make(chan int, 2)
		_, err := e.Delay(40*time.Millisecond, func() { results <- 2 })
		require.NoError(t, err)
		_, err = e.Delay(10*time.Millisecond, func() { results <- 1 })
		require.NoError(t, err)
		require.Equal(t, 1, <-results)
		require.Equal(t, 2, <-results)
	})

	t.Run("cancel", func(t *testing.T) {
		fired := make(chan struct{}, 1)
		future, err := e.Delay(20*time.Millisecond, func() { fired <- struct{}{} })
		require.NoError(t, err)
		require.True(t, future.Cancel())
		require.False(t, future.Cancel())
		select {
		case <-fired:
			t.Fatal("canceled task ran")
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("cancel after firing", func(t *testing.T) {
		done := make(chan struct{})
		future, err := e.Delay(0, func() { close(done) })
		require.NoError(t, err)
		<-done
		require.False(t, future.Cancel())
	})
}

func TestCompute(t *testing.T) {
	e := cache.NewExecutor("test")
	defer e.Stop()

	t.Run("returns error", func(t *testing.T) {
		_, err := cache.Compute(context.Background(), e, func() (int, error) {
			return 0, context.DeadlineExceeded
		})
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("interrupted", func(t *testing.T) {
		block := make(chan struct{})
		require.NoError(t, e.Execute(func() { <-block }))
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := cache.Compute(ctx, e, func() (int, error) { return 1, nil })
		require.ErrorIs(t, err, context.DeadlineExceeded)
		close(block)
	})

	t.Run("panic", func(t *testing.T) {
		_, err := cache.Compute(context.Background(), e, func() (int, error) {
			panic("boom")
		})
		require.ErrorContains(t, err, "boom")
		// the executor survives
		x, err := cache.Compute(context.Background(), e, func() (int, error) { return 2, nil })
		require.NoError(t, err)
		require.Equal(t, 2, x)
	})
}

func TestExecutorStop(t *testing.T) {
	e := cache.NewExecutor("test")
	ran := 0
	for i := 0; i < 10; i++ {
		require.NoError(t, e.Execute(func() { ran++ }))
	}
	e.Stop()
	require.Equal(t, 10, ran)
	require.ErrorIs(t, e.Execute(func() {}), cache.ErrExecutorStopped)
	_, err := e.Delay(time.Second, func() {})
	require.ErrorIs(t, err, cache.ErrExecutorStopped)
	_, err = cache.Compute(context.Background(), e, func() (int, error) { return 0, nil })
	require.ErrorIs(t, err, cache.ErrExecutorStopped)
	e.Stop()
}
