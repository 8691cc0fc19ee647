package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeGo(t *testing.T) {
	t.Run("runs function", func(t *testing.T) {
		done := make(chan struct{})
		SafeGo(context.Background(), time.Second, "test task", func(ctx context.Context) error {
			close(done)
			return nil
		})
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("SafeGo did not execute function")
		}
	})

	t.Run("recovers panic", func(t *testing.T) {
		done := make(chan struct{})
		SafeGo(context.Background(), time.Second, "panicking task", func(ctx context.Context) error {
			defer close(done)
			panic("boom")
		})
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("SafeGo did not execute function")
		}
	})

	t.Run("enforces timeout", func(t *testing.T) {
		result := make(chan error, 1)
		SafeGo(context.Background(), 20*time.Millisecond, "slow task", func(ctx context.Context) error {
			select {
			case <-time.After(time.Second):
				result <- nil
			case <-ctx.Done():
				result <- ctx.Err()
			}
			return nil
		})
		select {
		case err := <-result:
			assert.ErrorIs(t, err, context.DeadlineExceeded)
		case <-time.After(2 * time.Second):
			t.Fatal("task did not finish")
		}
	})

	t.Run("zero timeout means no deadline", func(t *testing.T) {
		result := make(chan bool, 1)
		SafeGo(context.Background(), 0, "unbounded task", func(ctx context.Context) error {
			_, hasDeadline := ctx.Deadline()
			result <- hasDeadline || ctx.Err() != nil
			return nil
		})
		select {
		case expired := <-result:
			assert.False(t, expired)
		case <-time.After(time.Second):
			t.Fatal("task did not run")
		}
	})
}

func TestRunConvertsPanic(t *testing.T) {
	err := run(context.Background(), func(ctx context.Context) error {
		panic("bad state")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad state")
}

func TestWorkerPool(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 3, "test pool", time.Second)

	var count atomic.Int32
	for i := 0; i < 20; i++ {
		require.NoError(t, pool.Submit(func(ctx context.Context) error {
			count.Add(1)
			return nil
		}))
	}

	require.NoError(t, pool.Shutdown(2*time.Second))
	assert.Equal(t, int32(20), count.Load())

	t.Run("submit after shutdown", func(t *testing.T) {
		err := pool.Submit(func(ctx context.Context) error { return nil })
		assert.ErrorIs(t, err, ErrPoolShutdown)
	})

	t.Run("shutdown is idempotent", func(t *testing.T) {
		assert.NoError(t, pool.Shutdown(time.Second))
	})
}

func TestWorkerPoolShutdownTimeout(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 1, "blocking pool", time.Minute)
	release := make(chan struct{})
	defer close(release)

	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}))

	err := pool.Shutdown(20 * time.Millisecond)
	assert.Error(t, err)
}

func TestBatch(t *testing.T) {
	items := make([]int, 50)
	for i := range items {
		items[i] = i
	}

	t.Run("processes every item", func(t *testing.T) {
		var sum atomic.Int64
		errs := Batch(context.Background(), items, 4, "sum", time.Second, func(ctx context.Context, n int) error {
			sum.Add(int64(n))
			return nil
		})
		assert.Empty(t, errs)
		assert.Equal(t, int64(49*50/2), sum.Load())
	})

	t.Run("collects every error", func(t *testing.T) {
		errs := Batch(context.Background(), items, 4, "odd", time.Second, func(ctx context.Context, n int) error {
			if n%2 == 1 {
				return errors.New("odd")
			}
			return nil
		})
		assert.Len(t, errs, 25)
	})

	t.Run("collects panics", func(t *testing.T) {
		errs := Batch(context.Background(), []int{1, 2}, 2, "panic", time.Second, func(ctx context.Context, n int) error {
			if n == 2 {
				panic("two")
			}
			return nil
		})
		assert.Len(t, errs, 1)
	})

	t.Run("empty input", func(t *testing.T) {
		errs := Batch(context.Background(), []int{}, 4, "empty", time.Second, func(ctx context.Context, n int) error {
			return errors.New("unreachable")
		})
		assert.Empty(t, errs)
	})
}
