package governor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"quotashare-backend/lib/telemetry"

	"github.com/stretchr/testify/require"
)

func TestDoDeduplicatesConcurrentCallers(t *testing.T) {
	cleanup := telemetry.SetupForTesting(t, "test:governor")
	defer cleanup()

	g := New[int]("test", Options{})

	var invocations atomic.Int64
	fn := func(ctx context.Context) (int, error) {
		invocations.Add(1)
		time.Sleep(time.Millisecond * 50)
		return 42, nil
	}

	var wg sync.WaitGroup
	results := make([]int, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := g.Do(context.Background(), "refresh:admin01", fn)
			require.NoError(t, err)
			results[i] = result
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, invocations.Load())
	for _, r := range results {
		require.Equal(t, 42, r)
	}
}

func TestDoRunsDistinctKeysIndependently(t *testing.T) {
	cleanup := telemetry.SetupForTesting(t, "test:governor")
	defer cleanup()

	g := New[string]("test", Options{})

	a, err := g.Do(context.Background(), "a", func(ctx context.Context) (string, error) {
		return "alpha", nil
	})
	require.NoError(t, err)
	b, err := g.Do(context.Background(), "b", func(ctx context.Context) (string, error) {
		return "beta", nil
	})
	require.NoError(t, err)

	require.Equal(t, "alpha", a)
	require.Equal(t, "beta", b)
}

func TestConcurrencyBound(t *testing.T) {
	cleanup := telemetry.SetupForTesting(t, "test:governor")
	defer cleanup()

	g := New[struct{}]("test", Options{MaxConcurrent: 2})

	var current, peak atomic.Int64
	fn := func(ctx context.Context) (struct{}, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond * 30)
		current.Add(-1)
		return struct{}{}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := g.Do(context.Background(), string(rune('a'+i)), fn)
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	require.LessOrEqual(t, peak.Load(), int64(2))
}

func TestStuckEntryIsReplaced(t *testing.T) {
	cleanup := telemetry.SetupForTesting(t, "test:governor")
	defer cleanup()

	g := New[int]("test", Options{StuckAfter: time.Millisecond * 20})

	block := make(chan struct{})
	defer close(block)

	go func() {
		g.Do(context.Background(), "k", func(ctx context.Context) (int, error) {
			<-block
			return 0, nil
		})
	}()

	// wait for the first execution to register and then go stale
	require.Eventually(t, func() bool {
		status := g.Status()
		age, ok := status["k"]
		return ok && age >= time.Millisecond*20
	}, time.Second, time.Millisecond*5)

	result, err := g.Do(context.Background(), "k", func(ctx context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	require.Equal(t, 7, result)
}

func TestDoPropagatesError(t *testing.T) {
	cleanup := telemetry.SetupForTesting(t, "test:governor")
	defer cleanup()

	g := New[int]("test", Options{})

	_, err := g.Do(context.Background(), "k", func(ctx context.Context) (int, error) {
		return 0, context.DeadlineExceeded
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// a failed execution must not poison the key
	result, err := g.Do(context.Background(), "k", func(ctx context.Context) (int, error) {
		return 5, nil
	})
	require.NoError(t, err)
	require.Equal(t, 5, result)
}

func TestKeyedLockSerializes(t *testing.T) {
	l := NewKeyedLock()

	require.NoError(t, l.Lock(context.Background(), "admin01"))

	acquired := make(chan struct{})
	go func() {
		require.NoError(t, l.Lock(context.Background(), "admin01"))
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first held")
	case <-time.After(time.Millisecond * 30):
	}

	l.Unlock("admin01")
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired after release")
	}
	l.Unlock("admin01")
}

func TestKeyedLockRespectsContext(t *testing.T) {
	l := NewKeyedLock()
	require.NoError(t, l.Lock(context.Background(), "admin01"))
	defer l.Unlock("admin01")

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*20)
	defer cancel()
	err := l.Lock(ctx, "admin01")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// independent keys are unaffected
	require.NoError(t, l.Lock(context.Background(), "admin02"))
	l.Unlock("admin02")
}
