package worker

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tejusbharadwaj/meterflow/internal/queue"
)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestRunLoopDrainsThenStopsAfterIdleRuns(t *testing.T) {
	q := queue.New[int](0)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, q.Put(ctx, i))
	}

	var seen []int
	start := time.Now()
	stats, err := RunLoop(ctx, q, LoopConfig{MaxIdleRuns: 3, PollInterval: 5 * time.Millisecond}, quietLog(),
		func(_ context.Context, v int) error {
			seen = append(seen, v)
			return nil
		})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, seen)
	assert.Equal(t, 10, stats.Processed)
	assert.Equal(t, 3, stats.IdlePolls)
	assert.Zero(t, q.Pending())
	// two sleeps between three empty polls
	assert.GreaterOrEqual(t, elapsed, 10*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestRunLoopIdleCounterResetsOnItem(t *testing.T) {
	q := queue.New[int](0)
	ctx := context.Background()

	go func() {
		time.Sleep(15 * time.Millisecond)
		_ = q.Put(ctx, 42)
	}()

	var got atomic.Int32
	stats, err := RunLoop(ctx, q, LoopConfig{MaxIdleRuns: 50, PollInterval: 5 * time.Millisecond}, quietLog(),
		func(_ context.Context, v int) error {
			got.Store(int32(v))
			return nil
		})

	require.NoError(t, err)
	assert.Equal(t, int32(42), got.Load())
	assert.Equal(t, 1, stats.Processed)
	assert.Greater(t, stats.IdlePolls, 50, "idle polls before the item do not count towards the final window")
}

func TestRunLoopWaitsForActiveUpstream(t *testing.T) {
	q := queue.New[int](1)
	ctx := context.Background()
	producers := NewProducers(1)

	go func() {
		defer producers.Done()
		// far longer than the idle window of the consumer
		time.Sleep(50 * time.Millisecond)
		for i := 0; i < 3; i++ {
			_ = q.Put(ctx, i)
		}
	}()

	var seen []int
	stats, err := RunLoop(ctx, q, LoopConfig{MaxIdleRuns: 2, PollInterval: time.Millisecond, Upstream: producers.Active}, quietLog(),
		func(_ context.Context, v int) error {
			seen = append(seen, v)
			return nil
		})

	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, seen)
	assert.Equal(t, 3, stats.Processed)
	assert.False(t, producers.Active())
}

func TestRunLoopContinuesAfterFailures(t *testing.T) {
	q := queue.New[int](0)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, q.Put(ctx, i))
	}

	stats, err := RunLoop(ctx, q, LoopConfig{MaxIdleRuns: 1}, quietLog(), func(_ context.Context, v int) error {
		switch v {
		case 1:
			return errors.New("boom")
		case 2:
			panic("worse")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 4, stats.Processed)
	assert.Equal(t, 2, stats.Failed)
	assert.Zero(t, q.Pending(), "failed items are still acknowledged")
}

func TestRunLoopStopsOnCancel(t *testing.T) {
	q := queue.New[int](0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := RunLoop(ctx, q, LoopConfig{MaxIdleRuns: 100, PollInterval: time.Hour}, quietLog(),
		func(context.Context, int) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPoolRunsReplicasWithDistinctIDs(t *testing.T) {
	p := NewPool(2, quietLog())

	var mu sync.Mutex
	ids := map[string]bool{}
	var running, peak atomic.Int32

	task := func(name string) Task {
		return Task{Name: name, Run: func(_ context.Context, id string) error {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)

			mu.Lock()
			ids[id] = true
			mu.Unlock()
			return nil
		}}
	}

	res := p.Run(context.Background(), []Task{task("fetch"), task("save")}, 3)

	assert.Zero(t, res.Failed)
	assert.NoError(t, res.Err())
	require.Len(t, res.Handles, 6)
	assert.Equal(t, "1_1_fetch", res.Handles[0].WorkerID)
	assert.Equal(t, "2_3_save", res.Handles[5].WorkerID)
	assert.Len(t, ids, 6)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPoolIsolatesFailures(t *testing.T) {
	p := NewPool(4, quietLog())

	var completed atomic.Int32
	tasks := []Task{
		{Name: "bad", Run: func(context.Context, string) error { return errors.New("nope") }},
		{Name: "panics", Run: func(context.Context, string) error { panic("kaboom") }},
		{Name: "good", Run: func(context.Context, string) error {
			time.Sleep(5 * time.Millisecond)
			completed.Add(1)
			return nil
		}},
	}

	res := p.Run(context.Background(), tasks, 2)

	assert.Equal(t, 4, res.Failed)
	assert.Equal(t, int32(2), completed.Load())
	assert.ErrorContains(t, res.Err(), "2_1_panics")
}

func TestRetryLinearBackoff(t *testing.T) {
	var sleeps []time.Duration
	policy := RetryPolicy{
		MaxAttempts: 3,
		Delay:       100 * time.Millisecond,
		Sleep: func(_ context.Context, d time.Duration) error {
			sleeps = append(sleeps, d)
			return nil
		},
	}

	calls := 0
	err := Retry(context.Background(), policy, func(attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, sleeps)
}

func TestRetryExhausted(t *testing.T) {
	sentinel := errors.New("still down")
	var sleeps int
	policy := RetryPolicy{MaxAttempts: 2, Delay: time.Millisecond, Sleep: func(context.Context, time.Duration) error {
		sleeps++
		return nil
	}}

	err := Retry(context.Background(), policy, func(int) error { return sentinel })
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, sleeps, "no sleep after the final attempt")
}

func TestRetryPermanentStopsImmediately(t *testing.T) {
	sentinel := errors.New("bad request")
	calls := 0
	err := Retry(context.Background(), RetryPolicy{MaxAttempts: 5, Delay: time.Millisecond}, func(int) error {
		calls++
		return Permanent(sentinel)
	})
	assert.Equal(t, sentinel, err)
	assert.Equal(t, 1, calls)
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, RetryPolicy{MaxAttempts: 3, Delay: time.Hour}, func(int) error { return errors.New("x") })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPoolPerTaskReplicas(t *testing.T) {
	p := NewPool(8, quietLog())
	noop := func(context.Context, string) error { return nil }

	res := p.Run(context.Background(), []Task{
		{Name: "standardize", Run: noop, Replicas: 3},
		{Name: "save", Run: noop},
	}, 2)

	var ids []string
	for _, h := range res.Handles {
		ids = append(ids, h.WorkerID)
	}
	assert.Equal(t, []string{"1_1_standardize", "1_2_standardize", "1_3_standardize", "2_1_save", "2_2_save"}, ids)
}
