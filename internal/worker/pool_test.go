package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/streamherd/vodmon/internal/pipeline"
	"github.com/streamherd/vodmon/internal/queue"
	"github.com/streamherd/vodmon/internal/ratelimit"
)

type fakeProcessor struct {
	mu         sync.Mutex
	delay      time.Duration
	failAlways bool
	attempts   int

	inFlight      atomic.Int32
	maxConcurrent atomic.Int32
}

func (f *fakeProcessor) Process(ctx context.Context, item pipeline.WorkItem) (*pipeline.Result, error) {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		observed := f.maxConcurrent.Load()
		if cur <= observed || f.maxConcurrent.CompareAndSwap(observed, cur) {
			break
		}
	}

	if f.delay > 0 {
		timer := time.NewTimer(f.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	f.mu.Lock()
	f.attempts++
	f.mu.Unlock()

	if f.failAlways {
		return nil, errors.New("processor exploded")
	}
	return &pipeline.Result{OutputPath: "out/" + item.ID}, nil
}

func (f *fakeProcessor) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func newTestQueue(t *testing.T, capacity int) *queue.PriorityQueue {
	t.Helper()
	q, err := queue.New(capacity)
	require.NoError(t, err)
	return q
}

func TestNewValidation(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, 4)
	proc := &fakeProcessor{}

	_, err := New(nil, proc, nil, Config{MaxWorkers: 1}, zap.NewNop())
	require.Error(t, err)

	_, err = New(q, nil, nil, Config{MaxWorkers: 1}, zap.NewNop())
	require.Error(t, err)

	_, err = New(q, proc, nil, Config{MaxWorkers: 0}, zap.NewNop())
	require.Error(t, err)
}

func TestPoolProcessesItems(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, 8)
	proc := &fakeProcessor{}
	pool, err := New(q, proc, nil, Config{MaxWorkers: 2, FailureSleep: time.Millisecond}, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, q.Enqueue(ctx, pipeline.WorkItem{
			ID:       string(rune('a' + i)),
			Source:   "chan-a",
			Priority: 1,
		}))
	}

	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	require.Eventually(t, func() bool {
		return q.Status().Completed == 4
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPoolBoundedConcurrency(t *testing.T) {
	t.Parallel()
	const (
		items = 5
		unit  = 60 * time.Millisecond
	)
	q := newTestQueue(t, 8)
	proc := &fakeProcessor{delay: unit}
	pool, err := New(q, proc, nil, Config{MaxWorkers: 2, FailureSleep: time.Millisecond}, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < items; i++ {
		require.NoError(t, q.Enqueue(ctx, pipeline.WorkItem{
			ID:       string(rune('a' + i)),
			Source:   "chan-a",
			Priority: 1,
		}))
	}

	start := time.Now()
	require.NoError(t, pool.Start(ctx))
	require.Eventually(t, func() bool {
		return q.Status().Completed == items
	}, 5*time.Second, 5*time.Millisecond)
	elapsed := time.Since(start)
	pool.Stop()

	// 5 one-unit items across 2 workers need at least 3 units of wall clock.
	require.GreaterOrEqual(t, elapsed, 3*unit-10*time.Millisecond)
	require.LessOrEqual(t, int(proc.maxConcurrent.Load()), 2)
}

func TestPoolRetriesThroughQueue(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, 8)
	proc := &fakeProcessor{failAlways: true}
	pool, err := New(q, proc, nil, Config{MaxWorkers: 1, FailureSleep: time.Millisecond}, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, pipeline.WorkItem{
		ID:         "doomed",
		Source:     "chan-a",
		Priority:   1,
		MaxRetries: 2,
	}))

	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	require.Eventually(t, func() bool {
		return q.Status().Failed == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Initial attempt plus two retries.
	require.Equal(t, 3, proc.attemptCount())
}

func TestPoolDefersCappedSource(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, 8)
	proc := &fakeProcessor{}
	limiter, err := ratelimit.New(ratelimit.Config{RequestDelay: time.Millisecond, DailyCap: 1})
	require.NoError(t, err)
	// Spend the capped source's daily budget before the pool starts.
	limiter.RecordRequest("capped", true)

	pool, err := New(q, proc, limiter, Config{MaxWorkers: 1, FailureSleep: time.Millisecond}, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, pipeline.WorkItem{
		ID:       "blocked",
		Source:   "capped",
		Priority: 1,
	}))
	require.NoError(t, q.Enqueue(ctx, pipeline.WorkItem{
		ID:       "ok",
		Source:   "open",
		Priority: 5,
	}))

	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	// The capped item sits in front but gets demoted on every deferral, so
	// the admissible item still completes.
	require.Eventually(t, func() bool {
		return q.Status().Completed == 1
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	// Only the admissible item ever reached the processor.
	require.Equal(t, 1, proc.attemptCount())
	require.Equal(t, 1, q.Status().Queued)
	require.Equal(t, 0, q.Status().Failed)
}

func TestPoolDefersBannedSource(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, 8)
	proc := &fakeProcessor{}
	limiter, err := ratelimit.New(ratelimit.Config{RequestDelay: time.Millisecond, DailyCap: 100})
	require.NoError(t, err)
	// Three consecutive failures flag the source as ban-suspected.
	limiter.RecordRequest("banned", false)
	limiter.RecordRequest("banned", false)
	limiter.RecordRequest("banned", false)

	pool, err := New(q, proc, limiter, Config{MaxWorkers: 1, FailureSleep: time.Millisecond}, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, pipeline.WorkItem{
		ID:       "held",
		Source:   "banned",
		Priority: 1,
	}))

	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, proc.attemptCount())
	require.Equal(t, 1, q.Status().Queued)
}

func TestPoolStartTwice(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, 4)
	pool, err := New(q, &fakeProcessor{}, nil, Config{MaxWorkers: 1, FailureSleep: time.Millisecond}, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, pool.Start(ctx))
	require.Error(t, pool.Start(ctx))
	pool.Stop()
}

func TestPoolStopIsCooperative(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, 4)
	proc := &fakeProcessor{delay: 50 * time.Millisecond}
	pool, err := New(q, proc, nil, Config{MaxWorkers: 2, FailureSleep: time.Millisecond}, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, pipeline.WorkItem{ID: "a", Source: "chan-a", Priority: 1}))
	require.NoError(t, pool.Start(ctx))

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	// Stop is idempotent.
	pool.Stop()
}
