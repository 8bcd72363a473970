package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/streamherd/vodmon/internal/pipeline"
)

func item(id string, priority, maxRetries int) pipeline.WorkItem {
	return pipeline.WorkItem{
		ID:         id,
		SourceURL:  "https://example.com/watch?v=" + id,
		Source:     "chan-a",
		Priority:   priority,
		MaxRetries: maxRetries,
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()
	_, err := New(0)
	require.Error(t, err)
}

func TestDequeueOrdersByPriority(t *testing.T) {
	t.Parallel()
	q, err := New(8)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, item("a", 5, 0)))
	require.NoError(t, q.Enqueue(ctx, item("b", 1, 0)))
	require.NoError(t, q.Enqueue(ctx, item("c", 3, 0)))

	var got []int
	for i := 0; i < 3; i++ {
		it, err := q.Dequeue(ctx)
		require.NoError(t, err)
		got = append(got, it.Priority)
	}
	require.Equal(t, []int{1, 3, 5}, got)
}

func TestDequeueAlwaysReturnsMinimum(t *testing.T) {
	t.Parallel()
	q, err := New(16)
	require.NoError(t, err)
	ctx := context.Background()

	priorities := []int{9, 2, 7, 2, 11, 4, 1, 8}
	for i, p := range priorities {
		require.NoError(t, q.Enqueue(ctx, item(fmt.Sprintf("i%d", i), p, 0)))
	}

	last := -1
	for range priorities {
		it, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.GreaterOrEqual(t, it.Priority, last)
		last = it.Priority
	}
}

func TestEnqueueBackpressure(t *testing.T) {
	t.Parallel()
	q, err := New(1)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, item("a", 1, 0)))

	blocked := make(chan error, 1)
	go func() {
		blocked <- q.Enqueue(ctx, item("b", 1, 0))
	}()

	select {
	case <-blocked:
		t.Fatal("enqueue into a full queue should block")
	case <-time.After(50 * time.Millisecond):
	}

	// Capacity counts unsettled items, so a dequeue alone frees nothing.
	it, err := q.Dequeue(ctx)
	require.NoError(t, err)
	select {
	case <-blocked:
		t.Fatal("slot must stay held while the item is in flight")
	case <-time.After(50 * time.Millisecond):
	}

	q.MarkProcessing(it.ID)
	q.MarkCompleted(it.ID)
	require.NoError(t, <-blocked)
}

func TestMarkFailedRequeueAtCapacity(t *testing.T) {
	t.Parallel()
	q, err := New(1)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, item("a", 1, 2)))
	it, err := q.Dequeue(ctx)
	require.NoError(t, err)
	q.MarkProcessing(it.ID)

	// The requeue reuses the item's held slot, so this returns immediately
	// even though the queue has no free capacity.
	done := make(chan error, 1)
	go func() {
		done <- q.MarkFailed(ctx, it.ID, errors.New("boom"))
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("MarkFailed blocked on a full queue")
	}

	it, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, it.RetryCount)
}

func TestDeferReusesSlotAndKeepsRetryCount(t *testing.T) {
	t.Parallel()
	q, err := New(1)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, item("a", 1, 3)))
	it, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Defer(it.ID))

	it, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", it.ID)
	require.Equal(t, 0, it.RetryCount)
	// Deferral demotes the item one priority level.
	require.Equal(t, 2, it.Priority)

	st := q.Status()
	require.Equal(t, 0, st.Completed)
	require.Equal(t, 0, st.Failed)
}

func TestDeferUnknownItem(t *testing.T) {
	t.Parallel()
	q, err := New(4)
	require.NoError(t, err)
	require.Error(t, q.Defer("missing"))
}

func TestEnqueueCanceled(t *testing.T) {
	t.Parallel()
	q, err := New(1)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, item("a", 1, 0)))

	cancelCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err = q.Enqueue(cancelCtx, item("b", 1, 0))
	require.Error(t, err)
}

func TestDequeueBlocksUntilAvailable(t *testing.T) {
	t.Parallel()
	q, err := New(4)
	require.NoError(t, err)
	ctx := context.Background()

	got := make(chan pipeline.WorkItem, 1)
	go func() {
		it, derr := q.Dequeue(ctx)
		if derr == nil {
			got <- it
		}
	}()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, item("a", 1, 0)))

	select {
	case it := <-got:
		require.Equal(t, "a", it.ID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not observe the enqueued item")
	}
}

func TestMarkFailedRequeuesUnderBudget(t *testing.T) {
	t.Parallel()
	q, err := New(4)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, item("a", 1, 2)))

	it, err := q.Dequeue(ctx)
	require.NoError(t, err)
	q.MarkProcessing(it.ID)
	require.NoError(t, q.MarkFailed(ctx, it.ID, errors.New("boom")))

	it, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, it.RetryCount)
	require.Equal(t, 1, q.Status().Queued+q.Status().Processing)
}

func TestMarkFailedTerminalAtBudget(t *testing.T) {
	t.Parallel()
	q, err := New(4)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, item("a", 1, 2)))

	var last pipeline.WorkItem
	for {
		it, derr := q.Dequeue(ctx)
		require.NoError(t, derr)
		last = it
		q.MarkProcessing(it.ID)
		require.NoError(t, q.MarkFailed(ctx, it.ID, errors.New("boom")))
		if q.Status().Failed == 1 {
			break
		}
	}

	// The final attempt carries exactly the retry budget.
	require.Equal(t, 2, last.RetryCount)
	st := q.Status()
	require.Equal(t, 1, st.Failed)
	require.Equal(t, 0, st.Queued)
	require.Equal(t, 0, st.Processing)
	require.Equal(t, 0, st.Depth)
}

func TestMarkCompletedCounts(t *testing.T) {
	t.Parallel()
	q, err := New(4)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, item("a", 1, 0)))
	it, err := q.Dequeue(ctx)
	require.NoError(t, err)
	q.MarkProcessing(it.ID)

	st := q.Status()
	require.Equal(t, 1, st.Processing)

	q.MarkCompleted(it.ID)
	st = q.Status()
	require.Equal(t, 1, st.Completed)
	require.Equal(t, 0, st.Processing)
}

func TestMarkFailedUnknownItem(t *testing.T) {
	t.Parallel()
	q, err := New(4)
	require.NoError(t, err)
	require.Error(t, q.MarkFailed(context.Background(), "missing", errors.New("boom")))
}

func TestCloseUnblocksWaiters(t *testing.T) {
	t.Parallel()
	q, err := New(4)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, derr := q.Dequeue(context.Background())
		errCh <- derr
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case derr := <-errCh:
		require.ErrorIs(t, derr, pipeline.ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not observe close")
	}

	require.ErrorIs(t, q.Enqueue(context.Background(), item("a", 1, 0)), pipeline.ErrQueueClosed)
}
