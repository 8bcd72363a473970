package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/streamherd/vodmon/internal/pipeline"
)

func newTestLimiter(t *testing.T, delay time.Duration, dailyCap int) *Limiter {
	t.Helper()
	l, err := New(Config{RequestDelay: delay, DailyCap: dailyCap})
	require.NoError(t, err)
	return l
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{RequestDelay: 0, DailyCap: 10})
	require.Error(t, err)

	_, err = New(Config{RequestDelay: time.Second, DailyCap: 0})
	require.Error(t, err)
}

func TestWaitSpacesSameSource(t *testing.T) {
	t.Parallel()
	const delay = 80 * time.Millisecond
	l := newTestLimiter(t, delay, 100)
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "chan-a"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "chan-a"))
	require.GreaterOrEqual(t, time.Since(start), delay-5*time.Millisecond)
}

func TestWaitDoesNotBlockOtherSources(t *testing.T) {
	t.Parallel()
	l := newTestLimiter(t, 500*time.Millisecond, 100)
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "chan-a"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "chan-b"))
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitRespectsContext(t *testing.T) {
	t.Parallel()
	l := newTestLimiter(t, time.Hour, 100)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.NoError(t, l.Wait(ctx, "chan-a"))
	err := l.Wait(ctx, "chan-a")
	require.Error(t, err)
}

func TestLastRequestMonotonic(t *testing.T) {
	t.Parallel()
	l := newTestLimiter(t, time.Millisecond, 100)
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "chan-a"))
	first := l.State("chan-a").LastRequest
	require.NoError(t, l.Wait(ctx, "chan-a"))
	second := l.State("chan-a").LastRequest
	require.False(t, second.Before(first))
}

func TestDailyCap(t *testing.T) {
	t.Parallel()
	l := newTestLimiter(t, time.Millisecond, 3)

	require.True(t, l.CheckDailyCap("x"))
	for i := 0; i < 3; i++ {
		l.RecordRequest("x", true)
	}
	require.False(t, l.CheckDailyCap("x"))

	// Backdate the history past the window; the cap self-corrects.
	l.mu.Lock()
	st := l.sources["x"]
	for i := range st.history {
		st.history[i] = st.history[i].Add(-25 * time.Hour)
	}
	l.mu.Unlock()

	require.True(t, l.CheckDailyCap("x"))
}

func TestDailyCapPerSource(t *testing.T) {
	t.Parallel()
	l := newTestLimiter(t, time.Millisecond, 1)

	l.RecordRequest("x", true)
	require.False(t, l.CheckDailyCap("x"))
	require.True(t, l.CheckDailyCap("y"))
}

func TestConsecutiveFailuresAndBan(t *testing.T) {
	t.Parallel()
	l := newTestLimiter(t, time.Millisecond, 100)

	l.RecordRequest("x", false)
	l.RecordRequest("x", false)
	require.False(t, l.BanSuspected("x"))

	l.RecordRequest("x", false)
	require.True(t, l.BanSuspected("x"))
	require.Equal(t, 3, l.State("x").ConsecutiveFailures)

	// A single success resets the counter.
	l.RecordRequest("x", true)
	require.False(t, l.BanSuspected("x"))
	require.Equal(t, 0, l.State("x").ConsecutiveFailures)
}

func TestAdmit(t *testing.T) {
	t.Parallel()
	l := newTestLimiter(t, time.Millisecond, 2)

	require.NoError(t, l.Admit("x"))

	l.RecordRequest("x", false)
	l.RecordRequest("x", false)
	l.RecordRequest("x", false)
	err := l.Admit("x")
	require.True(t, errors.Is(err, pipeline.ErrBanSuspected))

	l.RecordRequest("y", true)
	l.RecordRequest("y", true)
	err = l.Admit("y")
	require.True(t, errors.Is(err, pipeline.ErrDailyCapExceeded))
}

func TestHistoryPruned(t *testing.T) {
	t.Parallel()
	l := newTestLimiter(t, time.Millisecond, 100)

	l.RecordRequest("x", true)
	l.mu.Lock()
	st := l.sources["x"]
	st.history[0] = st.history[0].Add(-8 * 24 * time.Hour)
	l.mu.Unlock()

	// The stale entry is dropped on the next record.
	l.RecordRequest("x", true)
	l.mu.Lock()
	require.Len(t, l.sources["x"].history, 1)
	l.mu.Unlock()
}
