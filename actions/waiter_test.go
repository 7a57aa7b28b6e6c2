package actions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FalkorDB/falkordb-rebalance/common"
)

func countingRefresh(calls *int) func(context.Context) (common.ClusterSnapshot, error) {
	return func(context.Context) (common.ClusterSnapshot, error) {
		*calls++
		return common.ClusterSnapshot{}, nil
	}
}

func TestWaitForImmediateSuccess(t *testing.T) {
	calls := 0
	err := WaitFor(context.Background(), "anything", time.Second, 10*time.Millisecond,
		countingRefresh(&calls),
		func(common.ClusterSnapshot) bool { return true })
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestWaitForTimeout(t *testing.T) {
	const (
		timeout = 50 * time.Millisecond
		poll    = 10 * time.Millisecond
	)
	calls := 0
	start := time.Now()
	err := WaitFor(context.Background(), "a condition that never holds", timeout, poll,
		countingRefresh(&calls),
		func(common.ClusterSnapshot) bool { return false })
	elapsed := time.Since(start)

	var timeoutErr *TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Contains(t, timeoutErr.Error(), "a condition that never holds")

	// returns no later than timeout+poll (generous slack for slow CI)
	assert.Less(t, elapsed, timeout+poll+50*time.Millisecond)
	// refreshes at least floor(timeout/poll) times
	assert.GreaterOrEqual(t, calls, int(timeout/poll))
}

func TestWaitForRefreshErrorsAreRetried(t *testing.T) {
	calls := 0
	refresh := func(context.Context) (common.ClusterSnapshot, error) {
		calls++
		if calls < 3 {
			return common.ClusterSnapshot{}, errors.New("transient")
		}
		return common.ClusterSnapshot{}, nil
	}
	err := WaitFor(context.Background(), "recovery", time.Second, time.Millisecond,
		refresh,
		func(common.ClusterSnapshot) bool { return calls >= 3 })
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWaitForContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	calls := 0
	err := WaitFor(ctx, "never", 5*time.Second, 5*time.Millisecond,
		countingRefresh(&calls),
		func(common.ClusterSnapshot) bool { return false })
	require.ErrorIs(t, err, context.Canceled)
}
