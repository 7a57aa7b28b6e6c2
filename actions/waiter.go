package actions

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/FalkorDB/falkordb-rebalance/common"
)

// DefaultPollInterval is the gap between topology refreshes while
// waiting for a condition.
var DefaultPollInterval = 2 * time.Second

// TimeoutError is returned when a waited-for cluster condition never
// held within its budget. It is fatal to the current tick.
type TimeoutError struct {
	Condition string
	Waited    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for %s", e.Waited.Round(time.Millisecond), e.Condition)
}

// WaitFor polls the cluster until pred holds on a fresh snapshot. It is
// the sole primitive used to observe convergence: no cluster-mutating
// command is considered complete until its predicate is true. Refresh
// failures while waiting are logged and retried, since the cluster may
// legitimately be unreachable mid-failover; only the timeout or the
// context ends the wait.
func WaitFor(ctx context.Context, condition string, timeout, poll time.Duration,
	refresh func(context.Context) (common.ClusterSnapshot, error),
	pred func(common.ClusterSnapshot) bool) error {

	if poll <= 0 {
		poll = DefaultPollInterval
	}
	start := time.Now()
	deadline := start.Add(timeout)
	for {
		snap, err := refresh(ctx)
		if err == nil && pred(snap) {
			return nil
		}
		if err != nil {
			log.Printf("[wait] refresh failed while waiting for %s: %s", condition, err)
		}
		if time.Now().After(deadline) {
			return &TimeoutError{Condition: condition, Waited: time.Since(start)}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}
