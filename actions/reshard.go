package actions

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/FalkorDB/falkordb-rebalance/common"
)

// ReshardTool moves hash slots onto a target master. The concrete
// implementation shells out to an external program; keeping it behind
// this interface lets a native slot-migration implementation replace
// it later without touching the driver.
type ReshardTool interface {
	Reshard(ctx context.Context, target common.ClusterNode, slots int) error
}

// CLIReshardTool drives `redis-cli --cluster reshard` as a subprocess.
type CLIReshardTool struct {
	// Command is the binary to invoke; empty means "redis-cli".
	Command  string
	Password string
	UseTLS   bool
}

func (t *CLIReshardTool) args(target common.ClusterNode, slots int) []string {
	args := []string{"-h", target.IP, "-p", strconv.Itoa(target.Port)}
	if t.Password != "" {
		args = append(args, "-a", t.Password)
	}
	if t.UseTLS {
		args = append(args, "--tls")
	}
	return append(args,
		"--cluster", "reshard", target.Addr(),
		"--cluster-from", "all",
		"--cluster-to", target.ID,
		"--cluster-slots", strconv.Itoa(slots),
		"--cluster-yes",
	)
}

func (t *CLIReshardTool) Reshard(ctx context.Context, target common.ClusterNode, slots int) error {
	command := t.Command
	if command == "" {
		command = "redis-cli"
	}
	cmd := exec.CommandContext(ctx, command, t.args(target, slots)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s reshard exited: %w (output: %s)", command, err, string(out))
	}
	return nil
}

// SlotRebalancer assigns a shard's worth of slots to a master that has
// none.
type SlotRebalancer struct {
	Tool         ReshardTool
	Reader       *TopologyReader
	PollInterval time.Duration
}

// RebalanceSlots moves 16384/desiredShards slots from all current
// holders onto target. The integer division drops any remainder, so
// slot totals can land slightly under 16384; the shortfall is logged.
// A failing tool exit code is advisory only: the authoritative signal
// is every master owning at least one slot before the timeout.
func (r *SlotRebalancer) RebalanceSlots(ctx context.Context, target common.ClusterNode, desiredShards int, timeout time.Duration) error {
	if desiredShards <= 0 {
		return fmt.Errorf("rebalance slots: invalid shard count %d", desiredShards)
	}
	slots := common.TotalSlots / desiredShards
	if rem := common.TotalSlots % desiredShards; rem != 0 {
		log.Printf("[reshard] %d shards at %s slots each leaves %d slots unassigned", desiredShards, humanize.Comma(int64(slots)), rem)
	}

	log.Printf("[reshard] moving %s slots from all nodes to %s (%s)", humanize.Comma(int64(slots)), target.ID, target.Addr())
	if err := r.Tool.Reshard(ctx, target, slots); err != nil {
		log.Printf("[reshard] tool reported failure, waiting for slot assignment anyway: %s", err)
	}

	poll := r.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return WaitFor(ctx, "every master owning at least one slot", timeout, poll, r.Reader.Refresh, func(s common.ClusterSnapshot) bool {
		masters := s.Masters()
		if len(masters) == 0 {
			return false
		}
		for _, m := range masters {
			if m.SlotCount() == 0 {
				return false
			}
		}
		return true
	})
}
