package actions

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/FalkorDB/falkordb-rebalance/common"
)

// DefaultReplicationGrace is how long a freshly attached replica is
// given to catch up before it is promoted.
var DefaultReplicationGrace = 10 * time.Second

// RelocationProtocol executes the two relocation primitives. Master
// relocation is deliberately staged (attach, wait, promote, wait) so
// cluster mastership is never ambiguous mid-operation; a tick cancelled
// between stages leaves a valid intermediate state the next tick
// detects and continues from.
type RelocationProtocol struct {
	Client       ClusterClient
	Reader       *TopologyReader
	PollInterval time.Duration
	// GracePeriod is the replication catch-up sleep between attach and
	// failover. Zero means DefaultReplicationGrace.
	GracePeriod time.Duration
}

func (p *RelocationProtocol) poll() time.Duration {
	if p.PollInterval > 0 {
		return p.PollInterval
	}
	return DefaultPollInterval
}

// RelocateMaster moves mastership from oldID to newID: newID first
// becomes a replica of oldID, then a manual failover promotes it and
// demotes oldID under it.
func (p *RelocationProtocol) RelocateMaster(ctx context.Context, oldID, newID string, timeout time.Duration) error {
	snap, err := p.Reader.Refresh(ctx)
	if err != nil {
		return err
	}
	newNode, ok := snap.NodeByID(newID)
	if !ok {
		return fmt.Errorf("relocate master: node %s not in topology", newID)
	}

	log.Printf("[relocate] attaching %s (%s) as replica of %s", newID, newNode.Addr(), oldID)
	if err := p.Client.Replicate(ctx, newNode, oldID); err != nil {
		return fmt.Errorf("replicate %s under %s: %w", newID, oldID, err)
	}
	attached := fmt.Sprintf("node %s replicating %s", newID, oldID)
	err = WaitFor(ctx, attached, timeout, p.poll(), p.Reader.Refresh, func(s common.ClusterSnapshot) bool {
		n, ok := s.NodeByID(newID)
		return ok && n.IsSlave() && n.MasterID == oldID
	})
	if err != nil {
		return err
	}

	// Let replication catch up before promoting.
	grace := p.GracePeriod
	if grace <= 0 {
		grace = DefaultReplicationGrace
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(grace):
	}

	log.Printf("[relocate] failing over %s to take mastership from %s", newID, oldID)
	if err := p.Client.Failover(ctx, newNode); err != nil {
		return fmt.Errorf("failover %s: %w", newID, err)
	}
	demoted := fmt.Sprintf("node %s demoted under %s", oldID, newID)
	return WaitFor(ctx, demoted, timeout, p.poll(), p.Reader.Refresh, func(s common.ClusterSnapshot) bool {
		n, ok := s.NodeByID(oldID)
		return ok && n.IsSlave() && n.MasterID == newID
	})
}

// RelocateSlave re-parents a slave under a new master.
func (p *RelocationProtocol) RelocateSlave(ctx context.Context, slaveID, newMasterID string, timeout time.Duration) error {
	snap, err := p.Reader.Refresh(ctx)
	if err != nil {
		return err
	}
	slave, ok := snap.NodeByID(slaveID)
	if !ok {
		return fmt.Errorf("relocate slave: node %s not in topology", slaveID)
	}

	log.Printf("[relocate] re-parenting %s (%s) under master %s", slaveID, slave.Addr(), newMasterID)
	if err := p.Client.Replicate(ctx, slave, newMasterID); err != nil {
		return fmt.Errorf("replicate %s under %s: %w", slaveID, newMasterID, err)
	}
	cond := fmt.Sprintf("node %s replicating %s", slaveID, newMasterID)
	return WaitFor(ctx, cond, timeout, p.poll(), p.Reader.Refresh, func(s common.ClusterSnapshot) bool {
		n, ok := s.NodeByID(slaveID)
		return ok && n.IsSlave() && n.MasterID == newMasterID
	})
}

// Forget evicts a stale node id from the cluster view.
func (p *RelocationProtocol) Forget(ctx context.Context, nodeID string) error {
	log.Printf("[relocate] forgetting stale node %s", nodeID)
	return p.Client.Forget(ctx, nodeID)
}
