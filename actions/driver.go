package actions

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/FalkorDB/falkordb-rebalance/common"
)

// forgetOrdinalFloor: nodes with ordinals above this are add-on
// capacity beyond the base deployment and are safe to forget once they
// are dead masters holding no slots.
const forgetOrdinalFloor = 6

// DefaultMaxActionsPerTick bounds corrective actions within a single
// tick so an oscillating topology cannot loop forever.
const DefaultMaxActionsPerTick = 16

// Topology is the desired cluster shape.
type Topology struct {
	// Replicas per shard; group size is Replicas+1.
	Replicas int
	// MinNodes is the floor below which the reconciler does nothing.
	MinNodes int
	// MultiZone enables the zone-aware corrective branches.
	MultiZone bool
}

// ReconciliationDriver compares live topology against the desired
// shape and dispatches at most one corrective action per evaluation,
// re-evaluating from scratch after each action on a fresh snapshot.
type ReconciliationDriver struct {
	Reader     *TopologyReader
	Relocator  *RelocationProtocol
	Rebalancer *SlotRebalancer
	Desired    Topology

	RelocateTimeout   time.Duration
	RebalanceTimeout  time.Duration
	MaxActionsPerTick int
	Debug             bool
}

func (d *ReconciliationDriver) relocateTimeout() time.Duration {
	if d.RelocateTimeout > 0 {
		return d.RelocateTimeout
	}
	return time.Minute
}

func (d *ReconciliationDriver) rebalanceTimeout() time.Duration {
	if d.RebalanceTimeout > 0 {
		return d.RebalanceTimeout
	}
	return 5 * time.Minute
}

func (d *ReconciliationDriver) debugf(format string, args ...interface{}) {
	if d.Debug {
		log.Printf("[reconcile] "+format, args...)
	}
}

// Reconcile runs one tick: refresh, evaluate, dispatch, and loop back
// to a fresh refresh after every corrective action. The explicit loop
// replaces tail-recursive re-entry and is bounded so a topology that
// refuses to settle fails the tick instead of spinning.
func (d *ReconciliationDriver) Reconcile(ctx context.Context) error {
	limit := d.MaxActionsPerTick
	if limit <= 0 {
		limit = DefaultMaxActionsPerTick
	}
	for actions := 0; ; actions++ {
		if actions > limit {
			return fmt.Errorf("topology did not settle after %d corrective actions", limit)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		snap, err := d.Reader.Refresh(ctx)
		if err != nil {
			return err
		}
		acted, err := d.evaluate(ctx, snap)
		if err != nil {
			return err
		}
		if !acted {
			return nil
		}
	}
}

// evaluate walks the priority ladder. The first matching branch wins;
// it dispatches one corrective action and reports acted=true so the
// caller re-evaluates on a fresh snapshot.
func (d *ReconciliationDriver) evaluate(ctx context.Context, snap common.ClusterSnapshot) (acted bool, err error) {
	groupSize := d.Desired.Replicas + 1

	for _, orphan := range snap.SlavesWithInvalidMasters() {
		log.Printf("[reconcile] slave %s references missing master %q", orphan.ID, orphan.MasterID)
	}

	// 1: too few nodes to do anything meaningful
	if len(snap.Nodes) < d.Desired.MinNodes {
		d.debugf("%d nodes is below the %d floor, nothing to do", len(snap.Nodes), d.Desired.MinNodes)
		return false, nil
	}

	// 2: broken links; evict dead slotless add-on masters
	if !snap.IsConnected() {
		forgot, err := d.handleDisconnected(ctx, snap)
		if err != nil {
			return false, err
		}
		if forgot > 0 {
			return true, nil
		}
		// nothing forgettable; keep evaluating so the reachable part
		// of the cluster can still converge
		d.debugf("cluster not fully connected and no node qualifies for forget")
	}

	if missing := snap.MissingOrdinals(); len(missing) > 0 {
		for _, n := range missing {
			log.Printf("[reconcile] node %s (%s) hostname %q has no ordinal; grouping blocked", n.ID, n.Addr(), n.Hostname)
		}
		return false, fmt.Errorf("%d node(s) report hostnames without ordinals, cannot compute groups", len(missing))
	}

	// 3: only act on an exact multiple of the group size
	if len(snap.Nodes)%groupSize != 0 {
		log.Printf("[reconcile] %d nodes do not divide into groups of %d, skipping this pass", len(snap.Nodes), groupSize)
		return false, nil
	}
	expectedShards := len(snap.Nodes) / groupSize
	groups := snap.Groups(d.Desired.Replicas)

	// 4: more masters than shards; demote a slotless extra
	if masters := snap.Masters(); len(masters) > expectedShards {
		d.debugf("%d masters for %d expected shards", len(masters), expectedShards)
		return d.demoteExtraMaster(ctx, snap, groups)
	}

	// 5: per-group scan in ordinal order
	for gi, group := range groups {
		master := groupMaster(group)

		if master == nil {
			return d.promoteGroupMaster(ctx, snap, gi, group)
		}

		if master.SlotCount() == 0 {
			log.Printf("[reconcile] group %d master %s holds no slots, resharding", gi, master.ID)
			if err := d.Rebalancer.RebalanceSlots(ctx, *master, expectedShards, d.rebalanceTimeout()); err != nil {
				return false, err
			}
			return true, nil
		}

		if d.Desired.MultiZone {
			if acted, err := d.splitDoubledMasters(ctx, gi, group, groups); acted || err != nil {
				return acted, err
			}
			if acted, err := d.reattachStraySlaves(ctx, snap, gi, group, master); acted || err != nil {
				return acted, err
			}
		}
	}

	// 6: converged
	d.logTopology(snap, groups)
	return false, nil
}

// handleDisconnected forgets every disconnected slotless master living
// above the base ordinal range. Returns how many nodes were forgotten.
func (d *ReconciliationDriver) handleDisconnected(ctx context.Context, snap common.ClusterSnapshot) (forgot int, err error) {
	for _, n := range snap.Nodes {
		if n.Connected || !n.IsMaster() || n.SlotCount() != 0 {
			continue
		}
		if !n.HasOrdinal || n.Ordinal <= forgetOrdinalFloor {
			continue
		}
		log.Printf("[reconcile] node %s (ordinal %d) is disconnected with no slots, forgetting", n.ID, n.Ordinal)
		if err := d.Relocator.Forget(ctx, n.ID); err != nil {
			return forgot, fmt.Errorf("forget %s: %w", n.ID, err)
		}
		forgot++
	}
	return forgot, nil
}

// demoteExtraMaster picks the surplus master least likely to matter
// (no slots, fewest attached replicas, lowest ordinal) and re-parents
// it under a master that can absorb a replica.
func (d *ReconciliationDriver) demoteExtraMaster(ctx context.Context, snap common.ClusterSnapshot, groups [][]common.ClusterNode) (bool, error) {
	var candidates []common.ClusterNode
	for _, m := range snap.Masters() {
		if m.SlotCount() == 0 {
			candidates = append(candidates, m)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := len(snap.SlavesOf(candidates[i].ID)), len(snap.SlavesOf(candidates[j].ID))
		if ri != rj {
			return ri < rj
		}
		return candidates[i].Ordinal < candidates[j].Ordinal
	})
	if len(candidates) == 0 {
		log.Print("[reconcile] more masters than shards but every master holds slots, leaving topology alone")
		return false, nil
	}
	extra := candidates[0]

	target := d.absorbingMasterFor(snap, groups, extra)
	if target == nil {
		log.Printf("[reconcile] no group can absorb extra master %s, leaving topology alone", extra.ID)
		return false, nil
	}
	log.Printf("[reconcile] demoting extra master %s under %s", extra.ID, target.ID)
	if err := d.Relocator.RelocateSlave(ctx, extra.ID, target.ID, d.relocateTimeout()); err != nil {
		return false, err
	}
	return true, nil
}

// absorbingMasterFor prefers a sibling master in the extra's own
// group, else the first group that both has a master and spare replica
// capacity.
func (d *ReconciliationDriver) absorbingMasterFor(snap common.ClusterSnapshot, groups [][]common.ClusterNode, extra common.ClusterNode) *common.ClusterNode {
	for _, group := range groups {
		if !common.GroupContains(group, extra.ID) {
			continue
		}
		for _, n := range group {
			if n.ID != extra.ID && n.IsMaster() {
				sibling := n
				return &sibling
			}
		}
	}
	for _, group := range groups {
		master := groupMaster(group)
		if master == nil || master.ID == extra.ID {
			continue
		}
		if groupFollowerCount(group, master.ID) < d.Desired.Replicas {
			return master
		}
	}
	return nil
}

// groupFollowerCount counts the group's own members replicating the
// given master. Followers parked outside the group do not occupy one
// of its replica slots.
func groupFollowerCount(group []common.ClusterNode, masterID string) (count int) {
	for _, n := range group {
		if n.IsSlave() && n.MasterID == masterID {
			count++
		}
	}
	return
}

// promoteGroupMaster fixes a masterless group by promoting its leading
// member that still follows a master outside the group, demoting that
// outside master in the same move.
func (d *ReconciliationDriver) promoteGroupMaster(ctx context.Context, snap common.ClusterSnapshot, gi int, group []common.ClusterNode) (bool, error) {
	for _, n := range group {
		if !n.IsSlave() || n.MasterID == "" {
			continue
		}
		if common.GroupContains(group, n.MasterID) {
			continue
		}
		current, ok := snap.NodeByID(n.MasterID)
		if !ok {
			log.Printf("[reconcile] group %d member %s follows missing master %q, skipping it", gi, n.ID, n.MasterID)
			continue
		}
		log.Printf("[reconcile] group %d has no master, promoting %s (taking over from %s)", gi, n.ID, current.ID)
		if err := d.Relocator.RelocateMaster(ctx, current.ID, n.ID, d.relocateTimeout()); err != nil {
			return false, err
		}
		return true, nil
	}
	log.Printf("[reconcile] group %d has no master and no promotable member, leaving topology alone", gi)
	return false, nil
}

// splitDoubledMasters relocates the surplus master of an over-mastered
// group into the first group that has none. Multi-zone only.
func (d *ReconciliationDriver) splitDoubledMasters(ctx context.Context, gi int, group []common.ClusterNode, groups [][]common.ClusterNode) (bool, error) {
	masters := groupMasters(group)
	if len(masters) <= 1 {
		return false, nil
	}
	// keep the slot-richest master where it is, move the lightest
	sort.SliceStable(masters, func(i, j int) bool {
		return masters[i].SlotCount() > masters[j].SlotCount()
	})
	extra := masters[len(masters)-1]

	for ti, target := range groups {
		if ti == gi || groupMaster(target) != nil {
			continue
		}
		for _, t := range target {
			if t.IsMaster() {
				continue
			}
			log.Printf("[reconcile] group %d holds %d masters, relocating %s into group %d (%s)", gi, len(masters), extra.ID, ti, t.ID)
			if err := d.Relocator.RelocateMaster(ctx, extra.ID, t.ID, d.relocateTimeout()); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	log.Printf("[reconcile] group %d holds %d masters but no group is free to take one, leaving topology alone", gi, len(masters))
	return false, nil
}

// reattachStraySlaves pulls a slave following an out-of-group master
// back under its own group's master while that master is short of
// replicas. Multi-zone only.
func (d *ReconciliationDriver) reattachStraySlaves(ctx context.Context, snap common.ClusterSnapshot, gi int, group []common.ClusterNode, master *common.ClusterNode) (bool, error) {
	for _, n := range group {
		if !n.IsSlave() || n.MasterID == "" || common.GroupContains(group, n.MasterID) {
			continue
		}
		if len(snap.SlavesOf(master.ID)) >= d.Desired.Replicas {
			return false, nil
		}
		log.Printf("[reconcile] group %d slave %s follows out-of-group master %s, reattaching under %s", gi, n.ID, n.MasterID, master.ID)
		if err := d.Relocator.RelocateSlave(ctx, n.ID, master.ID, d.relocateTimeout()); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

func (d *ReconciliationDriver) logTopology(snap common.ClusterSnapshot, groups [][]common.ClusterNode) {
	assigned := snap.SlotCount()
	log.Printf("[reconcile] topology settled: %d groups, %d masters, %s of %s slots assigned",
		len(groups), len(snap.Masters()), humanize.Comma(int64(assigned)), humanize.Comma(int64(common.TotalSlots)))
	for gi, group := range groups {
		var members []string
		for _, n := range group {
			members = append(members, fmt.Sprintf("%s=%s(%s slots)", n.Hostname, n.Role, humanize.Comma(int64(n.SlotCount()))))
		}
		log.Printf("[reconcile]   group %d: %s", gi, strings.Join(members, " "))
	}
}

func groupMaster(group []common.ClusterNode) *common.ClusterNode {
	for _, n := range group {
		if n.IsMaster() {
			m := n
			return &m
		}
	}
	return nil
}

func groupMasters(group []common.ClusterNode) (masters []common.ClusterNode) {
	for _, n := range group {
		if n.IsMaster() {
			masters = append(masters, n)
		}
	}
	return
}
