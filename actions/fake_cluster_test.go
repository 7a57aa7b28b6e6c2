package actions

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/FalkorDB/falkordb-rebalance/common"
)

type fakeNode struct {
	id        string
	hostname  string
	ip        string
	port      int
	role      common.Role
	masterID  string
	slots     []common.SlotRange
	connected bool
}

func newFakeNode(ordinal int, role common.Role, masterID string, slots ...common.SlotRange) *fakeNode {
	return &fakeNode{
		id:        fmt.Sprintf("nodeid-%02d", ordinal),
		hostname:  fmt.Sprintf("graph-%d.graph", ordinal),
		ip:        fmt.Sprintf("10.0.0.%d", ordinal+1),
		port:      6379,
		role:      role,
		masterID:  masterID,
		slots:     slots,
		connected: true,
	}
}

func fakeID(ordinal int) string {
	return fmt.Sprintf("nodeid-%02d", ordinal)
}

// fakeCluster implements ClusterClient over an in-memory node table.
// It renders genuine CLUSTER NODES wire text so every test drives the
// real parser end to end, and applies REPLICATE/FAILOVER/FORGET
// mutations the way a live cluster would settle them.
type fakeCluster struct {
	mu    sync.Mutex
	nodes []*fakeNode

	replicateCalls int
	failoverCalls  int
	forgetCalls    int
	calls          []string

	// stuckFailover makes CLUSTER FAILOVER accept but never converge,
	// so the post-failover wait times out.
	stuckFailover bool
	nodesErr      error
}

func (f *fakeCluster) find(id string) *fakeNode {
	for _, n := range f.nodes {
		if n.id == id {
			return n
		}
	}
	return nil
}

func (f *fakeCluster) ClusterNodes(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nodesErr != nil {
		return "", &ConnectivityError{Addr: "fake:6379", Err: f.nodesErr}
	}
	var b strings.Builder
	for _, n := range f.nodes {
		master := "-"
		if n.masterID != "" {
			master = n.masterID
		}
		link := "connected"
		if !n.connected {
			link = "disconnected"
		}
		fmt.Fprintf(&b, "%s %s:%d@%d,%s %s %s 0 0 7 %s",
			n.id, n.ip, n.port, n.port+10000, n.hostname, n.role, master, link)
		for _, r := range n.slots {
			fmt.Fprintf(&b, " %s", r)
		}
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func (f *fakeCluster) Replicate(ctx context.Context, node common.ClusterNode, masterID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replicateCalls++
	f.calls = append(f.calls, fmt.Sprintf("replicate %s %s", node.ID, masterID))
	n := f.find(node.ID)
	if n == nil {
		return fmt.Errorf("unknown node %s", node.ID)
	}
	n.role = common.RoleSlave
	n.masterID = masterID
	n.slots = nil
	return nil
}

func (f *fakeCluster) Failover(ctx context.Context, node common.ClusterNode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failoverCalls++
	f.calls = append(f.calls, "failover "+node.ID)
	if f.stuckFailover {
		return nil
	}
	promoted := f.find(node.ID)
	if promoted == nil || promoted.masterID == "" {
		return fmt.Errorf("node %s cannot fail over", node.ID)
	}
	old := f.find(promoted.masterID)
	if old == nil {
		return fmt.Errorf("node %s follows unknown master %s", node.ID, promoted.masterID)
	}
	promoted.role = common.RoleMaster
	promoted.slots = old.slots
	promoted.masterID = ""
	old.role = common.RoleSlave
	old.slots = nil
	old.masterID = promoted.id
	return nil
}

func (f *fakeCluster) Forget(ctx context.Context, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgetCalls++
	f.calls = append(f.calls, "forget "+nodeID)
	for i, n := range f.nodes {
		if n.id == nodeID {
			f.nodes = append(f.nodes[:i], f.nodes[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("unknown node %s", nodeID)
}

func (f *fakeCluster) Close() error { return nil }

func (f *fakeCluster) mutations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.replicateCalls + f.failoverCalls + f.forgetCalls
}

// fakeReshardTool stands in for the external redis-cli invocation.
type fakeReshardTool struct {
	cluster   *fakeCluster
	calls     int
	lastSlots int
	err       error
	// grant assigns the requested slots to the target on invocation,
	// mimicking a successful external reshard.
	grant bool
}

func (t *fakeReshardTool) Reshard(ctx context.Context, target common.ClusterNode, slots int) error {
	t.calls++
	t.lastSlots = slots
	if t.grant && t.cluster != nil {
		t.cluster.mu.Lock()
		if n := t.cluster.find(target.ID); n != nil {
			n.slots = []common.SlotRange{{Start: 0, End: slots - 1}}
		}
		t.cluster.mu.Unlock()
	}
	return t.err
}

func newTestDriver(f *fakeCluster, tool ReshardTool, topo Topology) *ReconciliationDriver {
	reader := &TopologyReader{Client: f}
	return &ReconciliationDriver{
		Reader: reader,
		Relocator: &RelocationProtocol{
			Client:       f,
			Reader:       reader,
			PollInterval: time.Millisecond,
			GracePeriod:  time.Millisecond,
		},
		Rebalancer: &SlotRebalancer{
			Tool:         tool,
			Reader:       reader,
			PollInterval: time.Millisecond,
		},
		Desired:          topo,
		RelocateTimeout:  250 * time.Millisecond,
		RebalanceTimeout: 250 * time.Millisecond,
	}
}
