package common

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// TotalSlots is the fixed size of the cluster hash space.
const TotalSlots = 16384

// Role is the cluster role of a node. The set is closed: a node is
// either a master or a slave, never both and never neither.
type Role int

const (
	RoleMaster Role = iota
	RoleSlave
)

func (r Role) String() string {
	if r == RoleMaster {
		return "master"
	}
	return "slave"
}

// SlotRange is one contiguous [Start,End] hash slot assignment.
type SlotRange struct {
	Start int
	End   int
}

func (s SlotRange) Count() int {
	return s.End - s.Start + 1
}

func (s SlotRange) String() string {
	if s.Start == s.End {
		return strconv.Itoa(s.Start)
	}
	return fmt.Sprintf("%d-%d", s.Start, s.End)
}

// ClusterNode is one parsed row of CLUSTER NODES output.
type ClusterNode struct {
	ID         string
	IP         string
	Port       int
	Hostname   string
	Role       Role
	MasterID   string // set only on slaves; empty when the cluster reports no master
	Slots      []SlotRange
	Connected  bool
	Ordinal    int
	HasOrdinal bool
}

func (n ClusterNode) IsMaster() bool {
	return n.Role == RoleMaster
}

func (n ClusterNode) IsSlave() bool {
	return n.Role == RoleSlave
}

// Addr returns the host:port pair used to dial this node directly.
func (n ClusterNode) Addr() string {
	return fmt.Sprintf("%s:%d", n.IP, n.Port)
}

func (n ClusterNode) SlotCount() (count int) {
	for _, r := range n.Slots {
		count += r.Count()
	}
	return
}

var ordinalPattern = regexp.MustCompile(`-(\d+)$`)

// OrdinalFromHostname extracts the trailing numeric suffix from the
// first label of a hostname ("shard-7.cluster.local" -> 7). The second
// return is false when the hostname does not carry an ordinal.
func OrdinalFromHostname(hostname string) (int, bool) {
	label, _, _ := strings.Cut(hostname, ".")
	m := ordinalPattern.FindStringSubmatch(label)
	if m == nil {
		return 0, false
	}
	ord, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return ord, true
}

// ClusterSnapshot is the view of the cluster taken by one CLUSTER NODES
// call. It is rebuilt from scratch on every refresh and never mutated
// afterward; callers share it read-only within a single tick.
type ClusterSnapshot struct {
	Nodes []ClusterNode
	// Anomalies records per-node parse problems. They never abort a
	// refresh so the reconciler can still reason about the rest of the
	// cluster.
	Anomalies []string
}

// SortNodes orders nodes ascending by ordinal. Nodes without an
// ordinal sort after every ordinal-bearing node, in stable input
// order, so they surface at the tail instead of interleaving.
func SortNodes(nodes []ClusterNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		if a.HasOrdinal != b.HasOrdinal {
			return a.HasOrdinal
		}
		return a.Ordinal < b.Ordinal
	})
}

// IsConnected reports whether every node in the snapshot has an
// established cluster bus link.
func (s ClusterSnapshot) IsConnected() bool {
	for _, n := range s.Nodes {
		if !n.Connected {
			return false
		}
	}
	return true
}

func (s ClusterSnapshot) Masters() (masters []ClusterNode) {
	for _, n := range s.Nodes {
		if n.IsMaster() {
			masters = append(masters, n)
		}
	}
	return
}

func (s ClusterSnapshot) Slaves() (slaves []ClusterNode) {
	for _, n := range s.Nodes {
		if n.IsSlave() {
			slaves = append(slaves, n)
		}
	}
	return
}

func (s ClusterSnapshot) NodeByID(id string) (ClusterNode, bool) {
	for _, n := range s.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return ClusterNode{}, false
}

// SlavesOf returns the slaves currently replicating the given master.
func (s ClusterSnapshot) SlavesOf(masterID string) (slaves []ClusterNode) {
	for _, n := range s.Nodes {
		if n.IsSlave() && n.MasterID == masterID {
			slaves = append(slaves, n)
		}
	}
	return
}

// SlavesWithInvalidMasters returns every slave whose referenced master
// no longer exists in the snapshot, plus slaves carrying no master
// reference at all.
func (s ClusterSnapshot) SlavesWithInvalidMasters() (orphans []ClusterNode) {
	for _, n := range s.Nodes {
		if !n.IsSlave() {
			continue
		}
		if n.MasterID == "" {
			orphans = append(orphans, n)
			continue
		}
		if _, ok := s.NodeByID(n.MasterID); !ok {
			orphans = append(orphans, n)
		}
	}
	return
}

// MissingOrdinals returns the nodes whose hostname carries no ordinal.
// Such nodes cannot be grouped and are reported as an explicit error
// condition, never sorted implicitly.
func (s ClusterSnapshot) MissingOrdinals() (nodes []ClusterNode) {
	for _, n := range s.Nodes {
		if !n.HasOrdinal {
			nodes = append(nodes, n)
		}
	}
	return
}

// SlotCount sums the slots assigned across all masters.
func (s ClusterSnapshot) SlotCount() (count int) {
	for _, n := range s.Nodes {
		if n.IsMaster() {
			count += n.SlotCount()
		}
	}
	return
}

// Groups partitions the ordinal-sorted node list into consecutive
// windows of replicas+1 nodes, each window one desired shard. The
// final window may be short when the node count is not a multiple of
// the group size; callers must treat that as "cannot rebalance" and
// skip the tick rather than act on a partial group.
func (s ClusterSnapshot) Groups(replicas int) (groups [][]ClusterNode) {
	size := replicas + 1
	if size < 1 {
		size = 1
	}
	for i := 0; i < len(s.Nodes); i += size {
		end := i + size
		if end > len(s.Nodes) {
			end = len(s.Nodes)
		}
		groups = append(groups, s.Nodes[i:end])
	}
	return
}

// GroupContains reports whether the group holds the node with the given id.
func GroupContains(group []ClusterNode, id string) bool {
	for _, n := range group {
		if n.ID == id {
			return true
		}
	}
	return false
}
