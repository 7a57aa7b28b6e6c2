package common

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrdinalFromHostname(t *testing.T) {
	tests := []struct {
		hostname string
		ordinal  int
		ok       bool
	}{
		{"graph-0.graph.svc", 0, true},
		{"graph-7.graph", 7, true},
		{"my-app-12.cluster.local", 12, true},
		{"graph-03", 3, true},
		{"graph", 0, false},
		{"graph-x.domain", 0, false},
		{"", 0, false},
		// the ordinal must sit on the first label, not the domain
		{"graph.zone-3", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.hostname, func(t *testing.T) {
			ord, ok := OrdinalFromHostname(tt.hostname)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.ordinal, ord)
			}
		})
	}
}

func TestSlotRange(t *testing.T) {
	assert.Equal(t, 1, SlotRange{Start: 5, End: 5}.Count())
	assert.Equal(t, 5461, SlotRange{Start: 0, End: 5460}.Count())
	assert.Equal(t, "5", SlotRange{Start: 5, End: 5}.String())
	assert.Equal(t, "0-5460", SlotRange{Start: 0, End: 5460}.String())
}

func TestRoleString(t *testing.T) {
	assert.Equal(t, "master", RoleMaster.String())
	assert.Equal(t, "slave", RoleSlave.String())
}

func nodesWithOrdinals(n int) []ClusterNode {
	nodes := make([]ClusterNode, n)
	for i := range nodes {
		nodes[i] = ClusterNode{
			ID:         fmt.Sprintf("id-%02d", i),
			Hostname:   fmt.Sprintf("graph-%d.graph", i),
			Ordinal:    i,
			HasOrdinal: true,
		}
	}
	return nodes
}

func TestGroupsPartitionEvenly(t *testing.T) {
	cases := []struct{ nodes, replicas int }{
		{6, 1},
		{9, 2},
		{12, 1},
		{4, 3},
		{3, 0},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%dnodes_%dreplicas", tc.nodes, tc.replicas), func(t *testing.T) {
			snap := ClusterSnapshot{Nodes: nodesWithOrdinals(tc.nodes)}
			groups := snap.Groups(tc.replicas)

			size := tc.replicas + 1
			require.Len(t, groups, tc.nodes/size)
			seen := 0
			for _, g := range groups {
				assert.Len(t, g, size)
				for _, n := range g {
					// covers every node exactly once, ordinal order preserved
					assert.Equal(t, seen, n.Ordinal)
					seen++
				}
			}
			assert.Equal(t, tc.nodes, seen)
		})
	}
}

func TestGroupsShortFinalWindow(t *testing.T) {
	snap := ClusterSnapshot{Nodes: nodesWithOrdinals(7)}
	groups := snap.Groups(1)
	require.Len(t, groups, 4)
	assert.Len(t, groups[3], 1)
}

func TestSortNodesPlacesMissingOrdinalsLast(t *testing.T) {
	nodes := []ClusterNode{
		{ID: "b", Ordinal: 3, HasOrdinal: true},
		{ID: "x", HasOrdinal: false},
		{ID: "a", Ordinal: 1, HasOrdinal: true},
		{ID: "y", HasOrdinal: false},
	}
	SortNodes(nodes)
	assert.Equal(t, "a", nodes[0].ID)
	assert.Equal(t, "b", nodes[1].ID)
	// stable among the ordinal-less tail
	assert.Equal(t, "x", nodes[2].ID)
	assert.Equal(t, "y", nodes[3].ID)
}

func TestSlavesWithInvalidMasters(t *testing.T) {
	snap := ClusterSnapshot{Nodes: []ClusterNode{
		{ID: "m1", Role: RoleMaster},
		{ID: "s1", Role: RoleSlave, MasterID: "m1"},
		{ID: "s2", Role: RoleSlave, MasterID: "missing"},
		{ID: "s3", Role: RoleSlave},
	}}
	orphans := snap.SlavesWithInvalidMasters()
	require.Len(t, orphans, 2)
	assert.Equal(t, "s2", orphans[0].ID)
	assert.Equal(t, "s3", orphans[1].ID)
}

func TestSnapshotQueries(t *testing.T) {
	snap := ClusterSnapshot{Nodes: []ClusterNode{
		{ID: "m1", Role: RoleMaster, Connected: true, Slots: []SlotRange{{Start: 0, End: 99}, {Start: 200, End: 200}}},
		{ID: "s1", Role: RoleSlave, MasterID: "m1", Connected: true},
		{ID: "m2", Role: RoleMaster, Connected: false},
	}}

	assert.False(t, snap.IsConnected())
	assert.Len(t, snap.Masters(), 2)
	assert.Len(t, snap.Slaves(), 1)
	assert.Len(t, snap.SlavesOf("m1"), 1)
	assert.Empty(t, snap.SlavesOf("m2"))
	assert.Equal(t, 101, snap.SlotCount())

	n, ok := snap.NodeByID("s1")
	require.True(t, ok)
	assert.True(t, n.IsSlave())
	_, ok = snap.NodeByID("nope")
	assert.False(t, ok)

	assert.True(t, GroupContains(snap.Nodes[:2], "s1"))
	assert.False(t, GroupContains(snap.Nodes[:2], "m2"))
}
