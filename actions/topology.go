// The actions package contains the code for interacting directly with
// the cluster's nodes and taking corrective actions against them. This
// covers reading the live topology, relocating masters and slaves,
// moving hash slots, and the reconciliation driver that decides which
// of those to apply.
package actions

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/FalkorDB/falkordb-rebalance/common"
)

// DialTimeout bounds connection establishment to any single node.
var DialTimeout = 900 * time.Millisecond

// ConnectivityError indicates the cluster entry point could not be
// reached. The healthcheck reports unhealthy and the next scheduled
// tick retries unconditionally.
type ConnectivityError struct {
	Addr string
	Err  error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("cannot reach cluster at %s: %s", e.Addr, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// ClusterClient is the minimal cluster protocol surface the reconciler
// needs. Keeping it this small lets tests drive the full decision
// engine against a fake cluster.
type ClusterClient interface {
	// ClusterNodes returns the raw CLUSTER NODES payload from the
	// entry point.
	ClusterNodes(ctx context.Context) (string, error)
	// Replicate makes the given node a replica of masterID.
	Replicate(ctx context.Context, node common.ClusterNode, masterID string) error
	// Failover promotes the given node, demoting its current master.
	Failover(ctx context.Context, node common.ClusterNode) error
	// Forget evicts a stale node id via the entry point.
	Forget(ctx context.Context, nodeID string) error
	Close() error
}

// ClientOptions carries everything needed to dial the cluster.
type ClientOptions struct {
	EntryAddr string
	Password  string
	UseTLS    bool
}

type redisClusterClient struct {
	opts  ClientOptions
	entry *redis.Client

	mu    sync.Mutex
	conns map[string]*redis.Client
}

// NewClusterClient returns a ClusterClient speaking to a live cluster.
// Commands that act on a specific node (REPLICATE, FAILOVER) are issued
// on a direct connection to that node; connections are cached per
// address.
func NewClusterClient(opts ClientOptions) ClusterClient {
	c := &redisClusterClient{opts: opts, conns: make(map[string]*redis.Client)}
	c.entry = c.dial(opts.EntryAddr)
	return c
}

func (c *redisClusterClient) dial(addr string) *redis.Client {
	ropts := &redis.Options{
		Addr:        addr,
		Password:    c.opts.Password,
		DialTimeout: DialTimeout,
	}
	if c.opts.UseTLS {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		ropts.TLSConfig = &tls.Config{ServerName: host}
	}
	return redis.NewClient(ropts)
}

func (c *redisClusterClient) node(n common.ClusterNode) *redis.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	addr := n.Addr()
	conn, ok := c.conns[addr]
	if !ok {
		conn = c.dial(addr)
		c.conns[addr] = conn
	}
	return conn
}

func (c *redisClusterClient) ClusterNodes(ctx context.Context) (string, error) {
	out, err := c.entry.ClusterNodes(ctx).Result()
	if err != nil {
		return "", &ConnectivityError{Addr: c.opts.EntryAddr, Err: err}
	}
	return out, nil
}

func (c *redisClusterClient) Replicate(ctx context.Context, node common.ClusterNode, masterID string) error {
	return c.node(node).ClusterReplicate(ctx, masterID).Err()
}

func (c *redisClusterClient) Failover(ctx context.Context, node common.ClusterNode) error {
	return c.node(node).ClusterFailover(ctx).Err()
}

func (c *redisClusterClient) Forget(ctx context.Context, nodeID string) error {
	return c.entry.ClusterForget(ctx, nodeID).Err()
}

func (c *redisClusterClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conn := range c.conns {
		conn.Close()
	}
	c.conns = make(map[string]*redis.Client)
	return c.entry.Close()
}

// TopologyReader turns CLUSTER NODES output into fresh snapshots.
type TopologyReader struct {
	Client ClusterClient
}

// Refresh issues one CLUSTER NODES call and parses it into a new
// snapshot sorted by ordinal. A connection failure surfaces as
// ConnectivityError; per-node parse anomalies are logged and recorded
// on the snapshot without aborting the refresh.
func (t *TopologyReader) Refresh(ctx context.Context) (common.ClusterSnapshot, error) {
	raw, err := t.Client.ClusterNodes(ctx)
	if err != nil {
		return common.ClusterSnapshot{}, err
	}
	snap := ParseClusterNodes(raw)
	for _, anomaly := range snap.Anomalies {
		log.Printf("[topology] %s", anomaly)
	}
	return snap, nil
}

// ParseClusterNodes parses the raw CLUSTER NODES text. Lines that
// cannot be parsed at all are dropped and recorded as anomalies;
// recoverable per-node problems (bad slot token, missing ordinal) keep
// the node and record the anomaly.
func ParseClusterNodes(raw string) common.ClusterSnapshot {
	var snap common.ClusterSnapshot
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		node, anomalies, err := parseClusterNodeLine(line)
		if err != nil {
			snap.Anomalies = append(snap.Anomalies, err.Error())
			continue
		}
		snap.Anomalies = append(snap.Anomalies, anomalies...)
		snap.Nodes = append(snap.Nodes, node)
	}
	common.SortNodes(snap.Nodes)
	return snap
}

// noMasterMarker is what CLUSTER NODES reports in the master-id column
// for nodes that replicate nothing.
const noMasterMarker = "-"

// parseClusterNodeLine parses one row:
//
//	<id> <ip:port@cport[,hostname]> <flags> <master> <ping-sent> <pong-recv> <config-epoch> <link-state> [slot ...]
func parseClusterNodeLine(line string) (node common.ClusterNode, anomalies []string, err error) {
	fields := strings.Fields(line)
	if len(fields) < 8 {
		return node, nil, fmt.Errorf("unparseable cluster nodes line (%d fields): %q", len(fields), line)
	}
	node.ID = fields[0]

	addr := fields[1]
	if at := strings.Index(addr, "@"); at >= 0 {
		bus := addr[at+1:]
		addr = addr[:at]
		if comma := strings.Index(bus, ","); comma >= 0 {
			node.Hostname = bus[comma+1:]
		}
	}
	host := addr
	if colon := strings.LastIndex(addr, ":"); colon >= 0 {
		host = addr[:colon]
		node.Port, err = strconv.Atoi(addr[colon+1:])
		if err != nil {
			return node, nil, fmt.Errorf("node %s: bad port in address %q", node.ID, fields[1])
		}
	}
	node.IP = host
	// Older servers advertise the node name in the address column
	// instead of the bus suffix.
	if node.Hostname == "" && net.ParseIP(host) == nil {
		node.Hostname = host
	}

	flags := strings.Split(fields[2], ",")
	role, ok := roleFromFlags(flags)
	if !ok {
		return node, nil, fmt.Errorf("node %s: no role among flags %q", node.ID, fields[2])
	}
	node.Role = role

	if master := fields[3]; node.IsSlave() && master != noMasterMarker {
		node.MasterID = master
	}

	node.Connected = fields[7] == "connected"

	for _, tok := range fields[8:] {
		if strings.HasPrefix(tok, "[") {
			// slot currently importing/migrating; not an assignment
			continue
		}
		r, perr := parseSlotRange(tok)
		if perr != nil {
			anomalies = append(anomalies, fmt.Sprintf("node %s: %s", node.ID, perr))
			continue
		}
		node.Slots = append(node.Slots, r)
	}

	node.Ordinal, node.HasOrdinal = common.OrdinalFromHostname(node.Hostname)
	if !node.HasOrdinal {
		anomalies = append(anomalies, fmt.Sprintf("node %s: hostname %q carries no ordinal suffix", node.ID, node.Hostname))
	}
	return node, anomalies, nil
}

func roleFromFlags(flags []string) (common.Role, bool) {
	for _, f := range flags {
		switch f {
		case "master":
			return common.RoleMaster, true
		case "slave":
			return common.RoleSlave, true
		}
	}
	return common.RoleMaster, false
}

func parseSlotRange(tok string) (common.SlotRange, error) {
	startStr, endStr, isRange := strings.Cut(tok, "-")
	start, err := strconv.Atoi(startStr)
	if err != nil {
		return common.SlotRange{}, fmt.Errorf("malformed slot token %q", tok)
	}
	if !isRange {
		return common.SlotRange{Start: start, End: start}, nil
	}
	end, err := strconv.Atoi(endStr)
	if err != nil || end < start {
		return common.SlotRange{}, fmt.Errorf("malformed slot range %q", tok)
	}
	return common.SlotRange{Start: start, End: end}, nil
}
