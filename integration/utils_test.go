package integration

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/Mathew-Estafanous/singlemaster"
	"github.com/Mathew-Estafanous/singlemaster/cluster"
	"github.com/Mathew-Estafanous/singlemaster/store"
	"github.com/Mathew-Estafanous/singlemaster/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	scanInterval = 25 * time.Millisecond
	waitFor      = 5 * time.Second
	tick         = 10 * time.Millisecond

	// failoverSlack absorbs scheduling delays on top of the scan intervals a
	// failover may take.
	failoverSlack = 20 * time.Millisecond
)

type testNode struct {
	server  cluster.Server
	cluster *singlemaster.Cluster
	store   *store.InMemStore
	options singlemaster.Options

	transport singlemaster.Transport
	list      net.Listener
	dialer    transport.Dialer
}

type testCluster struct {
	nodes    []*testNode
	registry *transport.Registry
	conf     *cluster.Configuration
}

var testOpts = singlemaster.Options{
	ScanInterval: scanInterval,
	PeerTimeout:  250 * time.Millisecond,
}

func nopLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

// setupCluster creates n nodes talking over the in-memory transport. The
// configured priority follows the node order. Options are applied to every
// node before it is created.
func setupCluster(t *testing.T, n int, opts ...func(node *testNode)) *testCluster {
	t.Helper()
	tc := &testCluster{registry: transport.NewRegistry()}

	servers := make([]cluster.Server, n)
	for i := range servers {
		servers[i] = cluster.Server{Name: fmt.Sprintf("node%d", i), Addr: fmt.Sprintf("node%d:7000", i)}
	}
	tc.conf = cluster.NewConfiguration(servers...)

	for _, s := range servers {
		node := &testNode{
			server:    s,
			store:     store.NewMemStore(),
			options:   testOpts,
			transport: transport.NewMemoryTransport(s.Addr, tc.registry),
		}
		node.options.Logger = nopLogger()
		for _, opt := range opts {
			opt(node)
		}

		c, err := singlemaster.New(tc.conf, s, node.transport, node.store, node.options)
		require.NoError(t, err)
		node.cluster = c
		tc.nodes = append(tc.nodes, node)
	}

	t.Cleanup(func() {
		for _, node := range tc.nodes {
			_ = node.cluster.Disconnect()
		}
	})
	return tc
}

// setupGRPCCluster creates n nodes talking over gRPC on the loopback interface.
func setupGRPCCluster(t *testing.T, n int, opts ...func(node *testNode)) *testCluster {
	t.Helper()
	tc := &testCluster{}

	nodes := make([]*testNode, n)
	servers := make([]cluster.Server, n)
	for i := range nodes {
		list, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		servers[i] = cluster.Server{Name: fmt.Sprintf("node%d", i), Addr: list.Addr().String()}
		nodes[i] = &testNode{
			server:  servers[i],
			store:   store.NewMemStore(),
			options: testOpts,
			list:    list,
		}
		nodes[i].options.Logger = nopLogger()
	}
	tc.conf = cluster.NewConfiguration(servers...)

	for _, node := range nodes {
		for _, opt := range opts {
			opt(node)
		}
		node.transport = transport.NewGRPCTransport(node.list, &transport.GRPCTransportConfig{Dialer: node.dialer})

		c, err := singlemaster.New(tc.conf, node.server, node.transport, node.store, node.options)
		require.NoError(t, err)
		node.cluster = c
		tc.nodes = append(tc.nodes, node)
	}

	t.Cleanup(func() {
		for _, node := range tc.nodes {
			_ = node.cluster.Disconnect()
		}
	})
	return tc
}

func (tc *testCluster) connectAll(t *testing.T) {
	t.Helper()
	for _, node := range tc.nodes {
		node.connect(t)
	}
}

func (n *testNode) connect(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, n.cluster.Connect(ctx), "Failed to connect %v", n.server)
}

// masters returns the nodes that consider themselves master.
func (tc *testCluster) masters() []*testNode {
	var masters []*testNode
	for _, n := range tc.nodes {
		if n.cluster.IsConnected() && n.cluster.IsMaster() {
			masters = append(masters, n)
		}
	}
	return masters
}

// waitForMaster waits until every connected node agrees on master.
func (tc *testCluster) waitForMaster(t *testing.T, master *testNode) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, n := range tc.nodes {
			if !n.cluster.IsConnected() {
				continue
			}
			m, ok := n.cluster.Master()
			if !ok || m != master.server {
				return false
			}
		}
		return true
	}, waitFor, tick, "Nodes did not agree on master %v", master.server)
}

// value reads the string kept under qualifier k in the node's local store.
func (n *testNode) value(k string) (string, bool) {
	v, ok, err := singlemaster.GetClusterStore[string](n.cluster, k).Get()
	if err != nil {
		return "", false
	}
	return v, ok
}

func (n *testNode) set(t *testing.T, k, v string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, singlemaster.GetClusterStore[string](n.cluster, k).Set(ctx, v))
}

func (tc *testCluster) waitForValue(t *testing.T, nodes []*testNode, k, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if v, ok := n.value(k); !ok || v != want {
				return false
			}
		}
		return true
	}, waitFor, tick, "Value of %q did not converge to %q", k, want)
}
