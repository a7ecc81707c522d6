package singlemaster

import (
	"fmt"
	"strings"
	"time"

	"github.com/Mathew-Estafanous/singlemaster/cluster"
	"github.com/google/uuid"
)

// NodeStatus is the reachability of a server as last observed by the master.
type NodeStatus byte

const (
	// Unknown servers have not been checked since the state was created.
	Unknown NodeStatus = 'U'
	// Available servers answered their last ping.
	Available NodeStatus = 'A'
	// Down servers failed their last ping.
	Down NodeStatus = 'D'
)

func (s NodeStatus) String() string {
	switch s {
	case Available:
		return "available"
	case Down:
		return "down"
	default:
		return "unknown"
	}
}

// NodeState is the last known state of one server.
type NodeState struct {
	Server cluster.Server
	Master bool
	Status NodeStatus

	// Latency of the last successful ping.
	Latency time.Duration
}

func (n NodeState) IsAvailable() bool {
	return n.Status == Available
}

// ClusterState is an immutable snapshot of the cluster: which server is the
// master and how reachable every server was. New snapshots are derived with a
// StateBuilder. At most one node of a snapshot is flagged as master.
type ClusterState struct {
	version uuid.UUID
	servers []cluster.Server
	nodes   map[cluster.Server]NodeState
}

// Version uniquely identifies the snapshot.
func (s *ClusterState) Version() uuid.UUID {
	return s.version
}

// Servers returns every known server in election priority order.
func (s *ClusterState) Servers() []cluster.Server {
	return append([]cluster.Server(nil), s.servers...)
}

func (s *ClusterState) Size() int {
	return len(s.servers)
}

func (s *ClusterState) Node(server cluster.Server) (NodeState, bool) {
	n, ok := s.nodes[server]
	return n, ok
}

// Nodes returns the state of every server in election priority order.
func (s *ClusterState) Nodes() []NodeState {
	nodes := make([]NodeState, 0, len(s.servers))
	for _, srv := range s.servers {
		nodes = append(nodes, s.nodes[srv])
	}
	return nodes
}

// MasterNode returns nil when no server is flagged as master.
func (s *ClusterState) MasterNode() *NodeState {
	for _, srv := range s.servers {
		if n := s.nodes[srv]; n.Master {
			return &n
		}
	}
	return nil
}

func (s *ClusterState) Master() (cluster.Server, bool) {
	n := s.MasterNode()
	if n == nil {
		return cluster.Server{}, false
	}
	return n.Server, true
}

func (s *ClusterState) IsMaster(server cluster.Server) bool {
	return s.nodes[server].Master
}

func (s *ClusterState) IsAvailable(server cluster.Server) bool {
	return s.nodes[server].IsAvailable()
}

func (s *ClusterState) String() string {
	var b strings.Builder
	b.WriteString("{")
	for i, n := range s.Nodes() {
		if i > 0 {
			b.WriteString(" ")
		}
		flag := ""
		if n.Master {
			flag = "*"
		}
		fmt.Fprintf(&b, "%s%v:%v", flag, n.Server, n.Status)
	}
	b.WriteString("}")
	return b.String()
}

// StateBuilder derives a new ClusterState from a previous one. A builder is
// not safe for concurrent use.
type StateBuilder struct {
	servers []cluster.Server
	nodes   map[cluster.Server]NodeState
}

// NewStateBuilder seeds the builder with every node of base.
func NewStateBuilder(base *ClusterState) *StateBuilder {
	b := &StateBuilder{
		servers: append([]cluster.Server(nil), base.servers...),
		nodes:   make(map[cluster.Server]NodeState, len(base.nodes)),
	}
	for k, v := range base.nodes {
		b.nodes[k] = v
	}
	return b
}

// NewStateBuilderFromConfig seeds the builder with every configured server
// in an unknown state and without a master.
func NewStateBuilderFromConfig(conf *cluster.Configuration) *StateBuilder {
	b := &StateBuilder{
		servers: make([]cluster.Server, 0, len(conf.Servers)),
		nodes:   make(map[cluster.Server]NodeState, len(conf.Servers)),
	}
	for _, s := range conf.Servers {
		b.add(s)
	}
	return b
}

func (b *StateBuilder) add(s cluster.Server) NodeState {
	n, ok := b.nodes[s]
	if !ok {
		n = NodeState{Server: s, Status: Unknown}
		b.servers = append(b.servers, s)
		b.nodes[s] = n
	}
	return n
}

// SetMaster flags s as the only master, demoting any previous master.
func (b *StateBuilder) SetMaster(s cluster.Server) *StateBuilder {
	b.ClearMaster()
	n := b.add(s)
	n.Master = true
	b.nodes[s] = n
	return b
}

// ClearMaster leaves the state without any master.
func (b *StateBuilder) ClearMaster() *StateBuilder {
	for k, n := range b.nodes {
		if n.Master {
			n.Master = false
			b.nodes[k] = n
		}
	}
	return b
}

// UpdateServerState records the result of a ping. A non negative pingMs marks
// the server as available with that latency, a negative one as down.
func (b *StateBuilder) UpdateServerState(s cluster.Server, pingMs int64) *StateBuilder {
	n := b.add(s)
	if pingMs >= 0 {
		n.Status = Available
		n.Latency = time.Duration(pingMs) * time.Millisecond
	} else {
		n.Status = Down
	}
	b.nodes[s] = n
	return b
}

// Build returns a new immutable snapshot. The builder may keep being used
// afterwards without affecting the returned state.
func (b *StateBuilder) Build() *ClusterState {
	st := &ClusterState{
		version: uuid.New(),
		servers: append([]cluster.Server(nil), b.servers...),
		nodes:   make(map[cluster.Server]NodeState, len(b.nodes)),
	}
	for k, v := range b.nodes {
		st.nodes[k] = v
	}
	return st
}

// sameTopology reports whether both states agree on the master and the
// reachability of every server.
func sameTopology(a, b *ClusterState) bool {
	if a.Size() != b.Size() {
		return false
	}
	for _, s := range a.servers {
		nb, ok := b.nodes[s]
		if !ok {
			return false
		}
		if na := a.nodes[s]; na.Master != nb.Master || na.Status != nb.Status {
			return false
		}
	}
	return true
}

func stateToRequest(from cluster.Server, s *ClusterState) *ClusterStateRequest {
	req := &ClusterStateRequest{
		From:    from,
		Version: s.version.String(),
		Nodes:   make([]NodeStateMessage, 0, len(s.servers)),
	}
	for _, n := range s.Nodes() {
		req.Nodes = append(req.Nodes, NodeStateMessage{
			Server:    n.Server,
			Master:    n.Master,
			Status:    n.Status,
			LatencyMs: n.Latency.Milliseconds(),
		})
	}
	return req
}

func requestToState(req *ClusterStateRequest) *ClusterState {
	st := &ClusterState{
		servers: make([]cluster.Server, 0, len(req.Nodes)),
		nodes:   make(map[cluster.Server]NodeState, len(req.Nodes)),
	}
	if v, err := uuid.Parse(req.Version); err == nil {
		st.version = v
	} else {
		st.version = uuid.New()
	}
	seenMaster := false
	for _, n := range req.Nodes {
		if _, ok := st.nodes[n.Server]; ok {
			continue
		}
		master := n.Master && !seenMaster
		seenMaster = seenMaster || master
		st.servers = append(st.servers, n.Server)
		st.nodes[n.Server] = NodeState{
			Server:  n.Server,
			Master:  master,
			Status:  n.Status,
			Latency: time.Duration(n.LatencyMs) * time.Millisecond,
		}
	}
	return st
}
