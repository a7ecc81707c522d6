package singlemaster

import (
	"context"

	"github.com/Mathew-Estafanous/singlemaster/cluster"
)

// NodeStateMessage is the wire form of a NodeState.
type NodeStateMessage struct {
	Server    cluster.Server `json:"server"`
	Master    bool           `json:"master"`
	Status    NodeStatus     `json:"status"`
	LatencyMs int64          `json:"latencyMs"`
}

// ClusterStateRequest pushes the sender's view of the cluster to a peer.
type ClusterStateRequest struct {
	From    cluster.Server     `json:"from"`
	Version string             `json:"version"`
	Nodes   []NodeStateMessage `json:"nodes"`
}

type StoreOp byte

const (
	OpSet    StoreOp = 'S'
	OpRemove StoreOp = 'R'
)

// StoreUpdateRequest replicates the mutation of a single store value.
type StoreUpdateRequest struct {
	From  cluster.Server `json:"from"`
	Op    StoreOp        `json:"op"`
	Key   StoreKey       `json:"key"`
	Value []byte         `json:"value,omitempty"`
}

// StoreDataRequest carries a full snapshot of the sender's store. The
// receiver replaces all of its entries with the snapshot.
type StoreDataRequest struct {
	From    cluster.Server `json:"from"`
	ID      string         `json:"id"`
	Entries []StoreEntry   `json:"entries"`
}

// Transport defines the interface for communication between cluster servers.
// Every send returns once the target has accepted the message, which does
// not mean it has been processed yet.
type Transport interface {
	// Start begins accepting requests and hands them to the registered handler.
	Start() error

	// Stop stops accepting requests. A stopped transport may be started again.
	Stop() error

	// RegisterRequestHandler registers the handler for incoming requests. It
	// must be called before Start.
	RegisterRequestHandler(handler RequestHandler) error

	// SendPing succeeds when the target is up and accepting requests.
	SendPing(ctx context.Context, target cluster.Server) error

	SendClusterState(ctx context.Context, target cluster.Server, req *ClusterStateRequest) error

	SendStoreUpdate(ctx context.Context, target cluster.Server, req *StoreUpdateRequest) error

	SendStoreData(ctx context.Context, target cluster.Server, req *StoreDataRequest) error
}

// RequestHandler processes incoming requests. Implementations must not block
// for long since transports call them on their receiving goroutines.
type RequestHandler interface {
	OnClusterState(req *ClusterStateRequest)
	OnStoreUpdate(req *StoreUpdateRequest)
	OnStoreData(req *StoreDataRequest)
}
