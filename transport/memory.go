package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/Mathew-Estafanous/singlemaster"
	"github.com/Mathew-Estafanous/singlemaster/cluster"
)

// Registry manages a collection of in-memory transports
type Registry struct {
	transports map[string]*MemoryTransport
	cut        map[link]struct{}
	mu         sync.RWMutex
}

// link is a one way connection between two addresses.
type link struct {
	from, to string
}

// NewRegistry creates a new registry for in-memory transports
func NewRegistry() *Registry {
	return &Registry{
		transports: make(map[string]*MemoryTransport),
		cut:        make(map[link]struct{}),
	}
}

// Partition drops every message exchanged between a and b until Heal is
// called with the same addresses.
func (r *Registry) Partition(a, b string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cut[link{a, b}] = struct{}{}
	r.cut[link{b, a}] = struct{}{}
}

// Heal restores the connection between a and b.
func (r *Registry) Heal(a, b string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cut, link{a, b})
	delete(r.cut, link{b, a})
}

// MemoryTransport implements the Transport interface for in-memory communication
// This is primarily useful for testing purposes
type MemoryTransport struct {
	addr     string
	handler  singlemaster.RequestHandler
	running  bool
	mu       sync.RWMutex
	registry *Registry
}

// NewMemoryTransport creates a new in-memory transport with a custom registry
func NewMemoryTransport(addr string, registry *Registry) *MemoryTransport {
	return &MemoryTransport{
		addr:     addr,
		registry: registry,
	}
}

func (t *MemoryTransport) Addr() string {
	return t.addr
}

// Start registers the transport so that its peers can reach it. A stopped
// transport may be started again.
func (t *MemoryTransport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.handler == nil {
		return ErrNoHandlerRegistered
	}

	t.registry.mu.Lock()
	defer t.registry.mu.Unlock()

	if other, exists := t.registry.transports[t.addr]; exists && other != t {
		return ErrAddressInUse
	}

	t.registry.transports[t.addr] = t
	t.running = true
	return nil
}

// Stop makes the transport unreachable, as if its server crashed.
func (t *MemoryTransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return nil
	}

	t.registry.mu.Lock()
	defer t.registry.mu.Unlock()

	delete(t.registry.transports, t.addr)
	t.running = false
	return nil
}

// RegisterRequestHandler registers handlers for incoming requests
func (t *MemoryTransport) RegisterRequestHandler(handler singlemaster.RequestHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if handler == nil {
		return ErrNilHandler
	}
	t.handler = handler
	return nil
}

// SendPing checks that the target is registered and running.
func (t *MemoryTransport) SendPing(ctx context.Context, target cluster.Server) error {
	return t.deliver(ctx, target.Addr, func(singlemaster.RequestHandler) {})
}

// SendClusterState pushes a cluster state to a target node
func (t *MemoryTransport) SendClusterState(ctx context.Context, target cluster.Server, req *singlemaster.ClusterStateRequest) error {
	return t.deliver(ctx, target.Addr, func(h singlemaster.RequestHandler) {
		h.OnClusterState(req)
	})
}

// SendStoreUpdate replicates a single store mutation to a target node
func (t *MemoryTransport) SendStoreUpdate(ctx context.Context, target cluster.Server, req *singlemaster.StoreUpdateRequest) error {
	return t.deliver(ctx, target.Addr, func(h singlemaster.RequestHandler) {
		h.OnStoreUpdate(cloneUpdate(req))
	})
}

// SendStoreData sends a store snapshot to a target node
func (t *MemoryTransport) SendStoreData(ctx context.Context, target cluster.Server, req *singlemaster.StoreDataRequest) error {
	return t.deliver(ctx, target.Addr, func(h singlemaster.RequestHandler) {
		h.OnStoreData(cloneData(req))
	})
}

// deliver hands a request to the handler of the target transport, failing
// like a network would if it cannot be reached. A stopped transport can
// still send, like a server that closed its listener. The target cannot stop
// while a request is being delivered, so every request it accepted has
// reached its handler once Stop returns.
func (t *MemoryTransport) deliver(ctx context.Context, addr string, fn func(h singlemaster.RequestHandler)) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	t.registry.mu.RLock()
	if _, cut := t.registry.cut[link{t.addr, addr}]; cut {
		t.registry.mu.RUnlock()
		return ErrPeerUnreachable
	}
	target, exists := t.registry.transports[addr]
	t.registry.mu.RUnlock()
	if !exists {
		return ErrPeerNotFound
	}

	target.mu.RLock()
	defer target.mu.RUnlock()
	if !target.running {
		return ErrTransportStopped
	}
	fn(target.handler)
	return nil
}

// Values are copied so that the receiver never shares memory with the sender.
func cloneUpdate(req *singlemaster.StoreUpdateRequest) *singlemaster.StoreUpdateRequest {
	c := *req
	c.Key = singlemaster.NewStoreKey(req.Key.Type, req.Key.Qualifiers...)
	if req.Value != nil {
		c.Value = append([]byte(nil), req.Value...)
	}
	return &c
}

func cloneData(req *singlemaster.StoreDataRequest) *singlemaster.StoreDataRequest {
	c := *req
	c.Entries = make([]singlemaster.StoreEntry, len(req.Entries))
	for i, e := range req.Entries {
		c.Entries[i] = singlemaster.StoreEntry{
			Key:   singlemaster.NewStoreKey(e.Key.Type, e.Key.Qualifiers...),
			Value: append([]byte(nil), e.Value...),
		}
	}
	return &c
}

var (
	ErrNoHandlerRegistered = errors.New("no request handler registered")
	ErrNilHandler          = errors.New("nil request handler provided")
	ErrAddressInUse        = errors.New("memory transport already registered with this address")
	ErrPeerNotFound        = errors.New("target node not found in memory transport registry")
	ErrPeerUnreachable     = errors.New("target node is partitioned from this node")
	ErrTransportStopped    = errors.New("transport is not running")
)
