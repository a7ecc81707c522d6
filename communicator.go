package singlemaster

import (
	"context"
	"sync"
	"time"

	"github.com/Mathew-Estafanous/singlemaster/cluster"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// inboundHandler is implemented by the coordinator to process the messages
// received from other servers.
type inboundHandler interface {
	handleClusterState(req *ClusterStateRequest)
	handleStoreUpdate(req *StoreUpdateRequest)
	handleStoreData(req *StoreDataRequest)
}

// communicator frames the cluster protocol on top of a Transport. It measures
// ping latency, bounds every peer call with a timeout and serializes incoming
// messages through a single inbox so that handlers never run on a
// transport's goroutine.
type communicator struct {
	t         Transport
	self      cluster.Server
	timeout   time.Duration
	inboxSize int
	logger    zerolog.Logger

	mu      sync.Mutex
	inbox   chan func()
	quit    chan struct{}
	wg      sync.WaitGroup
	running bool
}

func newCommunicator(t Transport, self cluster.Server, opts Options, logger zerolog.Logger) *communicator {
	return &communicator{
		t:         t,
		self:      self,
		timeout:   opts.PeerTimeout,
		inboxSize: opts.InboxSize,
		logger:    logger.With().Str("component", "communicator").Logger(),
	}
}

func (c *communicator) peerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Ping returns the round trip in milliseconds, or -1 if s could not be reached.
func (c *communicator) Ping(ctx context.Context, s cluster.Server) int64 {
	ctx, cancel := c.peerContext(ctx)
	defer cancel()

	start := time.Now()
	if err := c.t.SendPing(ctx, s); err != nil {
		c.logger.Debug().Err(err).Str("peer", s.String()).Msg("Ping failed")
		return -1
	}
	return time.Since(start).Milliseconds()
}

func (c *communicator) IsAvailable(ctx context.Context, s cluster.Server) bool {
	return c.Ping(ctx, s) >= 0
}

func (c *communicator) PutClusterState(ctx context.Context, s cluster.Server, state *ClusterState) error {
	ctx, cancel := c.peerContext(ctx)
	defer cancel()
	return c.t.SendClusterState(ctx, s, stateToRequest(c.self, state))
}

func (c *communicator) StoreSetElement(ctx context.Context, key StoreKey, value []byte, s cluster.Server) error {
	ctx, cancel := c.peerContext(ctx)
	defer cancel()
	return c.t.SendStoreUpdate(ctx, s, &StoreUpdateRequest{
		From:  c.self,
		Op:    OpSet,
		Key:   key,
		Value: value,
	})
}

func (c *communicator) StoreRemoveElement(ctx context.Context, key StoreKey, s cluster.Server) error {
	ctx, cancel := c.peerContext(ctx)
	defer cancel()
	return c.t.SendStoreUpdate(ctx, s, &StoreUpdateRequest{
		From: c.self,
		Op:   OpRemove,
		Key:  key,
	})
}

// SendStoreData transfers a full snapshot to s. Snapshots may be large so
// the per peer timeout is not applied.
func (c *communicator) SendStoreData(ctx context.Context, entries []StoreEntry, s cluster.Server) error {
	id := uuid.NewString()
	c.logger.Debug().
		Str("peer", s.String()).
		Str("snapshot", id).
		Int("entries", len(entries)).
		Msg("Sending store snapshot")
	return c.t.SendStoreData(ctx, s, &StoreDataRequest{
		From:    c.self,
		ID:      id,
		Entries: entries,
	})
}

// EnableReceiver registers h for incoming messages and starts the transport.
func (c *communicator) EnableReceiver(h inboundHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	if err := c.t.RegisterRequestHandler(&receiver{c: c, h: h}); err != nil {
		return err
	}
	c.inbox = make(chan func(), c.inboxSize)
	c.quit = make(chan struct{})
	c.wg.Add(1)
	go c.drain(c.inbox, c.quit)

	if err := c.t.Start(); err != nil {
		close(c.quit)
		c.wg.Wait()
		return err
	}
	c.running = true
	return nil
}

// DisableReceiver stops the transport and handles every message it accepted
// before returning.
func (c *communicator) DisableReceiver() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	inbox, quit := c.inbox, c.quit
	c.mu.Unlock()

	// The inbox keeps draining while the transport waits for its in-flight
	// requests, a sender blocked on a full inbox is released that way.
	err := c.t.Stop()

	handled := make(chan struct{})
	inbox <- func() { close(handled) }
	<-handled

	close(quit)
	c.wg.Wait()
	return err
}

func (c *communicator) drain(inbox <-chan func(), quit <-chan struct{}) {
	defer c.wg.Done()
	for {
		select {
		case fn := <-inbox:
			fn()
		case <-quit:
			return
		}
	}
}

func (c *communicator) enqueue(fn func()) {
	c.mu.Lock()
	inbox, quit := c.inbox, c.quit
	c.mu.Unlock()
	if inbox == nil {
		return
	}

	select {
	case inbox <- fn:
	case <-quit:
		c.logger.Debug().Msg("Dropping message received while the receiver is disabled")
	}
}

// receiver is used as an adapter to implement RequestHandler for the
// coordinator while keeping its handlers private.
type receiver struct {
	c *communicator
	h inboundHandler
}

func (r *receiver) OnClusterState(req *ClusterStateRequest) {
	r.c.enqueue(func() { r.h.handleClusterState(req) })
}

func (r *receiver) OnStoreUpdate(req *StoreUpdateRequest) {
	r.c.enqueue(func() { r.h.handleStoreUpdate(req) })
}

func (r *receiver) OnStoreData(req *StoreDataRequest) {
	r.c.enqueue(func() { r.h.handleStoreData(req) })
}
