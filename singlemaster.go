package singlemaster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Mathew-Estafanous/singlemaster/cluster"
	"github.com/rs/zerolog"
)

var (
	// ErrClusterDisconnected is returned to callers waiting for the cluster
	// to become available when the local server disconnects.
	ErrClusterDisconnected = errors.New("the cluster has been disconnected")

	ErrMissingTransport = errors.New("a transport is required")
	ErrMissingProvider  = errors.New("a store provider is required")
)

// session holds the lifetime of one connection to the cluster. Elections end
// with stopWatch, which is called before cancel when disconnecting.
type session struct {
	ctx       context.Context
	cancel    context.CancelFunc
	stopWatch context.CancelFunc
}

// Cluster coordinates a single master cluster. One server, elected by the
// priority order of the configuration, is the master and every store mutation
// goes through it. The master replicates mutations to all reachable slaves.
type Cluster struct {
	self   cluster.Server
	conf   *cluster.Configuration
	opts   Options
	comm   *communicator
	store  StoreProvider
	logger zerolog.Logger

	// mu is held for reading by store reads and for writing by elections,
	// watch loop iterations, availability transitions and store writes.
	mu sync.RWMutex

	state     atomic.Pointer[ClusterState]
	available atomic.Bool
	connected atomic.Bool

	// availableCh is closed when the cluster becomes available and replaced
	// when it becomes unavailable. Guarded by mu.
	availableCh chan struct{}

	// lifecycle serializes Connect and Disconnect.
	lifecycle sync.Mutex
	session   atomic.Pointer[session]
	wg        sync.WaitGroup
}

// New creates a cluster coordinator for the local server self. The
// coordinator does nothing until Connect is called.
func New(conf *cluster.Configuration, self cluster.Server, t Transport, provider StoreProvider, opts Options) (*Cluster, error) {
	if conf == nil {
		return nil, fmt.Errorf("%w: nil configuration", cluster.ErrInvalidConfiguration)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if self.IsZero() {
		return nil, fmt.Errorf("%w: the local server is not defined", cluster.ErrInvalidConfiguration)
	}
	if t == nil {
		return nil, ErrMissingTransport
	}
	if provider == nil {
		return nil, ErrMissingProvider
	}

	opts = opts.withDefaults()
	logger := opts.logger(self)
	c := &Cluster{
		self:        self,
		conf:        conf.Clone(),
		opts:        opts,
		store:       provider,
		logger:      logger.With().Str("component", "cluster").Logger(),
		availableCh: make(chan struct{}),
	}
	c.comm = newCommunicator(t, self, opts, logger)
	c.state.Store(c.initialState())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.session.Store(&session{ctx: ctx, cancel: cancel, stopWatch: cancel})
	return c, nil
}

func (c *Cluster) initialState() *ClusterState {
	b := NewStateBuilderFromConfig(c.conf)
	b.add(c.self)
	return b.Build()
}

// Connect starts communicating with the other servers, starts watching the
// cluster and runs the first election. It returns once a master is known,
// which may take arbitrarily long if no server can be reached. When ctx is
// done before that the cluster stays connected and keeps electing in the
// background.
func (c *Cluster) Connect(ctx context.Context) error {
	c.lifecycle.Lock()
	if c.connected.Load() {
		c.lifecycle.Unlock()
		return nil
	}

	sctx, cancel := context.WithCancel(context.Background())
	wctx, stopWatch := context.WithCancel(sctx)
	c.mu.Lock()
	c.session.Store(&session{ctx: sctx, cancel: cancel, stopWatch: stopWatch})
	c.state.Store(c.initialState())
	c.connected.Store(true)
	c.mu.Unlock()

	if err := c.comm.EnableReceiver(c); err != nil {
		c.connected.Store(false)
		cancel()
		c.lifecycle.Unlock()
		return fmt.Errorf("enable receiver: %w", err)
	}

	c.wg.Add(1)
	go c.watch(wctx)
	c.lifecycle.Unlock()
	c.logger.Info().Msg("Connected to the cluster")

	electCtx, stop := context.WithCancel(ctx)
	defer stop()
	unregister := context.AfterFunc(wctx, stop)
	defer unregister()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.findMaster(electCtx) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrClusterDisconnected
	}
	return nil
}

// Disconnect stops the receiver and the watch loop. Messages the receiver
// already accepted are handled first. A master notifies the slaves that it
// abdicated so that they elect a new master right away.
func (c *Cluster) Disconnect() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if !c.connected.Load() {
		return nil
	}

	sess := c.session.Load()
	sess.stopWatch()
	c.wg.Wait()

	err := c.comm.DisableReceiver()

	c.connected.Store(false)
	sess.cancel()

	c.mu.Lock()
	c.setClusterNotAvailable()
	if c.isMaster() {
		st := NewStateBuilder(c.State()).ClearMaster().Build()
		c.state.Store(st)
		c.publishState(context.Background(), st)
	}
	c.mu.Unlock()

	c.logger.Info().Msg("Disconnected from the cluster")
	return err
}

// State returns the latest known snapshot of the cluster.
func (c *Cluster) State() *ClusterState {
	return c.state.Load()
}

// Self returns the local server.
func (c *Cluster) Self() cluster.Server {
	return c.self
}

func (c *Cluster) IsConnected() bool {
	return c.connected.Load()
}

// IsAvailable reports whether store writes are currently accepted.
func (c *Cluster) IsAvailable() bool {
	return c.available.Load()
}

func (c *Cluster) IsMaster() bool {
	return c.isMaster()
}

// Master returns the current master, if any is known.
func (c *Cluster) Master() (cluster.Server, bool) {
	return c.State().Master()
}

func (c *Cluster) isMaster() bool {
	return c.State().IsMaster(c.self)
}

func (c *Cluster) sessionCtx() context.Context {
	return c.session.Load().ctx
}

// higherPriority reports whether a is preferred over b as master.
func (c *Cluster) higherPriority(a, b cluster.Server) bool {
	ia, ib := c.conf.IndexOf(a), c.conf.IndexOf(b)
	return ia >= 0 && (ib < 0 || ia < ib)
}

// setClusterState replaces the current snapshot. With publish the snapshot is
// pushed to every other server not known to be down. Callers hold mu.
func (c *Cluster) setClusterState(ctx context.Context, st *ClusterState, publish bool) {
	c.state.Store(st)
	if publish {
		c.publishState(ctx, st)
	}
}

func (c *Cluster) publishState(ctx context.Context, st *ClusterState) {
	for _, n := range st.Nodes() {
		if n.Server == c.self || n.Status == Down {
			continue
		}
		if err := c.comm.PutClusterState(ctx, n.Server, st); err != nil {
			c.logger.Warn().Err(err).Str("peer", n.Server.String()).Msg("Failed to push cluster state")
		}
	}
}
