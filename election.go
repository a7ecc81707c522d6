package singlemaster

import (
	"context"
	"time"

	"github.com/Mathew-Estafanous/singlemaster/cluster"
)

// watch is the long running routine of a connected server. Every scan
// interval a master checks its slaves while a slave checks its master.
func (c *Cluster) watch(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.watchOnce(ctx)
		case <-ctx.Done():
			c.logger.Debug().Msg("Watch loop stopped")
			return
		}
	}
}

func (c *Cluster) watchOnce(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil || !c.connected.Load() {
		return
	}

	if c.isMaster() {
		c.watchAsMaster(ctx)
	} else {
		c.watchAsSlave(ctx)
	}
}

func (c *Cluster) watchAsMaster(ctx context.Context) {
	c.checkSlaveServersAndUpdateState(ctx, false)

	// A server preferred over the local one is back, it takes over.
	st := c.State()
	for _, s := range c.conf.Servers {
		if s == c.self {
			return
		}
		if st.IsAvailable(s) {
			c.logger.Info().Str("peer", s.String()).Msg("Server with a higher priority is reachable, running election")
			c.findMaster(ctx)
			return
		}
	}
}

func (c *Cluster) watchAsSlave(ctx context.Context) {
	master, ok := c.State().Master()
	if ok && c.higherPriority(c.self, master) {
		c.logger.Info().Str("master", master.String()).Msg("Following a master with a lower priority, running election")
		c.findMaster(ctx)
		return
	}

	if ok && c.comm.IsAvailable(ctx, master) {
		c.setClusterAvailable()
		return
	}

	if ok {
		c.logger.Warn().Str("master", master.String()).Msg("Master is not reachable, running election")
	}
	c.setClusterNotAvailable()
	c.findMaster(ctx)
}

// findMaster walks the configured servers in priority order. The local
// server elects itself as soon as it is reached, any other server is
// accepted as master if it answers a ping. When no server answers the walk
// is retried every scan interval until one does or ctx is done.
//
// Callers hold mu for the whole election.
func (c *Cluster) findMaster(ctx context.Context) bool {
	for c.connected.Load() && ctx.Err() == nil {
		for _, s := range c.conf.Servers {
			if s == c.self {
				c.electLocalServerAsMaster(ctx)
				return true
			}
			if ms := c.comm.Ping(ctx, s); ms >= 0 {
				c.acceptMaster(ctx, s, ms)
				return true
			}
		}

		c.logger.Warn().Msg("No master could be found, retrying")
		timer := time.NewTimer(c.opts.ScanInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return false
		}
	}
	return false
}

func (c *Cluster) electLocalServerAsMaster(ctx context.Context) {
	wasMaster := c.isMaster()
	st := NewStateBuilder(c.State()).
		SetMaster(c.self).
		UpdateServerState(c.self, 0).
		Build()
	c.setClusterState(ctx, st, true)
	if wasMaster {
		return
	}

	c.logger.Info().Msg("Local server elected as master")
	c.checkSlaveServersAndUpdateState(ctx, true)
}

// acceptMaster follows s. A local server that was master until now hands its
// store over so that the new master starts from the latest values.
func (c *Cluster) acceptMaster(ctx context.Context, s cluster.Server, pingMs int64) {
	wasMaster := c.isMaster()
	previous, hadMaster := c.State().Master()
	st := NewStateBuilder(c.State()).
		SetMaster(s).
		UpdateServerState(s, pingMs).
		Build()
	c.setClusterState(ctx, st, false)

	if !hadMaster || previous != s {
		c.logger.Info().Str("master", s.String()).Msg("Following new master")
	}
	if wasMaster {
		c.handOverStore(ctx, s)
	}
	c.setClusterAvailable()
}

// checkSlaveServersAndUpdateState pings every other server and records the
// results in a new snapshot. Slaves that came back receive a full copy of the
// store. The availability of the cluster is derived from the number of
// reachable servers, the local one included, which is returned.
//
// The sweep run right after an election only resynchronizes the slaves known
// to be down. Servers that were never checked may hold newer values than the
// local store and are left alone, a previous master hands its store over.
func (c *Cluster) checkSlaveServersAndUpdateState(ctx context.Context, initial bool) int {
	prev := c.State()
	b := NewStateBuilder(prev).UpdateServerState(c.self, 0)

	counter := 1
	var revived []cluster.Server
	for _, s := range prev.Servers() {
		if s == c.self {
			continue
		}
		ms := c.comm.Ping(ctx, s)
		b.UpdateServerState(s, ms)
		if ms < 0 {
			continue
		}
		counter++
		if n, _ := prev.Node(s); n.Status == Down || (!initial && n.Status != Available) {
			revived = append(revived, s)
		}
	}

	next := b.Build()
	changed := !sameTopology(prev, next)
	c.setClusterState(ctx, next, false)
	for _, s := range revived {
		c.logger.Info().Str("peer", s.String()).Msg("Slave is reachable again, synchronizing store")
		c.syncStoreToSlave(ctx, s)
	}
	if changed {
		c.logger.Debug().Stringer("state", next).Msg("Cluster state changed")
		c.publishState(ctx, next)
	}
	c.updateAvailability(counter, next.Size())
	return counter
}
