package singlemaster

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/Mathew-Estafanous/singlemaster/cluster"
)

// errRetryWrite tells the write loop to wait for the cluster and try again.
var errRetryWrite = errors.New("write has to wait for the cluster")

// mutation computes the next value of a store slot from its current value,
// which is nil when the slot is empty.
type mutation func(cur []byte) (next []byte, remove bool, err error)

// pendingWrite is a store mutation on its way through the cluster. Once its
// outcome is known it is kept so that a retry resends the same value instead
// of running the mutation again.
type pendingWrite struct {
	key      StoreKey
	m        mutation
	prepared bool
	applied  bool
	next     []byte
	remove   bool
}

func (w *pendingWrite) op() StoreOp {
	if w.remove {
		return OpRemove
	}
	return OpSet
}

// storeWriter carries a pending write according to the role of the local
// server. Writers are called with mu held.
type storeWriter interface {
	write(w *pendingWrite) error
}

// masterWriter persists locally and replicates to every reachable slave.
type masterWriter struct {
	c *Cluster
}

func (m masterWriter) write(w *pendingWrite) error {
	c := m.c
	ctx := c.sessionCtx()

	// Avoid replicating to servers that just went away.
	c.checkSlaveServersAndUpdateState(ctx, false)
	if !c.available.Load() {
		return errRetryWrite
	}

	if err := c.applyLocal(w); err != nil {
		return err
	}
	c.fanOut(ctx, w.op(), w.key, w.next)
	return nil
}

// clientWriter sends the result to the master which replicates it further,
// and persists it locally once the master accepted it.
type clientWriter struct {
	c *Cluster
}

func (cw clientWriter) write(w *pendingWrite) error {
	c := cw.c
	ctx := c.sessionCtx()

	master, ok := c.State().Master()
	if !ok || !c.comm.IsAvailable(ctx, master) {
		c.logger.Warn().Str("key", w.key.String()).Msg("Master is not reachable, write is waiting")
		c.setClusterNotAvailable()
		return errRetryWrite
	}

	if err := c.prepare(w); err != nil {
		return err
	}
	if err := c.sendUpdate(ctx, master, w.op(), w.key, w.next); err != nil {
		c.logger.Warn().Err(err).Str("master", master.String()).Msg("Failed to send write to master")
		c.setClusterNotAvailable()
		return errRetryWrite
	}
	return c.applyLocal(w)
}

// writerFor resolves the write variant from the current role.
func (c *Cluster) writerFor() storeWriter {
	if c.isMaster() {
		return masterWriter{c: c}
	}
	return clientWriter{c: c}
}

// write blocks until the cluster is available and carries the mutation of
// key through the cluster. The role is resolved again after every wait.
func (c *Cluster) write(ctx context.Context, key StoreKey, m mutation) error {
	w := &pendingWrite{key: key, m: m}

	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.awaitLocked(ctx); err != nil {
			return err
		}
		err := c.writerFor().write(w)
		if !errors.Is(err, errRetryWrite) {
			return err
		}
	}
}

// prepare runs the mutation against the current local value without
// persisting its outcome. Callers hold mu.
func (c *Cluster) prepare(w *pendingWrite) error {
	if w.prepared {
		return nil
	}
	cur, err := c.store.Get(w.key)
	if err != nil {
		return fmt.Errorf("read %v: %w", w.key, err)
	}
	return w.compute(cur)
}

func (w *pendingWrite) compute(cur []byte) error {
	next, remove, err := w.m(cur)
	if err != nil {
		return err
	}
	w.next, w.remove, w.prepared = next, remove, true
	return nil
}

// applyLocal persists the outcome of the mutation within a single write
// scope, running the mutation first if it was not prepared. It does nothing
// for a write that was already applied.
func (c *Cluster) applyLocal(w *pendingWrite) error {
	if w.applied {
		return nil
	}
	err := c.store.Update(func(tx StoreTx) error {
		if !w.prepared {
			cur, err := tx.Get(w.key)
			if err != nil {
				return err
			}
			if err := w.compute(cur); err != nil {
				return err
			}
		}
		if w.remove {
			return tx.Remove(w.key)
		}
		return tx.Set(w.key, w.next)
	})
	if err != nil {
		return fmt.Errorf("persist %v: %w", w.key, err)
	}
	w.applied = true
	return nil
}

func (c *Cluster) sendUpdate(ctx context.Context, s cluster.Server, op StoreOp, key StoreKey, value []byte) error {
	if op == OpRemove {
		return c.comm.StoreRemoveElement(ctx, key, s)
	}
	return c.comm.StoreSetElement(ctx, key, value, s)
}

// fanOut sends a mutation to every available server other than the local one
// and those in exclude. Failures are reported but not retried, the affected
// slaves are resynchronized once the master sees them come back.
func (c *Cluster) fanOut(ctx context.Context, op StoreOp, key StoreKey, value []byte, exclude ...cluster.Server) FanoutReport {
	st := c.State()
	report := FanoutReport{Op: op, Key: key}
	for _, s := range st.Servers() {
		if s == c.self || slices.Contains(exclude, s) || !st.IsAvailable(s) {
			continue
		}
		err := c.sendUpdate(ctx, s, op, key, value)
		if err != nil {
			c.logger.Warn().Err(err).Str("peer", s.String()).Str("key", key.String()).Msg("Failed to replicate store update")
		}
		report.Results = append(report.Results, PeerResult{Server: s, Err: err})
	}
	if c.opts.OnFanout != nil {
		c.opts.OnFanout(report)
	}
	return report
}

func (c *Cluster) sendSnapshot(ctx context.Context, s cluster.Server) {
	entries, err := readSnapshot(c.store)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to read store snapshot")
		return
	}
	if err := c.comm.SendStoreData(ctx, entries, s); err != nil {
		c.logger.Warn().Err(err).Str("peer", s.String()).Msg("Failed to send store snapshot")
	}
}

// syncStoreToSlave sends the whole store of the master to a slave.
func (c *Cluster) syncStoreToSlave(ctx context.Context, s cluster.Server) {
	c.sendSnapshot(ctx, s)
}

// handOverStore sends the whole store of a retiring master to its successor.
func (c *Cluster) handOverStore(ctx context.Context, s cluster.Server) {
	c.logger.Info().Str("master", s.String()).Msg("Handing store over to the new master")
	c.sendSnapshot(ctx, s)
}

func (c *Cluster) handleClusterState(req *ClusterStateRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected.Load() {
		return
	}
	ctx := c.sessionCtx()

	pushed := requestToState(req)
	if _, ok := pushed.Node(c.self); !ok {
		pushed = NewStateBuilder(pushed).UpdateServerState(c.self, 0).Build()
	}
	master, hasMaster := pushed.Master()

	if !c.isMaster() {
		if hasMaster && master == c.self {
			c.logger.Warn().Str("from", req.From.String()).Msg("Ignoring state naming the local server master")
			return
		}
		c.setClusterState(ctx, pushed, false)
		return
	}

	switch {
	case !hasMaster:
		c.logger.Info().Str("from", req.From.String()).Msg("Received a state without master, running election")
		c.findMaster(ctx)
	case master == c.self:
	case c.higherPriority(c.self, master):
		c.logger.Warn().Str("master", master.String()).Msg("Ignoring master with a lower priority")
		if err := c.comm.PutClusterState(ctx, master, c.State()); err != nil {
			c.logger.Warn().Err(err).Str("peer", master.String()).Msg("Failed to push cluster state")
		}
	default:
		c.logger.Info().Str("master", master.String()).Msg("Yielding to a master with a higher priority")
		c.handOverStore(ctx, master)
		c.setClusterState(ctx, pushed, false)
		c.setClusterAvailable()
	}
}

// handleStoreUpdate applies a mutation received from another server. A master
// replicates it to every other slave.
func (c *Cluster) handleStoreUpdate(req *StoreUpdateRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected.Load() {
		return
	}

	w := &pendingWrite{
		key: req.Key,
		m: func([]byte) ([]byte, bool, error) {
			return req.Value, req.Op == OpRemove, nil
		},
	}
	if err := c.applyLocal(w); err != nil {
		c.logger.Error().Err(err).Str("from", req.From.String()).Msg("Failed to apply store update")
		return
	}
	if c.isMaster() {
		c.fanOut(c.sessionCtx(), w.op(), w.key, w.next, req.From)
	}
}

// handleStoreData replaces the whole local store with a received snapshot.
func (c *Cluster) handleStoreData(req *StoreDataRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected.Load() {
		return
	}

	partial, err := replaceAll(c.store, req.Entries)
	if err != nil {
		c.logger.Error().Err(err).Str("from", req.From.String()).Msg("Failed to apply store snapshot")
		return
	}
	if partial {
		c.logger.Warn().
			Str("snapshot", req.ID).
			Msg("Snapshot exceeded a single write scope and was applied in batches")
	}
	c.logger.Info().
		Str("from", req.From.String()).
		Str("snapshot", req.ID).
		Int("entries", len(req.Entries)).
		Msg("Store synchronized from snapshot")
}
