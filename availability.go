package singlemaster

import (
	"context"
	"time"
)

// clusterAvailable decides whether a master reaching counter servers,
// itself included, out of size known servers has enough slaves to accept
// writes.
func clusterAvailable(counter, size int, factor float64) bool {
	return float64(counter) > float64(size-1)*factor
}

// setClusterAvailable opens the gate and wakes every waiting writer.
// Callers hold mu.
func (c *Cluster) setClusterAvailable() {
	if c.available.Load() {
		return
	}
	c.available.Store(true)
	close(c.availableCh)
	c.logger.Info().Msg("Cluster is available")
}

// setClusterNotAvailable closes the gate. Callers hold mu.
func (c *Cluster) setClusterNotAvailable() {
	if !c.available.Load() {
		return
	}
	c.available.Store(false)
	c.availableCh = make(chan struct{})
	c.logger.Warn().Msg("Cluster is not available")
}

// AwaitAvailable blocks until the cluster is available. It returns
// ErrClusterDisconnected when the local server is or becomes disconnected and
// the context error when ctx is done first.
func (c *Cluster) AwaitAvailable(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.awaitLocked(ctx)
}

// awaitLocked releases mu while waiting and holds it again when it returns,
// whatever the outcome.
func (c *Cluster) awaitLocked(ctx context.Context) error {
	for {
		if !c.connected.Load() {
			return ErrClusterDisconnected
		}
		if c.available.Load() {
			return nil
		}

		ch := c.availableCh
		done := c.sessionCtx().Done()
		c.mu.Unlock()
		err := c.waitAvailable(ctx, ch, done)
		c.mu.Lock()
		if err != nil {
			return err
		}
	}
}

// waitAvailable waits at most one scan interval so the caller re-checks its
// condition periodically.
func (c *Cluster) waitAvailable(ctx context.Context, ch, done <-chan struct{}) error {
	timer := time.NewTimer(c.opts.ScanInterval)
	defer timer.Stop()

	select {
	case <-ch:
		return nil
	case <-done:
		return ErrClusterDisconnected
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// updateAvailability applies the available factor to the result of a
// health sweep. Callers hold mu.
func (c *Cluster) updateAvailability(counter, size int) {
	if clusterAvailable(counter, size, c.conf.AvailableFactor) {
		c.setClusterAvailable()
		return
	}
	c.logger.Debug().
		Int("reachable", counter).
		Int("servers", size).
		Float64("factor", c.conf.AvailableFactor).
		Msg("Too few servers reachable")
	c.setClusterNotAvailable()
}
