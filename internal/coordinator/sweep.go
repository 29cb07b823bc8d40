package coordinator

import (
	"context"
	"time"

	"github.com/coinnation/kontext-sub005/internal/core"
)

// Run sweeps the registry every SweepInterval until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()

	c.logger.Info("reclamation sweep started", "interval", c.opts.SweepInterval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.ctx.Done():
			return nil
		case <-ticker.Chan():
			if n := c.Sweep(); n > 0 {
				c.logger.Info("reclamation sweep expired workflows", "count", n)
			}
		}
	}
}

// Sweep expires every reclaimable workflow that outlived its timeout and
// returns how many were removed. Protected or automation-driven records are
// never touched.
func (c *Coordinator) Sweep() int {
	now := c.clock.Now()
	var b batch

	c.mu.Lock()
	removed := 0
	for _, snap := range c.registry.All() {
		wf, ok := c.registry.Get(snap.ID)
		if !ok || !c.expired(wf, now) {
			continue
		}
		c.logFor(wf).Info("workflow expired",
			"phase", wf.Phase,
			"age", now.Sub(wf.Timing.CreatedAt),
			"idle", now.Sub(wf.Timing.LastActivity))
		c.dropLocked(wf, "expired", now, &b)
		removed++
	}
	c.sequential.Purge()
	c.mu.Unlock()

	c.flush(&b)
	return removed
}

func (c *Coordinator) expired(wf *core.Workflow, now time.Time) bool {
	if !wf.Reclaimable() {
		return false
	}
	timeout := c.opts.BaseTimeout
	if wf.Timing.ExtendedTimeout {
		timeout = c.opts.ExtendedTimeout
	}
	if now.Sub(wf.Timing.CreatedAt) > timeout {
		return true
	}
	return wf.Phase != core.PhaseAwaitingGeneration && now.Sub(wf.Timing.LastActivity) > timeout
}
