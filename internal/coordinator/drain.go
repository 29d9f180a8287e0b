package coordinator

import (
	"context"

	"carbontrail/internal/observability"
)

// DrainPending replays queued activities oldest-first. Each item goes
// through the normal OnActivity path, so a queued duplicate still inside
// the dedupe window is absorbed rather than double-counted. The drain
// halts at the first failed item, leaving it and everything behind it
// queued for the next attempt.
func (c *Coordinator) DrainPending(ctx context.Context) {
	cold, err := c.rehydrateIfCold(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("drain aborted")
		return
	}
	if cold {
		// Rehydration just drained.
		return
	}
	c.drain(ctx)
}

func (c *Coordinator) drain(ctx context.Context) {
	c.drainMu.Lock()
	defer c.drainMu.Unlock()

	items, err := c.st.ListPending(ctx, 0)
	if err != nil {
		c.log.Error().Err(err).Msg("pending list failed")
		return
	}
	if len(items) == 0 {
		observability.SetQueueDepth(0)
		return
	}
	c.log.Info().Int("queued", len(items)).Msg("draining pending activities")

	for _, it := range items {
		if err := c.pacing.Wait(ctx); err != nil {
			return
		}
		ev := it.Payload
		if err := c.OnActivity(ctx, &ev); err != nil {
			c.log.Warn().Err(err).Int64("item", it.ID).Msg("drain halted")
			break
		}
		if err := c.st.RemovePending(ctx, it.ID); err != nil {
			c.log.Error().Err(err).Int64("item", it.ID).Msg("pending remove failed")
			break
		}
	}

	if n, err := c.st.PendingCount(ctx); err == nil {
		observability.SetQueueDepth(n)
	}
}
