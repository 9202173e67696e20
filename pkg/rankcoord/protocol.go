package rankcoord

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RegisterAndWait announces this rank and waits until every rank of the
// group has done the same.
//
// Possible errors: [ErrAborted], [*TimeoutError] (registration), [ErrClosed],
// ctx.Err().
func (c *Coordinator) RegisterAndWait(ctx context.Context) error {
	release, err := c.acquire()
	if err != nil {
		return err
	}
	defer release()

	c.setStatus(StatusRegistered)
	c.beat()

	registered := c.state.registered.Add(1)
	c.log.Info("registered", zap.Uint32("registered", registered), zap.Uint32("world_size", c.worldSize))

	err = c.waitFor(ctx, "registration", c.opts.RegisterTimeout, func() (uint32, bool) {
		n := c.state.registered.Load()

		return n, n >= c.worldSize
	})
	if err != nil {
		return err
	}

	c.log.Info("all ranks registered")

	return nil
}

// Barrier blocks until every rank of the group has entered the same barrier.
//
// Each rank keeps a count of the barriers it has entered in its own slot and
// flags its status as barrier-ready. Entering barrier k means waiting until
// every rank's count is at least k, then dropping the status back to
// registered. Ranks never write each other's words and counts never go back,
// so consecutive barriers need no reset and a rank that races ahead into the
// next barrier cannot be mistaken for one that is still in this one.
//
// Barrier names are informational; all ranks must enter barriers in the same
// order.
//
// Possible errors: [ErrAborted], [*TimeoutError], [ErrClosed], ctx.Err().
func (c *Coordinator) Barrier(ctx context.Context, name string) error {
	release, err := c.acquire()
	if err != nil {
		return err
	}
	defer release()

	epoch := c.state.barriers[c.rank].Load() + 1
	log := c.log.With(zap.String("barrier", name), zap.Uint32("epoch", epoch))
	log.Debug("entering barrier")

	c.beat()
	c.setStatus(StatusBarrierReady)
	c.state.barriers[c.rank].Store(epoch)

	err = c.waitFor(ctx, fmt.Sprintf("barrier %q", name), c.opts.BarrierTimeout, func() (uint32, bool) {
		n := c.state.countBarrierArrivals(c.worldSize, epoch)

		return n, n >= c.worldSize
	})
	if err != nil {
		return err
	}

	c.setStatus(StatusRegistered)
	log.Debug("exited barrier")

	return nil
}

// MarkFinishedAndWait records that this rank's workload is done and waits for
// every other rank to do the same. The first rank to get through claims the
// group's end time; all ranks return that same value.
//
// Possible errors: [ErrAborted], [*TimeoutError] (finish), [ErrClosed],
// ctx.Err().
func (c *Coordinator) MarkFinishedAndWait(ctx context.Context) (time.Time, error) {
	release, err := c.acquire()
	if err != nil {
		return time.Time{}, err
	}
	defer release()

	c.log.Info("marking execution finished")

	c.setStatus(StatusFinished)
	c.beat()

	finished := c.state.finished.Add(1)
	c.log.Debug("finished", zap.Uint32("finished", finished), zap.Uint32("world_size", c.worldSize))

	err = c.waitFor(ctx, "finish", c.opts.FinishTimeout, func() (uint32, bool) {
		n := c.state.finished.Load()

		return n, n >= c.worldSize
	})
	if err != nil {
		return time.Time{}, err
	}

	// Losing this race is fine: someone else already recorded the end.
	c.state.endTime.CompareAndSwap(0, nowNanos())

	end, _ := timeFromNanos(c.state.endTime.Load())
	c.log.Info("all ranks finished", zap.Time("global_end", end))

	return end, nil
}

// waitFor polls progress until it reports done.
//
// Every iteration checks the abort flag, refreshes the heartbeat and checks
// the deadline before sleeping, so an abort is noticed within one poll
// interval no matter how much of the timeout is left.
func (c *Coordinator) waitFor(ctx context.Context, phase string, timeout time.Duration, progress func() (uint32, bool)) error {
	start := time.Now()
	lastLog := start

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		arrived, done := progress()
		if done {
			return nil
		}

		if c.state.abort.Load() {
			c.log.Warn("coordination aborted", zap.String("phase", phase))

			return fmt.Errorf("%s: %w", phase, ErrAborted)
		}

		c.beat()

		waited := time.Since(start)
		if waited > timeout {
			c.log.Warn("coordination timed out",
				zap.String("phase", phase),
				zap.Uint32("arrived", arrived),
				zap.Uint32("world_size", c.worldSize),
				zap.Duration("waited", waited))

			return &TimeoutError{Phase: phase, Arrived: arrived, Expected: c.worldSize, Waited: waited}
		}

		if time.Since(lastLog) >= progressLogInterval {
			lastLog = time.Now()
			c.log.Debug("still waiting",
				zap.String("phase", phase),
				zap.Uint32("arrived", arrived),
				zap.Uint32("world_size", c.worldSize))
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", phase, ctx.Err())
		case <-ticker.C:
		}
	}
}
