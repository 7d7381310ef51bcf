package worker

import (
	"context"
	"time"
)

// await suspends the caller until c's response is recorded, ctx ends, or the
// handle is terminated. It returns nil only when c.resp is set.
func (h *Handle[TIn, TOut]) await(ctx context.Context, c *call) error {
	var err error
	if h.opts.wait == WaitPoll {
		err = h.pollDone(ctx, c)
	} else {
		err = h.notified(ctx, c)
	}
	if err == nil {
		return nil
	}

	// A response recorded just before the other event still counts.
	select {
	case <-c.done:
		return nil
	default:
		return err
	}
}

// notified waits on the call's completion channel.
func (h *Handle[TIn, TOut]) notified(ctx context.Context, c *call) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.closed:
		return h.stopReason()
	}
}

// pollDone re-checks c's completion every poll interval. The busy flag is
// not consulted: a queued call may already hold it.
func (h *Handle[TIn, TOut]) pollDone(ctx context.Context, c *call) error {
	ticker := time.NewTicker(h.opts.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return nil
		default:
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		case <-h.closed:
			return h.stopReason()
		}
	}
}
