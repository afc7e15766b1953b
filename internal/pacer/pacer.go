// Package pacer gates how fast requests are issued and when a run must
// stop admitting new work.
package pacer

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Mode selects the pacing strategy.
type Mode string

const (
	// ModeBatch issues a full batch of rate requests back to back, then
	// pauses for one second so whole-second batches average out to the
	// target rate. Jitter inside a batch is tolerated.
	ModeBatch Mode = "batch"
	// ModeSmooth spaces requests uniformly via a token-bucket limiter.
	ModeSmooth Mode = "smooth"
)

const (
	// Batch size and inter-batch delay used when no target rate is set,
	// to avoid unthrottled bursting.
	unthrottledBatch = 10
	unthrottledDelay = 10 * time.Millisecond

	batchDelay = time.Second
)

// Options configure a Controller.
type Options struct {
	Rate     int           // target requests per second (0 means unthrottled)
	Duration time.Duration // wall-clock ceiling for the run (0 means no ceiling)
	Mode     Mode

	Sleep          func(ctx context.Context, d time.Duration) error // optional injection for tests
	LimiterFactory func(rps int) *rate.Limiter                      // optional injection for tests
}

func (o *Options) normalize() {
	if o.Rate < 0 {
		o.Rate = 0
	}
	if o.Mode == "" {
		o.Mode = ModeBatch
	}
	if o.Sleep == nil {
		o.Sleep = sleepWithContext
	}
	if o.LimiterFactory == nil {
		o.LimiterFactory = func(rps int) *rate.Limiter {
			if rps <= 0 {
				return rate.NewLimiter(rate.Inf, 0)
			}
			// Burst equal to rps keeps spacing smooth under concurrency.
			return rate.NewLimiter(rate.Limit(rps), rps)
		}
	}
}

// Controller decides when issuance must pause and when the run's duration
// ceiling has tripped. It is driven by a single dispatch loop and is not
// safe for concurrent use.
type Controller struct {
	opt     Options
	limiter *rate.Limiter
}

func New(opt Options) *Controller {
	opt.normalize()
	c := &Controller{opt: opt}
	if opt.Mode == ModeSmooth {
		c.limiter = opt.LimiterFactory(opt.Rate)
	}
	return c
}

// BatchSize returns the number of requests issued between pacing pauses.
func (c *Controller) BatchSize() int {
	if c.opt.Rate > 0 {
		return c.opt.Rate
	}
	return unthrottledBatch
}

// Expired reports whether the duration ceiling has been exceeded. It is
// evaluated before each new admission; once it trips, no further requests
// are issued, but in-flight requests run to completion.
func (c *Controller) Expired(elapsed time.Duration) bool {
	return c.opt.Duration > 0 && elapsed >= c.opt.Duration
}

// Pace suspends the dispatch loop as required after request number issued
// (1-based) has been dispatched. In batch mode a pause is inserted only at
// full batch boundaries, so a trailing partial batch never delays.
func (c *Controller) Pace(ctx context.Context, issued int) error {
	if c.opt.Mode == ModeSmooth {
		return c.limiter.Wait(ctx)
	}

	if issued <= 0 || issued%c.BatchSize() != 0 {
		return nil
	}
	delay := batchDelay
	if c.opt.Rate == 0 {
		delay = unthrottledDelay
	}
	return c.opt.Sleep(ctx, delay)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
