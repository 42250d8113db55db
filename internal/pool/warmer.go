package pool

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ajaxzhan/sandboxpool/internal/logging"
)

// Run keeps the ready queue topped up to the pool size until ctx is done.
// It tops up immediately, whenever a unit leaves the pool, and on every
// warm interval tick.
func (p *Pool) Run(ctx context.Context) {
	if p.size == 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(p.warmInterval)
	defer ticker.Stop()

	for {
		p.TopUp(ctx)
		select {
		case <-ctx.Done():
			return
		case <-p.kick:
		case <-ticker.C:
		}
	}
}

// TopUp provisions units until the ready queue holds Size units. Other
// workers may top up concurrently, so the queue can briefly overshoot.
func (p *Pool) TopUp(ctx context.Context) int {
	n, err := p.ReadyLen(ctx)
	if err != nil {
		logging.Warn("Failed to read ready queue length",
			logging.String("type", p.profile.TypeName), logging.Err(err))
		return 0
	}
	deficit := p.size - n
	if deficit <= 0 {
		return 0
	}

	logging.Debug("Warming pool",
		logging.String("type", p.profile.TypeName), logging.Int("ready", n), logging.Int("deficit", deficit))

	var added atomic.Int32
	var g errgroup.Group
	g.SetLimit(warmConcurrency)
	for i := 0; i < deficit; i++ {
		g.Go(func() error {
			unit, err := p.provision(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logging.Warn("Failed to warm unit",
						logging.String("type", p.profile.TypeName), logging.Err(err))
				}
				return nil
			}
			if err := p.store.PushReady(ctx, p.profile.TypeName, unit.ID); err != nil {
				logging.Warn("Failed to queue warmed unit", logging.Unit(unit.ID, unit.TypeName), logging.Err(err))
				p.cleanup(ctx, unit)
				return nil
			}
			added.Add(1)
			return nil
		})
	}
	g.Wait()
	p.updateReadyGauge(ctx)
	return int(added.Load())
}

// signal wakes the warmer without blocking.
func (p *Pool) signal() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}
