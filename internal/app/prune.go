package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	logx "bellbot/pkg/logx"
)

// startPrune schedules message log pruning. The returned func stops the
// cron and waits for a running prune.
func (a *App) startPrune(ctx context.Context) func() {
	if a.store == nil || a.prune.Schedule == "" {
		return func() {}
	}
	c := cron.New()
	_, err := c.AddFunc(a.prune.Schedule, func() { a.pruneOnce(ctx) })
	if err != nil {
		// unreachable: mapStorageConfig parsed the schedule
		a.log.Warn("prune schedule rejected", logx.String("schedule", a.prune.Schedule), logx.Err(err))
		return func() {}
	}
	c.Start()
	a.log.Info("message log pruning scheduled",
		logx.String("schedule", a.prune.Schedule),
		logx.Duration("retention", a.prune.Retention),
	)
	return func() { <-c.Stop().Done() }
}

func (a *App) pruneOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	cutoff := a.clock.Now().Add(-a.prune.Retention)
	n, err := a.store.PruneBefore(pctx, cutoff)
	if err != nil {
		a.log.Warn("message log prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		a.log.Info("message log pruned", logx.Int64("removed", n), logx.Time("cutoff", cutoff))
	}
}
