package app

import (
	"context"
	"fmt"
	"time"

	"bellbot/internal/bell"
	"bellbot/internal/config"
	"bellbot/internal/quarry"
	"bellbot/internal/storage"
	"bellbot/internal/transport"
	logx "bellbot/pkg/logx"
)

// WatchPlan is one compiled watch: where to listen, who to match, what to fire.
type WatchPlan struct {
	Room    string
	Target  transport.ChatTarget
	Plan    *bell.Plan
	Matcher *quarry.Matcher
}

// Listens reports whether messages posted to target belong to this watch.
// A watch without a thread id covers every thread of its chat.
func (w WatchPlan) Listens(target transport.ChatTarget) bool {
	if target.ChatID != w.Target.ChatID {
		return false
	}
	return w.Target.ThreadID == 0 || target.ThreadID == w.Target.ThreadID
}

// CompileWatches builds the matcher and plan of every configured watch.
func CompileWatches(cfg *config.Config) ([]WatchPlan, error) {
	out := make([]WatchPlan, 0, len(cfg.Watches))
	for _, wc := range cfg.Watches {
		m, err := quarry.NewMatcher(wc.Quarry)
		if err != nil {
			return nil, fmt.Errorf("watches[%s].quarry: %w", wc.Room, err)
		}
		p, err := bell.PlanFromConfig(wc)
		if err != nil {
			return nil, err
		}
		out = append(out, WatchPlan{
			Room:    wc.Room,
			Target:  transport.ChatTarget{ChatID: wc.ChatID, ThreadID: wc.ThreadID},
			Plan:    p,
			Matcher: m,
		})
	}
	return out, nil
}

func longestOffset(plans []WatchPlan) time.Duration {
	var d time.Duration
	for _, p := range plans {
		d = max(d, p.Plan.MaxOffset())
	}
	return d
}

// watch is a WatchPlan bound to its running scheduler.
type watch struct {
	WatchPlan
	sched *bell.Scheduler
}

// dispatch feeds incoming messages to the message log and the schedulers.
func (a *App) dispatch(ctx context.Context, in <-chan transport.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			a.handleMessage(ctx, m)
		}
	}
}

func (a *App) handleMessage(ctx context.Context, m transport.Message) {
	if m.At.IsZero() {
		m.At = a.clock.Now()
	}
	target := m.Target()
	for _, w := range a.watches {
		if !w.Listens(target) {
			continue
		}
		if a.store != nil {
			if err := a.store.AppendMessage(ctx, w.Room, m); err != nil {
				a.log.Warn("message log append failed", logx.String("room", w.Room), logx.Err(err))
			}
		}
		if !w.Matcher.Match(m) {
			continue
		}
		if w.sched.RecordActivity(m.At) {
			a.log.Debug("quarry activity", logx.String("room", w.Room), logx.String("sender", m.SenderName), logx.Time("at", m.At))
		}
	}
}

// runWatch backfills from the message log, then runs the scheduler until ctx ends.
func (a *App) runWatch(ctx context.Context, w *watch) error {
	if a.store != nil {
		_, err := bell.Backfill(ctx, bell.BackfillOptions{
			Source:    storage.RoomHistory{Store: a.store, Room: w.Room},
			Matcher:   w.Matcher,
			Recorder:  w.sched,
			Clock:     a.clock,
			BatchSize: a.backfillBatch,
			Horizon:   w.Plan.MaxOffset(),
			Log:       a.logs.Logger().With(logx.String("room", w.Room)),
		})
		if err != nil && ctx.Err() == nil {
			// live activity still arms the scheduler
			a.log.Warn("backfill failed", logx.String("room", w.Room), logx.Err(err))
		}
	}
	err := w.sched.Run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}
