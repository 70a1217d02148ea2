package bell

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"bellbot/internal/transport"
	logx "bellbot/pkg/logx"
)

// HistorySource pages a room's past messages.
type HistorySource interface {
	// MessagesBefore returns up to limit messages strictly older than before,
	// newest first.
	MessagesBefore(ctx context.Context, before time.Time, limit int) ([]transport.Message, error)
}

type Matcher interface {
	Match(msg transport.Message) bool
}

type ActivityRecorder interface {
	RecordActivity(t time.Time) bool
}

type Verdict int

const (
	// Continue asks for another batch before the oldest message seen.
	Continue Verdict = iota
	// Found means the batch held the quarry's latest activity.
	Found
	// Exhausted means the source has nothing older.
	Exhausted
	// GaveUp means the search went past the horizon without a match.
	GaveUp
)

func (v Verdict) String() string {
	switch v {
	case Continue:
		return "continue"
	case Found:
		return "found"
	case Exhausted:
		return "exhausted"
	case GaveUp:
		return "gave_up"
	default:
		return fmt.Sprintf("Verdict(%d)", int(v))
	}
}

// Decide inspects one batch. match is the newest matching timestamp (Found);
// oldest is the anchor for the next request (Continue).
//
// A batch shorter than limit is the last one the source has.
func Decide(batch []transport.Message, m Matcher, limit int, now time.Time, horizon time.Duration) (v Verdict, match, oldest time.Time) {
	if len(batch) == 0 {
		return Exhausted, time.Time{}, time.Time{}
	}
	for _, msg := range batch {
		if m.Match(msg) && msg.At.After(match) {
			match = msg.At
		}
		if oldest.IsZero() || msg.At.Before(oldest) {
			oldest = msg.At
		}
	}
	switch {
	case !match.IsZero():
		return Found, match, oldest
	case oldest.Before(now.Add(-horizon)):
		return GaveUp, time.Time{}, oldest
	case len(batch) < limit:
		return Exhausted, time.Time{}, oldest
	default:
		return Continue, time.Time{}, oldest
	}
}

type BackfillOptions struct {
	Source    HistorySource
	Matcher   Matcher
	Recorder  ActivityRecorder
	Clock     clockwork.Clock
	BatchSize int
	// Horizon is how far back to look, normally the plan's MaxOffset.
	Horizon time.Duration
	Log     logx.Logger
}

// Backfill searches history for the quarry's last message and records it.
// It returns the recorded timestamp, or zero when nothing was found.
func Backfill(ctx context.Context, opts BackfillOptions) (time.Time, error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	log := opts.Log.With(logx.String("comp", "backfill"))

	now := opts.Clock.Now()
	anchor := now
	for batches := 1; ; batches++ {
		if err := ctx.Err(); err != nil {
			return time.Time{}, err
		}
		batch, err := opts.Source.MessagesBefore(ctx, anchor, opts.BatchSize)
		if err != nil {
			return time.Time{}, fmt.Errorf("backfill: history before %s: %w", anchor.Format(time.RFC3339), err)
		}
		v, match, oldest := Decide(batch, opts.Matcher, opts.BatchSize, now, opts.Horizon)
		switch v {
		case Found:
			opts.Recorder.RecordActivity(match)
			log.Info("backfill found activity", logx.Time("at", match), logx.Int("batches", batches))
			return match, nil
		case Exhausted:
			log.Info("backfill exhausted history", logx.Int("batches", batches))
			return time.Time{}, nil
		case GaveUp:
			log.Info("backfill gave up past horizon", logx.Duration("horizon", opts.Horizon), logx.Time("oldest", oldest), logx.Int("batches", batches))
			return time.Time{}, nil
		}
		if !oldest.Before(anchor) {
			// the source ignored the anchor; stop rather than spin
			log.Warn("history source did not page backwards", logx.Time("anchor", anchor))
			return time.Time{}, nil
		}
		anchor = oldest
	}
}
