package bell

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"

	"bellbot/internal/eventbus"
	"bellbot/internal/transport"
	logx "bellbot/pkg/logx"
)

type State int

const (
	Unseen State = iota
	Armed
	Quiescent
)

func (s State) String() string {
	switch s {
	case Unseen:
		return "unseen"
	case Armed:
		return "armed"
	case Quiescent:
		return "quiescent"
	default:
		return "unknown"
	}
}

// DeadlinePublisher receives the projected expiry of a room.
type DeadlinePublisher interface {
	Set(room string, deadline time.Time) error
}

// Announcer posts warning text to a chat.
type Announcer interface {
	Announce(ctx context.Context, to transport.ChatTarget, text string) error
}

type Options struct {
	Room   string
	Target transport.ChatTarget
	Plan   *Plan
	// Fuzz tolerates late wakeups: entries due within it are still fired
	// after the cursor is recomputed.
	Fuzz      time.Duration
	Clock     clockwork.Clock
	Deadlines DeadlinePublisher
	Announcer Announcer
	Bus       eventbus.Bus
	Log       logx.Logger
}

// Scheduler fires a Plan relative to the quarry's last activity.
//
// An epoch starts with every accepted RecordActivity. Within one epoch the
// cursor only moves forward, so each entry fires at most once per silence.
type Scheduler struct {
	room      string
	target    transport.ChatTarget
	plan      *Plan
	fuzz      time.Duration
	clock     clockwork.Clock
	deadlines DeadlinePublisher
	announcer Announcer
	bus       eventbus.Bus
	log       logx.Logger

	mu          sync.Mutex
	last        time.Time
	epoch       uint64 // 0 until the first activity
	cursorEpoch uint64 // epoch the cursor was computed against
	cursor      int
	state       State
	// epochCtx is cancelled when the next epoch starts; fires of an epoch
	// run under it so a superseded send stops retrying.
	epochCtx    context.Context
	epochCancel context.CancelFunc

	wake chan struct{}
}

func NewScheduler(opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		room:      opts.Room,
		target:    opts.Target,
		plan:      opts.Plan,
		fuzz:      opts.Fuzz,
		clock:     opts.Clock,
		deadlines: opts.Deadlines,
		announcer: opts.Announcer,
		bus:       opts.Bus,
		log:       opts.Log.With(logx.String("comp", "bell"), logx.String("room", opts.Room)),
		wake:      make(chan struct{}, 1),
	}
}

func (s *Scheduler) Room() string { return s.room }
func (s *Scheduler) Plan() *Plan  { return s.plan }

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns the recorded activity (zero while Unseen).
func (s *Scheduler) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// RecordActivity starts a new epoch if t is strictly newer than the current
// activity. The new deadline is published before the loop can observe the
// epoch, so no warning of the new epoch precedes it. It never blocks on I/O.
func (s *Scheduler) RecordActivity(t time.Time) bool {
	s.mu.Lock()
	if !t.After(s.last) {
		s.mu.Unlock()
		return false
	}
	s.last = t
	s.epoch++
	s.state = Armed
	if s.epochCancel != nil {
		s.epochCancel()
	}
	s.epochCtx, s.epochCancel = context.WithCancel(context.Background())
	deadline := t.Add(s.plan.Primary())
	if s.deadlines != nil {
		if err := s.deadlines.Set(s.room, deadline); err != nil {
			s.log.Error("publish deadline failed", logx.Err(err))
		}
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	s.publish(eventbus.TypeActivity, t, nil)
	s.publish(eventbus.TypeDeadline, t, deadline)
	return true
}

// Run is the wait loop. It returns when ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		epoch, last, due, wait := s.advance(s.clock.Now())
		if len(due) > 0 {
			fctx, done := s.fireContext(ctx, epoch)
			for _, e := range due {
				if fctx.Err() != nil || !s.inEpoch(epoch) {
					break
				}
				s.fire(fctx, e, last)
			}
			done()
			// time passed while firing; re-evaluate before sleeping
			continue
		}

		var timeout <-chan time.Time
		var timer clockwork.Timer
		if wait >= 0 {
			timer = s.clock.NewTimer(wait)
			timeout = timer.Chan()
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-s.wake:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// advance computes the entries due at now and consumes them from the cursor.
// wait is the delay until the next entry, or -1 when only new activity can
// make anything due (Unseen or Quiescent).
func (s *Scheduler) advance(now time.Time) (epoch uint64, last time.Time, due []Entry, wait time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch == 0 {
		return 0, time.Time{}, nil, -1
	}

	elapsed := now.Sub(s.last)
	if s.cursorEpoch != s.epoch {
		s.cursor = s.plan.Search(elapsed - s.fuzz)
		s.cursorEpoch = s.epoch
	}
	for s.cursor < s.plan.Len() && elapsed >= s.plan.At(s.cursor).Offset {
		due = append(due, s.plan.At(s.cursor))
		s.cursor++
	}
	if s.cursor >= s.plan.Len() {
		s.state = Quiescent
		return s.epoch, s.last, due, -1
	}
	s.state = Armed
	return s.epoch, s.last, due, s.plan.At(s.cursor).Offset - elapsed
}

func (s *Scheduler) inEpoch(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch == epoch
}

// fireContext is ctx, additionally cancelled once an epoch newer than epoch
// starts.
func (s *Scheduler) fireContext(ctx context.Context, epoch uint64) (context.Context, context.CancelFunc) {
	fctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	ec := s.epochCtx
	current := s.epoch == epoch
	s.mu.Unlock()
	if !current || ec == nil {
		cancel()
		return fctx, cancel
	}
	stop := context.AfterFunc(ec, cancel)
	return fctx, func() {
		stop()
		cancel()
	}
}

func (s *Scheduler) fire(ctx context.Context, e Entry, last time.Time) {
	now := s.clock.Now()
	switch e.Action.Kind {
	case Expire:
		s.log.Info("primary timeout expired",
			logx.Duration("timeout", e.Offset),
			logx.String("last_seen", humanize.RelTime(last, now, "ago", "from now")),
		)
		s.publish(eventbus.TypeExpired, now, e.Offset)
	case Announce:
		text := s.render(e.Action.Text, last, now)
		if s.announcer == nil {
			s.log.Warn("no announcer; warning dropped", logx.Duration("after", e.Offset))
			return
		}
		if err := s.announcer.Announce(ctx, s.target, text); err != nil {
			if ctx.Err() != nil {
				s.log.Info("warning abandoned", logx.Duration("after", e.Offset), logx.Err(ctx.Err()))
				return
			}
			s.log.Warn("warning send failed", logx.Duration("after", e.Offset), logx.Err(err))
			return
		}
		s.log.Info("warning sent", logx.Duration("after", e.Offset))
		s.publish(eventbus.TypeWarning, now, e.Offset)
	}
}

func (s *Scheduler) render(text string, last, now time.Time) string {
	if !strings.Contains(text, "{") {
		return text
	}
	return strings.NewReplacer(
		"{since}", humanize.RelTime(last, now, "ago", "from now"),
		"{room}", s.room,
	).Replace(text)
}

func (s *Scheduler) publish(typ string, at time.Time, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Room: s.room, Time: at, Data: data})
}
