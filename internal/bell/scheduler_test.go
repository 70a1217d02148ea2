package bell

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"bellbot/internal/deadline"
	"bellbot/internal/eventbus"
	"bellbot/internal/transport"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type sentText struct {
	to   transport.ChatTarget
	text string
}

type fakeAnnouncer struct {
	mu   sync.Mutex
	fail map[string]bool
	out  chan sentText
}

func newFakeAnnouncer() *fakeAnnouncer {
	return &fakeAnnouncer{fail: map[string]bool{}, out: make(chan sentText, 16)}
}

func (f *fakeAnnouncer) Announce(_ context.Context, to transport.ChatTarget, text string) error {
	f.mu.Lock()
	fail := f.fail[text]
	f.mu.Unlock()
	f.out <- sentText{to: to, text: text}
	if fail {
		return errors.New("chat unavailable")
	}
	return nil
}

func testPlan(t *testing.T) *Plan {
	t.Helper()
	p, err := NewPlan(60*time.Second, []Entry{
		announce(10*time.Second, "ten"),
		announce(30*time.Second, "thirty"),
	})
	require.NoError(t, err)
	return p
}

func newTestScheduler(t *testing.T, clock clockwork.Clock, fuzz time.Duration) (*Scheduler, *deadline.Registry, *fakeAnnouncer) {
	t.Helper()
	reg := deadline.New(clock)
	require.NoError(t, reg.Register("ops"))
	ann := newFakeAnnouncer()
	s := NewScheduler(Options{
		Room:      "ops",
		Target:    transport.ChatTarget{ChatID: -100},
		Plan:      testPlan(t),
		Fuzz:      fuzz,
		Clock:     clock,
		Deadlines: reg,
		Announcer: ann,
	})
	return s, reg, ann
}

func texts(es []Entry) []string {
	out := make([]string, 0, len(es))
	for _, e := range es {
		if e.Action.Kind == Expire {
			out = append(out, "expire")
			continue
		}
		out = append(out, e.Action.Text)
	}
	return out
}

func TestRecordActivityMonotonic(t *testing.T) {
	s, reg, _ := newTestScheduler(t, clockwork.NewFakeClockAt(t0), time.Second)
	require.Equal(t, Unseen, s.State())

	require.True(t, s.RecordActivity(t0))
	require.False(t, s.RecordActivity(t0))
	require.False(t, s.RecordActivity(t0.Add(-time.Minute)))
	require.Equal(t, t0, s.LastActivity())
	require.Equal(t, Armed, s.State())

	d, err := reg.Get("ops")
	require.NoError(t, err)
	require.True(t, d.Equal(t0.Add(time.Minute)))
}

func TestAdvanceFiresEachEntryOnce(t *testing.T) {
	s, _, _ := newTestScheduler(t, clockwork.NewFakeClockAt(t0), time.Second)

	_, _, due, wait := s.advance(t0)
	require.Empty(t, due)
	require.Equal(t, time.Duration(-1), wait)

	s.RecordActivity(t0)
	steps := []struct {
		at   time.Duration
		due  []string
		wait time.Duration
	}{
		{5 * time.Second, []string{}, 5 * time.Second},
		{10 * time.Second, []string{"ten"}, 20 * time.Second},
		{10500 * time.Millisecond, []string{}, 19500 * time.Millisecond},
		{30 * time.Second, []string{"thirty"}, 30 * time.Second},
		{60 * time.Second, []string{"expire"}, -1},
		{100 * time.Second, []string{}, -1},
	}
	for _, st := range steps {
		_, _, due, wait := s.advance(t0.Add(st.at))
		require.Equal(t, st.due, texts(due), "at %s", st.at)
		require.Equal(t, st.wait, wait, "at %s", st.at)
	}
	require.Equal(t, Quiescent, s.State())
}

func TestAdvanceNewEpochResetsCursor(t *testing.T) {
	s, reg, _ := newTestScheduler(t, clockwork.NewFakeClockAt(t0), time.Second)
	s.RecordActivity(t0)

	epoch1, _, due, _ := s.advance(t0.Add(10 * time.Second))
	require.Equal(t, []string{"ten"}, texts(due))

	t1 := t0.Add(15 * time.Second)
	require.True(t, s.RecordActivity(t1))
	require.False(t, s.inEpoch(epoch1))
	d, _ := reg.Get("ops")
	require.True(t, d.Equal(t1.Add(time.Minute)))

	_, _, due, wait := s.advance(t0.Add(20 * time.Second))
	require.Empty(t, due)
	require.Equal(t, 5*time.Second, wait)

	_, last, due, _ := s.advance(t1.Add(10 * time.Second))
	require.Equal(t, []string{"ten"}, texts(due))
	require.Equal(t, t1, last)
}

func TestAdvanceFuzzCatchesLateWake(t *testing.T) {
	s, _, _ := newTestScheduler(t, clockwork.NewFakeClockAt(t0), time.Second)
	s.RecordActivity(t0)
	_, _, due, _ := s.advance(t0.Add(10500 * time.Millisecond))
	require.Equal(t, []string{"ten"}, texts(due))

	strict, _, _ := newTestScheduler(t, clockwork.NewFakeClockAt(t0), 0)
	strict.RecordActivity(t0)
	_, _, due, wait := strict.advance(t0.Add(10500 * time.Millisecond))
	require.Empty(t, due)
	require.Equal(t, 19500*time.Millisecond, wait)
}

func TestAdvanceSkipsWarningsOlderThanActivity(t *testing.T) {
	s, _, _ := newTestScheduler(t, clockwork.NewFakeClockAt(t0), time.Second)
	// activity recovered from history, 45s before the loop first looks
	s.RecordActivity(t0)
	_, _, due, wait := s.advance(t0.Add(45 * time.Second))
	require.Empty(t, due)
	require.Equal(t, 15*time.Second, wait)
}

func TestRenderPlaceholders(t *testing.T) {
	s, _, _ := newTestScheduler(t, clockwork.NewFakeClockAt(t0), 0)
	got := s.render("{room}: quiet since {since}", t0, t0.Add(3*time.Minute))
	require.Equal(t, "ops: quiet since 3 minutes ago", got)
	require.Equal(t, "plain", s.render("plain", t0, t0))
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	var zero T
	return zero
}

func TestRunFiresPlanOnFakeClock(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	s, _, ann := newTestScheduler(t, clock, time.Second)
	bus := eventbus.New()
	s.bus = bus
	events, unsub := bus.Subscribe(16)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	s.RecordActivity(clock.Now())
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(10 * time.Second)
	got := recv(t, ann.out)
	require.Equal(t, "ten", got.text)
	require.Equal(t, int64(-100), got.to.ChatID)

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(20 * time.Second)
	require.Equal(t, "thirty", recv(t, ann.out).text)

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(30 * time.Second)
	for {
		e := recv(t, events)
		if e.Type == eventbus.TypeExpired {
			break
		}
	}
	require.Eventually(t, func() bool { return s.State() == Quiescent }, time.Second, 5*time.Millisecond)
	require.Len(t, ann.out, 0)

	cancel()
	require.ErrorIs(t, recv(t, done), context.Canceled)
}

func TestRunContinuesAfterSendFailure(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	s, _, ann := newTestScheduler(t, clock, time.Second)
	ann.fail["ten"] = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	s.RecordActivity(clock.Now())
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(10 * time.Second)
	require.Equal(t, "ten", recv(t, ann.out).text)

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(20 * time.Second)
	require.Equal(t, "thirty", recv(t, ann.out).text)
}

// blockingAnnouncer holds every send until released or its context ends.
type blockingAnnouncer struct {
	started   chan string
	release   chan struct{}
	posted    chan string
	abandoned chan error
}

func newBlockingAnnouncer() *blockingAnnouncer {
	return &blockingAnnouncer{
		started:   make(chan string, 4),
		release:   make(chan struct{}),
		posted:    make(chan string, 4),
		abandoned: make(chan error, 4),
	}
}

func (b *blockingAnnouncer) Announce(ctx context.Context, _ transport.ChatTarget, text string) error {
	b.started <- text
	select {
	case <-ctx.Done():
		b.abandoned <- ctx.Err()
		return ctx.Err()
	case <-b.release:
		b.posted <- text
		return nil
	}
}

func TestRunAbandonsInFlightWarningOnNewActivity(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	s, _, _ := newTestScheduler(t, clock, time.Second)
	ann := newBlockingAnnouncer()
	s.announcer = ann

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	s.RecordActivity(clock.Now())
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(10 * time.Second)
	require.Equal(t, "ten", recv(t, ann.started))

	// the quarry speaks while the warning is still being sent
	require.True(t, s.RecordActivity(clock.Now()))
	require.ErrorIs(t, recv(t, ann.abandoned), context.Canceled)
	require.Len(t, ann.posted, 0)

	// the new epoch fires on its own timeline
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(10 * time.Second)
	require.Equal(t, "ten", recv(t, ann.started))
	close(ann.release)
	require.Equal(t, "ten", recv(t, ann.posted))
}
