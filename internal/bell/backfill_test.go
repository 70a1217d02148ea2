package bell

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"bellbot/internal/config"
	"bellbot/internal/quarry"
	"bellbot/internal/transport"
)

type sliceHistory struct {
	msgs     []transport.Message
	requests []time.Time
}

func (h *sliceHistory) MessagesBefore(_ context.Context, before time.Time, limit int) ([]transport.Message, error) {
	h.requests = append(h.requests, before)
	var out []transport.Message
	for _, m := range h.msgs {
		if m.At.Before(before) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type recorder struct{ got []time.Time }

func (r *recorder) RecordActivity(t time.Time) bool {
	r.got = append(r.got, t)
	return true
}

func quarryMatcher(t *testing.T) *quarry.Matcher {
	t.Helper()
	m, err := quarry.NewMatcher([]config.RuleConfig{{Type: "nick", Nick: "alice"}})
	require.NoError(t, err)
	return m
}

func msg(nick string, ago time.Duration) transport.Message {
	return transport.Message{SenderName: nick, At: t0.Add(-ago)}
}

func TestDecide(t *testing.T) {
	m := quarryMatcher(t)

	v, _, _ := Decide(nil, m, 3, t0, time.Hour)
	require.Equal(t, Exhausted, v)

	v, match, _ := Decide([]transport.Message{msg("bob", time.Minute), msg("alice", 2*time.Minute), msg("alice", 3*time.Minute)}, m, 3, t0, time.Hour)
	require.Equal(t, Found, v)
	require.Equal(t, t0.Add(-2*time.Minute), match)

	v, _, oldest := Decide([]transport.Message{msg("bob", time.Minute), msg("bob", 2*time.Hour)}, m, 2, t0, time.Hour)
	require.Equal(t, GaveUp, v)
	require.Equal(t, t0.Add(-2*time.Hour), oldest)

	v, _, oldest = Decide([]transport.Message{msg("bob", time.Minute), msg("carol", 5*time.Minute)}, m, 2, t0, time.Hour)
	require.Equal(t, Continue, v)
	require.Equal(t, t0.Add(-5*time.Minute), oldest)

	v, _, _ = Decide([]transport.Message{msg("bob", time.Minute)}, m, 2, t0, time.Hour)
	require.Equal(t, Exhausted, v)
}

func TestBackfillPagesUntilMatch(t *testing.T) {
	h := &sliceHistory{msgs: []transport.Message{
		msg("bob", 1*time.Minute),
		msg("bob", 2*time.Minute),
		msg("carol", 3*time.Minute),
		msg("bob", 4*time.Minute),
		msg("alice", 5*time.Minute),
		msg("alice", 6*time.Minute),
	}}
	rec := &recorder{}
	got, err := Backfill(context.Background(), BackfillOptions{
		Source:    h,
		Matcher:   quarryMatcher(t),
		Recorder:  rec,
		Clock:     clockwork.NewFakeClockAt(t0),
		BatchSize: 2,
		Horizon:   time.Hour,
	})
	require.NoError(t, err)
	require.Equal(t, t0.Add(-5*time.Minute), got)
	require.Equal(t, []time.Time{got}, rec.got)
	require.Equal(t, []time.Time{t0, t0.Add(-2 * time.Minute), t0.Add(-4 * time.Minute)}, h.requests)
}

func TestBackfillGivesUpPastHorizon(t *testing.T) {
	h := &sliceHistory{msgs: []transport.Message{
		msg("bob", 10*time.Minute),
		msg("bob", 2*time.Hour),
		msg("alice", 3*time.Hour),
	}}
	rec := &recorder{}
	got, err := Backfill(context.Background(), BackfillOptions{
		Source:    h,
		Matcher:   quarryMatcher(t),
		Recorder:  rec,
		Clock:     clockwork.NewFakeClockAt(t0),
		BatchSize: 2,
		Horizon:   time.Hour,
	})
	require.NoError(t, err)
	require.True(t, got.IsZero())
	require.Empty(t, rec.got)
	require.Len(t, h.requests, 1)
}
