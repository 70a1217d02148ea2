package bell

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bellbot/internal/config"
)

func announce(off time.Duration, text string) Entry {
	return Entry{Offset: off, Action: Action{Kind: Announce, Text: text}}
}

func TestNewPlanSortsAndAppendsExpire(t *testing.T) {
	p, err := NewPlan(time.Minute, []Entry{
		announce(30*time.Second, "b"),
		announce(10*time.Second, "a"),
		announce(time.Minute, "last call"),
	})
	require.NoError(t, err)

	got := p.Entries()
	require.Len(t, got, 4)
	require.Equal(t, "a", got[0].Action.Text)
	require.Equal(t, "b", got[1].Action.Text)
	require.Equal(t, "last call", got[2].Action.Text)
	require.Equal(t, Expire, got[3].Action.Kind)
	require.Equal(t, time.Minute, p.Primary())
	require.Equal(t, time.Minute, p.MaxOffset())

	require.Equal(t, 0, p.Search(0))
	require.Equal(t, 1, p.Search(11*time.Second))
	require.Equal(t, 4, p.Search(2*time.Minute))
}

func TestNewPlanWarningAfterPrimary(t *testing.T) {
	p, err := NewPlan(time.Minute, []Entry{announce(2*time.Minute, "still gone")})
	require.NoError(t, err)
	require.Equal(t, Expire, p.At(0).Action.Kind)
	require.Equal(t, 2*time.Minute, p.MaxOffset())
}

func TestNewPlanRejects(t *testing.T) {
	cases := map[string]struct {
		primary  time.Duration
		warnings []Entry
	}{
		"zero primary":    {0, nil},
		"negative offset": {time.Minute, []Entry{announce(-time.Second, "x")}},
		"empty text":      {time.Minute, []Entry{announce(time.Second, "  ")}},
		"second expire":   {time.Minute, []Entry{{Offset: time.Second, Action: Action{Kind: Expire}}}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewPlan(tc.primary, tc.warnings)
			require.ErrorIs(t, err, ErrInvalidPlan)
		})
	}
}

func TestPlanFromConfig(t *testing.T) {
	p, err := PlanFromConfig(config.WatchConfig{
		Room:    "ops",
		Timeout: "1d",
		Warnings: []config.WarningConfig{
			{After: "12h", Text: "half a day"},
			{After: "1h30m", Text: "ninety minutes"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 90*time.Minute, p.At(0).Offset)
	require.Equal(t, 12*time.Hour, p.At(1).Offset)
	require.Equal(t, 24*time.Hour, p.Primary())

	_, err = PlanFromConfig(config.WatchConfig{Room: "ops", Timeout: "10"})
	require.ErrorIs(t, err, config.ErrMalformedDuration)
	require.ErrorContains(t, err, "watches[ops].timeout")
}
