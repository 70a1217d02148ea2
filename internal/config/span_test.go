package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseSpan(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want float64
	}{
		{"1h30m", 5400},
		{"0s", 0},
		{"1.5h", 5400},
		{"1w2d3h", 604800 + 2*86400 + 3*3600},
		{"30s1h", 3630},
		{"1h30s", 3630},
		{"1m1m", 120},
		{" 1h  30m ", 5400},
		{".5m", 30},
		{"10s\n", 10},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSpan(tt.raw)
			require.NoError(t, err)
			require.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestParseSpanMalformed(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "   ", "10x", "10", "h", "1h x", "1h30", "-1h", "1H"} {
		_, err := ParseSpan(raw)
		require.ErrorIs(t, err, ErrMalformedDuration, "input %q", raw)
	}
}

func TestParseSpanDuration(t *testing.T) {
	t.Parallel()
	d, err := ParseSpanDuration("1d12h")
	require.NoError(t, err)
	require.Equal(t, 36*time.Hour, d)

	d, err = ParseSpanDuration("0.25s")
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, d)

	_, err = ParseSpanField("watches[0].timeout", "3q")
	require.ErrorIs(t, err, ErrMalformedDuration)
	require.Contains(t, err.Error(), "watches[0].timeout")
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationField("http.read_timeout", " ")
	require.NoError(t, err)
	require.Zero(t, d)

	d, err = ParseDurationOrDefault("http.refresh_interval", "", 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, d)

	d, err = ParseDurationOrDefault("http.refresh_interval", "250ms", 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, d)

	for _, raw := range []string{"1d", "-1s", "soon"} {
		_, err := ParseDurationField("sender.retry_base", raw)
		require.ErrorIs(t, err, ErrMalformedDuration, "input %q", raw)
		require.Contains(t, err.Error(), "sender.retry_base")
	}
}
