package quarry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"bellbot/internal/config"
	"bellbot/internal/transport"
)

func TestRuleMatch(t *testing.T) {
	t.Parallel()
	msg := transport.Message{SenderName: "Alice_Bot", SenderID: "1001"}
	tests := []struct {
		name string
		rule config.RuleConfig
		want bool
	}{
		{"nick exact", config.RuleConfig{Type: "nick", Nick: "Alice_Bot"}, true},
		{"nick is case sensitive", config.RuleConfig{Type: "nick", Nick: "alice_bot"}, false},
		{"regex search", config.RuleConfig{Type: "nick-regex", Regex: "(?i)alice"}, true},
		{"regex miss", config.RuleConfig{Type: "nick-regex", Regex: "^Bob"}, false},
		{"uid", config.RuleConfig{Type: "uid", ID: "1001"}, true},
		{"uid miss", config.RuleConfig{Type: "uid", ID: "1002"}, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r, err := NewRule(tt.rule)
			require.NoError(t, err)
			require.Equal(t, tt.want, r.Match(msg))
		})
	}
}

func TestNewRuleRejects(t *testing.T) {
	t.Parallel()
	for _, rc := range []config.RuleConfig{
		{Type: "nickname", Nick: "x"},
		{Type: "nick"},
		{Type: "nick-regex", Regex: "("},
		{Type: "uid", ID: " "},
		{},
	} {
		_, err := NewRule(rc)
		require.ErrorIs(t, err, ErrConfiguration, "rule %+v", rc)
	}
}

func TestMatcherIsOr(t *testing.T) {
	t.Parallel()
	m, err := NewMatcher([]config.RuleConfig{
		{Type: "nick", Nick: "alice"},
		{Type: "uid", ID: "7"},
	})
	require.NoError(t, err)
	require.True(t, m.Match(transport.Message{SenderName: "alice"}))
	require.True(t, m.Match(transport.Message{SenderName: "renamed", SenderID: "7"}))
	require.False(t, m.Match(transport.Message{SenderName: "bob", SenderID: "8"}))
	require.Len(t, m.Rules(), 2)

	_, err = NewMatcher(nil)
	require.ErrorIs(t, err, ErrConfiguration)
	_, err = NewMatcher([]config.RuleConfig{{Type: "nick", Nick: "a"}, {Type: "bogus"}})
	require.ErrorIs(t, err, ErrConfiguration)
}
