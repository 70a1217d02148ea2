package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  poll_timeout: 10s
logging:
  level: info
  console: true
http:
  enabled: true
  addr: "127.0.0.1:0"
  refresh_interval: 30s
watches:
  - room: lobby
    chat_id: -1001
    quarry:
      - type: nick
        nick: alice
      - type: uid
        id: "42"
    timeout: 3d
    warnings:
      - after: 1d
        text: "alice has been quiet for {since}"
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "bellbot.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Same(t, cfg, m.Get())
	require.Len(t, cfg.Watches, 1)
	w := cfg.Watches[0]
	require.Equal(t, "lobby", w.Room)
	require.Equal(t, int64(-1001), w.ChatID)
	require.Len(t, w.Quarry, 2)
	require.Equal(t, "uid", w.Quarry[1].Type)
	require.Equal(t, "3d", w.Timeout)
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	_, err := Decode("c.json", []byte(`{"telegram":{"token":"x"},"bogus":1}`))
	require.Error(t, err)

	_, err = Decode("c.json", []byte(`{"watches":[]}{"watches":[]}`))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{Watches: []WatchConfig{{
			Room: "lobby", ChatID: 1, Timeout: "1h",
			Quarry: []RuleConfig{{Type: "nick", Nick: "alice"}},
		}}}
	}
	require.NoError(t, base().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"bad timeout", func(c *Config) { c.Watches[0].Timeout = "10" }},
		{"no room", func(c *Config) { c.Watches[0].Room = "" }},
		{"slash room", func(c *Config) { c.Watches[0].Room = "a/b" }},
		{"padded room", func(c *Config) { c.Watches[0].Room = " lobby" }},
		{"dup room", func(c *Config) { c.Watches = append(c.Watches, c.Watches[0]) }},
		{"no chat", func(c *Config) { c.Watches[0].ChatID = 0 }},
		{"no quarry", func(c *Config) { c.Watches[0].Quarry = nil }},
		{"bad warning", func(c *Config) { c.Watches[0].Warnings = []WarningConfig{{After: "1x", Text: "t"}} }},
		{"empty warning text", func(c *Config) { c.Watches[0].Warnings = []WarningConfig{{After: "1m"}} }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad go duration", func(c *Config) { c.HTTP.RefreshInterval = "1d" }},
		{"half tls", func(c *Config) { c.HTTP.TLSCert = "cert.pem" }},
		{"bad log chat", func(c *Config) { c.Telegram.LogChat = "ops" }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base()
			tt.mutate(c)
			require.Error(t, c.Validate())
		})
	}
}

func TestWatchPublishesReload(t *testing.T) {
	path := writeFile(t, "bellbot.yaml", sampleYAML)
	m := NewConfigManager(path)
	m.debounce = 20 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	updated := sampleYAML + "\nsender:\n  rate_per_sec: 5\n"
	// The watcher may not be armed yet; keep rewriting until the reload shows up.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte(updated), 0o600)
		select {
		case cfg := <-sub:
			return cfg.Sender.RatePerSec == 5
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}
