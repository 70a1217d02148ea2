package config

import (
	"fmt"
	"strconv"
	"strings"

	logx "bellbot/pkg/logx"
)

// Validate performs static checks that don't depend on other packages.
// Quarry rules and warning plans are compiled (and rejected) by their owners.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if !logx.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	if !logx.ValidLevel(c.Logging.Chat.MinLevel) {
		return fmt.Errorf("logging.chat.min_level: unknown level %q", c.Logging.Chat.MinLevel)
	}
	if s := strings.TrimSpace(c.Telegram.LogChat); s != "" {
		if _, err := strconv.ParseInt(s, 10, 64); err != nil {
			return fmt.Errorf("telegram.log_chat: invalid chat id %q", s)
		}
	}

	durations := []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"http.refresh_interval", c.HTTP.RefreshInterval},
		{"http.read_timeout", c.HTTP.ReadTimeout},
		{"http.idle_timeout", c.HTTP.IdleTimeout},
		{"sender.retry_base", c.Sender.RetryBase},
		{"sender.retry_max_delay", c.Sender.RetryMaxDelay},
		{"scheduler.fuzz", c.Scheduler.Fuzz},
	}
	if c.Storage != nil {
		durations = append(durations, struct{ path, raw string }{"storage.busy_timeout", c.Storage.BusyTimeout})
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if c.Sender.RatePerSec < 0 {
		return fmt.Errorf("sender.rate_per_sec must be >= 0")
	}
	if c.Sender.RetryMax < 0 {
		return fmt.Errorf("sender.retry_max must be >= 0")
	}
	if c.Backfill.BatchSize < 0 {
		return fmt.Errorf("backfill.batch_size must be >= 0")
	}
	if (strings.TrimSpace(c.HTTP.TLSCert) == "") != (strings.TrimSpace(c.HTTP.TLSKey) == "") {
		return fmt.Errorf("http.tls_cert and http.tls_key must be set together")
	}
	if c.Storage != nil && strings.TrimSpace(c.Storage.Retention) != "" {
		if _, err := ParseSpanField("storage.retention", c.Storage.Retention); err != nil {
			return err
		}
	}

	seen := map[string]struct{}{}
	for i, w := range c.Watches {
		path := fmt.Sprintf("watches[%d]", i)
		room := strings.TrimSpace(w.Room)
		if room == "" {
			return fmt.Errorf("%s.room is required", path)
		}
		if room != w.Room {
			return fmt.Errorf("%s.room: %q has surrounding whitespace", path, w.Room)
		}
		if strings.ContainsAny(room, "/?#") {
			return fmt.Errorf("%s.room: %q must not contain '/', '?' or '#'", path, room)
		}
		if _, dup := seen[room]; dup {
			return fmt.Errorf("%s.room: duplicate room %q", path, room)
		}
		seen[room] = struct{}{}
		if w.ChatID == 0 {
			return fmt.Errorf("%s.chat_id is required", path)
		}
		if len(w.Quarry) == 0 {
			return fmt.Errorf("%s.quarry: at least one rule is required", path)
		}
		if _, err := ParseSpanField(path+".timeout", w.Timeout); err != nil {
			return err
		}
		for j, wc := range w.Warnings {
			if _, err := ParseSpanField(fmt.Sprintf("%s.warnings[%d].after", path, j), wc.After); err != nil {
				return err
			}
			if strings.TrimSpace(wc.Text) == "" {
				return fmt.Errorf("%s.warnings[%d].text is required", path, j)
			}
		}
	}
	return nil
}
