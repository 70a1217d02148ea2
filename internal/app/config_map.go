package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"bellbot/internal/config"
	"bellbot/internal/httpapi"
	"bellbot/internal/notifier"
	"bellbot/internal/storage"
	"bellbot/internal/transport"
	logx "bellbot/pkg/logx"
)

const defaultPruneSchedule = "@hourly"

func mapLogConfig(cfg *config.Config, levelOverride string) logx.Config {
	level := cfg.Logging.Level
	if strings.TrimSpace(levelOverride) != "" {
		level = levelOverride
	}
	return logx.Config{
		Level:   level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Chat.Enabled,
			MinLevel:   cfg.Logging.Chat.MinLevel,
			RatePerSec: cfg.Logging.Chat.RatePerSec,
		},
	}
}

// mapLogTarget returns the chat that mirrors log lines (zero when unset).
func mapLogTarget(cfg *config.Config) transport.ChatTarget {
	s := strings.TrimSpace(cfg.Telegram.LogChat)
	if s == "" {
		return transport.ChatTarget{}
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return transport.ChatTarget{}
	}
	return transport.ChatTarget{ChatID: id, ThreadID: cfg.Telegram.LogThreadID}
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	base, err := config.ParseDurationOrDefault("sender.retry_base", cfg.Sender.RetryBase, time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("sender.retry_max_delay", cfg.Sender.RetryMaxDelay, 30*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMax := cfg.Sender.RetryMax
	if retryMax == 0 {
		retryMax = 3
	}
	return notifier.Config{
		RatePerSec:    cfg.Sender.RatePerSec,
		RetryMax:      retryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, bool, error) {
	h := cfg.HTTP
	if !h.Enabled {
		return httpapi.Config{}, false, nil
	}
	refresh, err := config.ParseDurationOrDefault("http.refresh_interval", h.RefreshInterval, httpapi.DefaultRefresh)
	if err != nil {
		return httpapi.Config{}, false, err
	}
	read, err := config.ParseDurationField("http.read_timeout", h.ReadTimeout)
	if err != nil {
		return httpapi.Config{}, false, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 2*time.Minute)
	if err != nil {
		return httpapi.Config{}, false, err
	}
	return httpapi.Config{
		Addr:        strings.TrimSpace(h.Addr),
		StaticDir:   strings.TrimSpace(h.StaticDir),
		Refresh:     refresh,
		TLSCert:     strings.TrimSpace(h.TLSCert),
		TLSKey:      strings.TrimSpace(h.TLSKey),
		ReadTimeout: read,
		IdleTimeout: idle,
	}, true, nil
}

// pruneConfig is the message log retention policy.
type pruneConfig struct {
	Retention time.Duration
	Schedule  string
}

func mapStorageConfig(cfg *config.Config) (storage.Config, pruneConfig, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, pruneConfig{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, pruneConfig{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, pruneConfig{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}

	out := storage.Config{Driver: driver, Path: path}
	switch driver {
	case "file":
	case "sqlite", "sqlite3":
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, pruneConfig{}, false, err
		}
		out.BusyTimeout = busy
	default:
		return storage.Config{}, pruneConfig{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}

	pc := pruneConfig{Schedule: strings.TrimSpace(sc.PruneSchedule)}
	if pc.Schedule == "" {
		pc.Schedule = defaultPruneSchedule
	}
	if _, err := cron.ParseStandard(pc.Schedule); err != nil {
		return storage.Config{}, pruneConfig{}, false, fmt.Errorf("storage.prune_schedule: invalid %q: %w", pc.Schedule, err)
	}
	if strings.TrimSpace(sc.Retention) != "" {
		r, err := config.ParseSpanField("storage.retention", sc.Retention)
		if err != nil {
			return storage.Config{}, pruneConfig{}, false, err
		}
		pc.Retention = r
	}
	return out, pc, true, nil
}

// effectiveRetention never prunes history that backfill may still need.
func effectiveRetention(configured, longestOffset time.Duration) time.Duration {
	if configured <= 0 {
		return max(longestOffset, 24*time.Hour)
	}
	return max(configured, longestOffset)
}

func mapSchedulerFuzz(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("scheduler.fuzz", cfg.Scheduler.Fuzz, time.Second)
}

func mapBackfillBatch(cfg *config.Config) int {
	if cfg.Backfill.BatchSize <= 0 {
		return 100
	}
	return cfg.Backfill.BatchSize
}
