package config

// Config is the on-disk configuration (JSON or YAML).
//
// Durations come in two flavours:
//   - server knobs use Go duration strings ("10s", "2m")
//   - watch offsets use compact spans ("1d12h", "30m"), see ParseSpan
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	HTTP      HTTPConfig      `json:"http"`
	Sender    SenderConfig    `json:"sender,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	Backfill  BackfillConfig  `json:"backfill,omitempty"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Watches   []WatchConfig   `json:"watches"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// LogChat is the chat id (as a string) that receives mirrored WARN+ log lines.
	LogChat     string `json:"log_chat,omitempty"`
	LogThreadID int    `json:"log_thread_id,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// HTTPConfig controls the deadline API server.
//
// WriteTimeout is deliberately absent: the /watch stream is long-lived.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: ":8080"
	// StaticDir, when set, is served at "/" (demo pages). /sdk.js is built in.
	StaticDir string `json:"static_dir,omitempty"`
	// RefreshInterval is the keep-alive re-send period of /watch (default "30s").
	RefreshInterval string `json:"refresh_interval,omitempty"`
	TLSCert         string `json:"tls_cert,omitempty"`
	TLSKey          string `json:"tls_key,omitempty"`
	ReadTimeout     string `json:"read_timeout,omitempty"`
	IdleTimeout     string `json:"idle_timeout,omitempty"`
}

// SenderConfig throttles and retries warning posts.
//
// Defaults: rate_per_sec 1, retry_max 3, retry_base "1s", retry_max_delay "30s".
type SenderConfig struct {
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

type SchedulerConfig struct {
	// Fuzz is a Go duration string; warnings due within this margin of a late
	// wakeup still fire (default "1s").
	Fuzz string `json:"fuzz,omitempty"`
}

type BackfillConfig struct {
	// BatchSize bounds each history request (default 100).
	BatchSize int `json:"batch_size,omitempty"`
}

// StorageConfig controls the message log used for backfill after restarts.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/bellbot.db", "retention": "30d" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	// Retention is a compact span; messages older than this are pruned.
	// It is raised to the longest watch offset if configured shorter.
	Retention string `json:"retention,omitempty"`
	// PruneSchedule is a cron expression (default "@hourly").
	PruneSchedule string `json:"prune_schedule,omitempty"`
}

// WatchConfig describes one quarry in one room.
type WatchConfig struct {
	// Room is the identifier used in API paths (/{room}/get).
	Room     string          `json:"room"`
	ChatID   int64           `json:"chat_id"`
	ThreadID int             `json:"thread_id,omitempty"`
	Quarry   []RuleConfig    `json:"quarry"`
	Timeout  string          `json:"timeout"`
	Warnings []WarningConfig `json:"warnings,omitempty"`
}

// RuleConfig is one quarry match rule. Type is one of "nick", "nick-regex", "uid".
type RuleConfig struct {
	Type  string `json:"type"`
	Nick  string `json:"nick,omitempty"`
	Regex string `json:"regex,omitempty"`
	ID    string `json:"id,omitempty"`
}

// WarningConfig posts Text once the quarry has been silent for After (compact span).
type WarningConfig struct {
	After string `json:"after"`
	Text  string `json:"text"`
}
