package config

// Config is the root of the config file. Durations are Go duration strings
// ("500ms", "10s", "1h") and are parsed by Resolve.
type Config struct {
	Telegram   TelegramConfig    `json:"telegram"`
	Logging    LoggingConfig     `json:"logging"`
	Storage    StorageConfig     `json:"storage"`
	Scheduler  SchedulerConfig   `json:"scheduler"`
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
	Notifier   *NotifierConfig   `json:"notifier,omitempty"`
	Tracker    TrackerConfig     `json:"tracker"`
	OpsAPI     OpsAPIConfig      `json:"ops_api"`
}

type TelegramConfig struct {
	Token       string `json:"token" validate:"required"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	// OpsChat receives delivery failures and forwarded log lines.
	OpsChat   int64 `json:"ops_chat,omitempty"`
	OpsThread int   `json:"ops_thread,omitempty" validate:"gte=0"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn warning error TRACE DEBUG INFO WARN WARNING ERROR"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Ops     LoggingOps  `json:"ops"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// LoggingOps forwards log lines at or above MinLevel to telegram.ops_chat.
type LoggingOps struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty" validate:"gte=0"`
}

// StorageConfig selects the SQL backend.
//
//	"storage": { "driver": "sqlite", "path": "./shamebot.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://..." }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"required,oneof=sqlite postgres"`
	Path        string `json:"path,omitempty" validate:"required_if=Driver sqlite"`
	DSN         string `json:"dsn,omitempty" validate:"required_if=Driver postgres"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SchedulerConfig struct {
	PollInterval string `json:"poll_interval,omitempty"`
	BatchSize    int    `json:"batch_size,omitempty" validate:"gte=0,lte=1000"`
	// PruneSpec is a cron spec for deleting old finished jobs ("@hourly").
	PruneSpec  string `json:"prune_spec,omitempty"`
	PruneAfter string `json:"prune_after,omitempty"`
	// Timezone used to evaluate cron pester schedules.
	Timezone string `json:"timezone,omitempty"`
}

// TaskEngineConfig controls job delivery workers and retries.
//
// Defaults: workers 2, queue_size 256, history_size 200, retry_max 3,
// retry_base 1s, retry_max_delay 30s.
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty" validate:"gte=0,lte=64"`
	QueueSize      int    `json:"queue_size,omitempty" validate:"gte=0"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty" validate:"gte=0"`
	RetryMax       int    `json:"retry_max,omitempty" validate:"gte=0,lte=20"`
	RetryBase      string `json:"retry_base,omitempty"`
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`
}

// NotifierConfig controls the notification pipeline. An omitted section
// means enabled with defaults.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers" validate:"gte=0"`
	QueueSize       int    `json:"queue_size" validate:"gte=0"`
	RatePerSec      int    `json:"rate_per_sec" validate:"gte=0"`
	RetryMax        int    `json:"retry_max" validate:"gte=0"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries" validate:"gte=0"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

type TrackerConfig struct {
	// ReminderLead is how long before due the reminder fires. Default 1h.
	ReminderLead     string `json:"reminder_lead,omitempty"`
	DefaultPesterMax int    `json:"default_pester_max,omitempty" validate:"gte=0"`
	CommandTimeout   string `json:"command_timeout,omitempty"`
}

// OpsAPIConfig controls the operator HTTP API. A non-loopback addr needs a
// token or allow_insecure.
type OpsAPIConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty" validate:"omitempty,hostname_port"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"` // mounts net/http/pprof under /debug
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}
