package app

import (
	"strings"
	"time"

	"shamebot/internal/bot"
	"shamebot/internal/config"
	"shamebot/internal/dispatch"
	"shamebot/internal/notifier"
	"shamebot/internal/opsapi"
	"shamebot/internal/storage"
	"shamebot/internal/task/engine"
	"shamebot/internal/task/scheduler"
	"shamebot/internal/tracker"
	kit "shamebot/internal/transport"
	logx "shamebot/pkg/logx"
)

// The mappers below assume config.Validate already accepted cfg, so
// malformed durations fall back to defaults instead of failing.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Ops: logx.OpsConfig{
			Enabled:    cfg.Logging.Ops.Enabled,
			MinLevel:   cfg.Logging.Ops.MinLevel,
			RatePerSec: cfg.Logging.Ops.RatePerSec,
		},
	}
}

// opsTarget is the operator chat, zero when unset.
func opsTarget(cfg *config.Config) kit.ChatTarget {
	return kit.ChatTarget{ChatID: cfg.Telegram.OpsChat, ThreadID: cfg.Telegram.OpsThread}
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	sc := cfg.Storage
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: config.DurationOr(sc.BusyTimeout, 5*time.Second),
	}
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	sc := cfg.Scheduler
	return scheduler.Config{
		PollInterval: config.DurationOr(sc.PollInterval, time.Second),
		BatchSize:    sc.BatchSize,
		PruneSpec:    strings.TrimSpace(sc.PruneSpec),
		PruneAfter:   config.DurationOr(sc.PruneAfter, 7*24*time.Hour),
		Timezone:     strings.TrimSpace(sc.Timezone),
	}
}

func mapDispatchConfig(cfg *config.Config) dispatch.Config {
	out := dispatch.Config{
		PollInterval: config.DurationOr(cfg.Scheduler.PollInterval, time.Second),
		BatchSize:    cfg.Scheduler.BatchSize,
	}
	if te := cfg.TaskEngine; te != nil {
		out.JobTimeout = config.DurationOr(te.DefaultTimeout, 0)
	}
	return out
}

// mapEngineConfig returns the engine defaults when task_engine is omitted.
func mapEngineConfig(cfg *config.Config) engine.Config {
	te := cfg.TaskEngine
	if te == nil {
		return engine.Config{}
	}
	return engine.Config{
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: config.DurationOr(te.DefaultTimeout, 0),
		MaxQueueDelay:  config.DurationOr(te.MaxQueueDelay, 0),
		HistorySize:    te.HistorySize,
		RetryMax:       te.RetryMax,
		RetryBase:      config.DurationOr(te.RetryBase, 0),
		RetryMaxDelay:  config.DurationOr(te.RetryMaxDelay, 0),
	}
}

// mapNotifierConfig treats an omitted section as enabled with defaults.
func mapNotifierConfig(cfg *config.Config) notifier.Config {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{Enabled: true, DedupWindow: 10 * time.Minute}
	}
	return notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       config.DurationOr(n.RetryBase, 0),
		RetryMaxDelay:   config.DurationOr(n.RetryMaxDelay, 0),
		DedupWindow:     config.DurationOr(n.DedupWindow, 0),
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}
}

func mapTrackerConfig(cfg *config.Config) tracker.Config {
	return tracker.Config{
		ReminderLead:     config.DurationOr(cfg.Tracker.ReminderLead, time.Hour),
		DefaultPesterMax: cfg.Tracker.DefaultPesterMax,
	}
}

func mapBotConfig(cfg *config.Config, loc *time.Location) bot.Config {
	return bot.Config{
		Timeout:  config.DurationOr(cfg.Tracker.CommandTimeout, 15*time.Second),
		Location: loc,
	}
}

func mapOpsAPIConfig(cfg *config.Config) opsapi.Config {
	o := cfg.OpsAPI
	return opsapi.Config{
		Enabled:       o.Enabled,
		Addr:          strings.TrimSpace(o.Addr),
		Token:         strings.TrimSpace(o.Token),
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
		ReadTimeout:   config.DurationOr(o.ReadTimeout, 10*time.Second),
		WriteTimeout:  config.DurationOr(o.WriteTimeout, 30*time.Second),
		IdleTimeout:   config.DurationOr(o.IdleTimeout, 60*time.Second),
	}
}
