package config

import (
	"reflect"
	"strings"

	logx "shamebot/pkg/logx"
)

// Change describes a reload. Fields never include secrets.
type Change struct {
	Sections []string
	Fields   []logx.Field
	// RestartRequired is set when a section that is only read at startup
	// changed (telegram, storage, scheduler, tracker).
	RestartRequired bool
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// SummarizeConfigChange compares two configs section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var c Change
	mark := func(section string, restart bool, fields ...logx.Field) {
		c.Sections = append(c.Sections, section)
		c.Fields = append(c.Fields, fields...)
		c.RestartRequired = c.RestartRequired || restart
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || ot.PollTimeout != nt.PollTimeout {
		mark("telegram", true, logx.String("telegram.poll_timeout", nt.PollTimeout))
	}
	if ot.OpsChat != nt.OpsChat || ot.OpsThread != nt.OpsThread {
		mark("telegram.ops", false, logx.Bool("telegram.ops_chat_set", nt.OpsChat != 0))
	}
	if oldCfg.Logging != newCfg.Logging {
		nl := newCfg.Logging
		mark("logging", false,
			logx.String("logging.level", nl.Level),
			logx.Bool("logging.console", nl.Console),
			logx.Bool("logging.file", nl.File.Enabled),
			logx.Bool("logging.ops", nl.Ops.Enabled),
		)
	}
	if oldCfg.Storage.Driver != newCfg.Storage.Driver ||
		strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		oldCfg.Storage.DSN != newCfg.Storage.DSN ||
		oldCfg.Storage.BusyTimeout != newCfg.Storage.BusyTimeout {
		mark("storage", true, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		mark("scheduler", true,
			logx.String("scheduler.poll_interval", newCfg.Scheduler.PollInterval),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}
	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		mark("task_engine", false)
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		var f []logx.Field
		if n := newCfg.Notifier; n != nil {
			f = append(f, logx.Bool("notifier.enabled", n.Enabled), logx.Int("notifier.rate_per_sec", n.RatePerSec))
		}
		mark("notifier", false, f...)
	}
	if oldCfg.Tracker != newCfg.Tracker {
		mark("tracker", true, logx.String("tracker.reminder_lead", newCfg.Tracker.ReminderLead))
	}
	if oldCfg.OpsAPI != newCfg.OpsAPI {
		mark("ops_api", false, logx.Bool("ops_api.enabled", newCfg.OpsAPI.Enabled))
	}
	return c
}
