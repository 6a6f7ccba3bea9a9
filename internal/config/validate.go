package config

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report json names ("storage.driver") instead of Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks struct tags, every duration string, the scheduler timezone
// and the prune cron spec. All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if err := validate.Struct(cfg); err != nil {
		var ves validator.ValidationErrors
		if !errors.As(err, &ves) {
			return err
		}
		for _, fe := range ves {
			errs = append(errs, fmt.Errorf("%s: failed %q", trimRoot(fe.Namespace()), fe.Tag()))
		}
	}
	for path, raw := range durationFields(cfg) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if spec := strings.TrimSpace(cfg.Scheduler.PruneSpec); spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.prune_spec: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Validator adapts Validate to ConfigManager.SetValidator.
func Validator(_ context.Context, cfg *Config) error { return Validate(cfg) }

func trimRoot(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func durationFields(cfg *Config) map[string]string {
	m := map[string]string{
		"telegram.poll_timeout":   cfg.Telegram.PollTimeout,
		"storage.busy_timeout":    cfg.Storage.BusyTimeout,
		"scheduler.poll_interval": cfg.Scheduler.PollInterval,
		"scheduler.prune_after":   cfg.Scheduler.PruneAfter,
		"tracker.reminder_lead":   cfg.Tracker.ReminderLead,
		"tracker.command_timeout": cfg.Tracker.CommandTimeout,
		"ops_api.read_timeout":    cfg.OpsAPI.ReadTimeout,
		"ops_api.write_timeout":   cfg.OpsAPI.WriteTimeout,
		"ops_api.idle_timeout":    cfg.OpsAPI.IdleTimeout,
	}
	if te := cfg.TaskEngine; te != nil {
		m["task_engine.default_timeout"] = te.DefaultTimeout
		m["task_engine.max_queue_delay"] = te.MaxQueueDelay
		m["task_engine.retry_base"] = te.RetryBase
		m["task_engine.retry_max_delay"] = te.RetryMaxDelay
	}
	if n := cfg.Notifier; n != nil {
		m["notifier.retry_base"] = n.RetryBase
		m["notifier.retry_max_delay"] = n.RetryMaxDelay
		m["notifier.dedup_window"] = n.DedupWindow
	}
	return m
}
