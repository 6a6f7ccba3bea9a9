package app

import (
	"context"
	"strings"
	"time"

	"shamebot/internal/config"
	logx "shamebot/pkg/logx"
)

// reloadLoop applies committed config changes. Logging, ops targets,
// notifier, task engine and ops API change live; everything else needs a
// restart and is only reported.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			next = latest(next, sub)
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

// latest drains sub so a burst of edits applies once.
func latest(cfg *config.Config, sub <-chan *config.Config) *config.Config {
	for {
		select {
		case newer, ok := <-sub:
			if !ok {
				return cfg
			}
			if newer != nil {
				cfg = newer
			}
		default:
			return cfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	change := config.SummarizeConfigChange(prev, next)
	if change.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := logx.String("changed", strings.Join(change.Sections, ","))
	a.log.Debug("config change summary", append([]logx.Field{changed}, change.Fields...)...)
	if change.RestartRequired {
		a.log.Warn("config changed in a section read only at startup; restart required for it to take effect", changed)
	}

	// Target first so Apply does not warn about ops forwarding without one.
	a.logs.SetOpsTarget(opsTarget(next))
	a.logs.Apply(mapLogConfig(next))
	a.notif.SetOpsTarget(opsTarget(next))

	a.engine.Apply(ctx, mapEngineConfig(next))

	wasOn := mapNotifierConfig(prev).Enabled
	ncfg := mapNotifierConfig(next)
	a.notif.Apply(ncfg)
	switch {
	case wasOn && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !wasOn && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(ctx)
	}

	// The server's supervisor lives on ctx, so no timeout here.
	a.ops.Reconfigure(ctx, mapOpsAPIConfig(next))

	a.log.Info("config reloaded", append([]logx.Field{changed}, change.Fields...)...)
}
