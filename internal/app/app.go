// Package app wires the tracker, scheduler, dispatcher, notifier, bot and
// ops API into one process and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"shamebot/internal/bot"
	"shamebot/internal/config"
	"shamebot/internal/dispatch"
	"shamebot/internal/eventbus"
	"shamebot/internal/notifier"
	"shamebot/internal/opsapi"
	rtsup "shamebot/internal/runtime/supervisor"
	"shamebot/internal/storage"
	"shamebot/internal/task/engine"
	"shamebot/internal/task/scheduler"
	"shamebot/internal/tracker"
	kit "shamebot/internal/transport"
	telegram "shamebot/internal/transport/telegram/adapter"
	logx "shamebot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor
	sups *supervisorRegistry

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store *storage.Store

	adapter *telegram.Adapter

	engine  *engine.Service
	sched   *scheduler.Service
	notif   *notifier.Service
	tracker *tracker.Service
	disp    *dispatch.Dispatcher
	bot     *bot.Router
	ops     *opsapi.Service

	updates chan kit.Update
}

func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(config.Validator)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: config.DurationOr(cfg.Telegram.PollTimeout, 10*time.Second),
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// Ops forwarding starts disabled so Apply does not warn before the
	// target is known.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Ops.Enabled = false
	logSvc, root := logx.New(bootCfg, ad)
	logSvc.SetOpsTarget(opsTarget(cfg))
	logSvc.Apply(logCfg)
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	bus := eventbus.New()

	store, err := storage.Open(ctx, mapStorageConfig(cfg), root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", cfg.Storage.Driver))

	eng := engine.New(mapEngineConfig(cfg), root.With(logx.String("comp", "taskengine")), bus)
	sched := scheduler.New(mapSchedulerConfig(cfg), store, root.With(logx.String("comp", "scheduler")), bus)

	notif := notifier.New(mapNotifierConfig(cfg), ad, root.With(logx.String("comp", "notifier")), bus, store)
	notif.SetOpsTarget(opsTarget(cfg))

	tr := tracker.New(mapTrackerConfig(cfg), store, sched, notif, root.With(logx.String("comp", "tracker")), bus)
	disp := dispatch.New(mapDispatchConfig(cfg), sched, tr, notif, eng, root.With(logx.String("comp", "dispatch")), bus)
	router := bot.New(mapBotConfig(cfg, sched.Location()), ad, tr, root.With(logx.String("comp", "bot")))

	a := &App{
		cfgm:    cfgm,
		sups:    newSupervisorRegistry(),
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		engine:  eng,
		sched:   sched,
		notif:   notif,
		tracker: tr,
		disp:    disp,
		bot:     router,
		updates: make(chan kit.Update, 256),
	}
	a.ops = opsapi.New(mapOpsAPIConfig(cfg), tr, opsapi.Sources{
		Dispatcher:  disp.Stats,
		Engine:      eng.Snapshot,
		Supervisors: a.supervisors,
	}, root.With(logx.String("comp", "opsapi")))
	return a, nil
}

// Done is closed when the app supervisor context is cancelled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error the supervisor saw.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// supervisors lists every live supervisor. Some components create theirs
// lazily, so they are looked up on each call.
func (a *App) supervisors() map[string]*rtsup.Supervisor {
	out := a.sups.Snapshot()
	if a.sup != nil {
		out["app"] = a.sup
	}
	for name, sup := range map[string]*rtsup.Supervisor{
		"telegram.adapter": a.adapter.Supervisor(),
		"task.engine":      a.engine.Supervisor(),
		"notifier":         a.notif.Supervisor(),
		"bot":              a.bot.Supervisor(),
		"opsapi":           a.ops.Supervisor(),
	} {
		if sup != nil {
			out[name] = sup
		}
	}
	return out
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.engine.Start(run)
	a.notif.Start(run)
	if err := a.sched.Start(run); err != nil {
		return err
	}

	// Resume before the dispatcher runs so recovered jobs go through one
	// claim path.
	if err := a.tracker.Resume(ctx); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	a.sup.Go("dispatch", a.disp.Run)

	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}
	if err := a.bot.PublishMenu(run); err != nil {
		a.log.Warn("publish command menu failed", logx.Err(err))
	}
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.bot.DispatchLoop(c, a.updates)
	})

	a.ops.Start(run)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so the dispatcher stops claiming and loops unwind.
	a.sup.Cancel()

	a.stopStep(ctx, "opsapi", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.stopStep(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	// In-flight jobs see the engine stop and are released for the next run.
	a.stopStep(ctx, "taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.stopStep(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.stopStep(ctx, "adapter", 2*time.Second, a.adapter.Stop)
	a.stopStep(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	// Storage goes last: the dispatcher and engine write job state until they exit.
	a.stopStep(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// stopStep runs fn with an upper bound so one component cannot stall the
// whole stop. It never extends the caller's deadline.
func (a *App) stopStep(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped, no time left", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			fields := []logx.Field{logx.String("name", name), logx.Duration("took", time.Since(start))}
			if err != nil {
				fields = append(fields, logx.Err(err))
			}
			a.log.Info("stop step finished after deadline", fields...)
		}()
	}
}
