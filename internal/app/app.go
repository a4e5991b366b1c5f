package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"jobsched/internal/config"
	"jobsched/internal/runtime/supervisor"
	"jobsched/internal/storage"
	"jobsched/pkg/jobsched"
	logx "jobsched/pkg/logx"
	"jobsched/pkg/systemd"
)

// App is the jobschedd daemon: configured command jobs on a JobScheduler,
// kept in sync with the config file.
type App struct {
	cfgPath string

	cfgm     *config.Manager
	sup      *supervisor.Supervisor
	settings config.Settings

	log    logx.Logger
	logs   *logx.Service
	stores *storage.Stores
	sched  *jobsched.JobScheduler

	sd *systemd.Notifier

	// applyMu serializes config application; applied is the config whose
	// jobs are currently scheduled.
	applyMu sync.Mutex
	applied *config.Config
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.Nop())
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	settings, err := cfg.SchedulerSettings()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.Logging.LogxConfig())
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	sc, err := cfg.StorageSettings()
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	stores, err := storage.Open(sc, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", stores.Driver))

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		settings: settings,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		stores:   stores,
		sd:       systemd.NewNotifier(),
	}, nil
}

// Scheduler is nil until Start.
func (a *App) Scheduler() *jobsched.JobScheduler { return a.sched }

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	sched, err := jobsched.NewWithStorageAndCode(ctx,
		a.stores.Metadata, a.stores.Notifications,
		jobsched.NewMemoryJobCode(), jobsched.NewMemoryNotificationCode(),
		jobsched.WithLogger(a.log),
		jobsched.WithLocation(a.settings.Location),
		jobsched.WithTickInterval(a.settings.TickInterval),
		jobsched.WithShutdownDrain(a.settings.Drain),
	)
	if err != nil {
		return err
	}
	a.sched = sched
	sched.SetShutdownHandler(func(context.Context) {
		a.log.Debug("scheduler shut down")
	})

	events, unsubscribe := sched.Events(256)
	a.sup.Go0("jobs.events", func(c context.Context) {
		defer unsubscribe()
		a.logEvents(c, events)
	})

	cfg := a.cfgm.Get()
	if err := a.pruneStored(ctx, cfg); err != nil {
		a.log.Warn("prune stored jobs failed", logx.Err(err))
	}
	if err := a.applyConfig(ctx, cfg); err != nil {
		a.log.Warn("some jobs were not scheduled", logx.Err(err))
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	updates := a.cfgm.Subscribe(4)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(updates)
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-updates:
				if !ok {
					return nil
				}
				if a.sched.IsShutDown() {
					a.log.Debug("config update ignored, scheduler is shut down")
					continue
				}
				_, _ = a.sd.Reloading()
				if err := a.applyConfig(c, newCfg); err != nil {
					a.log.Warn("config applied with errors", logx.Err(err))
				}
				_, _ = a.sd.Ready()
				a.reportStatus(newCfg)
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go("systemd.watchdog", a.sd.Watchdog)
	if sent, err := a.sd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}
	a.reportStatus(cfg)
	a.log.Info("app started", logx.String("config", a.cfgPath), logx.Int("jobs", len(cfg.EnabledJobs())))
	return nil
}

func (a *App) reportStatus(cfg *config.Config) {
	if _, err := a.sd.Status(fmt.Sprintf("%d jobs configured", len(cfg.EnabledJobs()))); err != nil {
		a.log.Debug("sd_notify status failed", logx.Err(err))
	}
}

func (a *App) logEvents(ctx context.Context, events <-chan jobsched.LifecycleEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			fields := []logx.Field{
				logx.String("job", ev.Name),
				logx.Stringer("job_id", ev.JobID),
				logx.String("event", ev.Event.String()),
			}
			switch ev.Event {
			case jobsched.EventStarted:
				a.log.Debug("job event", fields...)
			default:
				a.log.Info("job event", fields...)
			}
		}
	}
}

// applyConfig makes the scheduled jobs match cfg and re-applies logging.
// The first call schedules every enabled job.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) error {
	a.applyMu.Lock()
	defer a.applyMu.Unlock()

	first := a.applied == nil
	sections, fields, changes := config.SummarizeChange(a.applied, cfg)
	if first {
		changes = config.JobChanges{}
		for _, j := range cfg.EnabledJobs() {
			changes.Added = append(changes.Added, j.Name)
		}
	}
	a.applied = cfg

	if !first {
		for _, s := range sections {
			switch s {
			case "scheduler", "storage":
				a.log.Warn(s + " config changed; restart required for changes to take effect")
			case "logging":
				a.logs.Apply(cfg.Logging.LogxConfig())
			}
		}
	}

	err := a.syncJobs(ctx, cfg, changes)
	if !first {
		if len(sections) > 0 {
			a.log.Info("config applied", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)...)
		} else {
			a.log.Info("config applied (no changes)")
		}
	}
	return err
}

// Stop shuts the scheduler down and releases storage and logging. Every
// step is bounded so one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := a.sd.Stopping(); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Err(stepCtx.Err()), logx.Duration("elapsed", time.Since(start)))
		}
	}

	if a.sched != nil {
		step("scheduler", a.settings.ShutdownTimeout, a.sched.Shutdown)
	}
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.stores.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
