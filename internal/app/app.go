package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"rulekeeper/internal/callback"
	"rulekeeper/internal/config"
	"rulekeeper/internal/httpapi"
	"rulekeeper/internal/metrics"
	"rulekeeper/internal/notify"
	"rulekeeper/internal/rules"
	"rulekeeper/internal/runtime/supervisor"
	"rulekeeper/internal/scheduler"
	"rulekeeper/internal/storage"
	logx "rulekeeper/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store     storage.Store
	reg       *rules.Registry
	exec      *rules.Executor
	notifier  *notify.Dispatcher
	callbacks *callback.Factory
	metrics   *metrics.Metrics

	tick    *scheduler.TickUseCase
	trigger *scheduler.Trigger
	http    *httpapi.Server

	profiler bool
}

// New loads the config and wires every component. Nothing runs until Start;
// one-shot commands use the accessors and Close instead.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateRuntime(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	a, err := build(cfg, logSvc, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	a.cfgm = cfgm
	return a, nil
}

func build(cfg *config.Config, logSvc *logx.Service, log logx.Logger) (*App, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	reg, exec, err := buildRules(cfg, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	dispatcher, err := buildDispatcher(cfg, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	callbacks := callback.NewFactory(dispatcher, log.With(logx.String("comp", "callback")))
	m := metrics.New()
	tick := scheduler.NewTickUseCase(store, exec, callbacks, m, log)

	tcfg, err := mapTriggerConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	hs, err := mapHTTPConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	router := httpapi.NewRouter(httpapi.Deps{
		Store:          store,
		Tick:           tick,
		Registry:       reg,
		Executor:       exec,
		Metrics:        m,
		Log:            log,
		Profiler:       hs.Profiler,
		RequestTimeout: hs.RequestTimeout,
	})

	return &App{
		log:       log.With(logx.String("comp", "app")),
		logs:      logSvc,
		store:     store,
		reg:       reg,
		exec:      exec,
		notifier:  dispatcher,
		callbacks: callbacks,
		metrics:   m,
		tick:      tick,
		trigger:   scheduler.NewTrigger(tcfg, tick, log),
		http:      httpapi.NewServer(router, log),
		profiler:  hs.Profiler,
	}, nil
}

func (a *App) Config() *config.Config       { return a.cfgm.Get() }
func (a *App) Store() storage.Store         { return a.store }
func (a *App) Registry() *rules.Registry    { return a.reg }
func (a *App) Executor() *rules.Executor    { return a.exec }
func (a *App) Callbacks() *callback.Factory { return a.callbacks }
func (a *App) Logger() logx.Logger          { return a.log }

// HTTPAddr is the bound listener address, or "" when the server is off.
func (a *App) HTTPAddr() string { return a.http.Addr() }

// Tick runs one scheduler pass.
func (a *App) Tick(ctx context.Context, req scheduler.TickRequest) (scheduler.TickResponse, error) {
	return a.tick.Execute(ctx, req)
}

// SeedRules upserts the configured rules by name.
func (a *App) SeedRules(ctx context.Context) error {
	cfg := a.cfgm.Get()
	if cfg == nil {
		return nil
	}
	now := time.Now().UTC()
	var errs []error
	for _, rc := range cfg.Rules {
		r, err := mapSeedRule(rc, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		saved, created, err := storage.UpsertRule(ctx, a.store, r)
		if err != nil {
			errs = append(errs, fmt.Errorf("seed rule %q: %w", rc.Name, err))
			continue
		}
		a.log.Debug("rule seeded",
			logx.String("rule", saved.Name),
			logx.String("rule_id", saved.ID),
			logx.Bool("created", created),
			logx.Time("next_run_at", saved.NextRunAt),
		)
	}
	return errors.Join(errs...)
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateRuntime(cfg)
	})

	if err := a.SeedRules(runCtx); err != nil {
		return err
	}
	if err := a.trigger.Start(runCtx); err != nil {
		return err
	}
	cfg := a.cfgm.Get()
	if err := a.http.Apply(runCtx, cfg.HTTP.Enabled, strings.TrimSpace(cfg.HTTP.Addr)); err != nil {
		return fmt.Errorf("http: %w", err)
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.GoRestart("config.watch", a.cfgm.Watch, time.Second, 30*time.Second)

	a.log.Info("app started",
		logx.Bool("trigger", a.trigger.Enabled()),
		logx.String("http_addr", a.http.Addr()),
		logx.Strings("handlers", handlerNames(a.reg)),
	)
	return nil
}

// applyConfig pushes a validated config into the running components.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	changed := make(map[string]bool, len(sections))
	for _, s := range sections {
		changed[s] = true
	}

	if changed["logging"] {
		a.logs.Apply(mapLogConfig(newCfg))
	}
	if changed["storage"] {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if changed["scheduler"] {
		if opts, err := mapExecutorOptions(newCfg); err != nil {
			a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		} else {
			a.exec.SetTimeout(opts.Timeout)
		}
		if oldCfg.Scheduler.ScriptsDir != newCfg.Scheduler.ScriptsDir {
			a.log.Warn("scheduler.scripts_dir changed; restart required for changes to take effect")
		}
		if tcfg, err := mapTriggerConfig(newCfg); err != nil {
			a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		} else if err := a.trigger.Apply(tcfg); err != nil {
			a.log.Warn("trigger reconfigure failed", logx.Err(err))
		}
	}
	if changed["notify"] {
		if ncfg, err := mapNotifyConfig(newCfg); err != nil {
			a.log.Warn("invalid notify config; keeping previous", logx.Err(err))
		} else {
			a.notifier.Apply(ncfg)
		}
		if config.TokensChanged(oldCfg, newCfg) {
			registerSenders(a.notifier, newCfg, a.log.With(logx.String("comp", "notify")))
		}
	}
	if changed["http"] {
		if newCfg.HTTP.Profiler != a.profiler {
			a.log.Warn("http.profiler changed; restart required for changes to take effect")
		}
		if err := a.http.Apply(ctx, newCfg.HTTP.Enabled, strings.TrimSpace(newCfg.HTTP.Addr)); err != nil {
			a.log.Warn("http reconfigure failed", logx.Err(err))
		}
	}
	if changed["rules"] {
		if err := a.SeedRules(ctx); err != nil {
			a.log.Warn("seeding rules failed", logx.Err(err))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	a.step(ctx, "trigger", 5*time.Second, func(c context.Context) error { a.trigger.Stop(c); return nil })
	a.step(ctx, "http", 3*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	// Finally, wait for supervised goroutines (config watch/reload).
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.Close()
}

// step runs a shutdown step with an upper bound so one component can't stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
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
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		// fn must honor stepCtx; report the overrun and move on.
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

// Close releases the store and log sinks. Stop calls it; one-shot commands
// call it directly.
func (a *App) Close() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
		a.store = nil
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

func handlerNames(reg *rules.Registry) []string {
	defs := reg.List()
	out := make([]string, 0, len(defs))
	for _, d := range defs {
		out = append(out, d.Name)
	}
	return out
}
