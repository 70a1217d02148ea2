package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/jonboulle/clockwork"

	"bellbot/internal/bell"
	"bellbot/internal/config"
	"bellbot/internal/deadline"
	"bellbot/internal/eventbus"
	"bellbot/internal/httpapi"
	"bellbot/internal/notifier"
	rtsup "bellbot/internal/runtime/supervisor"
	"bellbot/internal/storage"
	"bellbot/internal/transport"
	"bellbot/internal/transport/telegram"
	logx "bellbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	clock clockwork.Clock
	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	prune pruneConfig

	adapter  transport.Adapter
	notif    *notifier.Service
	registry *deadline.Registry
	http     *httpapi.Server

	watches       []*watch
	backfillBatch int
	stopPrune     func()

	messages chan transport.Message
}

type Option func(*options)

type options struct {
	adapter  transport.Adapter
	clock    clockwork.Clock
	logLevel string
}

// WithAdapter replaces the Telegram connection (tests, other chat services).
func WithAdapter(ad transport.Adapter) Option { return func(o *options) { o.adapter = ad } }

func WithClock(c clockwork.Clock) Option { return func(o *options) { o.clock = c } }

// WithLogLevel overrides logging.level from the config file.
func WithLogLevel(level string) Option { return func(o *options) { o.logLevel = level } }

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	if o.logLevel != "" && !logx.ValidLevel(o.logLevel) {
		return nil, fmt.Errorf("unknown log level %q", o.logLevel)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	plans, err := CompileWatches(cfg)
	if err != nil {
		return nil, err
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	fuzz, err := mapSchedulerFuzz(cfg)
	if err != nil {
		return nil, err
	}
	hc, httpOn, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}
	sc, pc, storeOn, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}

	ad := o.adapter
	if ad == nil {
		bootLog := logx.NewConsole("INFO")
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		tg, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, bootLog)
		if err != nil {
			return nil, err
		}
		ad = tg
	}

	// Set the log chat before enabling the chat sink so Apply has a target.
	logCfg := mapLogConfig(cfg, o.logLevel)
	bootCfg := logCfg
	bootCfg.Chat.Enabled = false
	logSvc, root := logx.New(bootCfg, ad)
	logSvc.SetChatTarget(mapLogTarget(cfg))
	logSvc.Apply(logCfg)
	log := root.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var (
		store storage.Store
		prune pruneConfig
	)
	if storeOn {
		st, err := storage.Open(sc, root)
		if err != nil {
			logSvc.Close()
			return nil, err
		}
		store = st
		prune = pc
		prune.Retention = effectiveRetention(pc.Retention, longestOffset(plans))
		if pc.Retention > 0 && prune.Retention != pc.Retention {
			log.Warn("storage.retention raised to the longest watch offset", logx.Duration("retention", prune.Retention))
		}
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	notif := notifier.New(ncfg, ad, bus, root)

	reg := deadline.New(o.clock)
	watches := make([]*watch, 0, len(plans))
	for _, p := range plans {
		if err := reg.Register(p.Room); err != nil {
			if store != nil {
				_ = store.Close()
			}
			logSvc.Close()
			return nil, fmt.Errorf("watches[%s]: %w", p.Room, err)
		}
		watches = append(watches, &watch{
			WatchPlan: p,
			sched: bell.NewScheduler(bell.Options{
				Room:      p.Room,
				Target:    p.Target,
				Plan:      p.Plan,
				Fuzz:      fuzz,
				Clock:     o.clock,
				Deadlines: reg,
				Announcer: notif,
				Bus:       bus,
				Log:       root,
			}),
		})
	}

	var srv *httpapi.Server
	if httpOn {
		srv = httpapi.New(hc, reg, root)
	}

	return &App{
		cfgPath:       cfgPath,
		cfgm:          cfgm,
		clock:         o.clock,
		log:           log,
		logs:          logSvc,
		bus:           bus,
		store:         store,
		prune:         prune,
		adapter:       ad,
		notif:         notif,
		registry:      reg,
		http:          srv,
		watches:       watches,
		backfillBatch: mapBackfillBatch(cfg),
		stopPrune:     func() {},
		messages:      make(chan transport.Message, 256),
	}, nil
}

// Registry exposes the deadline registry (HTTP handlers, tests).
func (a *App) Registry() *deadline.Registry { return a.registry }

// HTTPAddr is the bound API address, or "" when the API is disabled.
func (a *App) HTTPAddr() string {
	if a.http == nil {
		return ""
	}
	return a.http.Addr()
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
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := CompileWatches(cfg); err != nil {
			return err
		}
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapHTTPConfig(cfg); err != nil {
			return err
		}
		if _, _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	a.sup.Go0("eventbus.log", func(c context.Context) {
		eventbus.LogEvents(c, a.bus, a.logs.Logger().With(logx.String("comp", "events")))
	})

	a.sup.Go0("dispatch", func(c context.Context) { a.dispatch(c, a.messages) })
	for _, w := range a.watches {
		a.sup.Go("watch."+w.Room, func(c context.Context) error { return a.runWatch(c, w) })
	}

	if err := a.adapter.Start(c, a.messages); err != nil {
		a.sup.Cancel()
		return err
	}
	if a.http != nil {
		a.http.Start(c)
	}
	a.stopPrune = a.startPrune(c)

	a.configReloadLoop()
	a.sup.Go("config.watch", func(c context.Context) error { return a.cfgm.Watch(c) })

	a.sup.Go0("sd.watchdog", a.watchdog)
	a.sdNotify(daemon.SdNotifyReady)
	a.log.Info("app started", logx.Int("watches", len(a.watches)))
	return nil
}

func (a *App) configReloadLoop() {
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
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

// applyConfig applies the hot-reloadable sections of a committed config.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.SetChatTarget(mapLogTarget(newCfg))
	a.logs.Apply(mapLogConfig(newCfg, ""))

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid sender config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Each step is bounded so one component can't stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				limit = min(limit, max(time.Until(dl), 0))
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}

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
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("http", 3*time.Second, func(c context.Context) error {
		if a.http != nil {
			a.http.Stop(c)
		}
		return nil
	})
	step("registry", 0, func(context.Context) error { a.registry.Close(); return nil })
	step("prune", 2*time.Second, func(context.Context) error { a.stopPrune(); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	sent, failed := a.notif.Counters()
	a.log.Info("stopped", logx.Uint64("warnings_sent", sent), logx.Uint64("warnings_failed", failed))
	a.logs.Close()
	return nil
}
