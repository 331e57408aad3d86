// Package app wires configuration, storage, the Telegram transport and the
// opt-in and broadcast services into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"mentionbot/internal/config"
	"mentionbot/internal/eventbus"
	"mentionbot/internal/ledger"
	"mentionbot/internal/mention"
	"mentionbot/internal/optin"
	"mentionbot/internal/runtime/supervisor"
	"mentionbot/internal/schedule"
	kit "mentionbot/internal/transport"
	telegram "mentionbot/internal/transport/telegram/adapter"
	"mentionbot/internal/transport/telegram/router"
	logx "mentionbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor
	// bg runs fire-and-forget work (delayed deletes) that outlives a request.
	bg *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	ledger  *ledger.Ledger
	adapter *telegram.Adapter
	router  *router.Router

	mention *mention.Broadcaster
	optin   *optin.Service
	sched   *schedule.Service

	updates chan kit.Update
}

// New loads cfgPath (after the optional env files) and builds every
// component. Nothing talks to Telegram until Start.
func New(cfgPath string, envFiles ...string) (*App, error) {
	if err := config.LoadEnvFiles(envFiles...); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))

	sched := schedule.New(nil, logx.Nop(), time.Local)
	if err := validate(cfg, sched); err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// Telegram logging stays off until the target chat is set, otherwise
	// Apply warns about a missing target.
	logCfg := mapLogConfig(cfg)
	enableTG := logCfg.Telegram.Enabled
	logCfg.Telegram.Enabled = false
	logSvc, log := logx.New(logCfg, ad)
	logSvc.SetTelegramTarget(logTarget(cfg), cfg.Logging.Telegram.ThreadID)
	logCfg.Telegram.Enabled = enableTG
	logSvc.Apply(logCfg)
	log = log.With(logx.String("comp", "app"))

	sc, err := mapStoreConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := ledger.OpenStore(sc, log.With(logx.String("comp", "ledger.store")))
	if err != nil {
		return nil, err
	}
	led, err := ledger.Open(context.Background(), store, sc.Mode, log.With(logx.String("comp", "ledger")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	bus := eventbus.New()
	bg := supervisor.New(context.Background(),
		supervisor.WithLogger(log.With(logx.String("comp", "background"))),
		supervisor.WithCancelOnError(false),
	)

	bcfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		_ = led.Close()
		return nil, err
	}
	bc := mention.New(ad, led, bcfg,
		mention.WithLogger(log.With(logx.String("comp", "mention"))),
		mention.WithBus(bus),
	)

	ocfg, err := mapOptInConfig(cfg)
	if err != nil {
		_ = led.Close()
		return nil, err
	}
	opt := optin.New(ad, led, bg, ocfg,
		optin.WithLogger(log.With(logx.String("comp", "optin"))),
		optin.WithBus(bus),
	)

	rt := router.New(log.With(logx.String("comp", "router")))
	rt.SetRegistry(routes(bc, opt))

	// Scheduled runs queue on the chat's worker like any other update, so
	// they never interleave with a /mention_all in the same chat.
	sched = schedule.New(func(ctx context.Context, job schedule.Job) error {
		chat := kit.ChatTarget{ChatID: job.ChatID, ThreadID: job.ThreadID}
		return rt.Submit(ctx, chat, "schedule:"+job.Name, func(ctx context.Context, _ *router.Request) error {
			_, err := bc.Broadcast(ctx, mention.Request{Chat: chat, Trigger: TriggerSchedule})
			return err
		})
	}, log.With(logx.String("comp", "schedule")), time.Local)
	if err := sched.Apply(mapJobs(cfg)); err != nil {
		_ = led.Close()
		return nil, err
	}

	return &App{
		cfgm:    cfgm,
		bg:      bg,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		ledger:  led,
		adapter: ad,
		router:  rt,
		mention: bc,
		optin:   opt,
		sched:   sched,
		updates: make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg, a.sched)
	})

	a.router.SetBotUsername(a.adapter.Username())
	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})
	a.sup.Go0("telegram.menu", func(c context.Context) {
		mctx, cancel := context.WithTimeout(c, 15*time.Second)
		defer cancel()
		if err := a.adapter.UpdateMenuCommands(mctx, a.router.Menu()); err != nil {
			a.log.Warn("menu update failed", logx.Err(err))
		}
	})

	a.sched.Start(a.sup.Context())

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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started",
		logx.String("bot", a.adapter.Username()),
		logx.String("config", a.cfgm.Path()),
		logx.String("ledger_scope", a.ledger.Mode().String()),
		logx.String("schedules", schedule.Describe(mapJobs(a.cfgm.Get()))),
	)
	return nil
}

// applyConfig pushes a validated reload into the running services. Token and
// ledger changes only take effect after a restart.
func (a *App) applyConfig(prev, next *config.Config) {
	sections := config.ChangedSections(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		switch s {
		case "ledger":
			a.log.Warn("ledger config changed; restart required for changes to take effect")
		case "telegram":
			if prev.Telegram.Token != next.Telegram.Token || prev.Telegram.PollTimeout != next.Telegram.PollTimeout {
				a.log.Warn("telegram connection settings changed; restart required for changes to take effect")
			}
		}
	}

	a.logs.SetTelegramTarget(logTarget(next), next.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLogConfig(next))

	if bcfg, err := mapBroadcastConfig(next); err != nil {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		a.mention.Apply(bcfg)
	}
	if ocfg, err := mapOptInConfig(next); err != nil {
		a.log.Warn("invalid optin config; keeping previous", logx.Err(err))
	} else {
		a.optin.Apply(ocfg)
	}
	if err := a.sched.Apply(mapJobs(next)); err != nil {
		a.log.Warn("invalid schedules; keeping previous", logx.Err(err))
	} else if slices.Contains(sections, "broadcast") {
		a.log.Info("schedules applied", logx.String("schedules", schedule.Describe(mapJobs(next))))
	}

	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return a.close()
	}
	a.log.Info("stopping")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		sctx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(sctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 4*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("background", 2*time.Second, func(c context.Context) error {
		a.bg.Cancel()
		return a.bg.Wait(c)
	})
	if err := a.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// close releases the ledger and the log sinks.
func (a *App) close() error {
	err := a.ledger.Close()
	if err != nil {
		a.log.Error("ledger close failed", logx.Err(err))
	}
	a.log.Info("stopped", logx.Uint64("events_dropped", eventbus.Dropped(a.bus)))
	_ = a.logs.Close()
	return err
}
