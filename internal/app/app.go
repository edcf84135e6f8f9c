package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"clockswitch/internal/automation"
	"clockswitch/internal/chain"
	"clockswitch/internal/config"
	"clockswitch/internal/eventbus"
	"clockswitch/internal/program/switchprog"
	"clockswitch/internal/rpc"
	"clockswitch/internal/runtime/supervisor"
	"clockswitch/internal/storage"
	"clockswitch/internal/task/engine"
	"clockswitch/internal/task/scheduler"
	logx "clockswitch/pkg/logx"
	"clockswitch/pkg/pubkey"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	ledger *chain.Runtime
	engine *engine.Service
	sched  *scheduler.Service
	runner *automation.Runner
	node   *rpc.Node
	rpc    *rpc.Server

	payer pubkey.Keypair
}

type Option func(*options)

type options struct {
	logOpts []logx.Option
}

// WithLogOptions passes options to the logging service (tests).
func WithLogOptions(opts ...logx.Option) Option {
	return func(o *options) { o.logOpts = append(o.logOpts, opts...) }
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogConfig(cfg), o.logOpts...)
	log := root.With(logx.String("comp", "app"))
	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}
	closeStore := func() {
		if store != nil {
			_ = store.Close()
		}
	}

	progOpts, err := mapProgramOptions(cfg)
	if err != nil {
		closeStore()
		return nil, err
	}
	ledger := chain.New(mapLedgerConfig(cfg), store, bus, root)
	ledger.Register(automation.NewProgram(cfg.Automation.Fee), switchprog.New(progOpts))

	payer, err := loadWallet("payer", cfg.Wallet.Payer, log)
	if err != nil {
		closeStore()
		return nil, err
	}
	worker, err := loadWallet("worker", cfg.Wallet.Worker, log)
	if err != nil {
		closeStore()
		return nil, err
	}

	engCfg, _ := mapTaskEngineConfig(cfg)
	engineSvc := engine.New(engCfg, root, bus)
	schedSvc := scheduler.New(mapSchedulerConfig(cfg), engineSvc, root)

	runCfg, _ := mapRunnerConfig(cfg)
	runner := automation.NewRunner(runCfg, ledger, worker, schedSvc, engineSvc, bus, root)

	node := rpc.NewNode(ledger, payer, rpc.WithRunner(runner), rpc.WithEngine(engineSvc), rpc.WithScheduler(schedSvc))
	rpcCfg, _ := mapRPCConfig(cfg)
	rpcSrv := rpc.NewServer(rpcCfg, node, root)

	log.Info("app configured",
		logx.Stringer("payer", payer.PublicKey()),
		logx.Stringer("worker", worker.PublicKey()),
		logx.Stringer("switch", switchprog.SwitchAddress()),
		logx.String("trigger", progOpts.TriggerKind),
	)

	return &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		ledger: ledger,
		engine: engineSvc,
		sched:  schedSvc,
		runner: runner,
		node:   node,
		rpc:    rpcSrv,
		payer:  payer,
	}, nil
}

func (a *App) Node() *rpc.Node            { return a.node }
func (a *App) Ledger() *chain.Runtime     { return a.ledger }
func (a *App) Runner() *automation.Runner { return a.runner }
func (a *App) Payer() pubkey.Key          { return a.payer.PublicKey() }
func (a *App) RPCAddr() string            { return a.rpc.Addr() }

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
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()
	a.node.AttachSupervisor(a.sup)

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error { return validateConfig(cfg) })

	if err := a.ledger.Load(run); err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	if err := fundPayer(run, a.ledger, a.payer.PublicKey(), a.cfgm.Get().Wallet.AirdropOnStart, a.log); err != nil {
		return err
	}

	if a.engine.Enabled() {
		a.engine.Start(run)
	}
	if a.sched.Enabled() {
		a.sched.Start(run)
	}

	a.sup.GoRestart("automation.runner", a.runner.Run)
	a.sup.GoRestart("rpc", a.rpc.Run, supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	// Debug-level: cron threads commit a transaction every tick.
	events, unsub := a.bus.Subscribe(128, "thread", "tx")
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
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("app started")
	return nil
}

// applyConfig pushes a validated reload into the live services.
func (a *App) applyConfig(ctx context.Context, prev, next *Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(next))
	a.ledger.Apply(mapLedgerConfig(next))

	prevSchedEnabled := a.sched.Enabled()
	prevEngEnabled := a.engine.Enabled()

	newEngCfg, err := mapTaskEngineConfig(next)
	if err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, newEngCfg)
	}
	a.sched.Apply(ctx, mapSchedulerConfig(next))
	newEngEnabled := a.engine.Enabled()
	newSchedEnabled := next.Scheduler.Enabled

	// scheduler first on shutdown; engine first on startup
	if prevSchedEnabled && !newSchedEnabled {
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	}
	if prevEngEnabled && !newEngEnabled {
		a.log.Info("task engine disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.engine.Stop(stopCtx)
		cancel()
	}
	if !prevEngEnabled && newEngEnabled {
		a.log.Info("task engine enabled via config")
		a.engine.Start(ctx)
	}
	if !prevSchedEnabled && newSchedEnabled {
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}

	if rc, err := mapRunnerConfig(next); err != nil {
		a.log.Warn("invalid automation config; keeping previous", logx.Err(err))
	} else {
		a.runner.Apply(rc)
	}
	if rc, err := mapRPCConfig(next); err != nil {
		a.log.Warn("invalid rpc config; keeping previous", logx.Err(err))
	} else {
		a.rpc.Apply(rc)
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		return a.logs.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "taskengine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	// Runner and rpc exit on cancel; wait for them before closing storage.
	a.step(ctx, "supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
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
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		// fn must honor stepCtx; if it doesn't, log when it finally returns.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
	}
}
