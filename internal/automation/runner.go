package automation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"clockswitch/internal/chain"
	"clockswitch/internal/eventbus"
	"clockswitch/internal/task/engine"
	"clockswitch/internal/task/scheduler"
	logx "clockswitch/pkg/logx"
	"clockswitch/pkg/pubkey"
)

// Ledger is the part of the host runtime the Runner needs.
type Ledger interface {
	Execute(ctx context.Context, tx *chain.Transaction) (chain.Receipt, error)
	GetAccount(k pubkey.Key) (chain.Account, bool)
	AccountsOwnedBy(owner pubkey.Key) []chain.KeyedAccount
	Clock() chain.Clock
}

// Faucet is implemented by ledgers that can fund the worker.
type Faucet interface {
	Airdrop(ctx context.Context, k pubkey.Key, lamports uint64) (chain.Receipt, error)
}

type RunnerConfig struct {
	Enabled bool
	// Reconcile is how often the Runner rescans thread accounts.
	Reconcile   time.Duration
	ExecTimeout time.Duration
	// MaxCatchUp bounds back-to-back executions of a non-skippable cron
	// thread that fell behind.
	MaxCatchUp int
	// WorkerMinBalance triggers a faucet top-up of WorkerTopUp lamports.
	WorkerMinBalance uint64
	WorkerTopUp      uint64
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.Reconcile <= 0 {
		c.Reconcile = 30 * time.Second
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 10 * time.Second
	}
	if c.MaxCatchUp <= 0 {
		c.MaxCatchUp = 16
	}
	if c.WorkerMinBalance == 0 {
		c.WorkerMinBalance = chain.LamportsPerSOL / 100
	}
	if c.WorkerTopUp == 0 {
		c.WorkerTopUp = chain.LamportsPerSOL
	}
	return c
}

// ThreadEvent is the payload of thread.* bus events.
type ThreadEvent struct {
	Address   pubkey.Key `json:"address"`
	Authority pubkey.Key `json:"authority"`
	ID        string     `json:"id"`
	Trigger   string     `json:"trigger"`
	Slot      uint64     `json:"slot"`
}

// Registration is the Runner's view of one thread.
type Registration struct {
	Address    pubkey.Key `json:"address"`
	Authority  pubkey.Key `json:"authority"`
	ID         string     `json:"id"`
	Trigger    string     `json:"trigger"`
	Paused     bool       `json:"paused"`
	Task       string     `json:"task"`
	ExecIndex  uint64     `json:"exec_index"`
	LastExecAt uint64     `json:"last_exec_at"`
	Since      time.Time  `json:"since"`

	kind  TriggerKind
	watch pubkey.Key
}

// RunnerSnapshot is a point-in-time view of the Runner.
type RunnerSnapshot struct {
	Enabled  bool           `json:"enabled"`
	Worker   string         `json:"worker"`
	Threads  []Registration `json:"threads"`
	Executed uint64         `json:"executed"`
	Failed   uint64         `json:"failed"`
	NotReady uint64         `json:"not_ready"`
	TopUps   uint64         `json:"top_ups"`
}

// Runner watches thread triggers and submits thread_exec transactions
// signed by the worker keypair. Whether a thread may run is always decided
// by the thread program; the Runner only decides when to ask.
type Runner struct {
	log    logx.Logger
	ledger Ledger
	worker pubkey.Keypair
	sched  *scheduler.Service
	eng    *engine.Service
	bus    eventbus.Bus

	mu      sync.Mutex
	cfg     RunnerConfig
	threads map[pubkey.Key]*Registration
	watch   map[pubkey.Key]map[pubkey.Key]bool // watched account -> threads

	topMu sync.Mutex

	ready     chan struct{}
	readyOnce sync.Once

	executed atomic.Uint64
	failed   atomic.Uint64
	notReady atomic.Uint64
	topUps   atomic.Uint64
}

func NewRunner(cfg RunnerConfig, ledger Ledger, worker pubkey.Keypair, sched *scheduler.Service, eng *engine.Service, bus eventbus.Bus, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{
		log:     log.With(logx.String("comp", "automation")),
		ledger:  ledger,
		worker:  worker,
		sched:   sched,
		eng:     eng,
		bus:     bus,
		cfg:     cfg.withDefaults(),
		threads: map[pubkey.Key]*Registration{},
		watch:   map[pubkey.Key]map[pubkey.Key]bool{},
		ready:   make(chan struct{}),
	}
}

// Ready is closed once Run has subscribed to the bus and registered the
// threads that already exist.
func (r *Runner) Ready() <-chan struct{} { return r.ready }

func (r *Runner) Worker() pubkey.Key { return r.worker.PublicKey() }

// Apply swaps the config. Disabling unregisters every thread; enabling
// takes effect on the next reconcile.
func (r *Runner) Apply(cfg RunnerConfig) {
	cfg = cfg.withDefaults()
	r.mu.Lock()
	prev := r.cfg
	r.cfg = cfg
	r.mu.Unlock()

	if prev.Enabled && !cfg.Enabled {
		r.unregisterAll()
	}
	if cfg.Reconcile != prev.Reconcile && cfg.Enabled {
		r.registerReconcile()
	}
}

func (r *Runner) enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg.Enabled
}

// Run subscribes to ledger events and keeps registrations in sync until ctx
// is done.
func (r *Runner) Run(ctx context.Context) error {
	if r.bus == nil {
		return errors.New("automation runner needs an event bus")
	}
	ch, unsub := r.bus.Subscribe(1024, eventbus.TypeAccountChanged)
	defer unsub()

	r.registerReconcile()
	defer r.sched.Remove("automation.reconcile")
	r.reconcile(ctx)
	r.readyOnce.Do(func() { close(r.ready) })

	for {
		select {
		case <-ctx.Done():
			r.unregisterAll()
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			change, ok := e.Data.(chain.AccountChange)
			if !ok {
				continue
			}
			r.onAccountChanged(change)
		}
	}
}

func (r *Runner) registerReconcile() {
	r.mu.Lock()
	every := r.cfg.Reconcile
	r.mu.Unlock()
	_, err := r.sched.AddInterval("automation.reconcile", every, every, func(ctx context.Context) error {
		r.reconcile(ctx)
		return nil
	})
	if err != nil {
		r.log.Warn("reconcile schedule failed", logx.Err(err))
	}
}

// reconcile rescans every thread account. It catches changes whose events
// were dropped by a full subscriber.
func (r *Runner) reconcile(ctx context.Context) {
	if !r.enabled() {
		return
	}
	seen := map[pubkey.Key]bool{}
	for _, ka := range r.ledger.AccountsOwnedBy(ProgramID) {
		if ctx.Err() != nil {
			// A partial scan must not unregister the threads it missed.
			return
		}
		seen[ka.Key] = true
		r.sync(ka.Key, ka.Account, 0)
	}
	r.mu.Lock()
	var gone []pubkey.Key
	for k := range r.threads {
		if !seen[k] {
			gone = append(gone, k)
		}
	}
	r.mu.Unlock()
	for _, k := range gone {
		r.sync(k, chain.Account{}, 0)
	}
}

func (r *Runner) onAccountChanged(c chain.AccountChange) {
	if !r.enabled() {
		return
	}
	r.mu.Lock()
	_, known := r.threads[c.Key]
	var watchers []pubkey.Key
	for k := range r.watch[c.Key] {
		watchers = append(watchers, k)
	}
	r.mu.Unlock()

	if known || c.Account.Owner == ProgramID {
		r.sync(c.Key, c.Account, c.Slot)
	}
	for _, k := range watchers {
		r.fire(k, allowOverlap())
	}
}

// allowOverlap is used for account-triggered runs: every change gets its
// own attempt.
func allowOverlap() engine.TaskOptions { return engine.TaskOptions{Overlap: engine.OverlapAllow} }

func taskName(k pubkey.Key) string { return "thread." + k.String() }

// sync brings the registration for address in line with acct.
func (r *Runner) sync(address pubkey.Key, acct chain.Account, slot uint64) {
	var t *Thread
	if acct.Exists() {
		var err error
		if t, err = LoadThread(acct); err != nil {
			r.log.Debug("ignoring program account", logx.String("address", address.String()), logx.Err(err))
			t = nil
		}
	}

	r.mu.Lock()
	prev := r.threads[address]
	if t == nil {
		if prev == nil {
			r.mu.Unlock()
			return
		}
		r.dropLocked(address, prev)
		r.mu.Unlock()
		r.sched.Remove(prev.Task)
		r.publish(eventbus.TypeThreadDeleted, prev, slot)
		r.log.Info("thread removed", logx.String("thread", address.String()), logx.String("id", prev.ID))
		return
	}

	reg := &Registration{
		Address:   address,
		Authority: t.Authority,
		ID:        t.ID,
		Trigger:   t.Trigger.String(),
		Paused:    t.Paused,
		Task:      taskName(address),
		Since:     time.Now(),
		kind:      t.Trigger.Kind,
	}
	if t.ExecContext != nil {
		reg.ExecIndex = t.ExecContext.ExecIndex
		reg.LastExecAt = t.ExecContext.LastExecAt
	}
	if t.Trigger.Kind == TriggerAccount {
		reg.watch = t.Trigger.Account.Address
	}
	if prev != nil {
		reg.Since = prev.Since
	}
	changed := prev == nil || prev.Paused != reg.Paused || prev.Trigger != reg.Trigger
	if prev != nil {
		r.dropLocked(address, prev)
	}
	r.threads[address] = reg
	if reg.kind == TriggerAccount && !reg.Paused {
		if r.watch[reg.watch] == nil {
			r.watch[reg.watch] = map[pubkey.Key]bool{}
		}
		r.watch[reg.watch][address] = true
	}
	r.mu.Unlock()

	if !changed {
		return
	}
	switch {
	case prev == nil:
		r.publish(eventbus.TypeThreadCreated, reg, slot)
	case reg.Paused && !prev.Paused:
		r.publish(eventbus.TypeThreadPaused, reg, slot)
	case !reg.Paused && prev.Paused:
		r.publish(eventbus.TypeThreadResumed, reg, slot)
	}
	r.sched.Remove(reg.Task)
	if reg.Paused {
		r.log.Info("thread paused", logx.String("thread", address.String()), logx.String("id", reg.ID))
		return
	}
	if err := r.arm(reg, t); err != nil {
		r.log.Warn("thread trigger not armed", logx.String("thread", address.String()), logx.String("trigger", reg.Trigger), logx.Err(err))
		return
	}
	r.log.Info("thread registered", logx.String("thread", address.String()), logx.String("id", reg.ID), logx.String("trigger", reg.Trigger))
}

// dropLocked removes reg's watch entry. Call with r.mu held.
func (r *Runner) dropLocked(address pubkey.Key, reg *Registration) {
	delete(r.threads, address)
	if reg.kind != TriggerAccount {
		return
	}
	if m := r.watch[reg.watch]; m != nil {
		delete(m, address)
		if len(m) == 0 {
			delete(r.watch, reg.watch)
		}
	}
}

func (r *Runner) arm(reg *Registration, t *Thread) error {
	r.mu.Lock()
	timeout := r.cfg.ExecTimeout
	r.mu.Unlock()
	address := reg.Address
	job := func(ctx context.Context) error { return r.run(ctx, address) }

	switch t.Trigger.Kind {
	case TriggerCron:
		opt := engine.TaskOptions{Overlap: engine.OverlapAllow}
		if t.Trigger.Cron.Skippable {
			opt.Overlap = engine.OverlapSkipIfRunning
		}
		// The program evaluates thread schedules in UTC.
		_, err := r.sched.AddCronInOpt(reg.Task, t.Trigger.Cron.Schedule, time.UTC, timeout, opt, job)
		return err
	case TriggerTimestamp:
		if t.ExecContext != nil {
			return nil
		}
		_, err := r.sched.AddOnceOpt(reg.Task, time.Unix(t.Trigger.Timestamp.UnixTs, 0), timeout, engine.TaskOptions{}, job)
		return err
	case TriggerNow:
		if t.ExecContext != nil {
			return nil
		}
		_, err := r.sched.AddOnceOpt(reg.Task, time.Now(), timeout, engine.TaskOptions{}, job)
		return err
	case TriggerAccount:
		// The watched bytes may have changed while nobody was looking.
		r.fire(address, allowOverlap())
		return nil
	}
	return fmt.Errorf("%w: unknown kind %q", ErrInvalidTrigger, t.Trigger.Kind)
}

func (r *Runner) fire(address pubkey.Key, opt engine.TaskOptions) {
	if r.eng == nil {
		return
	}
	r.mu.Lock()
	timeout := r.cfg.ExecTimeout
	r.mu.Unlock()
	err := r.eng.Enqueue(engine.Task{
		Name:    taskName(address),
		Timeout: timeout,
		Opt:     opt,
		Run:     func(ctx context.Context) error { return r.run(ctx, address) },
	})
	if err != nil && !errors.Is(err, engine.ErrOverlapSkip) {
		r.log.Warn("thread run not queued", logx.String("thread", address.String()), logx.Err(err))
	}
}

// run executes the thread, then keeps going while a non-skippable cron
// thread is still behind schedule.
func (r *Runner) run(ctx context.Context, address pubkey.Key) error {
	r.mu.Lock()
	limit := r.cfg.MaxCatchUp
	r.mu.Unlock()

	for i := 0; i < limit; i++ {
		err := r.Exec(ctx, address)
		if err == nil {
			if r.behind(address) {
				continue
			}
			return nil
		}
		if IsNotReady(err) {
			if i > 0 {
				return nil
			}
			return engine.NoRetry(err)
		}
		if errors.Is(err, ErrInsufficientThreadFunds) || errors.Is(err, ErrAccountNotInitialized) {
			return engine.NoRetry(err)
		}
		return err
	}
	return nil
}

// behind reports whether a cron thread is still due after executing.
func (r *Runner) behind(address pubkey.Key) bool {
	acct, ok := r.ledger.GetAccount(address)
	if !ok {
		return false
	}
	t, err := LoadThread(acct)
	if err != nil || t.Trigger.Kind != TriggerCron || t.Paused {
		return false
	}
	due, _, err := t.Due(r.ledger.Clock(), chain.Account{})
	return err == nil && due
}

// Exec submits one thread_exec transaction for the thread at address.
func (r *Runner) Exec(ctx context.Context, address pubkey.Key) error {
	acct, ok := r.ledger.GetAccount(address)
	if !ok {
		return ErrAccountNotInitialized
	}
	t, err := LoadThread(acct)
	if err != nil {
		return err
	}
	if err := r.topUp(ctx); err != nil {
		return err
	}

	ix := NewThreadExecInstruction(r.worker.PublicKey(), address, t)
	tx := chain.NewTransaction(r.worker.PublicKey(), ix)
	tx.Sign(r.worker)
	rc, err := r.ledger.Execute(ctx, tx)
	if err != nil {
		if IsNotReady(err) {
			r.notReady.Add(1)
			r.log.Debug("thread not ready", logx.String("thread", address.String()), logx.Err(err))
		} else {
			r.failed.Add(1)
			r.log.Warn("thread exec failed", logx.String("thread", address.String()), logx.String("id", t.ID), logx.Err(err))
		}
		return err
	}
	r.executed.Add(1)
	r.log.Debug("thread executed",
		logx.String("thread", address.String()),
		logx.String("id", t.ID),
		logx.Uint64("slot", rc.Slot),
		logx.String("sig", rc.Signature),
	)
	return nil
}

// topUp keeps the worker able to pay transaction fees.
func (r *Runner) topUp(ctx context.Context) error {
	f, ok := r.ledger.(Faucet)
	if !ok {
		return nil
	}
	r.mu.Lock()
	minBal, amount := r.cfg.WorkerMinBalance, r.cfg.WorkerTopUp
	r.mu.Unlock()

	r.topMu.Lock()
	defer r.topMu.Unlock()
	w := r.worker.PublicKey()
	if acct, _ := r.ledger.GetAccount(w); acct.Lamports >= minBal {
		return nil
	}
	if _, err := f.Airdrop(ctx, w, amount); err != nil {
		return fmt.Errorf("worker top-up: %w", err)
	}
	r.topUps.Add(1)
	r.log.Info("worker topped up", logx.String("worker", w.String()), logx.Uint64("lamports", amount))
	return nil
}

func (r *Runner) unregisterAll() {
	r.mu.Lock()
	names := make([]string, 0, len(r.threads))
	for _, reg := range r.threads {
		names = append(names, reg.Task)
	}
	r.threads = map[pubkey.Key]*Registration{}
	r.watch = map[pubkey.Key]map[pubkey.Key]bool{}
	r.mu.Unlock()
	for _, n := range names {
		r.sched.Remove(n)
	}
}

func (r *Runner) publish(typ string, reg *Registration, slot uint64) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Data: ThreadEvent{
		Address:   reg.Address,
		Authority: reg.Authority,
		ID:        reg.ID,
		Trigger:   reg.Trigger,
		Slot:      slot,
	}})
}

// Registration returns the current registration for address.
func (r *Runner) Registration(address pubkey.Key) (Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.threads[address]
	if !ok {
		return Registration{}, false
	}
	return *reg, true
}

func (r *Runner) Snapshot() RunnerSnapshot {
	r.mu.Lock()
	snap := RunnerSnapshot{Enabled: r.cfg.Enabled, Worker: r.worker.PublicKey().String()}
	for _, reg := range r.threads {
		snap.Threads = append(snap.Threads, *reg)
	}
	r.mu.Unlock()
	sort.Slice(snap.Threads, func(i, j int) bool { return snap.Threads[i].Task < snap.Threads[j].Task })
	snap.Executed = r.executed.Load()
	snap.Failed = r.failed.Load()
	snap.NotReady = r.notReady.Load()
	snap.TopUps = r.topUps.Load()
	return snap
}
