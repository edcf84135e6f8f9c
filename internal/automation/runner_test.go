package automation

import (
	"context"
	"testing"
	"time"
	_ "time/tzdata"

	"clockswitch/internal/chain"
	"clockswitch/internal/eventbus"
	"clockswitch/internal/task/engine"
	"clockswitch/internal/task/scheduler"
	logx "clockswitch/pkg/logx"
	"clockswitch/pkg/pubkey"
)

type runnerFixture struct {
	fixture
	runner *Runner
	sched  *scheduler.Service
	cancel context.CancelFunc
	done   chan error
}

func startRunner(t *testing.T, f fixture) *runnerFixture {
	t.Helper()
	return startRunnerIn(t, f, "UTC")
}

// startRunnerIn runs the Runner on a scheduler configured for tz.
func startRunnerIn(t *testing.T, f fixture, tz string) *runnerFixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	eng := engine.New(engine.Config{Enabled: true, Workers: 1, RetryMax: -1}, logx.Nop(), f.bus)
	eng.Start(ctx)
	sched := scheduler.New(scheduler.Config{Enabled: true, Timezone: tz}, eng, logx.Nop())
	sched.Start(ctx)

	r := NewRunner(RunnerConfig{Enabled: true, Reconcile: time.Hour}, f.rt, f.worker, sched, eng, f.bus, logx.Nop())
	rf := &runnerFixture{fixture: f, runner: r, sched: sched, cancel: cancel, done: make(chan error, 1)}
	go func() { rf.done <- r.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-rf.done
		stopCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		defer stop()
		sched.Stop(stopCtx)
		eng.Stop(stopCtx)
	})
	select {
	case <-r.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not start")
	}
	return rf
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (f fixture) execIndex(k pubkey.Key) uint64 {
	acct, ok := f.rt.GetAccount(k)
	if !ok {
		return 0
	}
	th, err := LoadThread(acct)
	if err != nil || th.ExecContext == nil {
		return 0
	}
	return th.ExecContext.ExecIndex
}

func TestRunnerExecutesExistingThread(t *testing.T) {
	f := newFixture(t, time.Now)
	thread := f.mustCreate(t, "boot", Now())

	rf := startRunner(t, f)
	waitFor(t, "thread execution", func() bool { return rf.runner.Snapshot().Executed == 1 })

	snap := rf.runner.Snapshot()
	if f.execIndex(thread) != 1 || len(snap.Threads) != 1 || snap.Threads[0].Address != thread {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestRunnerPicksUpNewThreads(t *testing.T) {
	f := newFixture(t, time.Now)
	events, unsub := f.bus.Subscribe(64)
	defer unsub()
	rf := startRunner(t, f)

	thread := f.mustCreate(t, "live", Now())
	waitFor(t, "thread execution", func() bool { return f.execIndex(thread) == 1 })
	if _, ok := rf.runner.Registration(thread); !ok {
		t.Fatal("thread not registered")
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type != eventbus.TypeThreadCreated {
				continue
			}
			ev, ok := e.Data.(ThreadEvent)
			if !ok || ev.Address != thread || ev.ID != "live" {
				t.Fatalf("thread.created payload = %+v", e.Data)
			}
			return
		case <-deadline:
			t.Fatal("no thread.created event")
		}
	}
}

func TestRunnerAccountTrigger(t *testing.T) {
	f := newFixture(t, time.Now)
	watched, _ := pubkey.NewKeypair()
	create := chain.CreateAccountInstruction(f.payer.PublicKey(), watched.PublicKey(), chain.MinimumBalance(9), 9, f.target.id)
	if _, err := f.exec(t, f.payer, []pubkey.Keypair{watched}, create); err != nil {
		t.Fatalf("create watched: %v", err)
	}
	thread := f.mustCreate(t, "watch", Account(watched.PublicKey(), 8, 1))
	rf := startRunner(t, f)
	waitFor(t, "registration", func() bool {
		_, ok := rf.runner.Registration(thread)
		return ok
	})

	for i, b := range []byte{1, 0} {
		ix := chain.Instruction{ProgramID: f.target.id, Accounts: []chain.AccountMeta{chain.Writable(watched.PublicKey(), false)}, Data: []byte{1, 0, 0, 0, 0, 0, 0, 0, 0, b}}
		if _, err := f.exec(t, f.payer, nil, ix); err != nil {
			t.Fatalf("write: %v", err)
		}
		want := uint64(i + 1)
		waitFor(t, "account-triggered execution", func() bool { return f.execIndex(thread) == want })
	}
}

func TestRunnerForgetsDeletedThreads(t *testing.T) {
	f := newFixture(t, time.Now)
	thread := f.mustCreate(t, "gone", Timestamp(time.Now().Add(time.Hour).Unix()))
	rf := startRunner(t, f)
	waitFor(t, "registration", func() bool {
		_, ok := rf.runner.Registration(thread)
		return ok
	})

	ix := NewThreadDeleteInstruction(f.authority.PublicKey(), f.payer.PublicKey(), thread)
	if _, err := f.exec(t, f.payer, []pubkey.Keypair{f.authority}, ix); err != nil {
		t.Fatalf("delete: %v", err)
	}
	waitFor(t, "unregistration", func() bool {
		_, ok := rf.runner.Registration(thread)
		return !ok
	})
}

func TestRunnerTopsUpWorker(t *testing.T) {
	f := newFixture(t, time.Now)
	broke, _ := pubkey.NewKeypair()
	f.worker = broke
	thread := f.mustCreate(t, "funded", Now())

	rf := startRunner(t, f)
	waitFor(t, "thread execution", func() bool { return f.execIndex(thread) == 1 })
	if snap := rf.runner.Snapshot(); snap.TopUps != 1 || snap.Worker != broke.PublicKey().String() {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestRunnerCronFollowsProgramClock(t *testing.T) {
	f := newFixture(t, time.Now)
	const schedule = "0 0 9 * * *"
	thread := f.mustCreate(t, "daily", Cron(schedule, true))

	rf := startRunnerIn(t, f, "Asia/Jakarta")
	reg, ok := rf.runner.Registration(thread)
	if !ok {
		t.Fatal("thread not registered")
	}

	var fires time.Time
	for _, it := range rf.sched.Snapshot().Schedules {
		if it.Name == reg.Task {
			fires = it.Next
			if it.Timezone != "UTC" {
				t.Fatalf("thread schedule timezone = %q, want UTC", it.Timezone)
			}
		}
	}
	if fires.IsZero() {
		t.Fatalf("no cron entry for %s", reg.Task)
	}
	due, err := scheduler.Next(schedule, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if !fires.Equal(due) {
		t.Fatalf("runner fires at %s, thread is due at %s", fires.UTC(), due)
	}
}

func TestReconcileStopsOnCancel(t *testing.T) {
	f := newFixture(t, time.Now)
	thread := f.mustCreate(t, "later", Timestamp(time.Now().Add(time.Hour).Unix()))
	sched := scheduler.New(scheduler.Config{Enabled: true, Timezone: "UTC"}, nil, logx.Nop())
	r := NewRunner(RunnerConfig{Enabled: true}, f.rt, f.worker, sched, nil, f.bus, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.reconcile(ctx)
	if _, ok := r.Registration(thread); ok {
		t.Fatal("canceled reconcile registered a thread")
	}

	r.reconcile(context.Background())
	if _, ok := r.Registration(thread); !ok {
		t.Fatal("thread not registered after reconcile")
	}
	if !sched.Has(taskName(thread)) {
		t.Fatal("timestamp trigger not scheduled")
	}
}
