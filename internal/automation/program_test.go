package automation

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"clockswitch/internal/chain"
	"clockswitch/internal/eventbus"
	logx "clockswitch/pkg/logx"
	"clockswitch/pkg/pubkey"
)

const t0 int64 = 1_700_000_000 // 22:13:20 UTC, a multiple of ten seconds

// targetProgram is what threads call in tests.
//
//	data[0] == 0: require accounts[0] to sign (the thread)
//	data[0] == 1: write data[1:] into accounts[0]
type targetProgram struct{ id pubkey.Key }

func (p targetProgram) ID() pubkey.Key { return p.id }
func (p targetProgram) Name() string   { return "target" }

func (p targetProgram) Process(ic *chain.InvokeContext, accounts []chain.AccountMeta, data []byte) error {
	if len(data) == 0 || len(accounts) == 0 {
		return chain.ErrInvalidInstruction
	}
	switch data[0] {
	case 0:
		if !ic.IsSigner(accounts[0].Key) {
			return chain.ErrMissingSignature
		}
		ic.Log("called by %s", accounts[0].Key)
		return nil
	case 1:
		a := ic.Account(accounts[0].Key)
		a.Data = append([]byte(nil), data[1:]...)
		return ic.Set(accounts[0].Key, a)
	}
	return chain.ErrInvalidInstruction
}

type fixture struct {
	rt        *chain.Runtime
	bus       eventbus.Bus
	now       *atomic.Int64
	target    targetProgram
	payer     pubkey.Keypair
	authority pubkey.Keypair
	worker    pubkey.Keypair
}

func newFixture(t *testing.T, now func() time.Time) fixture {
	t.Helper()
	f := fixture{bus: eventbus.New(), now: &atomic.Int64{}}
	f.now.Store(t0)
	if now == nil {
		now = func() time.Time { return time.Unix(f.now.Load(), 0) }
	}
	f.rt = chain.New(chain.Config{}, nil, f.bus, logx.Nop(), chain.WithNow(now))
	targetKey, _ := pubkey.NewKeypair()
	f.target = targetProgram{id: targetKey.PublicKey()}
	f.rt.Register(NewProgram(0), f.target)

	var err error
	for _, kp := range []*pubkey.Keypair{&f.payer, &f.authority, &f.worker} {
		if *kp, err = pubkey.NewKeypair(); err != nil {
			t.Fatal(err)
		}
	}
	for _, k := range []pubkey.Key{f.payer.PublicKey(), f.worker.PublicKey()} {
		if _, err := f.rt.Airdrop(context.Background(), k, chain.LamportsPerSOL); err != nil {
			t.Fatalf("Airdrop: %v", err)
		}
	}
	return f
}

func (f fixture) exec(t *testing.T, feePayer pubkey.Keypair, signers []pubkey.Keypair, ixs ...chain.Instruction) (chain.Receipt, error) {
	t.Helper()
	tx := chain.NewTransaction(feePayer.PublicKey(), ixs...)
	tx.Sign(append([]pubkey.Keypair{feePayer}, signers...)...)
	return f.rt.Execute(context.Background(), tx)
}

func (f fixture) echo(thread pubkey.Key) chain.Instruction {
	return chain.Instruction{ProgramID: f.target.id, Accounts: []chain.AccountMeta{chain.Readonly(thread, true)}, Data: []byte{0}}
}

func (f fixture) create(t *testing.T, id string, trigger Trigger, amount uint64) (pubkey.Key, error) {
	t.Helper()
	thread, _, err := ThreadAddress(f.authority.PublicKey(), id)
	if err != nil {
		t.Fatal(err)
	}
	ix := NewThreadCreateInstruction(f.authority.PublicKey(), f.payer.PublicKey(), thread, ThreadCreateArgs{
		Amount:       amount,
		ID:           id,
		Instructions: []chain.Instruction{f.echo(thread)},
		Trigger:      trigger,
	})
	_, err = f.exec(t, f.payer, []pubkey.Keypair{f.authority}, ix)
	return thread, err
}

func (f fixture) mustCreate(t *testing.T, id string, trigger Trigger) pubkey.Key {
	t.Helper()
	thread, err := f.create(t, id, trigger, chain.LamportsPerSOL/100)
	if err != nil {
		t.Fatalf("thread_create: %v", err)
	}
	return thread
}

func (f fixture) run(t *testing.T, thread pubkey.Key) error {
	t.Helper()
	th := f.thread(t, thread)
	_, err := f.exec(t, f.worker, nil, NewThreadExecInstruction(f.worker.PublicKey(), thread, th))
	return err
}

func (f fixture) thread(t *testing.T, k pubkey.Key) *Thread {
	t.Helper()
	acct, _ := f.rt.GetAccount(k)
	th, err := LoadThread(acct)
	if err != nil {
		t.Fatalf("LoadThread(%s): %v", k, err)
	}
	return th
}

func TestThreadCreateStoresThread(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	thread := f.mustCreate(t, "job-1", Cron("*/1 * * * * * *", true))

	th := f.thread(t, thread)
	if th.Authority != f.authority.PublicKey() || th.ID != "job-1" || th.Fee != DefaultFee {
		t.Fatalf("thread = %+v", th)
	}
	if th.CreatedAt.UnixTimestamp != t0 || th.ExecContext != nil {
		t.Fatalf("created_at = %+v exec = %+v", th.CreatedAt, th.ExecContext)
	}
	acct, _ := f.rt.GetAccount(thread)
	if want := chain.MinimumBalance(len(acct.Data)) + chain.LamportsPerSOL/100; acct.Lamports != want {
		t.Fatalf("thread lamports = %d, want %d", acct.Lamports, want)
	}
}

func TestThreadCreateTwiceFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.mustCreate(t, "dup", Now())
	before, _ := f.rt.GetAccount(f.payer.PublicKey())

	_, err := f.create(t, "dup", Now(), 0)
	if !errors.Is(err, ErrThreadExists) {
		t.Fatalf("err = %v, want ErrThreadExists", err)
	}
	after, _ := f.rt.GetAccount(f.payer.PublicKey())
	if after.Lamports != before.Lamports {
		t.Fatalf("failed create charged the payer: %d -> %d", before.Lamports, after.Lamports)
	}
	if _, err := f.create(t, "other", Now(), 0); err != nil {
		t.Fatalf("second id: %v", err)
	}
}

func TestThreadCreateValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	cases := []struct {
		name    string
		trigger Trigger
		want    error
	}{
		{"bad cron", Cron("not a schedule", true), ErrInvalidTrigger},
		{"year out of range", Cron("0 * * * * * 1900", true), ErrInvalidTrigger},
		{"zero size", Account(f.payer.PublicKey(), 0, 0), ErrInvalidTrigger},
		{"window too large", Account(f.payer.PublicKey(), 8, chain.MaxAccountDataLen), ErrInvalidTrigger},
		{"window overflows", Account(f.payer.PublicKey(), math.MaxUint64, 2), ErrInvalidTrigger},
		{"missing variant", Trigger{Kind: TriggerTimestamp}, ErrInvalidTrigger},
	}
	for _, tc := range cases {
		if _, err := f.create(t, tc.name, tc.trigger, 0); !errors.Is(err, tc.want) {
			t.Errorf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}

	// Wrong derived address.
	other, _, _ := ThreadAddress(f.authority.PublicKey(), "other")
	ix := NewThreadCreateInstruction(f.authority.PublicKey(), f.payer.PublicKey(), other, ThreadCreateArgs{
		ID: "mine", Instructions: []chain.Instruction{f.echo(other)}, Trigger: Now(),
	})
	if _, err := f.exec(t, f.payer, []pubkey.Keypair{f.authority}, ix); !errors.Is(err, ErrConstraintAddress) {
		t.Fatalf("wrong address err = %v", err)
	}

	// Authority must sign.
	ix = NewThreadCreateInstruction(f.authority.PublicKey(), f.payer.PublicKey(), other, ThreadCreateArgs{
		ID: "other", Instructions: []chain.Instruction{f.echo(other)}, Trigger: Now(),
	})
	ix.Accounts[0].IsSigner = false
	if _, err := f.exec(t, f.payer, nil, ix); !errors.Is(err, ErrConstraintSigner) {
		t.Fatalf("unsigned authority err = %v", err)
	}
}

func TestExecNowRunsOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	thread := f.mustCreate(t, "now", Now())
	workerBefore, _ := f.rt.GetAccount(f.worker.PublicKey())

	if err := f.run(t, thread); err != nil {
		t.Fatalf("thread_exec: %v", err)
	}
	th := f.thread(t, thread)
	if th.ExecContext == nil || th.ExecContext.ExecIndex != 1 || th.ExecContext.LastExecAt != f.rt.Clock().Slot {
		t.Fatalf("exec context = %+v", th.ExecContext)
	}
	workerAfter, _ := f.rt.GetAccount(f.worker.PublicKey())
	if want := workerBefore.Lamports + DefaultFee - chain.DefaultLamportsPerSignature; workerAfter.Lamports != want {
		t.Fatalf("worker lamports = %d, want %d", workerAfter.Lamports, want)
	}

	if err := f.run(t, thread); !errors.Is(err, ErrTriggerNotReady) {
		t.Fatalf("second exec err = %v, want ErrTriggerNotReady", err)
	}
}

func TestExecTimestamp(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	thread := f.mustCreate(t, "ts", Timestamp(t0+60))

	if err := f.run(t, thread); !errors.Is(err, ErrTriggerNotReady) {
		t.Fatalf("early exec err = %v", err)
	}
	f.now.Store(t0 + 60)
	if err := f.run(t, thread); err != nil {
		t.Fatalf("exec at timestamp: %v", err)
	}
}

func TestExecCronSkippable(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	thread := f.mustCreate(t, "skip", Cron("*/10 * * * * * *", true))

	if err := f.run(t, thread); !errors.Is(err, ErrTriggerNotReady) {
		t.Fatalf("exec before first fire err = %v", err)
	}
	f.now.Store(t0 + 35)
	if err := f.run(t, thread); err != nil {
		t.Fatalf("exec: %v", err)
	}
	if got := f.thread(t, thread).ExecContext.LastExecUnix; got != t0+35 {
		t.Fatalf("last exec unix = %d, want %d", got, t0+35)
	}
	if err := f.run(t, thread); !errors.Is(err, ErrTriggerNotReady) {
		t.Fatalf("missed firings were not skipped: %v", err)
	}
}

func TestExecCronCatchesUp(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	thread := f.mustCreate(t, "strict", Cron("*/10 * * * * *", false))

	f.now.Store(t0 + 35)
	for i, want := range []int64{t0 + 10, t0 + 20, t0 + 30} {
		if err := f.run(t, thread); err != nil {
			t.Fatalf("exec %d: %v", i, err)
		}
		if got := f.thread(t, thread).ExecContext.LastExecUnix; got != want {
			t.Fatalf("exec %d last unix = %d, want %d", i, got, want)
		}
	}
	if err := f.run(t, thread); !errors.Is(err, ErrTriggerNotReady) {
		t.Fatalf("exec after catching up err = %v", err)
	}
}

func TestExecAccountTrigger(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	watched, _ := pubkey.NewKeypair()
	create := chain.CreateAccountInstruction(f.payer.PublicKey(), watched.PublicKey(), chain.MinimumBalance(9), 9, f.target.id)
	if _, err := f.exec(t, f.payer, []pubkey.Keypair{watched}, create); err != nil {
		t.Fatalf("create watched: %v", err)
	}
	thread := f.mustCreate(t, "watch", Account(watched.PublicKey(), 8, 1))

	if err := f.run(t, thread); !errors.Is(err, ErrTriggerNotReady) {
		t.Fatalf("exec without change err = %v", err)
	}

	write := func(b byte) {
		ix := chain.Instruction{ProgramID: f.target.id, Accounts: []chain.AccountMeta{chain.Writable(watched.PublicKey(), false)}, Data: []byte{1, 0, 0, 0, 0, 0, 0, 0, 0, b}}
		if _, err := f.exec(t, f.payer, nil, ix); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write(1)
	if err := f.run(t, thread); err != nil {
		t.Fatalf("exec after change: %v", err)
	}
	if err := f.run(t, thread); !errors.Is(err, ErrTriggerNotReady) {
		t.Fatalf("exec twice for one change err = %v", err)
	}
	write(1)
	if err := f.run(t, thread); !errors.Is(err, ErrTriggerNotReady) {
		t.Fatalf("rewrite of same byte should not fire: %v", err)
	}
	write(0)
	if err := f.run(t, thread); err != nil {
		t.Fatalf("exec after second change: %v", err)
	}
}

func TestPauseResumeDelete(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	thread := f.mustCreate(t, "lifecycle", Now())
	auth := f.authority.PublicKey()

	stranger, _ := pubkey.NewKeypair()
	if _, err := f.exec(t, f.payer, []pubkey.Keypair{stranger}, NewThreadPauseInstruction(stranger.PublicKey(), thread)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger pause err = %v", err)
	}
	if _, err := f.exec(t, f.payer, []pubkey.Keypair{f.authority}, NewThreadPauseInstruction(auth, thread)); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := f.run(t, thread); !errors.Is(err, ErrThreadPaused) {
		t.Fatalf("exec paused err = %v", err)
	}
	if _, err := f.exec(t, f.payer, []pubkey.Keypair{f.authority}, NewThreadResumeInstruction(auth, thread)); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := f.run(t, thread); err != nil {
		t.Fatalf("exec resumed: %v", err)
	}

	threadAcct, _ := f.rt.GetAccount(thread)
	before, _ := f.rt.GetAccount(f.payer.PublicKey())
	rc, err := f.exec(t, f.payer, []pubkey.Keypair{f.authority}, NewThreadDeleteInstruction(auth, f.payer.PublicKey(), thread))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := f.rt.GetAccount(thread); ok {
		t.Fatal("thread account still exists")
	}
	after, _ := f.rt.GetAccount(f.payer.PublicKey())
	if want := before.Lamports + threadAcct.Lamports - rc.Fee; after.Lamports != want {
		t.Fatalf("payer lamports = %d, want %d", after.Lamports, want)
	}
}

func TestExecInsufficientThreadFunds(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	thread, err := f.create(t, "broke", Now(), 0)
	if err != nil {
		t.Fatalf("thread_create: %v", err)
	}
	if err := f.run(t, thread); !errors.Is(err, ErrInsufficientThreadFunds) {
		t.Fatalf("err = %v, want ErrInsufficientThreadFunds", err)
	}
	if th := f.thread(t, thread); th.ExecContext != nil {
		t.Fatal("failed exec left an exec context behind")
	}
}

func TestUnknownInstruction(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ix := chain.Instruction{ProgramID: ProgramID, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}}
	if _, err := f.exec(t, f.payer, nil, ix); !errors.Is(err, ErrInstructionFallbackNotFound) {
		t.Fatalf("err = %v", err)
	}
}
