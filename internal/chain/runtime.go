package chain

import (
	"context"
	"crypto/rand"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"

	"clockswitch/internal/eventbus"
	"clockswitch/internal/storage"
	logx "clockswitch/pkg/logx"
	"clockswitch/pkg/pubkey"
)

// Program is an on-ledger program.
type Program interface {
	ID() pubkey.Key
	Name() string
	Process(ic *InvokeContext, accounts []AccountMeta, data []byte) error
}

// Config controls fees and faucet limits.
type Config struct {
	LamportsPerSignature uint64
	// MaxAirdropLamports bounds a single airdrop. 0 means unlimited.
	MaxAirdropLamports uint64
}

// Receipt describes an executed (or rejected) transaction.
type Receipt struct {
	Signature string        `json:"signature"`
	Slot      uint64        `json:"slot"`
	Fee       uint64        `json:"fee"`
	Logs      []string      `json:"logs"`
	Took      time.Duration `json:"took"`
}

// Stats is a point-in-time view of the runtime.
type Stats struct {
	Slot      uint64   `json:"slot"`
	Accounts  int      `json:"accounts"`
	Programs  []string `json:"programs"`
	Committed uint64   `json:"committed"`
	Failed    uint64   `json:"failed"`
}

type Option func(*Runtime)

// WithNow overrides the wall clock used for Clock.UnixTimestamp.
func WithNow(now func() time.Time) Option {
	return func(r *Runtime) {
		if now != nil {
			r.now = now
		}
	}
}

// Runtime owns the account ledger and executes transactions.
type Runtime struct {
	log   logx.Logger
	store storage.Store
	bus   eventbus.Bus
	now   func() time.Time

	mu       sync.Mutex
	cfg      Config
	accounts map[pubkey.Key]Account
	programs map[pubkey.Key]Program
	slot     uint64

	// persistMu is taken before mu is released on commit, so store writes
	// land in slot order.
	persistMu sync.Mutex

	committed atomic.Uint64
	failed    atomic.Uint64
}

// New creates a runtime. store and bus may be nil.
func New(cfg Config, store storage.Store, bus eventbus.Bus, log logx.Logger, opts ...Option) *Runtime {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.LamportsPerSignature == 0 {
		cfg.LamportsPerSignature = DefaultLamportsPerSignature
	}
	r := &Runtime{
		log:      log.With(logx.String("comp", "chain")),
		store:    store,
		bus:      bus,
		now:      time.Now,
		cfg:      cfg,
		accounts: map[pubkey.Key]Account{},
		programs: map[pubkey.Key]Program{},
	}
	for _, o := range opts {
		o(r)
	}
	r.programs[SystemProgramID] = systemProgram{}
	return r
}

// Apply swaps fee and faucet settings for subsequent transactions.
func (r *Runtime) Apply(cfg Config) {
	if cfg.LamportsPerSignature == 0 {
		cfg.LamportsPerSignature = DefaultLamportsPerSignature
	}
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

// Register makes programs invokable. Re-registering an ID replaces it.
func (r *Runtime) Register(programs ...Program) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range programs {
		if p == nil {
			continue
		}
		r.programs[p.ID()] = p
		r.log.Debug("program registered", logx.String("program", p.Name()), logx.String("id", p.ID().String()))
	}
}

// Load restores accounts and the slot counter from the store.
func (r *Runtime) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	recs, err := r.store.LoadAccounts(ctx)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range recs {
		k, err := pubkey.Parse(rec.Address)
		if err != nil {
			r.log.Warn("skipping stored account", logx.String("address", rec.Address), logx.Err(err))
			continue
		}
		owner, err := pubkey.Parse(rec.Owner)
		if err != nil {
			r.log.Warn("skipping stored account", logx.String("address", rec.Address), logx.Err(err))
			continue
		}
		if rec.Lamports == 0 {
			continue
		}
		r.accounts[k] = Account{Lamports: rec.Lamports, Owner: owner, Data: rec.Data, Executable: rec.Executable}
		if rec.Slot > r.slot {
			r.slot = rec.Slot
		}
	}
	r.log.Info("ledger loaded", logx.Int("accounts", len(r.accounts)), logx.Uint64("slot", r.slot))
	return nil
}

// Clock returns the current ledger clock.
func (r *Runtime) Clock() Clock {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Clock{Slot: r.slot, UnixTimestamp: r.now().Unix()}
}

// GetAccount returns a copy of the account at k.
func (r *Runtime) GetAccount(k pubkey.Key) (Account, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.accountLocked(k)
	return a, a.Exists()
}

// AccountsOwnedBy lists accounts owned by owner, sorted by address.
func (r *Runtime) AccountsOwnedBy(owner pubkey.Key) []KeyedAccount {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []KeyedAccount
	for k, a := range r.accounts {
		if a.Owner == owner {
			out = append(out, KeyedAccount{Key: k, Account: a.clone()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// RecentInvocations returns up to limit invocation records, newest first.
// It fails with storage.ErrDisabled when the runtime has no store.
func (r *Runtime) RecentInvocations(ctx context.Context, limit int) ([]storage.InvocationRecord, error) {
	if r.store == nil {
		return nil, storage.ErrDisabled
	}
	return r.store.RecentInvocations(ctx, limit)
}

func (r *Runtime) Stats() Stats {
	r.mu.Lock()
	st := Stats{Slot: r.slot, Accounts: len(r.accounts)}
	for _, p := range r.programs {
		st.Programs = append(st.Programs, p.Name())
	}
	r.mu.Unlock()
	sort.Strings(st.Programs)
	st.Committed = r.committed.Load()
	st.Failed = r.failed.Load()
	return st
}

func (r *Runtime) accountLocked(k pubkey.Key) Account {
	if p, ok := r.programs[k]; ok && p != nil {
		return Account{Lamports: 1, Owner: NativeLoaderID, Executable: true}
	}
	return r.accounts[k].clone()
}

// Airdrop credits lamports to k out of thin air.
func (r *Runtime) Airdrop(ctx context.Context, k pubkey.Key, lamports uint64) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	start := time.Now()
	r.mu.Lock()
	if limit := r.cfg.MaxAirdropLamports; limit > 0 && lamports > limit {
		r.mu.Unlock()
		return Receipt{}, fmt.Errorf("%w: %d > %d", ErrAirdropLimit, lamports, limit)
	}
	if lamports == 0 {
		r.mu.Unlock()
		return Receipt{}, fmt.Errorf("%w: zero lamports", ErrInvalidInstruction)
	}
	a := r.accountLocked(k)
	if a.Executable {
		r.mu.Unlock()
		return Receipt{}, fmt.Errorf("%w: %s", ErrReadonlyWrite, k)
	}
	a.Lamports += lamports
	r.slot++
	slot := r.slot
	r.accounts[k] = a
	r.persistMu.Lock()
	r.mu.Unlock()

	rc := Receipt{
		Signature: randomSignature(),
		Slot:      slot,
		Logs:      []string{fmt.Sprintf("Airdrop %d lamports to %s", lamports, k)},
		Took:      time.Since(start),
	}
	changes := map[pubkey.Key]Account{k: a}
	r.persist(ctx, changes, slot)
	r.record(ctx, rc, k, []string{"faucet"}, nil)
	r.persistMu.Unlock()
	r.committed.Add(1)
	r.publishChanges(changes, slot)
	r.log.Info("airdrop", logx.Stringer("to", k), logx.Uint64("lamports", lamports), logx.Uint64("slot", slot))
	return rc, nil
}

// Execute runs tx atomically. On failure the returned error is a *TxError and
// the receipt carries the logs produced before the failure.
func (r *Runtime) Execute(ctx context.Context, tx *Transaction) (Receipt, error) {
	if tx == nil {
		return Receipt{}, &TxError{Index: -1, Err: ErrEmptyTransaction}
	}
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	start := time.Now()
	rc := Receipt{Signature: tx.Signature()}

	signers, err := tx.verify()
	if err != nil {
		return rc, r.fail(ctx, tx, rc, &TxError{Index: -1, Err: err})
	}

	r.mu.Lock()
	fee := r.cfg.LamportsPerSignature * uint64(len(signers))
	st := &txState{
		rt:      r,
		overlay: map[pubkey.Key]Account{},
		clock:   Clock{Slot: r.slot + 1, UnixTimestamp: r.now().Unix()},
	}
	rc.Slot = st.clock.Slot
	rc.Fee = fee

	if payer := st.get(tx.FeePayer); payer.Lamports < fee {
		r.mu.Unlock()
		rc.Fee = 0
		return rc, r.fail(ctx, tx, rc, &TxError{Index: -1, Err: fmt.Errorf("%w: fee payer %s has %d, fee is %d", ErrInsufficientFunds, tx.FeePayer, payer.Lamports, fee)})
	}

	for i, ix := range tx.Instructions {
		metas := make([]AccountMeta, len(ix.Accounts))
		for j, m := range ix.Accounts {
			metas[j] = m
			metas[j].IsSigner = m.IsSigner && signers[m.Key]
		}
		ix.Accounts = metas
		if err := st.run(ix, 0); err != nil {
			r.mu.Unlock()
			rc.Logs = st.logs
			rc.Fee = 0
			return rc, r.fail(ctx, tx, rc, &TxError{Index: i, Program: ix.ProgramID, Err: err})
		}
	}

	payer := st.get(tx.FeePayer)
	if payer.Lamports < fee {
		r.mu.Unlock()
		rc.Logs = st.logs
		rc.Fee = 0
		return rc, r.fail(ctx, tx, rc, &TxError{Index: -1, Err: fmt.Errorf("%w: fee payer cannot cover fee after execution", ErrInsufficientFunds)})
	}
	payer.Lamports -= fee
	st.put(tx.FeePayer, payer)

	changes := map[pubkey.Key]Account{}
	for _, k := range st.order {
		a := st.overlay[k]
		if a.equal(r.accounts[k]) {
			continue
		}
		changes[k] = a.clone()
		if a.Exists() {
			r.accounts[k] = a
		} else {
			delete(r.accounts, k)
		}
	}
	r.slot = st.clock.Slot
	programs := programNamesLocked(r, tx)
	r.persistMu.Lock()
	r.mu.Unlock()

	rc.Logs = st.logs
	rc.Took = time.Since(start)

	r.persist(ctx, changes, rc.Slot)
	r.record(ctx, rc, tx.FeePayer, programs, nil)
	r.persistMu.Unlock()
	r.committed.Add(1)
	r.publishChanges(changes, rc.Slot)
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeTxCommitted, Data: rc})
	}
	r.log.Debug("transaction committed",
		logx.String("sig", short(rc.Signature)),
		logx.Uint64("slot", rc.Slot),
		logx.Int("changed", len(changes)),
		logx.Duration("took", rc.Took),
		logx.Strings("logs", rc.Logs),
	)
	return rc, nil
}

func (r *Runtime) fail(ctx context.Context, tx *Transaction, rc Receipt, err *TxError) error {
	r.failed.Add(1)
	r.record(ctx, rc, tx.FeePayer, programNames(r, tx), err)
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeTxFailed, Data: rc})
	}
	r.log.Debug("transaction failed", logx.String("sig", short(rc.Signature)), logx.Stringer("payer", tx.FeePayer), logx.Strings("logs", rc.Logs), logx.Err(err))
	return err
}

func (r *Runtime) persist(ctx context.Context, changes map[pubkey.Key]Account, slot uint64) {
	if r.store == nil || len(changes) == 0 {
		return
	}
	recs := make([]storage.AccountRecord, 0, len(changes))
	for k, a := range changes {
		recs = append(recs, storage.AccountRecord{
			Address:    k.String(),
			Owner:      a.Owner.String(),
			Lamports:   a.Lamports,
			Data:       a.Data,
			Executable: a.Executable,
			Slot:       slot,
		})
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Address < recs[j].Address })
	if err := r.store.PutAccounts(context.WithoutCancel(ctx), recs); err != nil {
		r.log.Error("persist accounts failed", logx.Uint64("slot", slot), logx.Err(err))
	}
}

func (r *Runtime) record(ctx context.Context, rc Receipt, payer pubkey.Key, programs []string, txErr error) {
	if r.store == nil {
		return
	}
	rec := storage.InvocationRecord{
		ID:        uuid.NewString(),
		At:        time.Now(),
		Slot:      rc.Slot,
		Signature: rc.Signature,
		FeePayer:  payer.String(),
		Programs:  programs,
		OK:        txErr == nil,
		Logs:      rc.Logs,
		TookMS:    rc.Took.Milliseconds(),
	}
	if txErr != nil {
		rec.Error = txErr.Error()
	}
	if err := r.store.AppendInvocation(context.WithoutCancel(ctx), rec); err != nil {
		r.log.Warn("append invocation failed", logx.Err(err))
	}
}

func (r *Runtime) publishChanges(changes map[pubkey.Key]Account, slot uint64) {
	if r.bus == nil {
		return
	}
	for k, a := range changes {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeAccountChanged, Data: AccountChange{Key: k, Account: a, Slot: slot}})
	}
}

func programNames(r *Runtime, tx *Transaction) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return programNamesLocked(r, tx)
}

func programNamesLocked(r *Runtime, tx *Transaction) []string {
	var out []string
	seen := map[pubkey.Key]bool{}
	for _, ix := range tx.Instructions {
		if seen[ix.ProgramID] {
			continue
		}
		seen[ix.ProgramID] = true
		if p, ok := r.programs[ix.ProgramID]; ok {
			out = append(out, p.Name())
		} else {
			out = append(out, ix.ProgramID.String())
		}
	}
	return out
}

func randomSignature() string {
	var b [64]byte
	_, _ = rand.Read(b[:])
	return base58.Encode(b[:])
}

func short(sig string) string {
	if len(sig) <= 12 {
		return sig
	}
	return sig[:12]
}
