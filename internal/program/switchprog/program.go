package switchprog

import (
	"fmt"

	"clockswitch/internal/automation"
	"clockswitch/internal/chain"
	"clockswitch/pkg/pubkey"
)

const (
	TriggerCron    = "cron"
	TriggerAccount = "account"

	DefaultSchedule = "*/1 * * * * * *"
	DefaultAmount   = chain.LamportsPerSOL / 100
)

// Options are fixed when the program is deployed.
type Options struct {
	// Schedule is the cron schedule of the registered thread.
	Schedule  string
	Skippable bool
	// TriggerKind selects a cron trigger or an account trigger on the
	// switch byte.
	TriggerKind string
	// Amount funds the thread on creation, on top of its rent.
	Amount uint64
}

func DefaultOptions() Options {
	return Options{Schedule: DefaultSchedule, Skippable: true, TriggerKind: TriggerCron, Amount: DefaultAmount}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Schedule == "" {
		o.Schedule = d.Schedule
	}
	if o.TriggerKind == "" {
		o.TriggerKind = d.TriggerKind
	}
	if o.Amount == 0 {
		o.Amount = d.Amount
	}
	return o
}

// Validate reports options initialize could never use.
func (o Options) Validate() error {
	o = o.withDefaults()
	switch o.TriggerKind {
	case TriggerCron, TriggerAccount:
	default:
		return fmt.Errorf("program.trigger must be %q or %q, got %q", TriggerCron, TriggerAccount, o.TriggerKind)
	}
	return o.trigger().Validate()
}

func (o Options) trigger() automation.Trigger {
	if o.TriggerKind == TriggerAccount {
		return automation.Account(switchAddress, SwitchStateOffset, 1)
	}
	return automation.Cron(o.Schedule, o.Skippable)
}

// Program is the flag program.
type Program struct {
	opts Options
}

func New(opts Options) *Program {
	return &Program{opts: opts.withDefaults()}
}

func (p *Program) ID() pubkey.Key { return ProgramID }
func (p *Program) Name() string   { return "switch" }

func (p *Program) Process(ic *chain.InvokeContext, accounts []chain.AccountMeta, data []byte) error {
	if len(data) < 8 {
		return ErrInstructionFallbackNotFound
	}
	var disc [8]byte
	copy(disc[:], data[:8])
	switch disc {
	case ixInitialize:
		threadID, err := decodeInitializeArgs(data[8:])
		if err != nil {
			return err
		}
		return p.initialize(ic, accounts, threadID)
	case ixToggleSwitch:
		return p.toggle(ic, accounts)
	case ixResponse:
		return p.response(ic, accounts)
	default:
		return ErrInstructionFallbackNotFound
	}
}

func (p *Program) initialize(ic *chain.InvokeContext, accounts []chain.AccountMeta, threadID string) error {
	if len(accounts) < 6 {
		return ErrNotEnoughAccountKeys
	}
	sw, payer, system, automationProgram, thread, authority :=
		accounts[0].Key, accounts[1].Key, accounts[2].Key, accounts[3].Key, accounts[4].Key, accounts[5].Key

	if sw != switchAddress {
		return fmt.Errorf("%w: switch", ErrConstraintSeeds)
	}
	if !ic.IsSigner(payer) {
		return fmt.Errorf("%w: payer", ErrConstraintSigner)
	}
	if system != chain.SystemProgramID {
		return fmt.Errorf("%w: system_program", ErrConstraintAddress)
	}
	if automationProgram != automation.ProgramID {
		return fmt.Errorf("%w: automation_program", ErrConstraintAddress)
	}
	if authority != threadAuthority {
		return fmt.Errorf("%w: thread_authority", ErrConstraintSeeds)
	}
	if want, err := ThreadAddress(threadID); err != nil || thread != want {
		return fmt.Errorf("%w: thread", ErrConstraintAddress)
	}
	if ic.Account(thread).Owner != chain.SystemProgramID {
		return fmt.Errorf("%w: thread", ErrAccountNotSystemOwned)
	}
	if ic.Account(authority).Owner != chain.SystemProgramID {
		return fmt.Errorf("%w: thread_authority", ErrAccountNotSystemOwned)
	}

	if err := p.initSwitchIfNeeded(ic, payer); err != nil {
		return err
	}

	create := automation.NewThreadCreateInstruction(authority, payer, thread, automation.ThreadCreateArgs{
		Amount:       p.opts.Amount,
		ID:           threadID,
		Instructions: []chain.Instruction{NewResponseInstruction(thread)},
		Trigger:      p.opts.trigger(),
	})
	if err := ic.Invoke(create, [][]byte{[]byte(ThreadAuthoritySeed), {authorityBump}}); err != nil {
		return err
	}

	acct := ic.Account(sw)
	acct.Data = Switch{State: true}.encode()
	if err := ic.Set(sw, acct); err != nil {
		return err
	}
	ic.Log("Switch initialized, thread %s registered", thread)
	return nil
}

// initSwitchIfNeeded creates the switch account on first use and checks it
// on every later call.
func (p *Program) initSwitchIfNeeded(ic *chain.InvokeContext, payer pubkey.Key) error {
	acct := ic.Account(switchAddress)
	if !acct.Exists() {
		create := chain.CreateAccountInstruction(payer, switchAddress, chain.MinimumBalance(SwitchSpace), SwitchSpace, ProgramID)
		if err := ic.Invoke(create, [][]byte{[]byte(SwitchSeed), {switchBump}}); err != nil {
			return err
		}
		acct = ic.Account(switchAddress)
		acct.Data = Switch{}.encode()
		return ic.Set(switchAddress, acct)
	}
	if acct.Owner != ProgramID {
		return fmt.Errorf("%w: switch", ErrConstraintOwner)
	}
	_, err := DecodeSwitch(acct.Data)
	return err
}

func (p *Program) toggle(ic *chain.InvokeContext, accounts []chain.AccountMeta) error {
	if len(accounts) < 2 {
		return ErrNotEnoughAccountKeys
	}
	sw, payer := accounts[0].Key, accounts[1].Key
	if sw != switchAddress {
		return fmt.Errorf("%w: switch", ErrConstraintSeeds)
	}
	if !ic.IsSigner(payer) {
		return fmt.Errorf("%w: payer", ErrConstraintSigner)
	}
	acct := ic.Account(sw)
	if !acct.Exists() {
		return fmt.Errorf("%w: switch", ErrAccountNotInitialized)
	}
	if acct.Owner != ProgramID {
		return fmt.Errorf("%w: switch", ErrAccountOwnedByWrongProgram)
	}
	s, err := DecodeSwitch(acct.Data)
	if err != nil {
		return err
	}
	s.State = !s.State
	acct.Data = s.encode()
	return ic.Set(sw, acct)
}

func (p *Program) response(ic *chain.InvokeContext, accounts []chain.AccountMeta) error {
	if len(accounts) < 2 {
		return ErrNotEnoughAccountKeys
	}
	thread, authority := accounts[0].Key, accounts[1].Key
	if !ic.IsSigner(thread) {
		return fmt.Errorf("%w: thread", ErrConstraintSigner)
	}
	acct := ic.Account(thread)
	switch {
	case !acct.Exists():
		return fmt.Errorf("%w: thread", ErrAccountNotInitialized)
	case acct.Owner != automation.ProgramID:
		return fmt.Errorf("%w: thread", ErrAccountOwnedByWrongProgram)
	}
	t, err := automation.DecodeThread(acct.Data)
	if err != nil {
		return fmt.Errorf("%w: thread: %v", ErrAccountDidNotDeserialize, err)
	}
	if t.Authority != authority {
		return fmt.Errorf("%w: thread.authority", ErrConstraintRaw)
	}
	if authority != threadAuthority {
		return fmt.Errorf("%w: thread_authority", ErrConstraintSeeds)
	}
	ic.Log("Response to trigger at %d", ic.Clock().UnixTimestamp)
	return nil
}
