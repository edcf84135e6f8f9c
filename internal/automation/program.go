package automation

import (
	"encoding/json"
	"errors"
	"fmt"

	"clockswitch/internal/chain"
	"clockswitch/pkg/pubkey"
)

// Program is the on-ledger thread program.
type Program struct {
	fee uint64
}

// NewProgram returns the thread program charging fee lamports per
// execution (DefaultFee when 0).
func NewProgram(fee uint64) *Program {
	if fee == 0 {
		fee = DefaultFee
	}
	return &Program{fee: fee}
}

func (p *Program) ID() pubkey.Key { return ProgramID }
func (p *Program) Name() string   { return "thread" }

func (p *Program) Process(ic *chain.InvokeContext, accounts []chain.AccountMeta, data []byte) error {
	if len(data) < 8 {
		return ErrInstructionFallbackNotFound
	}
	var disc [8]byte
	copy(disc[:], data[:8])
	args := data[8:]

	switch disc {
	case ixThreadCreate:
		var a ThreadCreateArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return fmt.Errorf("%w: %v", ErrInstructionDidNotDeserialize, err)
		}
		return p.create(ic, accounts, a)
	case ixThreadDelete:
		return p.remove(ic, accounts)
	case ixThreadPause:
		return p.setPaused(ic, accounts, true)
	case ixThreadResume:
		return p.setPaused(ic, accounts, false)
	case ixThreadExec:
		return p.exec(ic, accounts)
	default:
		return ErrInstructionFallbackNotFound
	}
}

func (p *Program) create(ic *chain.InvokeContext, accounts []chain.AccountMeta, a ThreadCreateArgs) error {
	if len(accounts) < 4 {
		return ErrNotEnoughAccountKeys
	}
	authority, payer, system, threadKey := accounts[0].Key, accounts[1].Key, accounts[2].Key, accounts[3].Key
	if system != chain.SystemProgramID {
		return fmt.Errorf("%w: system_program", ErrConstraintAddress)
	}
	if !ic.IsSigner(authority) {
		return fmt.Errorf("%w: authority", ErrConstraintSigner)
	}
	if !ic.IsSigner(payer) {
		return fmt.Errorf("%w: payer", ErrConstraintSigner)
	}
	addr, bump, err := ThreadAddress(authority, a.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidThreadID, err)
	}
	if addr != threadKey {
		return fmt.Errorf("%w: thread", ErrConstraintAddress)
	}
	if ic.Account(threadKey).Exists() {
		return fmt.Errorf("%w: %s", ErrThreadExists, threadKey)
	}
	if err := a.Trigger.Validate(); err != nil {
		return err
	}
	if len(a.Instructions) == 0 {
		return ErrEmptyThread
	}

	t := &Thread{
		Authority:    authority,
		ID:           a.ID,
		Bump:         bump,
		CreatedAt:    ic.Clock(),
		Fee:          p.fee,
		Trigger:      a.Trigger,
		Instructions: a.Instructions,
	}
	if at := a.Trigger.Account; a.Trigger.Kind == TriggerAccount {
		t.WatchHash = watchHash(ic.Account(at.Address).Data, at.Offset, at.Size)
	}
	data, err := t.Encode()
	if err != nil {
		return err
	}

	lamports := chain.MinimumBalance(len(data)) + a.Amount
	create := chain.CreateAccountInstruction(payer, threadKey, lamports, uint64(len(data)), ProgramID)
	if err := ic.Invoke(create, t.signerSeeds()); err != nil {
		return err
	}
	acct := ic.Account(threadKey)
	acct.Data = data
	if err := ic.Set(threadKey, acct); err != nil {
		return err
	}
	ic.Log("Thread %s created: id=%s trigger=%s", threadKey, a.ID, a.Trigger)
	return nil
}

// loadAuthorized loads the thread at accounts[idx] and checks that
// accounts[0] is its signing authority.
func loadAuthorized(ic *chain.InvokeContext, accounts []chain.AccountMeta, idx int) (*Thread, chain.Account, error) {
	if len(accounts) <= idx {
		return nil, chain.Account{}, ErrNotEnoughAccountKeys
	}
	authority, threadKey := accounts[0].Key, accounts[idx].Key
	if !ic.IsSigner(authority) {
		return nil, chain.Account{}, fmt.Errorf("%w: authority", ErrConstraintSigner)
	}
	acct := ic.Account(threadKey)
	t, err := LoadThread(acct)
	if err != nil {
		return nil, acct, err
	}
	if t.Authority != authority {
		return nil, acct, ErrUnauthorized
	}
	return t, acct, nil
}

func (p *Program) remove(ic *chain.InvokeContext, accounts []chain.AccountMeta) error {
	t, acct, err := loadAuthorized(ic, accounts, 2)
	if err != nil {
		return err
	}
	closeTo, threadKey := accounts[1].Key, accounts[2].Key
	dst := ic.Account(closeTo)
	dst.Lamports += acct.Lamports
	if err := ic.Set(threadKey, chain.Account{Owner: ProgramID}); err != nil {
		return err
	}
	if err := ic.Set(closeTo, dst); err != nil {
		return err
	}
	ic.Log("Thread %s deleted: id=%s", threadKey, t.ID)
	return nil
}

func (p *Program) setPaused(ic *chain.InvokeContext, accounts []chain.AccountMeta, paused bool) error {
	t, acct, err := loadAuthorized(ic, accounts, 1)
	if err != nil {
		return err
	}
	if t.Paused == paused {
		return nil
	}
	t.Paused = paused
	data, err := t.Encode()
	if err != nil {
		return err
	}
	acct.Data = data
	return ic.Set(accounts[1].Key, acct)
}

func (p *Program) exec(ic *chain.InvokeContext, accounts []chain.AccountMeta) error {
	if len(accounts) < 2 {
		return ErrNotEnoughAccountKeys
	}
	worker, threadKey := accounts[0].Key, accounts[1].Key
	if !ic.IsSigner(worker) {
		return fmt.Errorf("%w: worker", ErrConstraintSigner)
	}
	acct := ic.Account(threadKey)
	t, err := LoadThread(acct)
	if err != nil {
		return err
	}
	if addr, err := pubkey.CreateProgramAddress(t.signerSeeds(), ProgramID); err != nil || addr != threadKey {
		return fmt.Errorf("%w: thread", ErrConstraintAddress)
	}
	if t.Paused {
		return ErrThreadPaused
	}

	var watched chain.Account
	if t.Trigger.Kind == TriggerAccount && t.Trigger.Account != nil {
		watched = ic.Account(t.Trigger.Account.Address)
	}
	clock := ic.Clock()
	due, ref, err := t.Due(clock, watched)
	if err != nil {
		return err
	}
	if !due {
		return ErrTriggerNotReady
	}

	seeds := t.signerSeeds()
	for i, ix := range t.Instructions {
		if err := ic.Invoke(ix, seeds); err != nil {
			return fmt.Errorf("thread instruction %d: %w", i, err)
		}
	}

	ec := ExecContext{LastExecAt: clock.Slot, LastExecUnix: ref, ExecIndex: 1}
	if t.ExecContext != nil {
		ec.ExecIndex = t.ExecContext.ExecIndex + 1
	}
	t.ExecContext = &ec
	if t.Trigger.Kind == TriggerAccount {
		// The stored instructions may have touched the watched bytes.
		at := t.Trigger.Account
		t.WatchHash = watchHash(ic.Account(at.Address).Data, at.Offset, at.Size)
	}
	data, err := t.Encode()
	if err != nil {
		return err
	}

	acct = ic.Account(threadKey)
	if acct.Lamports < chain.MinimumBalance(len(data))+t.Fee {
		return ErrInsufficientThreadFunds
	}
	acct.Lamports -= t.Fee
	acct.Data = data
	if err := ic.Set(threadKey, acct); err != nil {
		return err
	}
	w := ic.Account(worker)
	w.Lamports += t.Fee
	if err := ic.Set(worker, w); err != nil {
		return err
	}
	ic.Log("Thread %s executed: index=%d slot=%d", threadKey, ec.ExecIndex, clock.Slot)
	return nil
}

// IsNotReady reports whether err means the thread was simply not due.
func IsNotReady(err error) bool {
	return errors.Is(err, ErrTriggerNotReady) || errors.Is(err, ErrThreadPaused)
}
