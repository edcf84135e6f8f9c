package chain

import (
	"bytes"
	"fmt"

	"clockswitch/pkg/pubkey"
)

// txState is the overlay of one executing transaction.
type txState struct {
	rt      *Runtime
	overlay map[pubkey.Key]Account
	order   []pubkey.Key
	logs    []string
	clock   Clock
}

func (s *txState) get(k pubkey.Key) Account {
	if a, ok := s.overlay[k]; ok {
		return a.clone()
	}
	return s.rt.accountLocked(k)
}

func (s *txState) put(k pubkey.Key, a Account) {
	if _, ok := s.overlay[k]; !ok {
		s.order = append(s.order, k)
	}
	s.overlay[k] = a.clone()
}

func (s *txState) logf(format string, args ...any) {
	s.logs = append(s.logs, fmt.Sprintf(format, args...))
}

func (s *txState) balance(metas []AccountMeta) uint64 {
	seen := map[pubkey.Key]bool{}
	var sum uint64
	for _, m := range metas {
		if seen[m.Key] {
			continue
		}
		seen[m.Key] = true
		sum += s.get(m.Key).Lamports
	}
	return sum
}

// run executes one instruction frame at the given depth (0 = top level).
func (s *txState) run(ix Instruction, depth int) (err error) {
	prog, ok := s.rt.programs[ix.ProgramID]
	if !ok || prog == nil {
		return fmt.Errorf("%w: %s", ErrUnknownProgram, ix.ProgramID)
	}
	s.logf("Program %s invoke [%d]", ix.ProgramID, depth+1)

	before := s.balance(ix.Accounts)
	ic := &InvokeContext{state: s, program: ix.ProgramID, metas: ix.Accounts, depth: depth}
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("%w: %s: %v", ErrProgramPanicked, prog.Name(), rec)
			}
		}()
		err = prog.Process(ic, ix.Accounts, ix.Data)
	}()
	if err == nil && s.balance(ix.Accounts) != before {
		err = ErrUnbalancedInstruction
	}
	if err != nil {
		s.logf("Program %s failed: %v", ix.ProgramID, err)
		return err
	}
	s.logf("Program %s success", ix.ProgramID)
	return nil
}

// InvokeContext is the view a program has of the executing transaction.
type InvokeContext struct {
	state   *txState
	program pubkey.Key
	metas   []AccountMeta
	depth   int
}

// ProgramID is the program currently executing.
func (ic *InvokeContext) ProgramID() pubkey.Key { return ic.program }

// Depth is 0 for top-level instructions and grows with each nested invoke.
func (ic *InvokeContext) Depth() int { return ic.depth }

func (ic *InvokeContext) Clock() Clock { return ic.state.clock }

// Account returns a copy of the current state of k.
func (ic *InvokeContext) Account(k pubkey.Key) Account { return ic.state.get(k) }

func (ic *InvokeContext) meta(k pubkey.Key) (AccountMeta, bool) {
	var out AccountMeta
	found := false
	for _, m := range ic.metas {
		if m.Key != k {
			continue
		}
		found = true
		out.Key = k
		out.IsSigner = out.IsSigner || m.IsSigner
		out.IsWritable = out.IsWritable || m.IsWritable
	}
	return out, found
}

// IsSigner reports whether k carries signer privilege in this frame.
func (ic *InvokeContext) IsSigner(k pubkey.Key) bool {
	m, ok := ic.meta(k)
	return ok && m.IsSigner
}

// IsWritable reports whether k carries write privilege in this frame.
func (ic *InvokeContext) IsWritable(k pubkey.Key) bool {
	m, ok := ic.meta(k)
	return ok && m.IsWritable
}

// Set replaces the state of k. The account must be writable in this frame.
// Only the owning program may change data or owner or debit lamports.
func (ic *InvokeContext) Set(k pubkey.Key, a Account) error {
	if !ic.IsWritable(k) {
		return fmt.Errorf("%w: %s", ErrReadonlyWrite, k)
	}
	prev := ic.state.get(k)
	if prev.Executable {
		return fmt.Errorf("%w: %s is executable", ErrReadonlyWrite, k)
	}
	owned := prev.Owner == ic.program
	if !owned {
		if a.Owner != prev.Owner || !bytes.Equal(a.Data, prev.Data) || a.Executable != prev.Executable {
			return fmt.Errorf("%w: %s", ErrExternalModification, k)
		}
		if a.Lamports < prev.Lamports {
			return fmt.Errorf("%w: debit of %s", ErrExternalModification, k)
		}
	}
	if a.Executable {
		return fmt.Errorf("%w: cannot mark %s executable", ErrExternalModification, k)
	}
	ic.state.put(k, a)
	return nil
}

// Log appends a line to the transaction logs.
func (ic *InvokeContext) Log(format string, args ...any) {
	ic.state.logf("Program log: "+format, args...)
}

// Invoke calls another program. The callee may use a signer meta only if
// the key signs in this frame or is this program's address derived from one
// of signerSeeds; writable metas must be writable in this frame.
func (ic *InvokeContext) Invoke(ix Instruction, signerSeeds ...[][]byte) error {
	if ic.depth+1 > MaxInvokeDepth {
		return ErrCallDepth
	}
	pdas := map[pubkey.Key]bool{}
	for _, seeds := range signerSeeds {
		k, err := pubkey.CreateProgramAddress(seeds, ic.program)
		if err != nil {
			return fmt.Errorf("%w: signer seeds: %v", ErrPrivilegeEscalation, err)
		}
		pdas[k] = true
	}
	for _, m := range ix.Accounts {
		own, ok := ic.meta(m.Key)
		if m.IsSigner && !(ok && own.IsSigner) && !pdas[m.Key] {
			return fmt.Errorf("%w: signer %s", ErrPrivilegeEscalation, m.Key)
		}
		if m.IsWritable && !(ok && own.IsWritable) {
			return fmt.Errorf("%w: writable %s", ErrPrivilegeEscalation, m.Key)
		}
	}
	return ic.state.run(ix, ic.depth+1)
}
