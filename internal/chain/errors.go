package chain

import (
	"errors"
	"fmt"

	"clockswitch/pkg/pubkey"
)

var (
	ErrMissingSignature      = errors.New("missing required signature")
	ErrInvalidSignature      = errors.New("invalid signature")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrAccountInUse          = errors.New("account already in use")
	ErrReadonlyWrite         = errors.New("write to readonly account")
	ErrExternalModification  = errors.New("account modified by a program that does not own it")
	ErrUnknownProgram        = errors.New("unknown program")
	ErrPrivilegeEscalation   = errors.New("cross-program invocation with unauthorized signer or writable account")
	ErrCallDepth             = errors.New("cross-program invocation call depth too deep")
	ErrInvalidInstruction    = errors.New("invalid instruction data")
	ErrUnbalancedInstruction = errors.New("sum of account balances before and after instruction do not match")
	ErrProgramPanicked       = errors.New("program panicked")
	ErrAirdropLimit          = errors.New("airdrop exceeds limit")
	ErrEmptyTransaction      = errors.New("transaction has no instructions")
	ErrTransactionTooLarge   = errors.New("transaction too large")
)

// ProgramError is a custom error returned by a program. Code is stable and
// reported to clients; Name is the symbolic form.
type ProgramError struct {
	Code uint32
	Name string
	Msg  string
}

func (e *ProgramError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s (%d)", e.Name, e.Code)
	}
	return fmt.Sprintf("%s (%d): %s", e.Name, e.Code, e.Msg)
}

// ProgramErrorOf extracts the custom program error from err, if any.
func ProgramErrorOf(err error) (*ProgramError, bool) {
	var pe *ProgramError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// TxError reports which instruction aborted a transaction.
// Index is -1 for failures outside instruction processing (signatures, fees).
type TxError struct {
	Index   int
	Program pubkey.Key
	Err     error
}

func (e *TxError) Error() string {
	if e.Index < 0 {
		return "transaction failed: " + e.Err.Error()
	}
	return fmt.Sprintf("instruction %d (%s) failed: %v", e.Index, e.Program.Short(), e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }
