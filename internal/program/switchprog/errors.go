package switchprog

import "clockswitch/internal/chain"

// Errors mirror the account-validation framework codes so a client can
// tell which constraint failed.
var (
	ErrInstructionFallbackNotFound  = &chain.ProgramError{Code: 101, Name: "InstructionFallbackNotFound", Msg: "fallback functions are not supported"}
	ErrInstructionDidNotDeserialize = &chain.ProgramError{Code: 102, Name: "InstructionDidNotDeserialize", Msg: "the program could not deserialize the given instruction"}

	ErrConstraintSigner  = &chain.ProgramError{Code: 2002, Name: "ConstraintSigner", Msg: "a signer constraint was violated"}
	ErrConstraintRaw     = &chain.ProgramError{Code: 2003, Name: "ConstraintRaw", Msg: "a raw constraint was violated"}
	ErrConstraintOwner   = &chain.ProgramError{Code: 2004, Name: "ConstraintOwner", Msg: "an owner constraint was violated"}
	ErrConstraintSeeds   = &chain.ProgramError{Code: 2006, Name: "ConstraintSeeds", Msg: "a seeds constraint was violated"}
	ErrConstraintAddress = &chain.ProgramError{Code: 2012, Name: "ConstraintAddress", Msg: "an address constraint was violated"}

	ErrAccountDiscriminatorMismatch = &chain.ProgramError{Code: 3002, Name: "AccountDiscriminatorMismatch", Msg: "account discriminator did not match what was expected"}
	ErrAccountDidNotDeserialize     = &chain.ProgramError{Code: 3003, Name: "AccountDidNotDeserialize", Msg: "failed to deserialize the account"}
	ErrNotEnoughAccountKeys         = &chain.ProgramError{Code: 3005, Name: "AccountNotEnoughKeys", Msg: "not enough account keys given to the instruction"}
	ErrAccountOwnedByWrongProgram   = &chain.ProgramError{Code: 3007, Name: "AccountOwnedByWrongProgram", Msg: "the given account is owned by a different program than expected"}
	ErrAccountNotSystemOwned        = &chain.ProgramError{Code: 3011, Name: "AccountNotSystemOwned", Msg: "the given account is not owned by the system program"}
	ErrAccountNotInitialized        = &chain.ProgramError{Code: 3012, Name: "AccountNotInitialized", Msg: "the program expected this account to be already initialized"}
)
