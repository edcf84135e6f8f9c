package automation

import "clockswitch/internal/chain"

// Framework-level codes share the numbering used by the flag program so
// clients can decode either uniformly.
var (
	ErrInstructionFallbackNotFound  = &chain.ProgramError{Code: 101, Name: "InstructionFallbackNotFound", Msg: "fallback functions are not supported"}
	ErrInstructionDidNotDeserialize = &chain.ProgramError{Code: 102, Name: "InstructionDidNotDeserialize", Msg: "the program could not deserialize the given instruction"}
	ErrConstraintSigner             = &chain.ProgramError{Code: 2002, Name: "ConstraintSigner", Msg: "a signer constraint was violated"}
	ErrConstraintAddress            = &chain.ProgramError{Code: 2012, Name: "ConstraintAddress", Msg: "an address constraint was violated"}
	ErrNotEnoughAccountKeys         = &chain.ProgramError{Code: 3005, Name: "AccountNotEnoughKeys", Msg: "not enough account keys given to the instruction"}
	ErrAccountDiscriminatorMismatch = &chain.ProgramError{Code: 3002, Name: "AccountDiscriminatorMismatch", Msg: "account discriminator did not match what was expected"}
	ErrAccountDidNotDeserialize     = &chain.ProgramError{Code: 3003, Name: "AccountDidNotDeserialize", Msg: "failed to deserialize the account"}
	ErrAccountOwnedByWrongProgram   = &chain.ProgramError{Code: 3007, Name: "AccountOwnedByWrongProgram", Msg: "the given account is owned by a different program than expected"}
	ErrAccountNotInitialized        = &chain.ProgramError{Code: 3012, Name: "AccountNotInitialized", Msg: "the program expected this account to be already initialized"}

	ErrThreadExists            = &chain.ProgramError{Code: 6000, Name: "ThreadExists", Msg: "a thread already exists at this address"}
	ErrInvalidThreadID         = &chain.ProgramError{Code: 6001, Name: "InvalidThreadId", Msg: "thread id is too long to be used as a seed"}
	ErrInvalidTrigger          = &chain.ProgramError{Code: 6002, Name: "InvalidTrigger", Msg: "the trigger is malformed"}
	ErrTriggerNotReady         = &chain.ProgramError{Code: 6003, Name: "TriggerConditionFailed", Msg: "the trigger condition has not been met"}
	ErrThreadPaused            = &chain.ProgramError{Code: 6004, Name: "ThreadPaused", Msg: "the thread is paused"}
	ErrInsufficientThreadFunds = &chain.ProgramError{Code: 6005, Name: "InsufficientThreadBalance", Msg: "the thread cannot pay the execution fee and stay rent exempt"}
	ErrUnauthorized            = &chain.ProgramError{Code: 6006, Name: "Unauthorized", Msg: "signer is not the thread authority"}
	ErrEmptyThread             = &chain.ProgramError{Code: 6007, Name: "EmptyThread", Msg: "a thread needs at least one instruction"}
)
