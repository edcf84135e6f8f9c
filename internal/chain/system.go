package chain

import (
	"encoding/binary"
	"fmt"

	"clockswitch/pkg/pubkey"
)

const (
	systemCreateAccount uint32 = 0
	systemTransfer      uint32 = 2
)

// systemProgram creates accounts and moves lamports between system-owned
// accounts. Instruction data is a u32 LE tag followed by fixed-size args.
type systemProgram struct{}

func (systemProgram) ID() pubkey.Key { return SystemProgramID }
func (systemProgram) Name() string   { return "system" }

func (systemProgram) Process(ic *InvokeContext, accounts []AccountMeta, data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("%w: system instruction too short", ErrInvalidInstruction)
	}
	switch binary.LittleEndian.Uint32(data) {
	case systemCreateAccount:
		if len(data) != 4+8+8+32 || len(accounts) < 2 {
			return fmt.Errorf("%w: create_account", ErrInvalidInstruction)
		}
		lamports := binary.LittleEndian.Uint64(data[4:])
		space := binary.LittleEndian.Uint64(data[12:])
		var owner pubkey.Key
		copy(owner[:], data[20:52])
		return createAccount(ic, accounts[0].Key, accounts[1].Key, lamports, space, owner)
	case systemTransfer:
		if len(data) != 4+8 || len(accounts) < 2 {
			return fmt.Errorf("%w: transfer", ErrInvalidInstruction)
		}
		return transfer(ic, accounts[0].Key, accounts[1].Key, binary.LittleEndian.Uint64(data[4:]))
	default:
		return fmt.Errorf("%w: unknown system instruction %d", ErrInvalidInstruction, binary.LittleEndian.Uint32(data))
	}
}

// MaxAccountDataLen caps the data of a single account.
const MaxAccountDataLen = 10 * 1024 * 1024

func createAccount(ic *InvokeContext, from, to pubkey.Key, lamports, space uint64, owner pubkey.Key) error {
	if !ic.IsSigner(from) {
		return fmt.Errorf("%w: funding account %s", ErrMissingSignature, from)
	}
	if !ic.IsSigner(to) {
		return fmt.Errorf("%w: new account %s", ErrMissingSignature, to)
	}
	if space > MaxAccountDataLen {
		return fmt.Errorf("%w: space %d", ErrInvalidInstruction, space)
	}
	dst := ic.Account(to)
	if dst.Exists() || len(dst.Data) > 0 || dst.Owner != SystemProgramID {
		return fmt.Errorf("%w: %s", ErrAccountInUse, to)
	}
	src := ic.Account(from)
	if src.Owner != SystemProgramID || len(src.Data) > 0 {
		return fmt.Errorf("%w: funding account %s must be a system account without data", ErrInvalidInstruction, from)
	}
	if src.Lamports < lamports {
		return fmt.Errorf("%w: %s has %d, need %d", ErrInsufficientFunds, from, src.Lamports, lamports)
	}
	ic.Log("Create account %s with %d lamports, %d bytes, owner %s", to, lamports, space, owner)
	src.Lamports -= lamports
	if err := ic.Set(from, src); err != nil {
		return err
	}
	return ic.Set(to, Account{Lamports: lamports, Owner: owner, Data: make([]byte, space)})
}

func transfer(ic *InvokeContext, from, to pubkey.Key, lamports uint64) error {
	if !ic.IsSigner(from) {
		return fmt.Errorf("%w: %s", ErrMissingSignature, from)
	}
	src := ic.Account(from)
	if src.Owner != SystemProgramID || len(src.Data) > 0 {
		return fmt.Errorf("%w: transfer source %s must be a system account without data", ErrInvalidInstruction, from)
	}
	if src.Lamports < lamports {
		return fmt.Errorf("%w: %s has %d, need %d", ErrInsufficientFunds, from, src.Lamports, lamports)
	}
	if from == to {
		return nil
	}
	src.Lamports -= lamports
	if err := ic.Set(from, src); err != nil {
		return err
	}
	dst := ic.Account(to)
	dst.Lamports += lamports
	return ic.Set(to, dst)
}

// CreateAccountInstruction builds a system create_account instruction.
func CreateAccountInstruction(from, to pubkey.Key, lamports, space uint64, owner pubkey.Key) Instruction {
	data := make([]byte, 0, 52)
	data = binary.LittleEndian.AppendUint32(data, systemCreateAccount)
	data = binary.LittleEndian.AppendUint64(data, lamports)
	data = binary.LittleEndian.AppendUint64(data, space)
	data = append(data, owner[:]...)
	return Instruction{
		ProgramID: SystemProgramID,
		Accounts:  []AccountMeta{Writable(from, true), Writable(to, true)},
		Data:      data,
	}
}

// TransferInstruction builds a system transfer instruction.
func TransferInstruction(from, to pubkey.Key, lamports uint64) Instruction {
	data := make([]byte, 0, 12)
	data = binary.LittleEndian.AppendUint32(data, systemTransfer)
	data = binary.LittleEndian.AppendUint64(data, lamports)
	return Instruction{
		ProgramID: SystemProgramID,
		Accounts:  []AccountMeta{Writable(from, true), Writable(to, false)},
		Data:      data,
	}
}
