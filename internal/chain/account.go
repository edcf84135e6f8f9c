package chain

import (
	"bytes"

	"clockswitch/pkg/pubkey"
)

const (
	LamportsPerSOL uint64 = 1_000_000_000

	// DefaultLamportsPerSignature is the fee charged per transaction signature.
	DefaultLamportsPerSignature uint64 = 5000

	// MaxInvokeDepth bounds nested cross-program invocations.
	MaxInvokeDepth = 4

	rentLamportsPerByteYear uint64 = 3480
	rentExemptionYears      uint64 = 2
	accountStorageOverhead  uint64 = 128
)

var (
	SystemProgramID = pubkey.Zero
	NativeLoaderID  = pubkey.MustParse("NativeLoader1111111111111111111111111111111")
)

// Account is a ledger entry. It exists iff Lamports > 0.
type Account struct {
	Lamports   uint64     `json:"lamports"`
	Owner      pubkey.Key `json:"owner"`
	Data       []byte     `json:"data,omitempty"`
	Executable bool       `json:"executable,omitempty"`
}

func (a Account) Exists() bool { return a.Lamports > 0 }

func (a Account) clone() Account {
	if a.Data != nil {
		a.Data = append([]byte(nil), a.Data...)
	}
	return a
}

func (a Account) equal(b Account) bool {
	return a.Lamports == b.Lamports && a.Owner == b.Owner && a.Executable == b.Executable && bytes.Equal(a.Data, b.Data)
}

// KeyedAccount pairs an account with its address.
type KeyedAccount struct {
	Key     pubkey.Key `json:"key"`
	Account Account    `json:"account"`
}

// AccountChange is the payload of eventbus.TypeAccountChanged.
type AccountChange struct {
	Key     pubkey.Key
	Account Account
	Slot    uint64
}

// AccountMeta describes how an instruction uses an account.
type AccountMeta struct {
	Key        pubkey.Key `json:"key"`
	IsSigner   bool       `json:"is_signer"`
	IsWritable bool       `json:"is_writable"`
}

func Writable(k pubkey.Key, signer bool) AccountMeta {
	return AccountMeta{Key: k, IsSigner: signer, IsWritable: true}
}

func Readonly(k pubkey.Key, signer bool) AccountMeta {
	return AccountMeta{Key: k, IsSigner: signer}
}

// Instruction is a single program call.
type Instruction struct {
	ProgramID pubkey.Key    `json:"program_id"`
	Accounts  []AccountMeta `json:"accounts"`
	Data      []byte        `json:"data"`
}

// Clock is the ledger time observed by programs.
type Clock struct {
	Slot          uint64 `json:"slot"`
	UnixTimestamp int64  `json:"unix_timestamp"`
}

// MinimumBalance returns the rent-exempt minimum for an account holding
// space bytes of data.
func MinimumBalance(space int) uint64 {
	if space < 0 {
		space = 0
	}
	return (accountStorageOverhead + uint64(space)) * rentLamportsPerByteYear * rentExemptionYears
}
