package switchprog

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"clockswitch/internal/automation"
	"clockswitch/internal/chain"
	"clockswitch/pkg/pubkey"
)

var (
	ProgramID = pubkey.MustParse("46RcJ7gAKGvSpSfWPgX1GaEWurcscz2atDxho74aRDrq")

	switchAddress, switchBump      = pubkey.MustFindProgramAddress([][]byte{[]byte(SwitchSeed)}, ProgramID)
	threadAuthority, authorityBump = pubkey.MustFindProgramAddress([][]byte{[]byte(ThreadAuthoritySeed)}, ProgramID)

	ixInitialize   = discriminator("global:initialize")
	ixToggleSwitch = discriminator("global:toggle_switch")
	ixResponse     = discriminator("global:response")

	switchDiscriminator = discriminator("account:Switch")
)

const (
	SwitchSeed          = "switch-test"
	ThreadAuthoritySeed = "authority-test"

	// SwitchSpace is the discriminator plus one bool.
	SwitchSpace = 8 + 1
	// SwitchStateOffset is where the bool lives inside the switch account.
	SwitchStateOffset = 8
)

func discriminator(preimage string) [8]byte {
	sum := sha256.Sum256([]byte(preimage))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

// SwitchAddress is the flag record.
func SwitchAddress() pubkey.Key { return switchAddress }

// ThreadAuthority is the program-derived authority of every thread this
// program creates.
func ThreadAuthority() pubkey.Key { return threadAuthority }

// ThreadAddress is the thread that initialize(threadID) registers.
func ThreadAddress(threadID string) (pubkey.Key, error) {
	k, _, err := automation.ThreadAddress(threadAuthority, threadID)
	return k, err
}

// Switch is the decoded flag record.
type Switch struct {
	State bool `json:"switch_state"`
}

func (s Switch) encode() []byte {
	out := make([]byte, SwitchSpace)
	copy(out, switchDiscriminator[:])
	if s.State {
		out[SwitchStateOffset] = 1
	}
	return out
}

// DecodeSwitch parses switch account data.
func DecodeSwitch(data []byte) (Switch, error) {
	if len(data) < 8 || !bytes.Equal(data[:8], switchDiscriminator[:]) {
		return Switch{}, ErrAccountDiscriminatorMismatch
	}
	if len(data) < SwitchSpace || data[SwitchStateOffset] > 1 {
		return Switch{}, ErrAccountDidNotDeserialize
	}
	return Switch{State: data[SwitchStateOffset] == 1}, nil
}

// NewInitializeInstruction builds initialize(threadID) paid by payer.
func NewInitializeInstruction(payer pubkey.Key, threadID string) (chain.Instruction, error) {
	thread, err := ThreadAddress(threadID)
	if err != nil {
		return chain.Instruction{}, fmt.Errorf("thread id %q: %w", threadID, err)
	}
	data := append([]byte(nil), ixInitialize[:]...)
	data = binary.LittleEndian.AppendUint32(data, uint32(len(threadID)))
	data = append(data, threadID...)
	return chain.Instruction{
		ProgramID: ProgramID,
		Accounts: []chain.AccountMeta{
			chain.Writable(switchAddress, false),
			chain.Writable(payer, true),
			chain.Readonly(chain.SystemProgramID, false),
			chain.Readonly(automation.ProgramID, false),
			chain.Writable(thread, false),
			chain.Readonly(threadAuthority, false),
		},
		Data: data,
	}, nil
}

func NewToggleInstruction(payer pubkey.Key) chain.Instruction {
	return chain.Instruction{
		ProgramID: ProgramID,
		Accounts:  []chain.AccountMeta{chain.Writable(switchAddress, false), chain.Writable(payer, true)},
		Data:      append([]byte(nil), ixToggleSwitch[:]...),
	}
}

// NewResponseInstruction is the callback stored in the thread. The thread
// signs when the scheduling service executes it.
func NewResponseInstruction(thread pubkey.Key) chain.Instruction {
	return chain.Instruction{
		ProgramID: ProgramID,
		Accounts:  []chain.AccountMeta{chain.Readonly(thread, true), chain.Readonly(threadAuthority, false)},
		Data:      append([]byte(nil), ixResponse[:]...),
	}
}

func decodeInitializeArgs(b []byte) (string, error) {
	if len(b) < 4 {
		return "", ErrInstructionDidNotDeserialize
	}
	n := binary.LittleEndian.Uint32(b)
	if uint64(len(b)-4) != uint64(n) {
		return "", ErrInstructionDidNotDeserialize
	}
	return string(b[4:]), nil
}
