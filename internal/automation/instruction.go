package automation

import (
	"crypto/sha256"
	"encoding/json"

	"clockswitch/internal/chain"
	"clockswitch/pkg/pubkey"
)

var (
	ixThreadCreate = instructionDiscriminator("thread_create")
	ixThreadDelete = instructionDiscriminator("thread_delete")
	ixThreadPause  = instructionDiscriminator("thread_pause")
	ixThreadResume = instructionDiscriminator("thread_resume")
	ixThreadExec   = instructionDiscriminator("thread_exec")
)

func instructionDiscriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("global:" + name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

// ThreadCreateArgs are the arguments of thread_create.
type ThreadCreateArgs struct {
	Amount       uint64              `json:"amount"`
	ID           string              `json:"id"`
	Instructions []chain.Instruction `json:"instructions"`
	Trigger      Trigger             `json:"trigger"`
}

func encodeInstruction(disc [8]byte, args any) []byte {
	out := append([]byte(nil), disc[:]...)
	if args == nil {
		return out
	}
	body, err := json.Marshal(args)
	if err != nil {
		// Args are plain structs of keys, strings and numbers.
		panic(err)
	}
	return append(out, body...)
}

// NewThreadCreateInstruction builds thread_create. authority and payer sign;
// thread must be ThreadAddress(authority, args.ID).
func NewThreadCreateInstruction(authority, payer, thread pubkey.Key, args ThreadCreateArgs) chain.Instruction {
	return chain.Instruction{
		ProgramID: ProgramID,
		Accounts: []chain.AccountMeta{
			chain.Readonly(authority, true),
			chain.Writable(payer, true),
			chain.Readonly(chain.SystemProgramID, false),
			chain.Writable(thread, false),
		},
		Data: encodeInstruction(ixThreadCreate, args),
	}
}

// NewThreadDeleteInstruction closes thread and sends its lamports to closeTo.
func NewThreadDeleteInstruction(authority, closeTo, thread pubkey.Key) chain.Instruction {
	return chain.Instruction{
		ProgramID: ProgramID,
		Accounts: []chain.AccountMeta{
			chain.Readonly(authority, true),
			chain.Writable(closeTo, false),
			chain.Writable(thread, false),
		},
		Data: encodeInstruction(ixThreadDelete, nil),
	}
}

func NewThreadPauseInstruction(authority, thread pubkey.Key) chain.Instruction {
	return chain.Instruction{
		ProgramID: ProgramID,
		Accounts:  []chain.AccountMeta{chain.Readonly(authority, true), chain.Writable(thread, false)},
		Data:      encodeInstruction(ixThreadPause, nil),
	}
}

func NewThreadResumeInstruction(authority, thread pubkey.Key) chain.Instruction {
	return chain.Instruction{
		ProgramID: ProgramID,
		Accounts:  []chain.AccountMeta{chain.Readonly(authority, true), chain.Writable(thread, false)},
		Data:      encodeInstruction(ixThreadResume, nil),
	}
}

// NewThreadExecInstruction builds thread_exec for t. The account list
// carries the worker, the thread, the watched account of an account
// trigger and every account the stored instructions touch.
func NewThreadExecInstruction(worker, thread pubkey.Key, t *Thread) chain.Instruction {
	metas := []chain.AccountMeta{chain.Writable(worker, true), chain.Writable(thread, false)}
	index := map[pubkey.Key]int{worker: 0, thread: 1}
	add := func(k pubkey.Key, writable bool) {
		if i, ok := index[k]; ok {
			metas[i].IsWritable = metas[i].IsWritable || writable
			return
		}
		index[k] = len(metas)
		metas = append(metas, chain.AccountMeta{Key: k, IsWritable: writable})
	}
	if t.Trigger.Kind == TriggerAccount && t.Trigger.Account != nil {
		add(t.Trigger.Account.Address, false)
	}
	for _, ix := range t.Instructions {
		add(ix.ProgramID, false)
		for _, m := range ix.Accounts {
			add(m.Key, m.IsWritable)
		}
	}
	return chain.Instruction{ProgramID: ProgramID, Accounts: metas, Data: encodeInstruction(ixThreadExec, nil)}
}
