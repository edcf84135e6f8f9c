package automation

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"clockswitch/internal/chain"
	"clockswitch/internal/task/scheduler"
	"clockswitch/pkg/pubkey"
)

var (
	ProgramID = pubkey.MustParse("CLoCKyJ6DXBJqqu2VWx9RLbgnwwR6BMHHuyasVmfMzBh")

	threadDiscriminator = accountDiscriminator("Thread")
)

const (
	ThreadSeed = "thread"

	// DefaultFee is paid from the thread to the worker on every execution.
	DefaultFee uint64 = 1000
)

func accountDiscriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("account:" + name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

// ThreadAddress derives the thread account for (authority, id).
func ThreadAddress(authority pubkey.Key, id string) (pubkey.Key, uint8, error) {
	return pubkey.FindProgramAddress(threadSeeds(authority, id), ProgramID)
}

func threadSeeds(authority pubkey.Key, id string) [][]byte {
	return [][]byte{[]byte(ThreadSeed), authority[:], []byte(id)}
}

func (t *Thread) signerSeeds() [][]byte {
	return append(threadSeeds(t.Authority, t.ID), []byte{t.Bump})
}

type TriggerKind string

const (
	TriggerCron      TriggerKind = "cron"
	TriggerAccount   TriggerKind = "account"
	TriggerTimestamp TriggerKind = "timestamp"
	TriggerNow       TriggerKind = "now"
)

// Trigger decides when a thread may execute. Exactly one variant is set,
// matching Kind.
type Trigger struct {
	Kind      TriggerKind       `json:"kind"`
	Cron      *CronTrigger      `json:"cron,omitempty"`
	Account   *AccountTrigger   `json:"account,omitempty"`
	Timestamp *TimestampTrigger `json:"timestamp,omitempty"`
}

// CronTrigger fires on a cron schedule (5, 6 or 7 fields, UTC). A skippable
// schedule collapses missed firings into one; otherwise each missed firing
// is executed in turn.
type CronTrigger struct {
	Schedule  string `json:"schedule"`
	Skippable bool   `json:"skippable"`
}

// AccountTrigger fires whenever bytes [Offset, Offset+Size) of Address change.
type AccountTrigger struct {
	Address pubkey.Key `json:"address"`
	Offset  uint64     `json:"offset"`
	Size    uint64     `json:"size"`
}

// TimestampTrigger fires once at or after UnixTs.
type TimestampTrigger struct {
	UnixTs int64 `json:"unix_ts"`
}

func Cron(schedule string, skippable bool) Trigger {
	return Trigger{Kind: TriggerCron, Cron: &CronTrigger{Schedule: schedule, Skippable: skippable}}
}

func Account(address pubkey.Key, offset, size uint64) Trigger {
	return Trigger{Kind: TriggerAccount, Account: &AccountTrigger{Address: address, Offset: offset, Size: size}}
}

func Timestamp(unix int64) Trigger {
	return Trigger{Kind: TriggerTimestamp, Timestamp: &TimestampTrigger{UnixTs: unix}}
}

func Now() Trigger { return Trigger{Kind: TriggerNow} }

// Validate checks the variant matches Kind and its parameters are usable.
func (tr Trigger) Validate() error {
	switch tr.Kind {
	case TriggerCron:
		if tr.Cron == nil {
			return fmt.Errorf("%w: cron parameters missing", ErrInvalidTrigger)
		}
		if _, err := scheduler.Next(tr.Cron.Schedule, time.Unix(0, 0).UTC()); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
		}
	case TriggerAccount:
		if tr.Account == nil || tr.Account.Size == 0 {
			return fmt.Errorf("%w: account trigger needs an address and a non-zero size", ErrInvalidTrigger)
		}
		if end := tr.Account.Offset + tr.Account.Size; end < tr.Account.Offset || end > chain.MaxAccountDataLen {
			return fmt.Errorf("%w: account window %d+%d exceeds %d bytes", ErrInvalidTrigger, tr.Account.Offset, tr.Account.Size, chain.MaxAccountDataLen)
		}
	case TriggerTimestamp:
		if tr.Timestamp == nil {
			return fmt.Errorf("%w: timestamp missing", ErrInvalidTrigger)
		}
	case TriggerNow:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTrigger, tr.Kind)
	}
	return nil
}

func (tr Trigger) String() string {
	switch tr.Kind {
	case TriggerCron:
		if tr.Cron != nil {
			return fmt.Sprintf("cron(%s, skippable=%v)", tr.Cron.Schedule, tr.Cron.Skippable)
		}
	case TriggerAccount:
		if tr.Account != nil {
			return fmt.Sprintf("account(%s[%d:%d])", tr.Account.Address.Short(), tr.Account.Offset, tr.Account.Offset+tr.Account.Size)
		}
	case TriggerTimestamp:
		if tr.Timestamp != nil {
			return fmt.Sprintf("timestamp(%d)", tr.Timestamp.UnixTs)
		}
	}
	return string(tr.Kind)
}

// ExecContext records the most recent execution.
type ExecContext struct {
	LastExecAt   uint64 `json:"last_exec_at"` // slot
	LastExecUnix int64  `json:"last_exec_unix"`
	ExecIndex    uint64 `json:"exec_index"`
}

// Thread is the state stored in a thread account: discriminator + JSON.
type Thread struct {
	Authority    pubkey.Key          `json:"authority"`
	ID           string              `json:"id"`
	Bump         uint8               `json:"bump"`
	CreatedAt    chain.Clock         `json:"created_at"`
	Fee          uint64              `json:"fee"`
	Paused       bool                `json:"paused"`
	Trigger      Trigger             `json:"trigger"`
	Instructions []chain.Instruction `json:"instructions"`
	ExecContext  *ExecContext        `json:"exec_context,omitempty"`

	// WatchHash is the hash of the watched byte range at the last execution
	// (or at creation) for account triggers.
	WatchHash uint64 `json:"watch_hash,omitempty"`
}

func (t *Thread) Encode() ([]byte, error) {
	body, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 8+len(body))
	out = append(out, threadDiscriminator[:]...)
	return append(out, body...), nil
}

// DecodeThread parses thread account data.
func DecodeThread(data []byte) (*Thread, error) {
	if len(data) < 8 || !bytes.Equal(data[:8], threadDiscriminator[:]) {
		return nil, ErrAccountDiscriminatorMismatch
	}
	var t Thread
	if err := json.Unmarshal(data[8:], &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAccountDidNotDeserialize, err)
	}
	return &t, nil
}

// LoadThread decodes a thread account, checking ownership.
func LoadThread(acct chain.Account) (*Thread, error) {
	if !acct.Exists() {
		return nil, ErrAccountNotInitialized
	}
	if acct.Owner != ProgramID {
		return nil, ErrAccountOwnedByWrongProgram
	}
	return DecodeThread(acct.Data)
}

// watchHash hashes data[offset:offset+size]; bytes past the end read as zero.
func watchHash(data []byte, offset, size uint64) uint64 {
	window := make([]byte, size)
	if offset < uint64(len(data)) {
		copy(window, data[offset:])
	}
	sum := sha256.Sum256(window)
	return binary.LittleEndian.Uint64(sum[:8])
}

// Due reports whether the thread may execute at clock. watched is the
// current state of the account an account trigger observes. next is the
// reference time recorded as LastExecUnix on success.
func (t *Thread) Due(clock chain.Clock, watched chain.Account) (due bool, next int64, err error) {
	switch t.Trigger.Kind {
	case TriggerCron:
		ref := t.CreatedAt.UnixTimestamp
		if t.ExecContext != nil {
			ref = t.ExecContext.LastExecUnix
		}
		at, err := scheduler.Next(t.Trigger.Cron.Schedule, time.Unix(ref, 0).UTC())
		if err != nil {
			return false, 0, fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
		}
		if at.Unix() > clock.UnixTimestamp {
			return false, 0, nil
		}
		if t.Trigger.Cron.Skippable {
			return true, clock.UnixTimestamp, nil
		}
		return true, at.Unix(), nil
	case TriggerAccount:
		a := t.Trigger.Account
		return watchHash(watched.Data, a.Offset, a.Size) != t.WatchHash, clock.UnixTimestamp, nil
	case TriggerTimestamp:
		return t.ExecContext == nil && clock.UnixTimestamp >= t.Trigger.Timestamp.UnixTs, clock.UnixTimestamp, nil
	case TriggerNow:
		return t.ExecContext == nil, clock.UnixTimestamp, nil
	}
	return false, 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidTrigger, t.Trigger.Kind)
}
