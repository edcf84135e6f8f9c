package rpc

import (
	"time"

	"clockswitch/internal/automation"
	"clockswitch/internal/chain"
	"clockswitch/internal/runtime/supervisor"
	"clockswitch/internal/storage"
	"clockswitch/internal/task/engine"
	"clockswitch/internal/task/scheduler"
	"clockswitch/pkg/pubkey"
)

// ErrorBody is the JSON body of every non-2xx response.
type ErrorBody struct {
	Error string `json:"error"`
	// Code and Name are set when a program rejected the transaction.
	Code uint32   `json:"code,omitempty"`
	Name string   `json:"name,omitempty"`
	Logs []string `json:"logs,omitempty"`
}

type InitializeRequest struct {
	ThreadID string `json:"thread_id"`
}

type InitializeResult struct {
	Receipt  chain.Receipt `json:"receipt"`
	Switch   pubkey.Key    `json:"switch"`
	Thread   pubkey.Key    `json:"thread"`
	ThreadID string        `json:"thread_id"`
}

type ToggleResult struct {
	Receipt chain.Receipt `json:"receipt"`
	State   bool          `json:"switch_state"`
}

type SwitchView struct {
	Address     pubkey.Key `json:"address"`
	Initialized bool       `json:"initialized"`
	State       bool       `json:"switch_state"`
	Lamports    uint64     `json:"lamports"`
}

type ThreadView struct {
	Address  pubkey.Key         `json:"address"`
	Lamports uint64             `json:"lamports"`
	Thread   *automation.Thread `json:"thread"`
	// Registration is the runner's view; nil when the runner does not track
	// the thread.
	Registration *automation.Registration `json:"registration,omitempty"`
}

type AccountView struct {
	Address    pubkey.Key `json:"address"`
	Lamports   uint64     `json:"lamports"`
	Owner      pubkey.Key `json:"owner"`
	Executable bool       `json:"executable"`
	Data       []byte     `json:"data,omitempty"`
}

type AirdropRequest struct {
	Address pubkey.Key `json:"address"`
	// Lamports defaults to one SOL.
	Lamports uint64 `json:"lamports,omitempty"`
}

type InvocationsResponse struct {
	Invocations []storage.InvocationRecord `json:"invocations"`
}

type Snapshot struct {
	Started    time.Time                  `json:"started"`
	Payer      pubkey.Key                 `json:"payer"`
	Switch     pubkey.Key                 `json:"switch"`
	Ledger     chain.Stats                `json:"ledger"`
	Automation *automation.RunnerSnapshot `json:"automation,omitempty"`
	Engine     *engine.Snapshot           `json:"engine,omitempty"`
	Scheduler  *scheduler.Snapshot        `json:"scheduler,omitempty"`
	Goroutines *supervisor.Snapshot       `json:"goroutines,omitempty"`
}
