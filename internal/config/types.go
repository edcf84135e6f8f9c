package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Ledger controls fees and the faucet of the local ledger.
	Ledger LedgerConfig `json:"ledger"`

	// Storage is optional. When omitted the ledger lives in memory only.
	Storage *StorageConfig `json:"storage,omitempty"`

	Wallet  WalletConfig  `json:"wallet"`
	Program ProgramConfig `json:"program"`

	// Automation controls the off-chain runner that executes threads.
	Automation AutomationConfig `json:"automation"`

	// Scheduler controls trigger behavior (cron/interval/once).
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution settings for thread runs and
	// housekeeping jobs.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	RPC RPCConfig `json:"rpc"`
}

// TaskEngineConfig controls the task execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Enabled is a pointer so we can distinguish "omitted" (default to scheduler.enabled)
// from an explicit false.
//
// Defaults (when fields are omitted/zero):
//   - enabled: scheduler.enabled
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 3
type TaskEngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	QueueSize int `json:"queue_size,omitempty"`

	// DefaultTimeout is a Go duration string (e.g. "10s", "1m").
	// Use "0s" to disable a global default timeout.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	// MaxQueueDelay drops tasks that have been queued longer than this duration.
	// Use "0s" to disable stale queue dropping.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`
}

// LedgerConfig controls the local ledger runtime.
//
// Defaults: lamports_per_signature 5000, max_airdrop_lamports 0 (unlimited).
type LedgerConfig struct {
	LamportsPerSignature uint64 `json:"lamports_per_signature,omitempty"`
	MaxAirdropLamports   uint64 `json:"max_airdrop_lamports,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./clockswitch.db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`  // Go duration string (sqlite)
	CompactEvery int    `json:"compact_every,omitempty"` // file driver
}

// WalletConfig points at keypair files. Missing files are generated on
// first start.
type WalletConfig struct {
	Payer  string `json:"payer"`
	Worker string `json:"worker"`

	// AirdropOnStart tops the payer up to this balance at startup.
	AirdropOnStart uint64 `json:"airdrop_on_start,omitempty"`
}

// ProgramConfig is fixed at deploy time: changing it needs a restart.
type ProgramConfig struct {
	// Trigger is "cron" (default) or "account".
	Trigger  string `json:"trigger,omitempty"`
	Schedule string `json:"schedule,omitempty"`
	// Skippable defaults to true.
	Skippable *bool  `json:"skippable,omitempty"`
	Amount    uint64 `json:"amount,omitempty"`
}

// AutomationConfig controls the thread runner.
//
// Defaults: enabled true, reconcile "30s", exec_timeout "10s",
// max_catch_up 16, worker_min_balance 0.01 SOL, worker_top_up 1 SOL.
// Fee is the per-execution reward paid by a thread to the worker and is
// fixed at startup.
type AutomationConfig struct {
	Enabled          *bool  `json:"enabled,omitempty"`
	Reconcile        string `json:"reconcile,omitempty"`
	ExecTimeout      string `json:"exec_timeout,omitempty"`
	MaxCatchUp       int    `json:"max_catch_up,omitempty"`
	Fee              uint64 `json:"fee,omitempty"`
	WorkerMinBalance uint64 `json:"worker_min_balance,omitempty"`
	WorkerTopUp      uint64 `json:"worker_top_up,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	// Format of console output: "text" (default) or "json".
	Format string      `json:"format,omitempty"`
	File   LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the scheduler (trigger) service.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Trigger timezone for housekeeping schedules. Thread cron schedules
	// are always registered in UTC.
	Timezone string `json:"timezone,omitempty"`
}

// RPCConfig controls the HTTP API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8899").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type RPCConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8899"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Request rate across all clients. 0 disables limiting.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Pprof mounts net/http/pprof under /debug/pprof/ behind the same token.
	Pprof bool `json:"pprof,omitempty"`
}
