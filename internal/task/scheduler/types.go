package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"clockswitch/internal/task/engine"
	logx "clockswitch/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "UTC" or "Asia/Jakarta"; empty means Local
}

// Execution types live in engine; they are re-exported for callers that only
// deal with schedules.
type (
	OverlapPolicy = engine.OverlapPolicy
	TaskOptions   = engine.TaskOptions
	HistoryItem   = engine.HistoryItem
)

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
)

// Job is the work a schedule enqueues.
type Job func(ctx context.Context) error

type scheduleDef struct {
	id            string
	name          string
	spec          string         // normalized cron spec or "@every <d>"
	loc           *time.Location // nil: scheduler timezone
	timeout       time.Duration
	job           Job
	entryID       cron.EntryID
	startupSpread time.Duration
	opt           TaskOptions
	state         *engine.RunState
}

// onceDef is a one-shot trigger. Definitions survive Stop; timers do not.
type onceDef struct {
	at      time.Time
	timeout time.Duration
	job     Job
	opt     TaskOptions
	ver     uint64
	timer   *time.Timer
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	engine *engine.Service

	c    *cron.Cron
	defs []scheduleDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time

	tmu  sync.Mutex
	once map[string]*onceDef
	seq  uint64
}

type ScheduleInfo struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Spec     string        `json:"spec"`
	Timeout  time.Duration `json:"timeout"`
	Spread   time.Duration `json:"spread,omitempty"`
	Timezone string        `json:"timezone,omitempty"`
	Next     time.Time     `json:"next"`
	Prev     time.Time     `json:"prev"`
}

type OnceInfo struct {
	Name    string        `json:"name"`
	At      time.Time     `json:"at"`
	Timeout time.Duration `json:"timeout"`
	Armed   bool          `json:"armed"`
}

type Snapshot struct {
	Enabled   bool           `json:"enabled"`
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
	Once      []OnceInfo     `json:"once,omitempty"`

	// Effective retry defaults of the executor.
	RetryMax      int           `json:"retry_max"`
	RetryBase     time.Duration `json:"retry_base"`
	RetryMaxDelay time.Duration `json:"retry_max_delay"`
	RetryJitter   float64       `json:"retry_jitter"`
}
