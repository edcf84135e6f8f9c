package app

import (
	"fmt"
	"net"
	"strings"
	"time"

	"clockswitch/internal/automation"
	"clockswitch/internal/chain"
	"clockswitch/internal/program/switchprog"
	"clockswitch/internal/rpc"
	"clockswitch/internal/task/engine"
	"clockswitch/internal/task/scheduler"
	logx "clockswitch/pkg/logx"
)

func mapLogConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapLedgerConfig(cfg *Config) chain.Config {
	return chain.Config{
		LamportsPerSignature: cfg.Ledger.LamportsPerSignature,
		MaxAirdropLamports:   cfg.Ledger.MaxAirdropLamports,
	}
}

func mapSchedulerConfig(cfg *Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: strings.TrimSpace(cfg.Scheduler.Timezone)}
}

// mapProgramOptions converts the program section. The result is fixed for
// the lifetime of the process.
func mapProgramOptions(cfg *Config) (switchprog.Options, error) {
	pc := cfg.Program
	opts := switchprog.DefaultOptions()
	if s := strings.TrimSpace(pc.Trigger); s != "" {
		opts.TriggerKind = strings.ToLower(s)
	}
	if s := strings.TrimSpace(pc.Schedule); s != "" {
		opts.Schedule = s
	}
	if pc.Skippable != nil {
		opts.Skippable = *pc.Skippable
	}
	if pc.Amount != 0 {
		opts.Amount = pc.Amount
	}
	if err := opts.Validate(); err != nil {
		return switchprog.Options{}, err
	}
	return opts, nil
}

func mapRunnerConfig(cfg *Config) (automation.RunnerConfig, error) {
	ac := cfg.Automation
	out := automation.RunnerConfig{
		Enabled:          ac.Enabled == nil || *ac.Enabled,
		WorkerMinBalance: ac.WorkerMinBalance,
		WorkerTopUp:      ac.WorkerTopUp,
	}
	if ac.MaxCatchUp < 0 {
		return out, fmt.Errorf("automation.max_catch_up must be >= 0")
	}
	out.MaxCatchUp = ac.MaxCatchUp

	var err error
	if out.Reconcile, err = parseDurationAtLeast("automation.reconcile", ac.Reconcile, time.Second, 30*time.Second); err != nil {
		return out, err
	}
	if out.ExecTimeout, err = parseDurationOrDefault("automation.exec_timeout", ac.ExecTimeout, 10*time.Second); err != nil {
		return out, err
	}
	if out.Enabled && !cfg.Scheduler.Enabled {
		return out, fmt.Errorf("automation.enabled needs scheduler.enabled")
	}
	return out, nil
}

// mapRPCConfig validates and converts the rpc section. It never starts the
// server.
func mapRPCConfig(cfg *Config) (rpc.Config, error) {
	rc := cfg.RPC
	out := rpc.Config{
		Enabled:       rc.Enabled,
		Addr:          strings.TrimSpace(rc.Addr),
		Token:         strings.TrimSpace(rc.Token),
		AllowInsecure: rc.AllowInsecure,
		RatePerSec:    rc.RatePerSec,
		Burst:         rc.Burst,
		Pprof:         rc.Pprof,
	}
	if out.Addr == "" {
		out.Addr = rpc.DefaultAddr
	}
	if rc.RatePerSec < 0 || rc.Burst < 0 {
		return out, fmt.Errorf("rpc.rate_per_sec and rpc.burst must be >= 0")
	}

	var err error
	if out.ReadTimeout, err = parseDurationOrDefault("rpc.read_timeout", rc.ReadTimeout, 10*time.Second); err != nil {
		return out, err
	}
	// 0 keeps /debug/pprof/profile usable.
	if out.WriteTimeout, err = parseDurationField("rpc.write_timeout", rc.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = parseDurationOrDefault("rpc.idle_timeout", rc.IdleTimeout, 120*time.Second); err != nil {
		return out, err
	}

	if out.Enabled {
		if _, _, err := net.SplitHostPort(out.Addr); err != nil {
			return out, fmt.Errorf("rpc.addr: invalid %q (expected host:port): %w", out.Addr, err)
		}
		if out.Exposed() {
			return out, fmt.Errorf("rpc: binding to non-loopback addr requires token or allow_insecure=true")
		}
	}
	return out, nil
}

func mapTaskEngineConfig(cfg *Config) (engine.Config, error) {
	if cfg == nil {
		return engine.Config{}, nil
	}

	enabled := cfg.Scheduler.Enabled
	workers := 0
	queueSize := 0
	historySize := 0
	retryMax := 0
	defTimeoutStr := ""
	maxQueueDelayStr := ""

	if te := cfg.TaskEngine; te != nil {
		if te.Enabled != nil {
			enabled = *te.Enabled
		}
		if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 {
			return engine.Config{}, fmt.Errorf("task_engine: workers, queue_size, history_size and retry_max must be >= 0")
		}
		workers = te.Workers
		queueSize = te.QueueSize
		historySize = te.HistorySize
		retryMax = te.RetryMax
		defTimeoutStr = te.DefaultTimeout
		maxQueueDelayStr = te.MaxQueueDelay

		// Triggers without an executor would pile up silently.
		if cfg.Scheduler.Enabled && te.Enabled != nil && !*te.Enabled {
			return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
		}
	}

	if workers == 0 {
		workers = 2
	}
	if queueSize == 0 {
		queueSize = 256
	}
	if historySize == 0 {
		historySize = 200
	}
	if retryMax == 0 {
		retryMax = 3
	}

	defTimeout, err := parseDurationField("task_engine.default_timeout", defTimeoutStr)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := parseDurationField("task_engine.max_queue_delay", maxQueueDelayStr)
	if err != nil {
		return engine.Config{}, err
	}

	return engine.Config{
		Enabled:        enabled,
		Workers:        workers,
		QueueSize:      queueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    historySize,
		RetryMax:       retryMax,
	}, nil
}

// validateConfig runs every mapper so a bad file is rejected as a whole,
// both at startup and on hot reload.
func validateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapProgramOptions(cfg); err != nil {
		return err
	}
	if _, err := mapRunnerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRPCConfig(cfg); err != nil {
		return err
	}
	return nil
}
