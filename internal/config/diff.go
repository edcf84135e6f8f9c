package config

import (
	"reflect"
	"sort"
	"strings"

	logx "clockswitch/pkg/logx"
)

// SummarizeConfigChange returns the changed section names and safe
// structured attrs for logging. Tokens and key material never appear.
// Sections in RestartRequired only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Ledger != newCfg.Ledger {
		changed = append(changed, "ledger")
		attrs = append(attrs,
			logx.Uint64("ledger.lamports_per_signature", newCfg.Ledger.LamportsPerSignature),
			logx.Uint64("ledger.max_airdrop_lamports", newCfg.Ledger.MaxAirdropLamports),
		)
	}

	// Nil means disabled.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) ||
		oS.CompactEvery != nS.CompactEvery {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(nS.BusyTimeout)),
		)
	}

	// Wallet paths only; never the keys.
	if oldCfg.Wallet != newCfg.Wallet {
		changed = append(changed, "wallet")
		attrs = append(attrs,
			logx.Bool("wallet.payer_set", strings.TrimSpace(newCfg.Wallet.Payer) != ""),
			logx.Bool("wallet.worker_set", strings.TrimSpace(newCfg.Wallet.Worker) != ""),
			logx.Uint64("wallet.airdrop_on_start", newCfg.Wallet.AirdropOnStart),
		)
	}

	if !reflect.DeepEqual(oldCfg.Program, newCfg.Program) {
		changed = append(changed, "program")
		attrs = append(attrs,
			logx.String("program.trigger", newCfg.Program.Trigger),
			logx.String("program.schedule", newCfg.Program.Schedule),
			logx.Uint64("program.amount", newCfg.Program.Amount),
		)
	}

	if !reflect.DeepEqual(oldCfg.Automation, newCfg.Automation) {
		changed = append(changed, "automation")
		enabled := newCfg.Automation.Enabled == nil || *newCfg.Automation.Enabled
		attrs = append(attrs,
			logx.Bool("automation.enabled", enabled),
			logx.String("automation.reconcile", strings.TrimSpace(newCfg.Automation.Reconcile)),
			logx.String("automation.exec_timeout", strings.TrimSpace(newCfg.Automation.ExecTimeout)),
			logx.Int("automation.max_catch_up", newCfg.Automation.MaxCatchUp),
		)
	}

	if oldCfg.Scheduler.Enabled != newCfg.Scheduler.Enabled ||
		strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	oTE := derefTaskEngine(oldCfg.TaskEngine)
	nTE := derefTaskEngine(newCfg.TaskEngine)
	nPresent := newCfg.TaskEngine != nil
	if (oldCfg.TaskEngine != nil) != nPresent || !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")

		enabledEffective := newCfg.Scheduler.Enabled
		enabledSet := false
		if newCfg.TaskEngine != nil && newCfg.TaskEngine.Enabled != nil {
			enabledSet = true
			enabledEffective = *newCfg.TaskEngine.Enabled
		}
		attrs = append(attrs,
			logx.Bool("task_engine.present", nPresent),
			logx.Bool("task_engine.enabled", enabledEffective),
			logx.Bool("task_engine.enabled_set", enabledSet),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(nTE.DefaultTimeout)),
			logx.String("task_engine.max_queue_delay", strings.TrimSpace(nTE.MaxQueueDelay)),
			logx.Int("task_engine.history_size", nTE.HistorySize),
			logx.Int("task_engine.retry_max", nTE.RetryMax),
		)
	}

	// Token presence only.
	oR, nR := oldCfg.RPC, newCfg.RPC
	oTok, nTok := strings.TrimSpace(oR.Token) != "", strings.TrimSpace(nR.Token) != ""
	oR.Token, nR.Token = "", ""
	if oR != nR || oTok != nTok {
		changed = append(changed, "rpc")
		attrs = append(attrs,
			logx.Bool("rpc.enabled", nR.Enabled),
			logx.String("rpc.addr", strings.TrimSpace(nR.Addr)),
			logx.Bool("rpc.token_set", nTok),
			logx.Bool("rpc.allow_insecure", nR.AllowInsecure),
			logx.Float64("rpc.rate_per_sec", nR.RatePerSec),
			logx.Bool("rpc.pprof", nR.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that are only read at startup.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "wallet", "program":
			out = append(out, s)
		}
	}
	return out
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}
