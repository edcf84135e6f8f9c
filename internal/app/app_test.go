package app

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"clockswitch/internal/config"
	"clockswitch/internal/program/switchprog"
	"clockswitch/internal/rpc"
	logx "clockswitch/pkg/logx"
)

func boolPtr(b bool) *bool { return &b }

func TestValidateConfig(t *testing.T) {
	base := func() *Config {
		return &Config{
			Scheduler: config.SchedulerConfig{Enabled: true, Timezone: "UTC"},
			RPC:       config.RPCConfig{Enabled: true, Addr: "127.0.0.1:0"},
		}
	}
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
		{"automation without scheduler", func(c *Config) { c.Scheduler.Enabled = false }, "scheduler.enabled"},
		{"automation off without scheduler", func(c *Config) {
			c.Scheduler.Enabled = false
			c.Automation.Enabled = boolPtr(false)
		}, ""},
		{"engine off under scheduler", func(c *Config) {
			c.TaskEngine = &config.TaskEngineConfig{Enabled: boolPtr(false)}
		}, "task_engine.enabled"},
		{"bad reconcile", func(c *Config) { c.Automation.Reconcile = "soon" }, "automation.reconcile"},
		{"unknown trigger", func(c *Config) { c.Program.Trigger = "webhook" }, "webhook"},
		{"sqlite without path", func(c *Config) { c.Storage = &config.StorageConfig{Driver: "sqlite"} }, "storage.path"},
		{"unknown driver", func(c *Config) { c.Storage = &config.StorageConfig{Driver: "bolt", Path: "x"} }, "unknown storage.driver"},
		{"public rpc without token", func(c *Config) { c.RPC.Addr = "0.0.0.0:8899" }, "non-loopback"},
		{"public rpc with token", func(c *Config) {
			c.RPC.Addr = "0.0.0.0:8899"
			c.RPC.Token = "s3cret"
		}, ""},
		{"bad rpc addr", func(c *Config) { c.RPC.Addr = "localhost" }, "rpc.addr"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := validateConfig(cfg)
			if tc.want == "" {
				if err != nil {
					t.Fatalf("validateConfig: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestMapProgramOptions(t *testing.T) {
	cfg := &Config{Program: config.ProgramConfig{Trigger: " Account ", Skippable: boolPtr(false)}}
	opts, err := mapProgramOptions(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if opts.TriggerKind != switchprog.TriggerAccount || opts.Skippable || opts.Schedule != switchprog.DefaultSchedule {
		t.Fatalf("opts = %+v", opts)
	}
}

func TestMapTaskEngineDefaults(t *testing.T) {
	cfg := &Config{Scheduler: config.SchedulerConfig{Enabled: true}}
	ec, err := mapTaskEngineConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !ec.Enabled || ec.Workers != 2 || ec.QueueSize != 256 || ec.RetryMax != 3 {
		t.Fatalf("engine config = %+v", ec)
	}
}

func TestMapRPCConfigDefaults(t *testing.T) {
	rc, err := mapRPCConfig(&Config{})
	if err != nil {
		t.Fatal(err)
	}
	if rc.Addr != rpc.DefaultAddr || rc.ReadTimeout != 10*time.Second || rc.WriteTimeout != 0 {
		t.Fatalf("rpc config = %+v", rc)
	}
}

const appYAML = `
logging:
  level: warn
  console: true
wallet:
  payer: %DIR%/payer.json
  airdrop_on_start: 10000000000
storage:
  driver: file
  path: %DIR%/ledger
scheduler:
  enabled: true
  timezone: UTC
automation:
  reconcile: 1s
rpc:
  enabled: true
  addr: 127.0.0.1:0
`

func TestAppServesAndRunsThread(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clockswitch.yaml")
	if err := os.WriteFile(path, []byte(strings.ReplaceAll(appYAML, "%DIR%", dir)), 0o600); err != nil {
		t.Fatal(err)
	}

	a, err := NewApp(path, WithLogOptions(logx.WithConsoleOutput(io.Discard)))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "payer.json")); err != nil {
		t.Fatalf("payer wallet not created: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, StopAppStop)
	}()

	var addr string
	deadline := time.Now().Add(3 * time.Second)
	for addr == "" && time.Now().Before(deadline) {
		addr = a.RPCAddr()
		time.Sleep(10 * time.Millisecond)
	}
	if addr == "" {
		t.Fatal("rpc server never bound")
	}

	client := rpc.NewClient(addr, "")
	res, err := client.Initialize(ctx, "thread-app-test")
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}

	// The Runner picks the thread up from the account change and fires it
	// every second; each execution flips the switch through response.
	deadline = time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		view, err := client.Thread(ctx, res.Thread)
		if err != nil {
			t.Fatalf("thread: %v", err)
		}
		if view.Thread != nil && view.Thread.ExecContext != nil && view.Thread.ExecContext.ExecIndex >= 1 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("thread never executed")
}
