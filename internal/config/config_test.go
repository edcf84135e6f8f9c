package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
ledger:
  lamports_per_signature: 5000
storage:
  driver: sqlite
  path: ./state.db
wallet:
  payer: ./payer.json
  worker: ./worker.json
program:
  trigger: cron
  schedule: "*/1 * * * * * *"
  skippable: true
automation:
  reconcile: 15s
scheduler:
  enabled: true
  timezone: UTC
rpc:
  enabled: true
  addr: 127.0.0.1:8899
  token: s3cret
`

func TestDecodeYAML(t *testing.T) {
	cfg, err := Decode("clockswitch.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Program.Skippable == nil || !*cfg.Program.Skippable {
		t.Fatalf("program.skippable = %v", cfg.Program.Skippable)
	}
	if cfg.Ledger.LamportsPerSignature != 5000 || cfg.Automation.Reconcile != "15s" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestDecodeStrict(t *testing.T) {
	cases := []struct {
		name, file, body, want string
	}{
		{"unknown json field", "c.json", `{"rpc":{"enabled":true,"port":1}}`, "unknown field"},
		{"unknown yaml field", "c.yml", "program:\n  thread_ids: [a]\n", "unknown field"},
		{"trailing data", "c.json", `{} {}`, "trailing data"},
		{"bad yaml", "c.yaml", "logging: [", "yaml"},
		{"two yaml documents", "c.yaml", "logging:\n  level: info\n---\nrpc:\n  enabled: true\n", "multiple yaml documents"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.file, []byte(tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg, err := Decode("c.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	newCfg, _ := Decode("c.yaml", []byte(sampleYAML))

	if changed, _ := SummarizeConfigChange(oldCfg, newCfg); len(changed) != 0 {
		t.Fatalf("identical configs changed = %v", changed)
	}

	newCfg.RPC.Token = "rotated"
	newCfg.Logging.Level = "info"
	newCfg.Wallet.Payer = "./other.json"
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if want := []string{"logging", "rpc", "wallet"}; !slices.Equal(changed, want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}
	if got := RestartRequired(changed); !slices.Equal(got, []string{"wallet"}) {
		t.Fatalf("restart required = %v", got)
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	d, err := ParseDurationOrDefault("automation.reconcile", "", 30*time.Second)
	if err != nil || d != 30*time.Second {
		t.Fatalf("d = %v, err = %v", d, err)
	}
	if _, err := ParseDurationField("rpc.read_timeout", "-1s"); err == nil {
		t.Fatal("negative duration accepted")
	}
	if _, err := ParseDurationField("rpc.read_timeout", "soon"); err == nil || !strings.Contains(err.Error(), "rpc.read_timeout") {
		t.Fatalf("err = %v", err)
	}
	if _, err := ParseDurationAtLeast("automation.reconcile", "10ms", time.Second, 30*time.Second); err == nil {
		t.Fatal("reconcile below minimum accepted")
	}
	if d, err := ParseDurationAtLeast("automation.reconcile", "0s", time.Second, 30*time.Second); err != nil || d != 30*time.Second {
		t.Fatalf("d = %v, err = %v", d, err)
	}
}

func TestDecodeEmptyYAML(t *testing.T) {
	cfg, err := Decode("c.yaml", []byte("# nothing yet\n"))
	if err != nil || cfg == nil || cfg.RPC.Enabled {
		t.Fatalf("cfg = %+v, err = %v", cfg, err)
	}
}

func TestWatchPublishesValidReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clockswitch.json")
	write := func(body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write(`{"logging":{"level":"info"}}`)

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Logging.Level == "bogus" {
			return os.ErrInvalid
		}
		return nil
	})
	updates := m.Subscribe(4)
	defer m.Unsubscribe(updates)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()
	// Let the watcher register the directory.
	time.Sleep(200 * time.Millisecond)

	write(`{"logging":{"level":"bogus"}}`)
	time.Sleep(600 * time.Millisecond)
	write(`{"logging":{"level":"debug"}}`)

	select {
	case cfg := <-updates:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level = %q", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload published")
	}
	if got := m.Get().Logging.Level; got != "debug" {
		t.Fatalf("committed level = %q", got)
	}
}
