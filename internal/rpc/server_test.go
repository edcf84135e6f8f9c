package rpc

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"clockswitch/internal/automation"
	"clockswitch/internal/chain"
	"clockswitch/internal/program/switchprog"
	"clockswitch/internal/storage"
	logx "clockswitch/pkg/logx"
	"clockswitch/pkg/pubkey"
)

type fixture struct {
	ledger *chain.Runtime
	node   *Node
	server *Server
	client *Client
}

func newFixture(t *testing.T, cfg Config, store storage.Store) fixture {
	t.Helper()
	ledger := chain.New(chain.Config{}, store, nil, logx.Nop())
	ledger.Register(automation.NewProgram(0), switchprog.New(switchprog.DefaultOptions()))

	payer, err := pubkey.NewKeypair()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ledger.Airdrop(context.Background(), payer.PublicKey(), 100*chain.LamportsPerSOL); err != nil {
		t.Fatal(err)
	}

	node := NewNode(ledger, payer)
	srv := NewServer(cfg, node, logx.Nop())
	ts := httptest.NewServer(srv.Handler(cfg.Pprof))
	t.Cleanup(ts.Close)
	return fixture{ledger: ledger, node: node, server: srv, client: NewClient(ts.URL, cfg.Token)}
}

func apiStatus(t *testing.T, err error) *APIError {
	t.Helper()
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	return apiErr
}

func TestInitializeToggleSwitch(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()

	sw, err := f.client.Switch(ctx)
	if err != nil || sw.Initialized {
		t.Fatalf("switch before init = %+v, %v", sw, err)
	}

	res, err := f.client.Initialize(ctx, "thread-test-1")
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	want, _ := switchprog.ThreadAddress("thread-test-1")
	if res.Thread != want || res.Switch != switchprog.SwitchAddress() || res.Receipt.Signature == "" {
		t.Fatalf("initialize result = %+v", res)
	}
	if sw, _ = f.client.Switch(ctx); !sw.Initialized || !sw.State {
		t.Fatalf("switch after init = %+v", sw)
	}

	for i, want := range []bool{false, true, false} {
		res, err := f.client.Toggle(ctx)
		if err != nil {
			t.Fatalf("toggle %d: %v", i, err)
		}
		if res.State != want {
			t.Fatalf("toggle %d state = %v, want %v", i, res.State, want)
		}
	}
}

func TestToggleBeforeInitialize(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	_, err := f.client.Toggle(context.Background())
	apiErr := apiStatus(t, err)
	if apiErr.Status != http.StatusUnprocessableEntity || apiErr.Body.Code != switchprog.ErrAccountNotInitialized.Code {
		t.Fatalf("toggle error = %+v", apiErr)
	}
}

func TestInitializeTwiceReportsProgramError(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	if _, err := f.client.Initialize(ctx, "dup"); err != nil {
		t.Fatal(err)
	}
	_, err := f.client.Initialize(ctx, "dup")
	apiErr := apiStatus(t, err)
	if apiErr.Status != http.StatusUnprocessableEntity || apiErr.Body.Code != switchprog.ErrAccountNotSystemOwned.Code {
		t.Fatalf("second initialize = %+v", apiErr)
	}

	if _, err := f.client.Initialize(ctx, ""); apiStatus(t, err).Status != http.StatusBadRequest {
		t.Fatalf("empty thread id err = %v", err)
	}
}

func TestThreadAndAccountLookups(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	res, err := f.client.Initialize(ctx, "lookup")
	if err != nil {
		t.Fatal(err)
	}

	view, err := f.client.Thread(ctx, res.Thread)
	if err != nil {
		t.Fatalf("thread: %v", err)
	}
	if view.Thread == nil || view.Thread.ID != "lookup" || view.Thread.Authority != switchprog.ThreadAuthority() {
		t.Fatalf("thread view = %+v", view)
	}
	if view.Thread.Trigger.Kind != automation.TriggerCron || view.Lamports == 0 {
		t.Fatalf("thread view = %+v", view)
	}

	acct, err := f.client.Account(ctx, switchprog.SwitchAddress())
	if err != nil || acct.Owner != switchprog.ProgramID || len(acct.Data) != switchprog.SwitchSpace {
		t.Fatalf("switch account = %+v, %v", acct, err)
	}

	// The switch exists but is not a thread.
	if _, err := f.client.Thread(ctx, switchprog.SwitchAddress()); apiStatus(t, err).Status != http.StatusBadRequest {
		t.Fatalf("thread lookup on switch = %v", err)
	}
	stranger, _ := pubkey.NewKeypair()
	if _, err := f.client.Account(ctx, stranger.PublicKey()); apiStatus(t, err).Status != http.StatusNotFound {
		t.Fatalf("unknown account = %v", err)
	}

	resp, err := http.Get(f.client.base + "/v1/accounts/not-base58!")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad address status = %d", resp.StatusCode)
	}
}

func TestAirdrop(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	to, _ := pubkey.NewKeypair()
	if _, err := f.client.Airdrop(ctx, to.PublicKey(), 0); err != nil {
		t.Fatalf("airdrop: %v", err)
	}
	acct, err := f.client.Account(ctx, to.PublicKey())
	if err != nil || acct.Lamports != chain.LamportsPerSOL {
		t.Fatalf("account = %+v, %v", acct, err)
	}
	if _, err := f.client.Airdrop(ctx, pubkey.Zero, 1); apiStatus(t, err).Status != http.StatusBadRequest {
		t.Fatalf("zero address airdrop = %v", err)
	}
}

func TestAuthAndHealth(t *testing.T) {
	f := newFixture(t, Config{Token: "s3cret"}, nil)
	ctx := context.Background()

	anon := NewClient(f.client.base, "")
	if err := anon.Health(ctx); err != nil {
		t.Fatalf("healthz should not need a token: %v", err)
	}
	if _, err := anon.Switch(ctx); apiStatus(t, err).Status != http.StatusUnauthorized {
		t.Fatalf("anonymous switch = %v", err)
	}
	wrong := NewClient(f.client.base, "nope")
	if _, err := wrong.Switch(ctx); apiStatus(t, err).Status != http.StatusUnauthorized {
		t.Fatalf("wrong token = %v", err)
	}
	if _, err := f.client.Switch(ctx); err != nil {
		t.Fatalf("authorized switch: %v", err)
	}

	f.server.Apply(Config{Token: "rotated"})
	if _, err := f.client.Switch(ctx); apiStatus(t, err).Status != http.StatusUnauthorized {
		t.Fatalf("old token after rotation = %v", err)
	}
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, Config{RatePerSec: 0.001, Burst: 2}, nil)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := f.client.Switch(ctx); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if _, err := f.client.Switch(ctx); apiStatus(t, err).Status != http.StatusTooManyRequests {
		t.Fatalf("third request = %v", err)
	}
}

func TestInvocations(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, Config{}, nil)
	if _, err := f.client.Invocations(ctx, 10); apiStatus(t, err).Status != http.StatusServiceUnavailable {
		t.Fatalf("invocations without storage = %v", err)
	}

	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "ledger")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	f = newFixture(t, Config{}, st)
	if _, err := f.client.Initialize(ctx, "logged"); err != nil {
		t.Fatal(err)
	}
	recs, err := f.client.Invocations(ctx, 10)
	if err != nil {
		t.Fatalf("invocations: %v", err)
	}
	// Newest first: initialize, then the fixture airdrop.
	if len(recs) != 2 || !recs[0].OK || recs[0].Signature == "" {
		t.Fatalf("invocations = %+v", recs)
	}
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	snap, err := f.client.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap.Payer != f.node.Payer() || snap.Switch != switchprog.SwitchAddress() || len(snap.Ledger.Programs) != 3 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Automation != nil || snap.Engine != nil {
		t.Fatalf("unwired services in snapshot: %+v", snap)
	}
}

func TestRunRebindsOnApply(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	srv := NewServer(Config{Enabled: true, Addr: "127.0.0.1:0"}, f.node, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	waitAddr := func(want bool) string {
		t.Helper()
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			if a := srv.Addr(); (a != "") == want {
				return a
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Fatalf("addr set = %v never observed", want)
		return ""
	}

	addr := waitAddr(true)
	if err := NewClient(addr, "").Health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}

	srv.Apply(Config{Enabled: false, Addr: "127.0.0.1:0"})
	waitAddr(false)

	// Public bind without a token stays down.
	srv.Apply(Config{Enabled: true, Addr: "0.0.0.0:0"})
	time.Sleep(100 * time.Millisecond)
	if a := srv.Addr(); a != "" {
		t.Fatalf("exposed config served on %s", a)
	}

	srv.Apply(Config{Enabled: true, Addr: "127.0.0.1:0", Pprof: true})
	addr = waitAddr(true)
	resp, err := http.Get("http://" + addr + "/debug/pprof/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pprof status = %d", resp.StatusCode)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}
