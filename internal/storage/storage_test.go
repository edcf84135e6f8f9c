package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	logx "clockswitch/pkg/logx"
)

func openTest(t *testing.T, driver string, path string, compactEvery int) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: path, CompactEvery: compactEvery}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	if st == nil {
		t.Fatalf("Open(%s) returned nil store", driver)
	}
	return st
}

func exerciseStore(t *testing.T, driver string) {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "ledger.db")

	st := openTest(t, driver, path, 3)
	recs := []AccountRecord{
		{Address: "A", Owner: "P", Lamports: 10, Data: []byte{1, 2, 3}, Slot: 1},
		{Address: "B", Owner: "P", Lamports: 20, Slot: 1},
		{Address: "C", Owner: "Q", Lamports: 30, Executable: true, Slot: 1},
	}
	if err := st.PutAccounts(ctx, recs); err != nil {
		t.Fatalf("PutAccounts: %v", err)
	}
	// Update A, delete B.
	if err := st.PutAccounts(ctx, []AccountRecord{
		{Address: "A", Owner: "P", Lamports: 11, Data: []byte{9}, Slot: 2},
		{Address: "B", Lamports: 0, Slot: 2},
	}); err != nil {
		t.Fatalf("PutAccounts update: %v", err)
	}
	for i := 0; i < 5; i++ {
		err := st.AppendInvocation(ctx, InvocationRecord{
			ID:        fmt.Sprintf("inv-%d", i),
			At:        time.Now(),
			Slot:      uint64(i),
			Signature: fmt.Sprintf("sig-%d", i),
			FeePayer:  "payer",
			Programs:  []string{"P"},
			OK:        i%2 == 0,
			Logs:      []string{"log"},
		})
		if err != nil {
			t.Fatalf("AppendInvocation: %v", err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st = openTest(t, driver, path, 3)
	defer st.Close()

	got, err := st.LoadAccounts(ctx)
	if err != nil {
		t.Fatalf("LoadAccounts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("accounts = %+v, want A and C", got)
	}
	if got[0].Address != "A" || got[0].Lamports != 11 || string(got[0].Data) != string([]byte{9}) || got[0].Slot != 2 {
		t.Fatalf("A = %+v", got[0])
	}
	if got[1].Address != "C" || !got[1].Executable || got[1].Owner != "Q" {
		t.Fatalf("C = %+v", got[1])
	}

	inv, err := st.RecentInvocations(ctx, 2)
	if err != nil {
		t.Fatalf("RecentInvocations: %v", err)
	}
	if len(inv) != 2 || inv[0].ID != "inv-4" || inv[1].ID != "inv-3" {
		t.Fatalf("recent = %+v, want inv-4, inv-3", inv)
	}
	if inv[1].OK || !inv[0].OK || len(inv[0].Programs) != 1 || inv[0].Programs[0] != "P" {
		t.Fatalf("recent fields = %+v", inv)
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()
	exerciseStore(t, "file")
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	t.Parallel()
	exerciseStore(t, "sqlite")
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none"} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver should fail")
	}
}
