package pubkey

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
)

func TestParseRoundTrip(t *testing.T) {
	t.Parallel()
	sys, err := Parse("11111111111111111111111111111111")
	if err != nil {
		t.Fatalf("Parse system program: %v", err)
	}
	if !sys.IsZero() {
		t.Fatalf("system program address = %x, want zero", sys[:])
	}

	kp, err := NewKeypair()
	if err != nil {
		t.Fatalf("NewKeypair: %v", err)
	}
	k := kp.PublicKey()
	got, err := Parse(k.String())
	if err != nil {
		t.Fatalf("Parse(%s): %v", k, err)
	}
	if got != k {
		t.Fatalf("round trip mismatch: %s != %s", got, k)
	}
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"", "0OIl", "1111"} {
		if _, err := Parse(s); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("Parse(%q) err = %v, want ErrInvalidKey", s, err)
		}
	}
}

func TestKeyJSON(t *testing.T) {
	t.Parallel()
	k := MustParse("46RcJ7gAKGvSpSfWPgX1GaEWurcscz2atDxho74aRDrq")
	b, err := json.Marshal(struct{ K Key }{k})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Contains(b, []byte(k.String())) {
		t.Fatalf("json %s does not contain base58 key", b)
	}
	var out struct{ K Key }
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.K != k {
		t.Fatalf("got %s want %s", out.K, k)
	}
}

func TestFindProgramAddress(t *testing.T) {
	t.Parallel()
	program := MustParse("46RcJ7gAKGvSpSfWPgX1GaEWurcscz2atDxho74aRDrq")
	seeds := [][]byte{[]byte("switch-test")}

	a, bump, err := FindProgramAddress(seeds, program)
	if err != nil {
		t.Fatalf("FindProgramAddress: %v", err)
	}
	if IsOnCurve(a) {
		t.Fatal("derived address must be off curve")
	}
	b, bump2, _ := FindProgramAddress(seeds, program)
	if a != b || bump != bump2 {
		t.Fatal("derivation must be deterministic")
	}
	c, err := CreateProgramAddress([][]byte{[]byte("switch-test"), {bump}}, program)
	if err != nil {
		t.Fatalf("CreateProgramAddress: %v", err)
	}
	if c != a {
		t.Fatalf("CreateProgramAddress with bump = %s, want %s", c, a)
	}

	other, _, _ := FindProgramAddress([][]byte{[]byte("authority-test")}, program)
	if other == a {
		t.Fatal("different seeds must derive different addresses")
	}
}

func TestCreateProgramAddressSeedTooLong(t *testing.T) {
	t.Parallel()
	_, err := CreateProgramAddress([][]byte{bytes.Repeat([]byte{1}, MaxSeedLen+1)}, Zero)
	if !errors.Is(err, ErrMaxSeedLength) {
		t.Fatalf("err = %v, want ErrMaxSeedLength", err)
	}
}

func TestKeypairFileRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "wallet", "id.json")

	kp, created, err := LoadOrCreateKeypairFile(path)
	if err != nil {
		t.Fatalf("LoadOrCreateKeypairFile: %v", err)
	}
	if !created {
		t.Fatal("expected a new keypair to be created")
	}
	again, created, err := LoadOrCreateKeypairFile(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if created {
		t.Fatal("expected existing keypair to be loaded")
	}
	if again.PublicKey() != kp.PublicKey() {
		t.Fatal("reloaded keypair differs")
	}
	if !IsOnCurve(kp.PublicKey()) {
		t.Fatal("ed25519 public keys are on curve")
	}

	msg := []byte("hello")
	sig := again.Sign(msg)
	if !Verify(kp.PublicKey(), msg, sig) {
		t.Fatal("signature did not verify")
	}
	if Verify(kp.PublicKey(), []byte("other"), sig) {
		t.Fatal("signature verified for wrong message")
	}
}
