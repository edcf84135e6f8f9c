package pubkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Keypair is an ed25519 signing key.
type Keypair struct {
	priv ed25519.PrivateKey
}

func NewKeypair() (Keypair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, err
	}
	return Keypair{priv: priv}, nil
}

// KeypairFromSeed derives a keypair from a 32-byte seed (deterministic; tests).
func KeypairFromSeed(seed []byte) (Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return Keypair{}, fmt.Errorf("keypair seed must be %d bytes", ed25519.SeedSize)
	}
	return Keypair{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

func (kp Keypair) IsZero() bool { return len(kp.priv) == 0 }

func (kp Keypair) PublicKey() Key {
	if kp.IsZero() {
		return Zero
	}
	var k Key
	copy(k[:], kp.priv.Public().(ed25519.PublicKey))
	return k
}

func (kp Keypair) Sign(msg []byte) []byte {
	return ed25519.Sign(kp.priv, msg)
}

// Verify checks sig over msg against k.
func Verify(k Key, msg, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(k[:]), msg, sig)
}

// LoadKeypairFile reads a keypair stored as a JSON array of 64 bytes.
func LoadKeypairFile(path string) (Keypair, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Keypair{}, err
	}
	var ints []int
	if err := json.Unmarshal(b, &ints); err != nil {
		return Keypair{}, fmt.Errorf("keypair %s: %w", path, err)
	}
	raw := make([]byte, 0, len(ints))
	for _, v := range ints {
		if v < 0 || v > 255 {
			return Keypair{}, fmt.Errorf("keypair %s: byte out of range: %d", path, v)
		}
		raw = append(raw, byte(v))
	}
	if len(raw) != ed25519.PrivateKeySize {
		return Keypair{}, fmt.Errorf("keypair %s: want %d bytes, got %d", path, ed25519.PrivateKeySize, len(raw))
	}
	kp := Keypair{priv: ed25519.PrivateKey(raw)}
	// The trailing 32 bytes must match the public key derived from the seed.
	if kp.PublicKey() != (Keypair{priv: ed25519.NewKeyFromSeed(raw[:32])}).PublicKey() {
		return Keypair{}, errors.New("keypair " + path + ": public key mismatch")
	}
	return kp, nil
}

// WriteKeypairFile writes kp in the format read by LoadKeypairFile.
func WriteKeypairFile(path string, kp Keypair) error {
	if kp.IsZero() {
		return errors.New("empty keypair")
	}
	ints := make([]int, len(kp.priv))
	for i, b := range kp.priv {
		ints[i] = int(b)
	}
	b, err := json.Marshal(ints)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

// LoadOrCreateKeypairFile loads path, generating and writing a new keypair if
// the file does not exist.
func LoadOrCreateKeypairFile(path string) (Keypair, bool, error) {
	kp, err := LoadKeypairFile(path)
	if err == nil {
		return kp, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return Keypair{}, false, err
	}
	kp, err = NewKeypair()
	if err != nil {
		return Keypair{}, false, err
	}
	if err := WriteKeypairFile(path, kp); err != nil {
		return Keypair{}, false, err
	}
	return kp, true, nil
}
