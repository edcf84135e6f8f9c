package pubkey

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
)

const (
	MaxSeeds   = 16
	MaxSeedLen = 32

	pdaMarker = "ProgramDerivedAddress"
)

var (
	ErrMaxSeedLength = errors.New("seed exceeds max length")
	ErrOnCurve       = errors.New("derived address is on the ed25519 curve")
	ErrNoViableBump  = errors.New("unable to find a viable program address bump")
)

// CreateProgramAddress derives an address from seeds and programID.
// It fails with ErrOnCurve if the hash is a valid ed25519 point, since such an
// address could have a private key.
func CreateProgramAddress(seeds [][]byte, programID Key) (Key, error) {
	if len(seeds) > MaxSeeds {
		return Key{}, fmt.Errorf("%w: %d seeds", ErrMaxSeedLength, len(seeds))
	}
	h := sha256.New()
	for _, s := range seeds {
		if len(s) > MaxSeedLen {
			return Key{}, fmt.Errorf("%w: %d bytes", ErrMaxSeedLength, len(s))
		}
		h.Write(s)
	}
	h.Write(programID[:])
	h.Write([]byte(pdaMarker))

	var k Key
	copy(k[:], h.Sum(nil))
	if IsOnCurve(k) {
		return Key{}, ErrOnCurve
	}
	return k, nil
}

// FindProgramAddress searches bumps from 255 down to 0 and returns the first
// off-curve address together with its bump.
func FindProgramAddress(seeds [][]byte, programID Key) (Key, uint8, error) {
	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)
	for bump := 255; bump >= 0; bump-- {
		withBump[len(seeds)] = []byte{byte(bump)}
		k, err := CreateProgramAddress(withBump, programID)
		if err == nil {
			return k, uint8(bump), nil
		}
		if !errors.Is(err, ErrOnCurve) {
			return Key{}, 0, err
		}
	}
	return Key{}, 0, ErrNoViableBump
}

// MustFindProgramAddress panics on error. Only use with constant seeds.
func MustFindProgramAddress(seeds [][]byte, programID Key) (Key, uint8) {
	k, b, err := FindProgramAddress(seeds, programID)
	if err != nil {
		panic(err)
	}
	return k, b
}

// IsOnCurve reports whether k decodes to a valid ed25519 point.
func IsOnCurve(k Key) bool {
	_, err := new(edwards25519.Point).SetBytes(k[:])
	return err == nil
}
