// Package pubkey implements 32-byte account addresses.
//
// Addresses are rendered as base58 strings. Program-derived addresses (PDAs)
// are deterministic off-curve addresses computed from a list of seeds and the
// owning program's address; only that program can sign for them.
package pubkey

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// Size is the byte length of an address.
const Size = 32

var ErrInvalidKey = errors.New("invalid public key")

// Key is an account address.
type Key [Size]byte

// Zero is the all-zero address (also the system program address).
var Zero Key

// Parse decodes a base58 address.
func Parse(s string) (Key, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return Key{}, fmt.Errorf("%w %q: %v", ErrInvalidKey, s, err)
	}
	if len(b) != Size {
		return Key{}, fmt.Errorf("%w %q: got %d bytes", ErrInvalidKey, s, len(b))
	}
	var k Key
	copy(k[:], b)
	return k, nil
}

// MustParse is Parse for package-level constants.
func MustParse(s string) Key {
	k, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return k
}

// FromBytes copies b into a Key. b must be exactly Size bytes.
func FromBytes(b []byte) (Key, error) {
	if len(b) != Size {
		return Key{}, fmt.Errorf("%w: got %d bytes", ErrInvalidKey, len(b))
	}
	var k Key
	copy(k[:], b)
	return k, nil
}

func (k Key) String() string { return base58.Encode(k[:]) }

func (k Key) Bytes() []byte { return append([]byte(nil), k[:]...) }

func (k Key) IsZero() bool { return k == Zero }

func (k Key) Equal(o Key) bool { return k == o }

// Short renders the first and last 4 characters, for logs.
func (k Key) Short() string {
	s := k.String()
	if len(s) <= 10 {
		return s
	}
	return s[:4] + ".." + s[len(s)-4:]
}

func (k Key) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Key) UnmarshalText(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		*k = Zero
		return nil
	}
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}
