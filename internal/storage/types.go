package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": file backend (snapshot + journal + jsonl)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// CompactEvery controls how many journaled account writes trigger a
	// snapshot compaction (file driver). 0 means default.
	CompactEvery int
}

// AccountRecord is the persisted form of a ledger account.
// Addresses are base58 strings so both backends stay human-inspectable.
// A record with Lamports == 0 deletes the account.
type AccountRecord struct {
	Address    string `json:"address"`
	Owner      string `json:"owner"`
	Lamports   uint64 `json:"lamports"`
	Data       []byte `json:"data,omitempty"`
	Executable bool   `json:"executable,omitempty"`
	Slot       uint64 `json:"slot"`
}

// InvocationRecord describes one executed transaction.
type InvocationRecord struct {
	ID        string    `json:"id"`
	At        time.Time `json:"at"`
	Slot      uint64    `json:"slot"`
	Signature string    `json:"signature"`
	FeePayer  string    `json:"fee_payer"`
	Programs  []string  `json:"programs"`
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
	Logs      []string  `json:"logs,omitempty"`
	TookMS    int64     `json:"took_ms"`
}
