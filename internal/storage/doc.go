// Package storage persists ledger state.
//
// It currently supports:
//   - Account snapshots (address -> lamports/owner/data), written after every
//     committed transaction
//   - An append-only invocation log (one record per executed transaction)
package storage
