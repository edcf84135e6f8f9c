// Package chain is the host runtime that executes programs against a local
// account ledger.
//
// Transactions run one at a time. Each one works on an overlay of the
// accounts it touches and commits atomically: either every instruction
// succeeds and all writes land (the fee is charged, the slot advances and the
// changes are persisted), or nothing changes.
//
// Programs are Go values implementing Program. They may call other programs
// through InvokeContext.Invoke and sign for their program-derived addresses
// by passing the seeds.
package chain
