// Package automation is the local scheduling service: an on-ledger thread
// program that stores jobs (a trigger plus instructions to run) and an
// off-chain Runner that watches triggers and submits thread_exec
// transactions when they are due.
//
// A thread lives at the program-derived address ["thread", authority, id].
// When executed it invokes each stored instruction signing as the thread
// itself, so target programs can check that the caller is a genuine thread
// owned by this program.
package automation
