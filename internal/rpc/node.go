package rpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"clockswitch/internal/automation"
	"clockswitch/internal/chain"
	"clockswitch/internal/program/switchprog"
	"clockswitch/internal/runtime/supervisor"
	"clockswitch/internal/storage"
	"clockswitch/internal/task/engine"
	"clockswitch/internal/task/scheduler"
	"clockswitch/pkg/pubkey"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrBadRequest = errors.New("bad request")
)

const maxInvocations = 500

// Node performs API calls against the ledger. Transactions are paid and
// signed by the service wallet.
type Node struct {
	ledger  *chain.Runtime
	payer   pubkey.Keypair
	runner  *automation.Runner
	eng     *engine.Service
	sched   *scheduler.Service
	started time.Time

	sup atomic.Pointer[supervisor.Supervisor]
}

type NodeOption func(*Node)

func WithRunner(r *automation.Runner) NodeOption    { return func(n *Node) { n.runner = r } }
func WithEngine(e *engine.Service) NodeOption       { return func(n *Node) { n.eng = e } }
func WithScheduler(s *scheduler.Service) NodeOption { return func(n *Node) { n.sched = s } }

func NewNode(ledger *chain.Runtime, payer pubkey.Keypair, opts ...NodeOption) *Node {
	n := &Node{ledger: ledger, payer: payer, started: time.Now()}
	for _, o := range opts {
		o(n)
	}
	return n
}

func (n *Node) Payer() pubkey.Key { return n.payer.PublicKey() }

func (n *Node) send(ctx context.Context, ix chain.Instruction) (chain.Receipt, error) {
	tx := chain.NewTransaction(n.payer.PublicKey(), ix)
	tx.Sign(n.payer)
	return n.ledger.Execute(ctx, tx)
}

// Initialize creates the switch if needed and registers threadID.
func (n *Node) Initialize(ctx context.Context, threadID string) (InitializeResult, error) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return InitializeResult{}, fmt.Errorf("%w: thread_id is required", ErrBadRequest)
	}
	ix, err := switchprog.NewInitializeInstruction(n.payer.PublicKey(), threadID)
	if err != nil {
		return InitializeResult{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	thread, _ := switchprog.ThreadAddress(threadID)
	res := InitializeResult{Switch: switchprog.SwitchAddress(), Thread: thread, ThreadID: threadID}
	res.Receipt, err = n.send(ctx, ix)
	return res, err
}

func (n *Node) Toggle(ctx context.Context) (ToggleResult, error) {
	rc, err := n.send(ctx, switchprog.NewToggleInstruction(n.payer.PublicKey()))
	if err != nil {
		return ToggleResult{Receipt: rc}, err
	}
	sw, err := n.Switch()
	if err != nil {
		return ToggleResult{Receipt: rc}, err
	}
	return ToggleResult{Receipt: rc, State: sw.State}, nil
}

func (n *Node) Switch() (SwitchView, error) {
	addr := switchprog.SwitchAddress()
	view := SwitchView{Address: addr}
	acct, ok := n.ledger.GetAccount(addr)
	if !ok {
		return view, nil
	}
	s, err := switchprog.DecodeSwitch(acct.Data)
	if err != nil {
		return view, fmt.Errorf("decode switch: %w", err)
	}
	view.Initialized = true
	view.State = s.State
	view.Lamports = acct.Lamports
	return view, nil
}

func (n *Node) Thread(address pubkey.Key) (ThreadView, error) {
	acct, ok := n.ledger.GetAccount(address)
	if !ok {
		return ThreadView{}, fmt.Errorf("%w: thread %s", ErrNotFound, address)
	}
	t, err := automation.LoadThread(acct)
	if err != nil {
		return ThreadView{}, fmt.Errorf("%w: %s is not a thread: %v", ErrBadRequest, address, err)
	}
	view := ThreadView{Address: address, Lamports: acct.Lamports, Thread: t}
	if n.runner != nil {
		if reg, ok := n.runner.Registration(address); ok {
			view.Registration = &reg
		}
	}
	return view, nil
}

func (n *Node) Account(address pubkey.Key) (AccountView, error) {
	acct, ok := n.ledger.GetAccount(address)
	if !ok {
		return AccountView{}, fmt.Errorf("%w: account %s", ErrNotFound, address)
	}
	return AccountView{
		Address:    address,
		Lamports:   acct.Lamports,
		Owner:      acct.Owner,
		Executable: acct.Executable,
		Data:       acct.Data,
	}, nil
}

func (n *Node) Airdrop(ctx context.Context, address pubkey.Key, lamports uint64) (chain.Receipt, error) {
	if address.IsZero() {
		return chain.Receipt{}, fmt.Errorf("%w: address is required", ErrBadRequest)
	}
	if lamports == 0 {
		lamports = chain.LamportsPerSOL
	}
	return n.ledger.Airdrop(ctx, address, lamports)
}

func (n *Node) Invocations(ctx context.Context, limit int) ([]storage.InvocationRecord, error) {
	switch {
	case limit <= 0:
		limit = 50
	case limit > maxInvocations:
		limit = maxInvocations
	}
	return n.ledger.RecentInvocations(ctx, limit)
}

func (n *Node) Snapshot() Snapshot {
	snap := Snapshot{
		Started: n.started,
		Payer:   n.payer.PublicKey(),
		Switch:  switchprog.SwitchAddress(),
		Ledger:  n.ledger.Stats(),
	}
	if n.runner != nil {
		s := n.runner.Snapshot()
		snap.Automation = &s
	}
	if n.eng != nil {
		s := n.eng.Snapshot()
		s.History = nil
		snap.Engine = &s
	}
	if n.sched != nil {
		s := n.sched.Snapshot()
		snap.Scheduler = &s
	}
	if sup := n.sup.Load(); sup != nil {
		s := sup.Snapshot()
		snap.Goroutines = &s
	}
	return snap
}

// AttachSupervisor adds the app supervisor's goroutine stats to Snapshot.
// The supervisor only exists once the app has started.
func (n *Node) AttachSupervisor(sup *supervisor.Supervisor) { n.sup.Store(sup) }
