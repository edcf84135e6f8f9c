package storage

import (
	"context"
	"errors"
	"strings"

	logx "clockswitch/pkg/logx"
)

// Store is the persistence API used by the ledger runtime.
type Store interface {
	LoadAccounts(ctx context.Context) ([]AccountRecord, error)
	PutAccounts(ctx context.Context, recs []AccountRecord) error
	AppendInvocation(ctx context.Context, rec InvocationRecord) error
	// RecentInvocations returns up to limit records, newest first.
	RecentInvocations(ctx context.Context, limit int) ([]InvocationRecord, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
