package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "clockswitch/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadAccounts(ctx context.Context) ([]AccountRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT address, owner, lamports, data, executable, slot FROM accounts ORDER BY address`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AccountRecord
	for rows.Next() {
		var (
			r    AccountRecord
			lam  int64
			exec int
			slot int64
		)
		if err := rows.Scan(&r.Address, &r.Owner, &lam, &r.Data, &exec, &slot); err != nil {
			return nil, err
		}
		r.Lamports = uint64(lam)
		r.Executable = exec != 0
		r.Slot = uint64(slot)
		out = append(out, r)
	}
	return out, rows.Err()
}

// PutAccounts upserts (or deletes, for zero lamports) all records in one transaction.
func (s *sqliteStore) PutAccounts(ctx context.Context, recs []AccountRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range recs {
		if strings.TrimSpace(r.Address) == "" {
			continue
		}
		if r.Lamports == 0 {
			if _, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE address = ?`, r.Address); err != nil {
				return err
			}
			continue
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO accounts(address, owner, lamports, data, executable, slot) VALUES(?,?,?,?,?,?)
			 ON CONFLICT(address) DO UPDATE SET owner=excluded.owner, lamports=excluded.lamports,
			   data=excluded.data, executable=excluded.executable, slot=excluded.slot`,
			r.Address, r.Owner, int64(r.Lamports), r.Data, boolInt(r.Executable), int64(r.Slot),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) AppendInvocation(ctx context.Context, e InvocationRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	programs, _ := json.Marshal(e.Programs)
	logs, _ := json.Marshal(e.Logs)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invocations(id, at, slot, signature, fee_payer, programs, ok, err, logs, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.At.Format(time.RFC3339Nano), int64(e.Slot), e.Signature, e.FeePayer,
		string(programs), boolInt(e.OK), nullStr(e.Error), string(logs), e.TookMS,
	)
	return err
}

func (s *sqliteStore) RecentInvocations(ctx context.Context, limit int) ([]InvocationRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = recentInvocations
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, slot, signature, fee_payer, programs, ok, err, logs, took_ms
		 FROM invocations ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []InvocationRecord
	for rows.Next() {
		var (
			r        InvocationRecord
			at       string
			slot     int64
			programs sql.NullString
			ok       int
			errStr   sql.NullString
			logs     sql.NullString
		)
		if err := rows.Scan(&r.ID, &at, &slot, &r.Signature, &r.FeePayer, &programs, &ok, &errStr, &logs, &r.TookMS); err != nil {
			return nil, err
		}
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		r.Slot = uint64(slot)
		r.OK = ok != 0
		r.Error = errStr.String
		if programs.Valid {
			_ = json.Unmarshal([]byte(programs.String), &r.Programs)
		}
		if logs.Valid {
			_ = json.Unmarshal([]byte(logs.String), &r.Logs)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
