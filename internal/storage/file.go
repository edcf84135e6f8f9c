package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logx "clockswitch/pkg/logx"
)

const (
	defaultCompactEvery = 1000
	recentInvocations   = 256
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.accounts.snapshot.json (periodic snapshot)
//   - <prefix>.accounts.journal.jsonl (append-only journal)
//   - <prefix>.invocations.jsonl      (append-only JSON Lines)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	invFile *os.File
	recent  []InvocationRecord // oldest first, bounded

	snapshotPath string
	journalFile  *os.File
	accounts     map[string]AccountRecord

	writes       int
	compactEvery int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	invPath := prefix + ".invocations.jsonl"
	snapPath := prefix + ".accounts.snapshot.json"
	journalPath := prefix + ".accounts.journal.jsonl"

	accounts := map[string]AccountRecord{}
	if err := loadAccountSnapshot(snapPath, accounts); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("account snapshot unreadable; starting from journal", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayAccountJournal(journalPath, accounts); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	recent, err := loadRecentInvocations(invPath, recentInvocations)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("invocation log unreadable", logx.String("path", invPath), logx.Err(err))
	}

	inv, err := os.OpenFile(invPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = inv.Close()
		return nil, err
	}

	every := cfg.CompactEvery
	if every <= 0 {
		every = defaultCompactEvery
	}
	return &fileStore{
		log:          log,
		invFile:      inv,
		recent:       recent,
		snapshotPath: snapPath,
		journalFile:  jf,
		accounts:     accounts,
		compactEvery: every,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.journalFile != nil {
		// Leave a compact snapshot behind so the next open replays little.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("account compact on close failed", logx.Err(err))
		}
		err1 = s.journalFile.Close()
		s.journalFile = nil
	}
	if s.invFile != nil {
		err2 = s.invFile.Close()
		s.invFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) LoadAccounts(ctx context.Context) ([]AccountRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AccountRecord, 0, len(s.accounts))
	for _, r := range s.accounts {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (s *fileStore) PutAccounts(ctx context.Context, recs []AccountRecord) error {
	_ = ctx
	if len(recs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("account journal closed")
	}

	// Encode the whole batch first so a failed write leaves the map untouched.
	var buf strings.Builder
	enc := json.NewEncoder(&buf)
	for _, r := range recs {
		if strings.TrimSpace(r.Address) == "" {
			continue
		}
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	if _, err := s.journalFile.WriteString(buf.String()); err != nil {
		return err
	}
	for _, r := range recs {
		applyAccount(s.accounts, r)
	}

	s.writes += len(recs)
	if s.writes >= s.compactEvery {
		s.writes = 0
		if err := s.compactLocked(); err != nil {
			s.log.Debug("account compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) AppendInvocation(ctx context.Context, rec InvocationRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.invFile == nil {
		return errors.New("invocation log closed")
	}
	if err := json.NewEncoder(s.invFile).Encode(rec); err != nil {
		return err
	}
	s.recent = append(s.recent, rec)
	if len(s.recent) > recentInvocations {
		s.recent = s.recent[len(s.recent)-recentInvocations:]
	}
	return nil
}

func (s *fileStore) RecentInvocations(ctx context.Context, limit int) ([]InvocationRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.recent) {
		limit = len(s.recent)
	}
	out := make([]InvocationRecord, 0, limit)
	for i := len(s.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.recent[i])
	}
	return out, nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.accounts); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func applyAccount(m map[string]AccountRecord, r AccountRecord) {
	if r.Address == "" {
		return
	}
	if r.Lamports == 0 {
		delete(m, r.Address)
		return
	}
	m[r.Address] = r
}

func loadAccountSnapshot(path string, out map[string]AccountRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]AccountRecord
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for _, r := range m {
		applyAccount(out, r)
	}
	return nil
}

func replayAccountJournal(path string, out map[string]AccountRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var r AccountRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// torn tail write
			continue
		}
		applyAccount(out, r)
	}
	return sc.Err()
}

func loadRecentInvocations(path string, keep int) ([]InvocationRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []InvocationRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var r InvocationRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		out = append(out, r)
		if len(out) > keep {
			out = out[1:]
		}
	}
	return out, sc.Err()
}
