package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "mailq/pkg/logx"
)

// fileStore keeps the send history in <prefix>.sends.jsonl (append-only JSON
// Lines) and mirrors it in memory for reads. Pruning rewrites the file.
type fileStore struct {
	log logx.Logger

	mu      sync.Mutex
	path    string
	f       *os.File
	records []SendRecord // oldest first
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	sendsPath := filepath.Join(dir, base) + ".sends.jsonl"

	var records []SendRecord
	if err := replaySends(sendsPath, &records); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("send history replay failed", logx.String("path", sendsPath), logx.Err(err))
	}

	f, err := os.OpenFile(sendsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("file storage opened", logx.String("path", sendsPath), logx.Int("records", len(records)))
	return &fileStore{log: log, path: sendsPath, f: f, records: records}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendSend(ctx context.Context, r SendRecord) error {
	_ = ctx
	r = normalize(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("send history file closed")
	}
	if err := json.NewEncoder(s.f).Encode(r); err != nil {
		return err
	}
	s.records = append(s.records, r)
	return nil
}

func (s *fileStore) RecentSends(ctx context.Context, limit int) ([]SendRecord, error) {
	_ = ctx
	limit = clampLimit(limit)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SendRecord, 0, min(limit, len(s.records)))
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.records[i])
	}
	return out, nil
}

func (s *fileStore) PruneSends(ctx context.Context, before time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return 0, errors.New("send history file closed")
	}

	kept := make([]SendRecord, 0, len(s.records))
	for _, r := range s.records {
		if r.At.Before(before) {
			continue
		}
		kept = append(kept, r)
	}
	removed := len(s.records) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	if err := s.rewriteLocked(kept); err != nil {
		return 0, err
	}
	s.records = kept
	return removed, nil
}

// rewriteLocked replaces the log with records via tmp file + rename, then
// reopens the append handle.
func (s *fileStore) rewriteLocked(records []SendRecord) error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	_ = s.f.Close()
	s.f, err = os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	return err
}

func replaySends(path string, out *[]SendRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 64*1024), 1<<20)
	for s.Scan() {
		var r SendRecord
		if err := json.Unmarshal(s.Bytes(), &r); err != nil {
			continue
		}
		if r.JobID == "" {
			continue
		}
		*out = append(*out, r)
	}
	return s.Err()
}
