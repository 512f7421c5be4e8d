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

	logx "hookpilot/pkg/logx"
)

// fileStore appends executions to a JSON Lines file and keeps the newest
// MaxEntries in memory for queries.
//
// When the file holds more than twice MaxEntries lines it is rewritten with
// just the in-memory tail (tmp file + rename).
type fileStore struct {
	log logx.Logger

	mu    sync.Mutex
	path  string
	f     *os.File
	max   int
	tail  []Execution
	lines int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, path: path, max: cfg.maxEntries()}
	if err := s.replay(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.f = f
	return s, nil
}

func (s *fileStore) replay() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 4<<20)
	skipped := 0
	for sc.Scan() {
		s.lines++
		var e Execution
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil || e.HookID == "" {
			skipped++
			continue
		}
		s.pushLocked(e)
	}
	if skipped > 0 {
		s.log.Warn("history replay skipped malformed lines", logx.Int("skipped", skipped), logx.String("path", s.path))
	}
	return sc.Err()
}

func (s *fileStore) pushLocked(e Execution) {
	s.tail = append(s.tail, e)
	if len(s.tail) > s.max {
		s.tail = append(s.tail[:0:0], s.tail[len(s.tail)-s.max:]...)
	}
}

func (s *fileStore) AppendExecution(ctx context.Context, e Execution) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.f).Encode(e); err != nil {
		return err
	}
	s.lines++
	s.pushLocked(e)
	if s.lines > 2*s.max {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("history compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, e := range s.tail {
		if err := enc.Encode(e); err != nil {
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
	nf, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	_ = s.f.Close()
	s.f = nf
	s.lines = len(s.tail)
	return nil
}

func (s *fileStore) Recent(ctx context.Context, q Query) ([]Execution, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return newestFirst(s.tail, q), nil
}

func (s *fileStore) Stats(ctx context.Context, hookID string) (HookStats, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return statsOf(hookID, s.tail), nil
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
