package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	logx "hookpilot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	retention  time.Duration
	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, retention: cfg.Retention, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
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

func (s *sqliteStore) AppendExecution(ctx context.Context, e Execution) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions(at, at_ms, batch_id, hook_id, event, phase, success, cached, attempts, duration_ms, token_usage, err, anomaly)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.At.UnixMilli(), nullStr(e.BatchID), e.HookID,
		nullStr(e.Event), nullStr(e.Phase), boolInt(e.Success), boolInt(e.Cached), e.Attempts,
		e.DurationMS, e.TokenUsage, nullStr(e.Error), nullStr(e.Anomaly),
	)
	if err == nil && s.retention > 0 && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.pruneOlderThan(pctx, time.Now().Add(-s.retention)); perr != nil {
			s.log.Debug("history prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) Recent(ctx context.Context, q Query) ([]Execution, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	var (
		where []string
		args  []any
	)
	if q.HookID != "" {
		where = append(where, "hook_id = ?")
		args = append(args, q.HookID)
	}
	if !q.Since.IsZero() {
		where = append(where, "at_ms >= ?")
		args = append(args, q.Since.UnixMilli())
	}
	stmt := `SELECT at, batch_id, hook_id, event, phase, success, cached, attempts, duration_ms, token_usage, err, anomaly FROM executions`
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += " ORDER BY at_ms DESC, id DESC LIMIT ?"
	args = append(args, q.limit())

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var (
			e                                       Execution
			at                                      string
			batch, event, phase, errStr, anomalyStr sql.NullString
			success, cached                         int
		)
		if err := rows.Scan(&at, &batch, &e.HookID, &event, &phase, &success, &cached, &e.Attempts, &e.DurationMS, &e.TokenUsage, &errStr, &anomalyStr); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		e.BatchID = batch.String
		e.Event = event.String
		e.Phase = phase.String
		e.Success = success != 0
		e.Cached = cached != 0
		e.Error = errStr.String
		e.Anomaly = anomalyStr.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Stats(ctx context.Context, hookID string) (HookStats, error) {
	st := HookStats{HookID: hookID}
	if s == nil || s.db == nil {
		return st, ErrClosed
	}
	var (
		mean   sql.NullFloat64
		lastMS sql.NullInt64
		fails  sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), AVG(duration_ms), MAX(at_ms)
		 FROM executions WHERE hook_id = ?`, hookID,
	).Scan(&st.Runs, &fails, &mean, &lastMS)
	if err != nil {
		return st, err
	}
	st.Failures = int(fails.Int64)
	st.MeanMS = mean.Float64
	if lastMS.Valid {
		st.LastAt = time.UnixMilli(lastMS.Int64)
	}
	return st, nil
}

func (s *sqliteStore) pruneOlderThan(ctx context.Context, cutoff time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE at_ms < ?`, cutoff.UnixMilli())
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
