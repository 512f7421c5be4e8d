package storage

import (
	"context"
	"errors"
	"strings"

	logx "hookpilot/pkg/logx"
)

// Store persists execution history.
type Store interface {
	AppendExecution(ctx context.Context, e Execution) error
	// Recent returns matching executions, newest first.
	Recent(ctx context.Context, q Query) ([]Execution, error)
	Stats(ctx context.Context, hookID string) (HookStats, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "none" || driver == "off" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "memory":
		return NewMemory(cfg.maxEntries()), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
