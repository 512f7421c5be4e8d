package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// If Driver is "none", storage is disabled. Empty means "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// MaxEntries bounds the memory ring and the file tail. 0 means 1000.
	MaxEntries int
	// Retention prunes sqlite rows older than this. 0 keeps everything.
	Retention time.Duration
}

func (c Config) maxEntries() int {
	if c.MaxEntries <= 0 {
		return 1000
	}
	return c.MaxEntries
}

// Execution records one hook execution. Keep it compact and schema-stable.
type Execution struct {
	At         time.Time `json:"at"`
	BatchID    string    `json:"batch_id,omitempty"`
	HookID     string    `json:"hook_id"`
	Event      string    `json:"event,omitempty"`
	Phase      string    `json:"phase,omitempty"`
	Success    bool      `json:"success"`
	Cached     bool      `json:"cached,omitempty"`
	Attempts   int       `json:"attempts,omitempty"`
	DurationMS float64   `json:"duration_ms"`
	TokenUsage int       `json:"token_usage,omitempty"`
	Error      string    `json:"error,omitempty"`
	Anomaly    string    `json:"anomaly,omitempty"`
}

// Query selects executions. Zero fields do not filter.
type Query struct {
	HookID string
	Since  time.Time
	// Limit defaults to 100.
	Limit int
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return 100
	}
	return q.Limit
}

func (q Query) match(e Execution) bool {
	if q.HookID != "" && e.HookID != q.HookID {
		return false
	}
	if !q.Since.IsZero() && e.At.Before(q.Since) {
		return false
	}
	return true
}

// HookStats aggregates executions of one hook.
type HookStats struct {
	HookID   string    `json:"hook_id"`
	Runs     int       `json:"runs"`
	Failures int       `json:"failures"`
	MeanMS   float64   `json:"mean_ms"`
	LastAt   time.Time `json:"last_at"`
}

func statsOf(id string, execs []Execution) HookStats {
	st := HookStats{HookID: id}
	var sum float64
	for _, e := range execs {
		if e.HookID != id {
			continue
		}
		st.Runs++
		if !e.Success {
			st.Failures++
		}
		sum += e.DurationMS
		if e.At.After(st.LastAt) {
			st.LastAt = e.At
		}
	}
	if st.Runs > 0 {
		st.MeanMS = sum / float64(st.Runs)
	}
	return st
}
