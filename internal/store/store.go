// ABOUTME: Store interface and record types for tabpilot persistence
// ABOUTME: Audits executions, daemon state transitions and saved captures

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// Execution statuses
const (
	ExecutionOK     = "ok"
	ExecutionFailed = "failed"
)

// Execution is the outcome of one request sent through the correlator.
type Execution struct {
	ID        string
	RequestID string
	Status    string // "ok" or "failed"
	ErrorKind string // faults.Kind label, "ok" on success
	Error     string
	Duration  time.Duration
	CreatedAt time.Time
}

// DaemonEvent is one supervisor state transition.
type DaemonEvent struct {
	ID       string
	DaemonID string
	From     string
	To       string
	Reason   string
	At       time.Time
}

// Capture describes a persisted screenshot.
type Capture struct {
	ID         string
	DaemonID   string
	Path       string
	Format     string
	Size       int
	CapturedAt time.Time
}

// ExecutionStats counts executions by error kind.
type ExecutionStats struct {
	Total  int
	ByKind map[string]int
}

// Store is the persistence interface used by the gateway.
type Store interface {
	RecordExecution(ctx context.Context, e *Execution) error
	ListExecutions(ctx context.Context, limit int) ([]Execution, error)
	ExecutionStats(ctx context.Context) (ExecutionStats, error)

	RecordDaemonEvent(ctx context.Context, e *DaemonEvent) error
	ListDaemonEvents(ctx context.Context, daemonID string, limit int) ([]DaemonEvent, error)

	RecordCapture(ctx context.Context, c *Capture) error
	GetCapture(ctx context.Context, id string) (*Capture, error)
	ListCaptures(ctx context.Context, daemonID string, limit int) ([]Capture, error)

	Close() error
}

// normalizeLimit applies default (100) and cap (1000) to list limits.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}
