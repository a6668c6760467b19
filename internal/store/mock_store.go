// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu         sync.RWMutex
	executions []Execution
	events     []DaemonEvent
	captures   map[string]*Capture // keyed by capture ID
	closed     bool
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		captures: make(map[string]*Capture),
	}
}

// RecordExecution stores an execution.
func (m *MockStore) RecordExecution(ctx context.Context, e *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.executions = append(m.executions, *e)
	return nil
}

// ListExecutions returns executions newest first.
func (m *MockStore) ListExecutions(ctx context.Context, limit int) ([]Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Execution, 0, len(m.executions))
	for i := len(m.executions) - 1; i >= 0 && len(out) < normalizeLimit(limit); i-- {
		out = append(out, m.executions[i])
	}
	return out, nil
}

// ExecutionStats counts executions by error kind.
func (m *MockStore) ExecutionStats(ctx context.Context) (ExecutionStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := ExecutionStats{ByKind: make(map[string]int)}
	for _, e := range m.executions {
		stats.ByKind[e.ErrorKind]++
		stats.Total++
	}
	return stats, nil
}

// RecordDaemonEvent stores a transition.
func (m *MockStore) RecordDaemonEvent(ctx context.Context, e *DaemonEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	m.events = append(m.events, *e)
	return nil
}

// ListDaemonEvents returns transitions oldest first.
func (m *MockStore) ListDaemonEvents(ctx context.Context, daemonID string, limit int) ([]DaemonEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []DaemonEvent
	for _, e := range m.events {
		if daemonID == "" || e.DaemonID == daemonID {
			out = append(out, e)
		}
	}
	if n := normalizeLimit(limit); len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

// RecordCapture stores capture metadata.
func (m *MockStore) RecordCapture(ctx context.Context, c *Capture) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CapturedAt.IsZero() {
		c.CapturedAt = time.Now().UTC()
	}
	cp := *c
	m.captures[cp.ID] = &cp
	return nil
}

// GetCapture retrieves a capture by ID.
func (m *MockStore) GetCapture(ctx context.Context, id string) (*Capture, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.captures[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// ListCaptures returns captures newest first.
func (m *MockStore) ListCaptures(ctx context.Context, daemonID string, limit int) ([]Capture, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Capture
	for _, c := range m.captures {
		if daemonID == "" || c.DaemonID == daemonID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CapturedAt.After(out[j].CapturedAt) })
	if n := normalizeLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ Store = (*MockStore)(nil)
