// ABOUTME: Audit record store methods for executions, daemon transitions and captures
// ABOUTME: Records what the control plane did for debugging and the status API

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// tsLayout is fixed width so that text ordering matches time ordering.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp: %w", err)
	}
	return t, nil
}

// RecordExecution appends an execution outcome.
// Generates ID and CreatedAt if not set.
func (s *SQLiteStore) RecordExecution(ctx context.Context, e *Execution) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Status != ExecutionOK && e.Status != ExecutionFailed {
		return fmt.Errorf("invalid execution status %q", e.Status)
	}

	var errText *string
	if e.Error != "" {
		errText = &e.Error
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (execution_id, request_id, status, error_kind, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID,
		e.RequestID,
		e.Status,
		e.ErrorKind,
		errText,
		e.Duration.Milliseconds(),
		formatTS(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}

	s.logger.Debug("recorded execution", "id", e.ID, "request_id", e.RequestID, "status", e.Status)
	return nil
}

// ListExecutions returns the most recent executions, newest first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, limit int) ([]Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, request_id, status, error_kind, error, duration_ms, created_at
		FROM executions
		ORDER BY created_at DESC
		LIMIT ?
	`, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var e Execution
		var errText sql.NullString
		var durationMS int64
		var ts string
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Status, &e.ErrorKind, &errText, &durationMS, &ts); err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}
		e.Error = errText.String
		e.Duration = time.Duration(durationMS) * time.Millisecond
		if e.CreatedAt, err = parseTS(ts); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ExecutionStats counts all recorded executions grouped by error kind.
func (s *SQLiteStore) ExecutionStats(ctx context.Context) (ExecutionStats, error) {
	stats := ExecutionStats{ByKind: make(map[string]int)}
	rows, err := s.db.QueryContext(ctx, `SELECT error_kind, COUNT(*) FROM executions GROUP BY error_kind`)
	if err != nil {
		return stats, fmt.Errorf("querying execution stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return stats, fmt.Errorf("scanning execution stats: %w", err)
		}
		stats.ByKind[kind] = n
		stats.Total += n
	}
	return stats, rows.Err()
}

// RecordDaemonEvent appends a supervisor state transition.
func (s *SQLiteStore) RecordDaemonEvent(ctx context.Context, e *DaemonEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daemon_events (event_id, daemon_id, from_state, to_state, reason, ts)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.DaemonID, e.From, e.To, e.Reason, formatTS(e.At))
	if err != nil {
		return fmt.Errorf("inserting daemon event: %w", err)
	}
	return nil
}

// ListDaemonEvents returns transitions oldest first. An empty daemonID
// matches every daemon.
func (s *SQLiteStore) ListDaemonEvents(ctx context.Context, daemonID string, limit int) ([]DaemonEvent, error) {
	var filter *string
	if daemonID != "" {
		filter = &daemonID
	}

	// newest N, then reversed so callers read them in order
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, daemon_id, from_state, to_state, reason, ts FROM (
			SELECT event_id, daemon_id, from_state, to_state, reason, ts, rowid AS seq
			FROM daemon_events
			WHERE (? IS NULL OR daemon_id = ?)
			ORDER BY ts DESC, seq DESC
			LIMIT ?
		) ORDER BY ts ASC, seq ASC
	`, filter, filter, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying daemon events: %w", err)
	}
	defer rows.Close()

	var out []DaemonEvent
	for rows.Next() {
		var e DaemonEvent
		var reason sql.NullString
		var ts string
		if err := rows.Scan(&e.ID, &e.DaemonID, &e.From, &e.To, &reason, &ts); err != nil {
			return nil, fmt.Errorf("scanning daemon event: %w", err)
		}
		e.Reason = reason.String
		if e.At, err = parseTS(ts); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordCapture stores metadata for a saved screenshot.
func (s *SQLiteStore) RecordCapture(ctx context.Context, c *Capture) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CapturedAt.IsZero() {
		c.CapturedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO captures (capture_id, daemon_id, path, format, size_bytes, captured_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.ID, c.DaemonID, c.Path, c.Format, c.Size, formatTS(c.CapturedAt))
	if err != nil {
		return fmt.Errorf("inserting capture: %w", err)
	}
	return nil
}

const captureColumns = `capture_id, daemon_id, path, format, size_bytes, captured_at`

// scanCapture scans a row into a Capture.
func scanCapture(scanner interface{ Scan(dest ...any) error }) (Capture, error) {
	var c Capture
	var ts string
	if err := scanner.Scan(&c.ID, &c.DaemonID, &c.Path, &c.Format, &c.Size, &ts); err != nil {
		return c, err
	}
	var err error
	c.CapturedAt, err = parseTS(ts)
	return c, err
}

// GetCapture retrieves a capture by ID.
func (s *SQLiteStore) GetCapture(ctx context.Context, id string) (*Capture, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+captureColumns+` FROM captures WHERE capture_id = ?`, id)
	c, err := scanCapture(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting capture: %w", err)
	}
	return &c, nil
}

// ListCaptures returns captures newest first. An empty daemonID matches every
// daemon.
func (s *SQLiteStore) ListCaptures(ctx context.Context, daemonID string, limit int) ([]Capture, error) {
	var filter *string
	if daemonID != "" {
		filter = &daemonID
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+captureColumns+`
		FROM captures
		WHERE (? IS NULL OR daemon_id = ?)
		ORDER BY captured_at DESC
		LIMIT ?
	`, filter, filter, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying captures: %w", err)
	}
	defer rows.Close()

	var out []Capture
	for rows.Next() {
		c, err := scanCapture(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning capture: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
