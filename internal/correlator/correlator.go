// ABOUTME: Turns the fire-and-forget relay channel into call/response with deadlines
// ABOUTME: Each request gets a unique id and a completion that resolves exactly once

package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/tabpilot/internal/dedupe"
	"github.com/2389/tabpilot/internal/faults"
	"github.com/2389/tabpilot/internal/protocol"
)

var errChannelClosed = errors.New("relay channel closed")

// Sender writes an envelope to the relay.
type Sender interface {
	Send(ctx context.Context, v any) error
}

// Gate reports whether the channel may carry executions yet.
type Gate interface {
	Ready() error
}

// Config tunes deadlines and the late-result ledger.
type Config struct {
	DefaultDeadline time.Duration
	ExpiredTTL      time.Duration
	ExpiredMax      int
}

func (c Config) withDefaults() Config {
	if c.DefaultDeadline <= 0 {
		c.DefaultDeadline = 30 * time.Second
	}
	if c.ExpiredTTL <= 0 {
		c.ExpiredTTL = 5 * time.Minute
	}
	if c.ExpiredMax <= 0 {
		c.ExpiredMax = 4096
	}
	return c
}

// Options are per-request settings.
type Options struct {
	// Deadline overrides the context deadline and the configured default.
	Deadline time.Duration
}

// Result is a successful execution.
type Result struct {
	ID      string
	Value   json.RawMessage
	Output  []protocol.OutputEntry
	Elapsed time.Duration
}

// Decode unmarshals the result value into v.
func (r *Result) Decode(v any) error {
	if len(r.Value) == 0 {
		return fmt.Errorf("request %s returned no value", r.ID)
	}
	return json.Unmarshal(r.Value, v)
}

type outcome struct {
	result *Result
	err    error
}

type pendingRequest struct {
	id          string
	submittedAt time.Time
	deadline    time.Time
	done        chan outcome
}

// Correlator matches execute_result envelopes to waiting callers. It is bound
// to one channel lifetime; after a disconnect every call fails fast.
type Correlator struct {
	sender Sender
	gate   Gate
	cfg    Config
	logger *slog.Logger

	prefix string
	seq    atomic.Uint64

	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  error

	expired     *dedupe.Ledger
	lateResults atomic.Uint64
}

// New creates a Correlator sending through sender. gate may be nil when no
// registration is required.
func New(sender Sender, gate Gate, cfg Config, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Correlator{
		sender:  sender,
		gate:    gate,
		cfg:     cfg,
		logger:  logger.With("component", "correlator"),
		prefix:  uuid.NewString()[:8],
		pending: make(map[string]*pendingRequest),
		expired: dedupe.New(cfg.ExpiredTTL, cfg.ExpiredMax),
	}
}

func (c *Correlator) nextID() string {
	return fmt.Sprintf("%s-%d", c.prefix, c.seq.Add(1))
}

// Execute sends payload and waits for its result.
func (c *Correlator) Execute(ctx context.Context, payload string, opts Options) (*Result, error) {
	if c.gate != nil {
		if err := c.gate.Ready(); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	timeout := c.cfg.DefaultDeadline
	if opts.Deadline > 0 {
		timeout = opts.Deadline
	} else if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}

	id := c.nextID()
	if timeout <= 0 {
		return nil, &faults.TimeoutError{Op: "execute", RequestID: id}
	}

	now := time.Now()
	req := &pendingRequest{
		id:          id,
		submittedAt: now,
		deadline:    now.Add(timeout),
		done:        make(chan outcome, 1),
	}

	c.mu.Lock()
	if c.closed != nil {
		err := c.closed
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = req
	c.mu.Unlock()

	if err := c.sender.Send(ctx, protocol.NewExecute(id, payload, timeout.Milliseconds())); err != nil {
		c.remove(id)
		return nil, err
	}
	c.logger.Debug("execute sent", "request_id", id, "deadline", timeout)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-req.done:
		return out.result, out.err
	case <-timer.C:
		if !c.abandon(id, dedupe.ReasonTimedOut) {
			out := <-req.done
			return out.result, out.err
		}
		c.logger.Warn("execute timed out", "request_id", id, "deadline", timeout)
		return nil, &faults.TimeoutError{Op: "execute", RequestID: id, After: timeout}
	case <-ctx.Done():
		reason := dedupe.ReasonCancelled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = dedupe.ReasonTimedOut
		}
		if !c.abandon(id, reason) {
			out := <-req.done
			return out.result, out.err
		}
		if reason == dedupe.ReasonTimedOut {
			return nil, &faults.TimeoutError{Op: "execute", RequestID: id, After: time.Since(req.submittedAt).Round(time.Millisecond)}
		}
		c.logger.Debug("execute cancelled by caller", "request_id", id)
		return nil, ctx.Err()
	}
}

// Observe routes inbound envelopes to their waiters. Wire it with
// channel.Observe.
func (c *Correlator) Observe(in protocol.Inbound) {
	switch msg := in.(type) {
	case protocol.ExecuteResult:
		c.resolve(msg.ID, c.outcomeFor(msg))
	case protocol.Malformed:
		if msg.ID == "" {
			c.logger.Debug("discarding malformed envelope without id", "reason", msg.Reason)
			return
		}
		c.resolve(msg.ID, outcome{err: msg.AsError()})
	case protocol.Disconnected:
		cause := msg.Err
		if cause == nil {
			cause = errChannelClosed
		}
		c.failAll(&faults.ConnectionError{Op: "execute", Err: cause})
	}
}

// Pending returns the number of outstanding requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// LateResults counts results that arrived after their waiter gave up.
func (c *Correlator) LateResults() uint64 {
	return c.lateResults.Load()
}

// Close fails every outstanding request and stops the ledger sweeper.
func (c *Correlator) Close() {
	c.failAll(&faults.ConnectionError{Op: "execute", Err: errChannelClosed})
	c.expired.Close()
}

func (c *Correlator) outcomeFor(msg protocol.ExecuteResult) outcome {
	if !msg.Success {
		return outcome{err: faults.ClassifyExecution(msg.ID, msg.Error)}
	}
	return outcome{result: &Result{
		ID:     msg.ID,
		Value:  msg.Result,
		Output: msg.Output,
	}}
}

// resolve hands out to the waiter for id. Removing the entry from the map is
// what grants the right to complete it.
func (c *Correlator) resolve(id string, out outcome) {
	c.mu.Lock()
	req, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		if reason, age, late := c.expired.Lookup(id); late {
			c.lateResults.Add(1)
			c.logger.Info("late result dropped",
				"request_id", id,
				"reason", reason,
				"late_by", age.Round(time.Millisecond),
			)
			return
		}
		c.logger.Warn("result for unknown request", "request_id", id)
		return
	}

	if out.result != nil {
		out.result.Elapsed = time.Since(req.submittedAt)
	}
	req.done <- out
}

// abandon removes id on behalf of its own waiter. It returns false when a
// resolution already claimed the entry.
func (c *Correlator) abandon(id string, reason dedupe.Reason) bool {
	c.mu.Lock()
	_, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		c.expired.Bury(id, reason)
	}
	return ok
}

func (c *Correlator) remove(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Correlator) failAll(err error) {
	c.mu.Lock()
	if c.closed == nil {
		c.closed = err
	}
	drained := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	if len(drained) > 0 {
		c.logger.Warn("failing pending requests", "count", len(drained), "error", err)
	}
	for id, req := range drained {
		c.expired.Bury(id, dedupe.ReasonDisconnected)
		req.done <- outcome{err: err}
	}
}
