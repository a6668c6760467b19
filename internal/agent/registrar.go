// ABOUTME: One-time identity handshake performed on a fresh relay channel
// ABOUTME: Gates execution: until registration succeeds every send is refused as not registered

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/2389/tabpilot/internal/faults"
	"github.com/2389/tabpilot/internal/protocol"
)

// ErrInvalidIdentity indicates the identity is missing required fields.
var ErrInvalidIdentity = errors.New("invalid identity")

// Sender is the subset of the channel the registrar needs.
type Sender interface {
	Send(ctx context.Context, v any) error
}

// Identity is what the control plane announces to the relay.
type Identity struct {
	AgentID      string
	AgentName    string
	AgentType    string
	Capabilities []string
}

// Validate checks required fields.
func (id Identity) Validate() error {
	if id.AgentID == "" {
		return fmt.Errorf("%w: agent id is required", ErrInvalidIdentity)
	}
	return nil
}

type registrationState int

const (
	stateUnregistered registrationState = iota
	stateRegistering
	stateRegistered
	stateFailed
)

func (s registrationState) String() string {
	switch s {
	case stateRegistering:
		return "registering"
	case stateRegistered:
		return "registered"
	case stateFailed:
		return "failed"
	default:
		return "unregistered"
	}
}

// Registrar performs the handshake for exactly one channel.
type Registrar struct {
	sender  Sender
	timeout time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	state    registrationState
	identity Identity
	err      error
	settled  chan struct{}
	ack      chan protocol.Inbound
}

// NewRegistrar creates a Registrar bound to sender. timeout bounds the wait
// for the relay's acknowledgement.
func NewRegistrar(sender Sender, timeout time.Duration, logger *slog.Logger) *Registrar {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Registrar{
		sender:  sender,
		timeout: timeout,
		logger:  logger.With("component", "registrar"),
		settled: make(chan struct{}),
		ack:     make(chan protocol.Inbound, 1),
	}
}

// Register announces id and waits for the relay to acknowledge it. Calling it
// again after success is a no-op; concurrent callers share one handshake.
func (r *Registrar) Register(ctx context.Context, id Identity) error {
	if err := id.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	switch r.state {
	case stateRegistered:
		current := r.identity
		r.mu.Unlock()
		if current.AgentID != id.AgentID {
			r.logger.Warn("ignoring re-registration with a different identity",
				"registered_agent_id", current.AgentID,
				"requested_agent_id", id.AgentID,
			)
		}
		return nil
	case stateFailed:
		err := r.err
		r.mu.Unlock()
		return err
	case stateRegistering:
		settled := r.settled
		r.mu.Unlock()
		select {
		case <-settled:
			return r.Ready()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.state = stateRegistering
	r.identity = Identity{
		AgentID:      id.AgentID,
		AgentName:    id.AgentName,
		AgentType:    id.AgentType,
		Capabilities: slices.Clone(id.Capabilities),
	}
	r.mu.Unlock()

	msg := protocol.NewRegister(id.AgentID, id.AgentName, id.AgentType, id.Capabilities)
	if err := r.sender.Send(ctx, msg); err != nil {
		return r.fail(err)
	}
	r.logger.Debug("registration sent", "agent_id", id.AgentID)

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case in := <-r.ack:
		switch msg := in.(type) {
		case protocol.Registered:
			r.succeed()
			return nil
		case protocol.RegisterRejected:
			reason := msg.Reason
			if reason == "" {
				reason = "no reason given"
			}
			return r.fail(fmt.Errorf("relay rejected registration: %s", reason))
		case protocol.Disconnected:
			cause := msg.Err
			if cause == nil {
				cause = &faults.ConnectionError{Op: "register", Err: errors.New("channel closed during handshake")}
			}
			return r.fail(cause)
		default:
			return r.fail(fmt.Errorf("unexpected handshake message %T", in))
		}
	case <-timer.C:
		return r.fail(&faults.TimeoutError{Op: "register", After: r.timeout})
	case <-ctx.Done():
		return r.fail(ctx.Err())
	}
}

// Observe feeds inbound channel messages to the handshake. Wire it with
// channel.Observe before Connect.
func (r *Registrar) Observe(in protocol.Inbound) {
	switch in.(type) {
	case protocol.Registered, protocol.RegisterRejected, protocol.Disconnected:
	default:
		return
	}

	r.mu.Lock()
	registering := r.state == stateRegistering
	r.mu.Unlock()
	if !registering {
		if _, ok := in.(protocol.Registered); ok {
			r.logger.Debug("unsolicited registration ack ignored")
		}
		return
	}

	select {
	case r.ack <- in:
	default:
	}
}

// Ready returns nil once registered, otherwise an error wrapping
// faults.ErrNotRegistered.
func (r *Registrar) Ready() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case stateRegistered:
		return nil
	case stateFailed:
		return r.err
	default:
		return fmt.Errorf("%w: handshake %s", faults.ErrNotRegistered, r.state)
	}
}

// Identity returns the identity that was sent, for replay on reconnect.
func (r *Registrar) Identity() (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == stateUnregistered {
		return Identity{}, false
	}
	id := r.identity
	id.Capabilities = slices.Clone(id.Capabilities)
	return id, true
}

func (r *Registrar) succeed() {
	r.mu.Lock()
	r.state = stateRegistered
	r.err = nil
	close(r.settled)
	agentID := r.identity.AgentID
	r.mu.Unlock()
	r.logger.Info("registered with relay", "agent_id", agentID)
}

func (r *Registrar) fail(cause error) error {
	err := fmt.Errorf("%w: %w", faults.ErrNotRegistered, cause)
	r.mu.Lock()
	r.state = stateFailed
	r.err = err
	close(r.settled)
	r.mu.Unlock()
	r.logger.Error("registration failed", "error", cause)
	return err
}
