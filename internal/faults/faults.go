// ABOUTME: Typed error taxonomy shared by the channel, correlator, supervisor and capture flow
// ABOUTME: Every public operation fails with one of these so callers can branch with errors.As

package faults

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotRegistered is returned when an execution is attempted on a channel
// whose identity handshake has not completed successfully.
var ErrNotRegistered = errors.New("not registered")

// ConnectionError reports that the relay channel or a control session could
// not be established or was lost.
type ConnectionError struct {
	Op      string
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	msg := "connection error"
	if e.Op != "" {
		msg += " during " + e.Op
	}
	if e.Address != "" {
		msg += " (" + e.Address + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError reports that no matching response arrived before the deadline.
type TimeoutError struct {
	Op        string
	RequestID string
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("%s timed out after %s (request %s)", e.Op, e.After, e.RequestID)
	}
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

// ProtocolError reports a malformed or unexpected envelope.
type ProtocolError struct {
	RequestID string
	Reason    string
	Err       error
}

func (e *ProtocolError) Error() string {
	msg := "protocol error: " + e.Reason
	if e.RequestID != "" {
		msg += " (request " + e.RequestID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// DaemonUnavailableError reports an operation attempted against a daemon that
// is not RUNNING. It is never an execution failure.
type DaemonUnavailableError struct {
	DaemonID string
	State    string
}

func (e *DaemonUnavailableError) Error() string {
	if e.State == "" {
		return fmt.Sprintf("daemon %q unavailable", e.DaemonID)
	}
	return fmt.Sprintf("daemon %q unavailable (state %s)", e.DaemonID, e.State)
}

// CaptureError reports a missing, undersized or undecodable capture payload.
type CaptureError struct {
	DaemonID string
	Reason   string
	Err      error
}

func (e *CaptureError) Error() string {
	msg := "capture failed: " + e.Reason
	if e.DaemonID != "" {
		msg = fmt.Sprintf("capture on %q failed: %s", e.DaemonID, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CaptureError) Unwrap() error { return e.Err }

// IsConnection reports whether err is, or wraps, a ConnectionError.
func IsConnection(err error) bool {
	var target *ConnectionError
	return errors.As(err, &target)
}

// IsTimeout reports whether err is, or wraps, a TimeoutError.
func IsTimeout(err error) bool {
	var target *TimeoutError
	return errors.As(err, &target)
}

// IsProtocol reports whether err is, or wraps, a ProtocolError.
func IsProtocol(err error) bool {
	var target *ProtocolError
	return errors.As(err, &target)
}

// IsExecution reports whether err is, or wraps, an ExecutionError.
func IsExecution(err error) bool {
	var target *ExecutionError
	return errors.As(err, &target)
}

// IsDaemonUnavailable reports whether err is, or wraps, a DaemonUnavailableError.
func IsDaemonUnavailable(err error) bool {
	var target *DaemonUnavailableError
	return errors.As(err, &target)
}

// IsCapture reports whether err is, or wraps, a CaptureError.
func IsCapture(err error) bool {
	var target *CaptureError
	return errors.As(err, &target)
}

// Kind returns a short stable label for err, used for metrics and audit rows.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotRegistered):
		return "not_registered"
	case IsTimeout(err):
		return "timeout"
	case IsExecution(err):
		return "execution"
	case IsProtocol(err):
		return "protocol"
	case IsConnection(err):
		return "connection"
	case IsDaemonUnavailable(err):
		return "daemon_unavailable"
	case IsCapture(err):
		return "capture"
	default:
		return "internal"
	}
}
