// ABOUTME: Daemon lifecycle states, allowed transitions and immutable snapshots
// ABOUTME: Snapshots are what callers outside the supervisor get to see

package supervisor

import (
	"slices"
	"time"
)

// State is the lifecycle state of one supervised daemon.
type State string

const (
	StateStopped    State = "STOPPED"
	StateStarting   State = "STARTING"
	StateRunning    State = "RUNNING"
	StateDegraded   State = "DEGRADED"
	StateRestarting State = "RESTARTING"
)

var transitions = map[State][]State{
	StateStopped:    {StateStarting},
	StateStarting:   {StateRunning, StateStopped, StateRestarting},
	StateRunning:    {StateDegraded, StateStopped},
	StateDegraded:   {StateRestarting, StateStopped},
	StateRestarting: {StateStarting, StateStopped},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// Kind selects the default health probe.
type Kind string

const (
	KindBrowser Kind = "browser"
	KindRelay   Kind = "relay"
	KindGeneric Kind = "generic"
)

// Snapshot is a point-in-time copy of a daemon record.
type Snapshot struct {
	ID                  string    `json:"id"`
	Kind                Kind      `json:"kind"`
	State               State     `json:"state"`
	TargetAddress       string    `json:"target_address"`
	Ports               []int     `json:"ports,omitempty"`
	DestinationDir      string    `json:"destination_dir,omitempty"`
	PID                 int       `json:"pid,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	RecentRestarts      int       `json:"recent_restarts"`
	StartedAt           time.Time `json:"started_at,omitzero"`
	LastError           string    `json:"last_error,omitempty"`
	Fatal               bool      `json:"fatal,omitempty"`
}

// Transition is published whenever a daemon changes state.
type Transition struct {
	DaemonID string    `json:"daemon_id"`
	From     State     `json:"from"`
	To       State     `json:"to"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}
