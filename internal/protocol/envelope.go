// ABOUTME: Wire envelopes exchanged with the relay and their tagged-variant decoding
// ABOUTME: Every inbound frame becomes exactly one Inbound variant before business logic runs

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/2389/tabpilot/internal/faults"
)

// Envelope type tags.
const (
	TypeRegister         = "register"
	TypeRegistered       = "registered"
	TypeRegisterRejected = "register_rejected"
	TypeExecute          = "execute"
	TypeExecuteResult    = "execute_result"
	TypeBroadcast        = "broadcast"
)

// legacy greeting shapes seen on relays that predate the broadcast tag
var broadcastAliases = map[string]bool{
	TypeBroadcast: true,
	"welcome":     true,
	"hello":       true,
	"greeting":    true,
}

// OutputEntry is one console line captured by the target while executing.
type OutputEntry struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Envelope is the raw JSON shape used in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Output  []OutputEntry   `json:"output,omitempty"`
	Event   string          `json:"event,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	AgentID string          `json:"agentId,omitempty"`
}

// RegisterMessage announces the caller's identity to the relay.
type RegisterMessage struct {
	Type         string   `json:"type"`
	AgentID      string   `json:"agentId"`
	AgentName    string   `json:"agentName"`
	AgentType    string   `json:"agentType"`
	Capabilities []string `json:"capabilities"`
}

// ExecuteRequest asks the target to run payload.
type ExecuteRequest struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	Payload    string `json:"payload"`
	DeadlineMs int64  `json:"deadlineMs,omitempty"`
}

// Inbound is the closed set of decoded inbound messages.
type Inbound interface {
	inbound()
}

// Registered acknowledges a register message.
type Registered struct {
	AgentID string
}

// RegisterRejected reports that the relay refused the identity.
type RegisterRejected struct {
	Reason string
}

// ExecuteResult carries the outcome of one execute request.
type ExecuteResult struct {
	ID      string
	Success bool
	Result  json.RawMessage
	Error   string
	Output  []OutputEntry
}

// Broadcast is an uncorrelated notification (greetings, status pushes).
type Broadcast struct {
	Type  string
	Event string
	Data  json.RawMessage
}

// Malformed is a frame that could not be turned into any other variant.
// ID is set when a request id could be recovered from the payload.
type Malformed struct {
	ID     string
	Type   string
	Reason string
	Err    error
	Raw    []byte
}

// Disconnected is delivered once when the underlying link goes away.
type Disconnected struct {
	Err error
}

func (Registered) inbound()       {}
func (RegisterRejected) inbound() {}
func (ExecuteResult) inbound()    {}
func (Broadcast) inbound()        {}
func (Malformed) inbound()        {}
func (Disconnected) inbound()     {}

// AsError converts the malformed frame into a ProtocolError.
func (m Malformed) AsError() error {
	return &faults.ProtocolError{RequestID: m.ID, Reason: m.Reason, Err: m.Err}
}

var errMissingField = errors.New("missing field")

var looseIDPattern = regexp.MustCompile(`"id"\s*:\s*"([^"\\]{1,128})"`)

// Decode parses one inbound frame. It never fails: anything it cannot
// classify comes back as Malformed.
func Decode(data []byte) Inbound {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		m := Malformed{Reason: "invalid json", Err: err, Raw: data}
		if match := looseIDPattern.FindSubmatch(data); match != nil {
			m.ID = string(match[1])
		}
		return m
	}

	switch {
	case env.Type == "":
		return Malformed{ID: env.ID, Reason: "missing type", Err: fmt.Errorf("%w: type", errMissingField), Raw: data}

	case env.Type == TypeRegistered || env.Type == "register_ack":
		return Registered{AgentID: env.AgentID}

	case env.Type == TypeRegisterRejected || env.Type == "register_error":
		return RegisterRejected{Reason: env.Error}

	case env.Type == TypeExecuteResult || env.Type == "result":
		if env.ID == "" {
			return Malformed{Type: env.Type, Reason: "response without id", Err: fmt.Errorf("%w: id", errMissingField), Raw: data}
		}
		if env.Success == nil {
			return Malformed{ID: env.ID, Type: env.Type, Reason: "result without success flag", Err: fmt.Errorf("%w: success", errMissingField), Raw: data}
		}
		return ExecuteResult{
			ID:      env.ID,
			Success: *env.Success,
			Result:  env.Result,
			Error:   env.Error,
			Output:  env.Output,
		}

	case broadcastAliases[env.Type]:
		event := env.Event
		if event == "" {
			event = env.Type
		}
		return Broadcast{Type: env.Type, Event: event, Data: env.Data}

	default:
		return Malformed{ID: env.ID, Type: env.Type, Reason: "unknown envelope type " + env.Type, Raw: data}
	}
}

// NewRegister builds a register message.
func NewRegister(agentID, agentName, agentType string, capabilities []string) RegisterMessage {
	if capabilities == nil {
		capabilities = []string{}
	}
	return RegisterMessage{
		Type:         TypeRegister,
		AgentID:      agentID,
		AgentName:    agentName,
		AgentType:    agentType,
		Capabilities: capabilities,
	}
}

// NewExecute builds an execute request.
func NewExecute(id, payload string, deadlineMs int64) ExecuteRequest {
	return ExecuteRequest{Type: TypeExecute, ID: id, Payload: payload, DeadlineMs: deadlineMs}
}
