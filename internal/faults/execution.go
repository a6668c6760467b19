// ABOUTME: Execution failure classification from the target's error string
// ABOUTME: Pattern-matches known shapes and falls back to a generic kind, never panics

package faults

import (
	"regexp"
	"strings"
)

// ExecutionKind sub-classifies a failure reported by the target.
type ExecutionKind string

const (
	KindReference  ExecutionKind = "reference"
	KindType       ExecutionKind = "type"
	KindSyntax     ExecutionKind = "syntax"
	KindRange      ExecutionKind = "range"
	KindTimeout    ExecutionKind = "target_timeout"
	KindPermission ExecutionKind = "permission"
	KindGeneric    ExecutionKind = "generic"
)

// ExecutionError reports that the target ran the request and reported failure.
type ExecutionError struct {
	RequestID string
	Kind      ExecutionKind
	Name      string // error constructor name when the message carries one, e.g. "TypeError"
	Message   string
}

func (e *ExecutionError) Error() string {
	if e.RequestID != "" {
		return "execution failed (" + e.RequestID + "): " + e.Message
	}
	return "execution failed: " + e.Message
}

var errorNamePattern = regexp.MustCompile(`^\s*(?:Uncaught\s+)?([A-Z][A-Za-z]*Error|DOMException)\b:?`)

var namedKinds = map[string]ExecutionKind{
	"ReferenceError": KindReference,
	"TypeError":      KindType,
	"SyntaxError":    KindSyntax,
	"RangeError":     KindRange,
	"TimeoutError":   KindTimeout,
	"SecurityError":  KindPermission,
}

var phraseKinds = []struct {
	phrase string
	kind   ExecutionKind
}{
	{"is not defined", KindReference},
	{"is not a function", KindType},
	{"cannot read properties of", KindType},
	{"cannot read property", KindType},
	{"unexpected token", KindSyntax},
	{"unexpected end of input", KindSyntax},
	{"maximum call stack", KindRange},
	{"timed out", KindTimeout},
	{"timeout", KindTimeout},
	{"permission denied", KindPermission},
	{"not allowed", KindPermission},
}

// ClassifyExecution builds an ExecutionError from the target's error string.
// Unrecognized shapes become KindGeneric.
func ClassifyExecution(requestID, message string) *ExecutionError {
	msg := strings.TrimSpace(message)
	if msg == "" {
		msg = "unknown execution error"
	}
	e := &ExecutionError{RequestID: requestID, Kind: KindGeneric, Message: msg}

	if m := errorNamePattern.FindStringSubmatch(msg); len(m) == 2 {
		e.Name = m[1]
		if kind, ok := namedKinds[m[1]]; ok {
			e.Kind = kind
			return e
		}
	}

	lower := strings.ToLower(msg)
	for _, pk := range phraseKinds {
		if strings.Contains(lower, pk.phrase) {
			e.Kind = pk.kind
			return e
		}
	}
	return e
}
