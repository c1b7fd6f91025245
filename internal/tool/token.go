package tool

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// CanonicalJSON serializes a value into a key-order-independent form so two
// structurally equal argument maps compare equal as strings. Values are
// normalized through a decode round-trip before encoding, which collapses
// type differences like int versus float64 from different producers.
func CanonicalJSON(v any) (string, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	var normalized any
	dec := json.NewDecoder(strings.NewReader(string(encoded)))
	dec.UseNumber()
	if err := dec.Decode(&normalized); err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	out, err := json.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	return string(out), nil
}

// PreApproved is a single-use authorization for exactly one tool call:
// the named tool with structurally equal arguments. It is consumed on the
// first match regardless of whether that call then succeeds.
type PreApproved struct {
	mu        sync.Mutex
	requestID string
	toolName  string
	argsKey   string
	taken     bool
}

// NewPreApproved builds a token for the given approval request. The
// arguments are captured in canonical form at construction time.
func NewPreApproved(requestID, toolName string, args map[string]any) (*PreApproved, error) {
	key, err := CanonicalJSON(args)
	if err != nil {
		return nil, err
	}
	return &PreApproved{
		requestID: requestID,
		toolName:  strings.ToLower(strings.TrimSpace(toolName)),
		argsKey:   key,
	}, nil
}

// RequestID returns the approval request this token came from.
func (p *PreApproved) RequestID() string {
	if p == nil {
		return ""
	}
	return p.requestID
}

// Take consumes the token when the call matches its tool name and arguments.
// A non-matching call leaves the token intact; a second matching call after
// consumption returns false. Safe on a nil receiver.
func (p *PreApproved) Take(toolName string, args map[string]any) (string, bool) {
	if p == nil {
		return "", false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.taken {
		return "", false
	}
	if strings.ToLower(strings.TrimSpace(toolName)) != p.toolName {
		return "", false
	}
	key, err := CanonicalJSON(args)
	if err != nil || key != p.argsKey {
		return "", false
	}
	p.taken = true
	return p.requestID, true
}
