// Package approval implements the human-in-the-loop approval workflow:
// persisted requests with an absolute expiry, decision events fanned out on
// the bus, and a periodic sweep that expires stale requests.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/okapi-ai/overseer/internal/bus"
	"github.com/okapi-ai/overseer/internal/store"
)

// DefaultTTL is the request expiry when the gate does not override it.
const DefaultTTL = 30 * time.Minute

const waitPollInterval = 200 * time.Millisecond

var (
	// ErrApprovalTimeout is returned by WaitForDecision when nothing decides
	// the request within the caller's window. Distinct from a denial: the
	// request is still pending.
	ErrApprovalTimeout = errors.New("timed out waiting for approval decision")

	// ErrAlreadyDecided mirrors the store sentinel for callers that only
	// import this package.
	ErrAlreadyDecided = store.ErrAlreadyDecided
)

// Gate describes the action awaiting approval.
type Gate struct {
	AgentID        string
	ActionType     string
	ActionPayload  map[string]any
	Reason         string
	ContextSummary string
	TTL            time.Duration // zero means DefaultTTL
}

// Outcome is the resolution of an approval request.
type Outcome struct {
	Decision  string // approved, denied, expired
	DecidedBy string
	Reason    string
}

// Manager coordinates approval requests against the store and the bus.
type Manager struct {
	store  *store.Store
	bus    *bus.Bus
	logger *slog.Logger
	ttl    time.Duration
}

func NewManager(st *store.Store, eventBus *bus.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  st,
		bus:    eventBus,
		logger: logger.With("component", "approval"),
		ttl:    DefaultTTL,
	}
}

// SetDefaultTTL overrides the default request expiry.
func (m *Manager) SetDefaultTTL(ttl time.Duration) {
	if ttl > 0 {
		m.ttl = ttl
	}
}

// RequestApproval persists a pending request and emits approval.requested.
// Returns the new request id.
func (m *Manager) RequestApproval(ctx context.Context, gate Gate) (string, error) {
	ttl := gate.TTL
	if ttl <= 0 {
		ttl = m.ttl
	}
	payload, err := json.Marshal(gate.ActionPayload)
	if err != nil {
		return "", fmt.Errorf("marshal action payload: %w", err)
	}
	if gate.ActionPayload == nil {
		payload = []byte("{}")
	}

	requestID := uuid.NewString()
	expiresAt := time.Now().UTC().Add(ttl)
	record := store.Approval{
		ID:             requestID,
		AgentID:        gate.AgentID,
		ActionType:     gate.ActionType,
		ActionPayload:  string(payload),
		Reason:         gate.Reason,
		ContextSummary: gate.ContextSummary,
		ExpiresAt:      expiresAt,
	}
	if err := m.store.CreateApproval(ctx, record); err != nil {
		return "", fmt.Errorf("persist approval request: %w", err)
	}

	m.bus.Publish(bus.TopicApprovalRequested, bus.ApprovalEvent{
		RequestID:      requestID,
		AgentID:        gate.AgentID,
		ActionType:     gate.ActionType,
		Reason:         gate.Reason,
		ContextSummary: gate.ContextSummary,
		ExpiresAt:      expiresAt.Unix(),
	})
	m.logger.Info("approval requested",
		"request_id", requestID, "agent_id", gate.AgentID,
		"action_type", gate.ActionType, "expires_at", expiresAt)
	return requestID, nil
}

// ProcessDecision records a decision and fires two events: one scoped to the
// request id for direct resumers, one generic for audit fan-out. A second
// decision for the same request returns ErrAlreadyDecided.
func (m *Manager) ProcessDecision(ctx context.Context, requestID, decision, decidedBy, reason string) error {
	var status store.ApprovalStatus
	switch decision {
	case string(store.ApprovalStatusApproved):
		status = store.ApprovalStatusApproved
	case string(store.ApprovalStatusDenied):
		status = store.ApprovalStatusDenied
	default:
		return fmt.Errorf("invalid decision %q", decision)
	}
	if err := m.store.DecideApproval(ctx, requestID, status, decidedBy, reason); err != nil {
		return err
	}

	record, err := m.store.GetApproval(ctx, requestID)
	if err != nil {
		return fmt.Errorf("read decided approval: %w", err)
	}
	event := bus.ApprovalEvent{
		RequestID:      requestID,
		AgentID:        record.AgentID,
		ActionType:     record.ActionType,
		Decision:       decision,
		DecidedBy:      decidedBy,
		DecisionReason: reason,
	}
	m.bus.Publish(bus.TopicApprovalDecidedScoped+requestID, event)
	m.bus.Publish(bus.TopicApprovalDecided, event)
	m.logger.Info("approval decided",
		"request_id", requestID, "decision", decision, "decided_by", decidedBy)
	return nil
}

// WaitForDecision polls the store until the request leaves pending or the
// timeout elapses. The primary resumption path is asynchronous via the bus;
// this exists for callers that want a synchronous answer.
func (m *Manager) WaitForDecision(ctx context.Context, requestID string, timeout time.Duration) (Outcome, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		record, err := m.store.GetApproval(ctx, requestID)
		if err != nil {
			return Outcome{}, err
		}
		if record.Status != store.ApprovalStatusPending {
			return Outcome{
				Decision:  string(record.Status),
				DecidedBy: record.DecidedBy,
				Reason:    record.DecisionReason,
			}, nil
		}
		if time.Now().After(deadline) {
			return Outcome{}, ErrApprovalTimeout
		}
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ExpireStaleApprovals flips pending requests past their expiry to expired
// and fans out the same scoped event a decision would, so waiters resume
// without a decision actor. Returns the number expired.
func (m *Manager) ExpireStaleApprovals(ctx context.Context) (int, error) {
	expired, err := m.store.ExpireStaleApprovals(ctx)
	if err != nil {
		return 0, err
	}
	for _, requestID := range expired {
		event := bus.ApprovalEvent{
			RequestID: requestID,
			Decision:  string(store.ApprovalStatusExpired),
		}
		m.bus.Publish(bus.TopicApprovalDecidedScoped+requestID, event)
		m.bus.Publish(bus.TopicApprovalExpired, event)
	}
	if len(expired) > 0 {
		m.logger.Info("expired stale approvals", "count", len(expired))
	}
	return len(expired), nil
}
