package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusDenied   ApprovalStatus = "denied"
	ApprovalStatusExpired  ApprovalStatus = "expired"
)

// Approval is a persisted approval request. Rows are never deleted; expiry
// and decisions only change status.
type Approval struct {
	ID             string         `json:"id"`
	AgentID        string         `json:"agent_id"`
	ActionType     string         `json:"action_type"`
	ActionPayload  string         `json:"action_payload"`
	Reason         string         `json:"reason,omitempty"`
	ContextSummary string         `json:"context_summary,omitempty"`
	Status         ApprovalStatus `json:"status"`
	DecidedBy      string         `json:"decided_by,omitempty"`
	DecisionReason string         `json:"decision_reason,omitempty"`
	ExpiresAt      time.Time      `json:"expires_at"`
	DecidedAt      *time.Time     `json:"decided_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// CreateApproval inserts a new pending approval request.
func (s *Store) CreateApproval(ctx context.Context, a Approval) error {
	if a.ID == "" {
		return fmt.Errorf("approval id required")
	}
	if a.AgentID == "" {
		a.AgentID = "default"
	}
	if a.ActionPayload == "" {
		a.ActionPayload = "{}"
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO approvals (id, agent_id, action_type, action_payload, reason, context_summary, status, expires_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, a.ID, a.AgentID, a.ActionType, a.ActionPayload, a.Reason, a.ContextSummary, ApprovalStatusPending, a.ExpiresAt.UTC())
		if err != nil {
			return fmt.Errorf("insert approval: %w", err)
		}
		return nil
	})
}

func (s *Store) GetApproval(ctx context.Context, id string) (*Approval, error) {
	var (
		a         Approval
		decidedBy sql.NullString
		reason    sql.NullString
		decidedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, action_type, action_payload, reason, context_summary, status,
			decided_by, decision_reason, expires_at, decided_at, created_at
		FROM approvals
		WHERE id = ?;
	`, id).Scan(&a.ID, &a.AgentID, &a.ActionType, &a.ActionPayload, &a.Reason, &a.ContextSummary,
		&a.Status, &decidedBy, &reason, &a.ExpiresAt, &decidedAt, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select approval: %w", err)
	}
	if decidedBy.Valid {
		a.DecidedBy = decidedBy.String
	}
	if reason.Valid {
		a.DecisionReason = reason.String
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		a.DecidedAt = &t
	}
	return &a, nil
}

// DecideApproval records a decision for a pending approval. The update is
// guarded on status = 'pending' so racing decisions lose cleanly: the second
// caller gets ErrAlreadyDecided, and an expired request cannot be decided.
func (s *Store) DecideApproval(ctx context.Context, id string, status ApprovalStatus, decidedBy, decisionReason string) error {
	if status != ApprovalStatusApproved && status != ApprovalStatusDenied {
		return fmt.Errorf("invalid decision status %q", status)
	}
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE approvals
			SET status = ?, decided_by = ?, decision_reason = ?, decided_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, status, decidedBy, decisionReason, id, ApprovalStatusPending)
		if err != nil {
			return fmt.Errorf("decide approval: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("decide rows affected: %w", err)
		}
		if affected == 1 {
			return nil
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM approvals WHERE id = ?;`, id).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("check approval exists: %w", err)
		}
		return ErrAlreadyDecided
	})
}

// ExpireStaleApprovals marks pending approvals past their deadline as
// expired and returns their ids.
func (s *Store) ExpireStaleApprovals(ctx context.Context) ([]string, error) {
	var expired []string
	err := retryOnBusy(ctx, 5, func() error {
		expired = expired[:0]
		rows, err := s.db.QueryContext(ctx, `
			UPDATE approvals
			SET status = ?, decided_at = CURRENT_TIMESTAMP, decision_reason = 'expired'
			WHERE status = ? AND julianday(expires_at) <= julianday('now')
			RETURNING id;
		`, ApprovalStatusExpired, ApprovalStatusPending)
		if err != nil {
			return fmt.Errorf("expire approvals: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("scan expired approval: %w", err)
			}
			expired = append(expired, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// ListPendingApprovals returns pending approvals, newest first. An empty
// agentID matches all agents.
func (s *Store) ListPendingApprovals(ctx context.Context, agentID string) ([]Approval, error) {
	query := `
		SELECT id, agent_id, action_type, action_payload, reason, context_summary, status,
			decided_by, decision_reason, expires_at, decided_at, created_at
		FROM approvals
		WHERE status = ?`
	args := []any{ApprovalStatusPending}
	if agentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY created_at DESC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()

	var out []Approval
	for rows.Next() {
		var (
			a         Approval
			decidedBy sql.NullString
			reason    sql.NullString
			decidedAt sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.AgentID, &a.ActionType, &a.ActionPayload, &a.Reason, &a.ContextSummary,
			&a.Status, &decidedBy, &reason, &a.ExpiresAt, &decidedAt, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		if decidedBy.Valid {
			a.DecidedBy = decidedBy.String
		}
		if reason.Valid {
			a.DecisionReason = reason.String
		}
		if decidedAt.Valid {
			t := decidedAt.Time
			a.DecidedAt = &t
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("approval rows: %w", err)
	}
	return out, nil
}
