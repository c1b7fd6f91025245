package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// AgentRecord is a row in the agents table. Capabilities and
// RequiresApprovalTools are stored as JSON arrays.
type AgentRecord struct {
	ID                    string    `json:"id"`
	Name                  string    `json:"name"`
	Personality           string    `json:"personality"`
	Role                  string    `json:"role"`
	Team                  string    `json:"team"`
	ReportsTo             string    `json:"reports_to"`
	Capabilities          []string  `json:"capabilities"`
	RequiresApprovalTools []string  `json:"requires_approval_tools"`
	Status                string    `json:"status"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

func (s *Store) UpsertAgent(ctx context.Context, a AgentRecord) error {
	if a.ID == "" {
		return fmt.Errorf("agent id required")
	}
	if a.Status == "" {
		a.Status = "active"
	}
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	approvalTools, err := json.Marshal(a.RequiresApprovalTools)
	if err != nil {
		return fmt.Errorf("marshal approval tools: %w", err)
	}
	if a.Capabilities == nil {
		caps = []byte("[]")
	}
	if a.RequiresApprovalTools == nil {
		approvalTools = []byte("[]")
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (id, name, personality, role, team, reports_to, capabilities, requires_approval_tools, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				personality = excluded.personality,
				role = excluded.role,
				team = excluded.team,
				reports_to = excluded.reports_to,
				capabilities = excluded.capabilities,
				requires_approval_tools = excluded.requires_approval_tools,
				status = excluded.status,
				updated_at = CURRENT_TIMESTAMP;
		`, a.ID, a.Name, a.Personality, a.Role, a.Team, a.ReportsTo, string(caps), string(approvalTools), a.Status)
		if err != nil {
			return fmt.Errorf("upsert agent: %w", err)
		}
		return nil
	})
}

func (s *Store) GetAgent(ctx context.Context, id string) (*AgentRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, personality, role, team, reports_to, capabilities, requires_approval_tools, status, created_at, updated_at
		FROM agents
		WHERE id = ?;
	`, id)
	a, err := scanAgent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select agent: %w", err)
	}
	return a, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, personality, role, team, reports_to, capabilities, requires_approval_tools, status, created_at, updated_at
		FROM agents
		ORDER BY id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []AgentRecord
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agent rows: %w", err)
	}
	return out, nil
}

func scanAgent(scanFn func(dest ...any) error) (*AgentRecord, error) {
	var a AgentRecord
	var caps, approvalTools string
	if err := scanFn(&a.ID, &a.Name, &a.Personality, &a.Role, &a.Team, &a.ReportsTo, &caps, &approvalTools, &a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	if err := json.Unmarshal([]byte(approvalTools), &a.RequiresApprovalTools); err != nil {
		return nil, fmt.Errorf("unmarshal approval tools: %w", err)
	}
	return &a, nil
}
