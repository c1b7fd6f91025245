package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Schedule is a cron-driven producer of agent_run tasks.
type Schedule struct {
	ID        string     `json:"id"`
	AgentID   string     `json:"agent_id"`
	Name      string     `json:"name"`
	CronExpr  string     `json:"cron_expr"`
	Payload   string     `json:"payload"`
	Enabled   bool       `json:"enabled"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (s *Store) UpsertSchedule(ctx context.Context, sc Schedule) error {
	if sc.ID == "" {
		return fmt.Errorf("schedule id required")
	}
	if sc.AgentID == "" {
		sc.AgentID = "default"
	}
	if sc.Payload == "" {
		sc.Payload = "{}"
	}
	var nextRun any
	if sc.NextRunAt != nil {
		nextRun = sc.NextRunAt.UTC()
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO schedules (id, agent_id, name, cron_expr, payload, enabled, next_run_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET
				agent_id = excluded.agent_id,
				name = excluded.name,
				cron_expr = excluded.cron_expr,
				payload = excluded.payload,
				enabled = excluded.enabled,
				next_run_at = excluded.next_run_at,
				updated_at = CURRENT_TIMESTAMP;
		`, sc.ID, sc.AgentID, sc.Name, sc.CronExpr, sc.Payload, sc.Enabled, nextRun)
		if err != nil {
			return fmt.Errorf("upsert schedule: %w", err)
		}
		return nil
	})
}

// DueSchedules returns enabled schedules whose next_run_at has passed, or
// that have never been scheduled.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, name, cron_expr, payload, enabled, next_run_at, last_run_at, created_at, updated_at
		FROM schedules
		WHERE enabled = 1 AND (next_run_at IS NULL OR julianday(next_run_at) <= julianday(?))
		ORDER BY id ASC;
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("select due schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		var (
			sc        Schedule
			nextRun   sql.NullTime
			lastRun   sql.NullTime
			enabledat int
		)
		if err := rows.Scan(&sc.ID, &sc.AgentID, &sc.Name, &sc.CronExpr, &sc.Payload, &enabledat, &nextRun, &lastRun, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		sc.Enabled = enabledat != 0
		if nextRun.Valid {
			t := nextRun.Time
			sc.NextRunAt = &t
		}
		if lastRun.Valid {
			t := lastRun.Time
			sc.LastRunAt = &t
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schedule rows: %w", err)
	}
	return out, nil
}

// MarkScheduleRun records a fire and advances next_run_at.
func (s *Store) MarkScheduleRun(ctx context.Context, id string, nextRun time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE schedules
			SET last_run_at = CURRENT_TIMESTAMP, next_run_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, nextRun.UTC(), id)
		if err != nil {
			return fmt.Errorf("mark schedule run: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark schedule rows affected: %w", err)
		}
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
}
