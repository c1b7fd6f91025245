package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/okapi-ai/overseer/internal/bus"
)

// Task types handled by the distribution layer. The set is extensible;
// producers may enqueue any type a handler is registered for.
const (
	TaskTypeAgentRun       = "agent_run"
	TaskTypeApprovalResume = "approval_resume"
)

// EnqueueOptions carry the optional per-task knobs.
type EnqueueOptions struct {
	Priority     int
	ScheduledFor time.Time // zero means now
	MaxAttempts  int       // zero means the store default
}

// Enqueue persists a new pending task and returns its id. When a maximum
// queue depth is configured and the pending backlog is at or above it,
// Enqueue returns ErrQueueSaturated.
func (s *Store) Enqueue(ctx context.Context, agentID, taskType string, payload map[string]any, opts EnqueueOptions) (string, error) {
	if taskType == "" {
		return "", fmt.Errorf("task type required")
	}
	if agentID == "" {
		agentID = "default"
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal task payload: %w", err)
	}
	if payload == nil {
		raw = []byte("{}")
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.defaultAttempts
	}
	scheduledFor := opts.ScheduledFor
	if scheduledFor.IsZero() {
		scheduledFor = time.Now().UTC()
	}

	taskID := uuid.NewString()
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin enqueue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if s.maxQueueDepth > 0 {
			var depth int
			if err := tx.QueryRowContext(ctx, `
				SELECT COUNT(1) FROM tasks WHERE status = ?;
			`, TaskStatusPending).Scan(&depth); err != nil {
				return fmt.Errorf("read queue depth: %w", err)
			}
			if depth >= s.maxQueueDepth {
				return ErrQueueSaturated
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, agent_id, task_type, payload, priority, status, attempts, max_attempts, scheduled_for, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, taskID, agentID, taskType, string(raw), opts.Priority, TaskStatusPending, maxAttempts, scheduledFor.UTC()); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, "", TaskStatusPending, "task.enqueued", `{"reason":"enqueue"}`); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	s.publish(bus.TopicTaskEnqueued, bus.TaskEvent{TaskID: taskID, AgentID: agentID, TaskType: taskType})
	return taskID, nil
}

// ClaimTasks atomically moves up to n eligible pending tasks to processing
// and returns them. Eligibility is scheduled_for <= now; ordering is priority
// descending, then scheduled_for ascending. The claim is a single UPDATE so
// concurrent claimers never receive the same task.
func (s *Store) ClaimTasks(ctx context.Context, n int) ([]Task, error) {
	if n <= 0 {
		return nil, nil
	}
	var claimed []Task
	err := retryOnBusy(ctx, 5, func() error {
		claimed = claimed[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			UPDATE tasks
			SET status = ?,
				attempts = attempts + 1,
				started_at = CURRENT_TIMESTAMP,
				updated_at = CURRENT_TIMESTAMP
			WHERE id IN (
				SELECT id FROM tasks
				WHERE status = ? AND julianday(scheduled_for) <= julianday('now')
				ORDER BY priority DESC, scheduled_for ASC, id ASC
				LIMIT ?
			)
			RETURNING id, agent_id, task_type, payload, priority, status, attempts, max_attempts,
				scheduled_for, started_at, completed_at, COALESCE(error, ''), created_at, updated_at;
		`, TaskStatusProcessing, TaskStatusPending, n)
		if err != nil {
			return fmt.Errorf("claim tasks: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var task Task
			if err := scanTask(rows.Scan, &task); err != nil {
				return fmt.Errorf("scan claimed task: %w", err)
			}
			claimed = append(claimed, task)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("claim rows: %w", err)
		}
		// RETURNING emits rows in arbitrary order; restore the claim order the
		// subquery selected by.
		sort.Slice(claimed, func(i, j int) bool {
			a, b := claimed[i], claimed[j]
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			if !a.ScheduledFor.Equal(b.ScheduledFor) {
				return a.ScheduledFor.Before(b.ScheduledFor)
			}
			return a.ID < b.ID
		})
		for _, task := range claimed {
			payload := fmt.Sprintf(`{"reason":"claim","attempt":%d}`, task.Attempts)
			if err := s.appendTaskEventTx(ctx, tx, task.ID, TaskStatusPending, TaskStatusProcessing, "task.claimed", payload); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	for _, task := range claimed {
		s.publish(bus.TopicTaskClaimed, bus.TaskEvent{TaskID: task.ID, AgentID: task.AgentID, TaskType: task.TaskType, Attempt: task.Attempts})
	}
	return claimed, nil
}

// CompleteTask marks a processing task completed. A task no longer in
// processing (recovered, retried, or finished elsewhere) yields
// ErrNotProcessing so abandoned workers can discard their result.
func (s *Store) CompleteTask(ctx context.Context, taskID string) error {
	var task *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin complete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ok, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusProcessing}, TaskStatusCompleted,
			"task.completed", `{"reason":"handler_success"}`, nil)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotProcessing
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET completed_at = CURRENT_TIMESTAMP, error = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, taskID, TaskStatusCompleted); err != nil {
			return fmt.Errorf("set completed_at: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit complete tx: %w", err)
		}
		task, _ = s.getTaskTxFree(ctx, taskID)
		return nil
	})
	if err != nil {
		return err
	}
	if task != nil {
		s.publish(bus.TopicTaskCompleted, bus.TaskEvent{TaskID: task.ID, AgentID: task.AgentID, TaskType: task.TaskType, Attempt: task.Attempts})
	}
	return nil
}

type FailureOutcome string

const (
	FailureOutcomeRetried FailureOutcome = "retried"
	FailureOutcomeFailed  FailureOutcome = "failed"
)

// FailureDecision reports how a handler failure was resolved.
type FailureDecision struct {
	Outcome     FailureOutcome
	Attempts    int
	MaxAttempts int
	NextAttempt *time.Time
}

// HandleTaskFailure resolves a handler failure for a processing task: back to
// pending with exponential backoff while attempts remain, terminally failed
// otherwise. Attempts were already incremented at claim time, so a task with
// attempts >= maxAttempts never re-enters pending.
func (s *Store) HandleTaskFailure(ctx context.Context, taskID, errMsg string) (FailureDecision, error) {
	var decision FailureDecision
	var agentID, taskType string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin failure tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var (
			status      TaskStatus
			attempts    int
			maxAttempts int
		)
		if err := tx.QueryRowContext(ctx, `
			SELECT status, attempts, max_attempts, agent_id, task_type
			FROM tasks
			WHERE id = ?;
		`, taskID).Scan(&status, &attempts, &maxAttempts, &agentID, &taskType); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select task for failure: %w", err)
		}
		if status != TaskStatusProcessing {
			return ErrNotProcessing
		}
		if maxAttempts <= 0 {
			maxAttempts = s.defaultAttempts
		}
		decision = FailureDecision{Attempts: attempts, MaxAttempts: maxAttempts}

		if attempts >= maxAttempts {
			ok, err := s.transitionTaskTx(ctx, tx, taskID,
				[]TaskStatus{TaskStatusProcessing}, TaskStatusFailed,
				"task.failed",
				fmt.Sprintf(`{"reason":"max_attempts","attempts":%d,"max_attempts":%d}`, attempts, maxAttempts),
				&errMsg)
			if err != nil {
				return err
			}
			if !ok {
				return ErrNotProcessing
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET completed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ?;
			`, taskID, TaskStatusFailed); err != nil {
				return fmt.Errorf("set failed completed_at: %w", err)
			}
			decision.Outcome = FailureOutcomeFailed
			return tx.Commit()
		}

		delay := s.retryDelay(taskID, attempts)
		nextAttempt := time.Now().UTC().Add(delay)
		decision.Outcome = FailureOutcomeRetried
		decision.NextAttempt = &nextAttempt

		ok, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusProcessing}, TaskStatusPending,
			"task.retrying",
			fmt.Sprintf(`{"reason":"retry_scheduled","attempts":%d,"max_attempts":%d,"delay_ms":%d}`, attempts, maxAttempts, delay.Milliseconds()),
			&errMsg)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotProcessing
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET scheduled_for = ?, started_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, nextAttempt, taskID, TaskStatusPending); err != nil {
			return fmt.Errorf("set retry schedule: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return FailureDecision{}, err
	}
	topic := bus.TopicTaskRetrying
	if decision.Outcome == FailureOutcomeFailed {
		topic = bus.TopicTaskFailed
	}
	s.publish(topic, bus.TaskEvent{TaskID: taskID, AgentID: agentID, TaskType: taskType, Attempt: decision.Attempts, Error: errMsg})
	return decision, nil
}

// RecoverStale requeues processing tasks whose started_at is older than
// timeout. Tasks with attempts remaining go back to pending immediately;
// exhausted tasks are force-failed. Returns (requeued, failed).
func (s *Store) RecoverStale(ctx context.Context, timeout time.Duration) (requeued, failed int64, err error) {
	cutoff := time.Now().UTC().Add(-timeout)
	err = retryOnBusy(ctx, 5, func() error {
		requeued, failed = 0, 0
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin recovery tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id, attempts, max_attempts
			FROM tasks
			WHERE status = ? AND started_at IS NOT NULL AND julianday(started_at) <= julianday(?);
		`, TaskStatusProcessing, cutoff)
		if err != nil {
			return fmt.Errorf("query stale tasks: %w", err)
		}
		defer rows.Close()

		type staleTask struct {
			id          string
			attempts    int
			maxAttempts int
		}
		var stale []staleTask
		for rows.Next() {
			var t staleTask
			if err := rows.Scan(&t.id, &t.attempts, &t.maxAttempts); err != nil {
				return fmt.Errorf("scan stale task: %w", err)
			}
			stale = append(stale, t)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("stale rows: %w", err)
		}

		for _, t := range stale {
			if t.attempts < t.maxAttempts {
				ok, err := s.transitionTaskTx(ctx, tx, t.id,
					[]TaskStatus{TaskStatusProcessing}, TaskStatusPending,
					"task.recovered",
					fmt.Sprintf(`{"reason":"stale_processing","attempts":%d}`, t.attempts), nil)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				if _, err := tx.ExecContext(ctx, `
					UPDATE tasks
					SET started_at = NULL, scheduled_for = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
					WHERE id = ? AND status = ?;
				`, t.id, TaskStatusPending); err != nil {
					return fmt.Errorf("reset stale task: %w", err)
				}
				requeued++
				continue
			}
			errMsg := "processing timeout exceeded"
			ok, err := s.transitionTaskTx(ctx, tx, t.id,
				[]TaskStatus{TaskStatusProcessing}, TaskStatusFailed,
				"task.failed",
				fmt.Sprintf(`{"reason":"stale_exhausted","attempts":%d,"max_attempts":%d}`, t.attempts, t.maxAttempts),
				&errMsg)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET completed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ?;
			`, t.id, TaskStatusFailed); err != nil {
				return fmt.Errorf("finalize stale task: %w", err)
			}
			failed++
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, 0, err
	}
	return requeued, failed, nil
}

// CancelTask cancels a pending task. Processing tasks cannot be canceled;
// their worker is not signalled and recovery handles abandonment.
func (s *Store) CancelTask(ctx context.Context, taskID string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin cancel tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		errMsg := "canceled"
		ok, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusPending}, TaskStatusFailed,
			"task.canceled", `{"reason":"canceled"}`, &errMsg)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET completed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, taskID, TaskStatusFailed); err != nil {
			return fmt.Errorf("finalize canceled task: %w", err)
		}
		return tx.Commit()
	})
}

// AgePendingPriorities bumps priority on pending tasks that have waited past
// ageThreshold so retried work is not starved behind fresh inserts. The cap
// bounds growth. Returns the number of tasks aged.
func (s *Store) AgePendingPriorities(ctx context.Context, ageThreshold time.Duration, maxPriority int) (int64, error) {
	cutoff := time.Now().UTC().Add(-ageThreshold)
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET priority = MIN(priority + 1, ?),
			updated_at = CURRENT_TIMESTAMP
		WHERE status = ?
		  AND julianday(scheduled_for) <= julianday('now')
		  AND julianday(updated_at) < julianday(?)
		  AND priority < ?;
	`, maxPriority, TaskStatusPending, cutoff, maxPriority)
	if err != nil {
		return 0, fmt.Errorf("age pending priorities: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	task, err := s.getTaskTxFree(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrNotFound
	}
	return task, nil
}

func (s *Store) getTaskTxFree(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, task_type, payload, priority, status, attempts, max_attempts,
			scheduled_for, started_at, completed_at, COALESCE(error, ''), created_at, updated_at
		FROM tasks
		WHERE id = ?;
	`, taskID)
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select task: %w", err)
	}
	return &task, nil
}

// PendingDepth returns the number of pending tasks.
func (s *Store) PendingDepth(ctx context.Context) (int64, error) {
	var depth int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM tasks WHERE status = ?;
	`, TaskStatusPending).Scan(&depth); err != nil {
		return 0, fmt.Errorf("pending depth: %w", err)
	}
	return depth, nil
}

// ListTaskEvents returns the audit trail for a task in append order.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, COALESCE(trace_id, ''), event_type, state_from, state_to, payload_json, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var (
			event     TaskEvent
			stateFrom sql.NullString
		)
		if err := rows.Scan(&event.EventID, &event.TaskID, &event.TraceID, &event.EventType, &stateFrom, &event.StateTo, &event.Payload, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		if stateFrom.Valid {
			event.StateFrom = TaskStatus(stateFrom.String)
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task event rows: %w", err)
	}
	return out, nil
}

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var startedAt, completedAt sql.NullTime
	if err := scanFn(
		&task.ID,
		&task.AgentID,
		&task.TaskType,
		&task.Payload,
		&task.Priority,
		&task.Status,
		&task.Attempts,
		&task.MaxAttempts,
		&task.ScheduledFor,
		&startedAt,
		&completedAt,
		&task.Error,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return err
	}
	if startedAt.Valid {
		t := startedAt.Time
		task.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	return nil
}

func hashString(input string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(input))
	return strconv.FormatUint(h.Sum64(), 16)
}

// retryDelay doubles the base delay per attempt up to the cap, then adds
// deterministic jitter derived from the task id so retries of distinct tasks
// spread out without randomizing test behavior.
func (s *Store) retryDelay(taskID string, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := s.retryBaseDelay
	for i := 1; i < attempt; i++ {
		base *= 2
		if base >= s.retryMaxDelay {
			base = s.retryMaxDelay
			break
		}
	}
	if base > s.retryMaxDelay {
		base = s.retryMaxDelay
	}
	jitterMax := base / 2
	if jitterMax <= 0 {
		jitterMax = time.Millisecond
	}
	jitterHash := hashString(taskID + ":" + strconv.Itoa(attempt))
	jitterSource, _ := strconv.ParseUint(jitterHash[:min(len(jitterHash), 8)], 16, 64)
	jitter := time.Duration(int64(jitterSource % uint64(jitterMax)))
	delay := base + jitter
	if delay > s.retryMaxDelay {
		delay = s.retryMaxDelay
	}
	return delay
}
