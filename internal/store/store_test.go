package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/okapi-ai/overseer/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "overseer.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEnqueueClaimComplete_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	taskID, err := s.Enqueue(ctx, "default", store.TaskTypeAgentRun, map[string]any{"input": "hello"}, store.EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := s.ClaimTasks(ctx, 4)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected 1 claimed task, got %d", len(claimed))
	}
	if claimed[0].ID != taskID {
		t.Fatalf("claimed wrong task: %s", claimed[0].ID)
	}
	if claimed[0].Status != store.TaskStatusProcessing {
		t.Fatalf("expected processing, got %s", claimed[0].Status)
	}
	if claimed[0].Attempts != 1 {
		t.Fatalf("expected attempts=1 after claim, got %d", claimed[0].Attempts)
	}
	if claimed[0].StartedAt == nil {
		t.Fatal("expected started_at set on claim")
	}

	if err := s.CompleteTask(ctx, taskID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != store.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s", task.Status)
	}
	if task.CompletedAt == nil {
		t.Fatal("expected completed_at set")
	}

	// No further claims possible.
	again, err := s.ClaimTasks(ctx, 4)
	if err != nil {
		t.Fatalf("claim after complete: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no claimable tasks, got %d", len(again))
	}
}

func TestClaimTasks_MutualExclusion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		if _, err := s.Enqueue(ctx, "default", store.TaskTypeAgentRun, nil, store.EnqueueOptions{}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	first, err := s.ClaimTasks(ctx, 4)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	second, err := s.ClaimTasks(ctx, 4)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(first) != 4 || len(second) != 2 {
		t.Fatalf("expected 4 then 2 claimed, got %d then %d", len(first), len(second))
	}
	seen := map[string]bool{}
	for _, task := range append(first, second...) {
		if seen[task.ID] {
			t.Fatalf("task %s claimed twice", task.ID)
		}
		seen[task.ID] = true
	}
}

func TestClaimTasks_PriorityThenScheduledOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	early := time.Now().UTC().Add(-2 * time.Hour)
	late := time.Now().UTC().Add(-1 * time.Hour)

	lowLate, _ := s.Enqueue(ctx, "default", store.TaskTypeAgentRun, nil, store.EnqueueOptions{Priority: 1, ScheduledFor: late})
	lowEarly, _ := s.Enqueue(ctx, "default", store.TaskTypeAgentRun, nil, store.EnqueueOptions{Priority: 1, ScheduledFor: early})
	high, _ := s.Enqueue(ctx, "default", store.TaskTypeAgentRun, nil, store.EnqueueOptions{Priority: 5, ScheduledFor: late})

	claimed, err := s.ClaimTasks(ctx, 3)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 3 {
		t.Fatalf("expected 3 claimed, got %d", len(claimed))
	}
	got := []string{claimed[0].ID, claimed[1].ID, claimed[2].ID}
	want := []string{high, lowEarly, lowLate}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("claim order mismatch at %d: got %v want %v", i, got, want)
		}
	}
}

func TestClaimTasks_RespectsScheduledFor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, "default", store.TaskTypeAgentRun, nil, store.EnqueueOptions{ScheduledFor: time.Now().UTC().Add(time.Hour)}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := s.ClaimTasks(ctx, 4)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("future task should not be claimable, got %d", len(claimed))
	}
}

func TestHandleTaskFailure_RetriesWithBackoffThenFailsTerminally(t *testing.T) {
	s := newTestStore(t)
	s.SetRetryDelays(time.Millisecond, 4*time.Millisecond)
	ctx := context.Background()

	taskID, err := s.Enqueue(ctx, "default", store.TaskTypeAgentRun, nil, store.EnqueueOptions{MaxAttempts: 2})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Attempt 1: claim and fail -> retried.
	if claimed, err := s.ClaimTasks(ctx, 1); err != nil || len(claimed) != 1 {
		t.Fatalf("first claim: %v (%d)", err, len(claimed))
	}
	decision, err := s.HandleTaskFailure(ctx, taskID, "boom")
	if err != nil {
		t.Fatalf("handle failure: %v", err)
	}
	if decision.Outcome != store.FailureOutcomeRetried {
		t.Fatalf("expected retried, got %s", decision.Outcome)
	}
	if decision.NextAttempt == nil || !decision.NextAttempt.After(time.Now().UTC().Add(-time.Second)) {
		t.Fatalf("expected backoff schedule, got %v", decision.NextAttempt)
	}
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != store.TaskStatusPending {
		t.Fatalf("expected pending after retry, got %s", task.Status)
	}
	if task.Attempts != 1 {
		t.Fatalf("attempts should be preserved at 1, got %d", task.Attempts)
	}

	// Attempt 2: wait out the backoff, claim and fail -> terminal.
	time.Sleep(50 * time.Millisecond)
	if claimed, err := s.ClaimTasks(ctx, 1); err != nil || len(claimed) != 1 {
		t.Fatalf("second claim: %v (%d)", err, len(claimed))
	}
	decision, err = s.HandleTaskFailure(ctx, taskID, "boom again")
	if err != nil {
		t.Fatalf("handle second failure: %v", err)
	}
	if decision.Outcome != store.FailureOutcomeFailed {
		t.Fatalf("expected terminal failure, got %s", decision.Outcome)
	}
	task, _ = s.GetTask(ctx, taskID)
	if task.Status != store.TaskStatusFailed {
		t.Fatalf("expected failed, got %s", task.Status)
	}
	if task.Error != "boom again" {
		t.Fatalf("expected error recorded, got %q", task.Error)
	}

	// Exhausted tasks never re-enter pending.
	claimed, err := s.ClaimTasks(ctx, 4)
	if err != nil {
		t.Fatalf("claim after terminal failure: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatal("terminally failed task was claimable")
	}
}

func TestCompleteTask_AbandonedWorkerTolerated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	taskID, err := s.Enqueue(ctx, "default", store.TaskTypeAgentRun, nil, store.EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.ClaimTasks(ctx, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.CompleteTask(ctx, taskID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// A worker whose task already finished gets a benign conflict.
	if err := s.CompleteTask(ctx, taskID); !errors.Is(err, store.ErrNotProcessing) {
		t.Fatalf("expected ErrNotProcessing, got %v", err)
	}
	if _, err := s.HandleTaskFailure(ctx, taskID, "late error"); !errors.Is(err, store.ErrNotProcessing) {
		t.Fatalf("expected ErrNotProcessing on late failure, got %v", err)
	}
	task, _ := s.GetTask(ctx, taskID)
	if task.Status != store.TaskStatusCompleted {
		t.Fatalf("late updates must not change status, got %s", task.Status)
	}
}

func TestRecoverStale_RequeuesOrFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fresh, err := s.Enqueue(ctx, "default", store.TaskTypeAgentRun, nil, store.EnqueueOptions{MaxAttempts: 3})
	if err != nil {
		t.Fatalf("enqueue fresh: %v", err)
	}
	exhausted, err := s.Enqueue(ctx, "default", store.TaskTypeAgentRun, nil, store.EnqueueOptions{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("enqueue exhausted: %v", err)
	}
	if claimed, err := s.ClaimTasks(ctx, 2); err != nil || len(claimed) != 2 {
		t.Fatalf("claim: %v (%d)", err, len(claimed))
	}

	time.Sleep(30 * time.Millisecond)
	requeued, failed, err := s.RecoverStale(ctx, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if requeued != 1 || failed != 1 {
		t.Fatalf("expected requeued=1 failed=1, got %d/%d", requeued, failed)
	}

	freshTask, _ := s.GetTask(ctx, fresh)
	if freshTask.Status != store.TaskStatusPending {
		t.Fatalf("fresh task should be pending again, got %s", freshTask.Status)
	}
	exhaustedTask, _ := s.GetTask(ctx, exhausted)
	if exhaustedTask.Status != store.TaskStatusFailed {
		t.Fatalf("exhausted task should be failed, got %s", exhaustedTask.Status)
	}

	// Nothing stale remains.
	requeued, failed, err = s.RecoverStale(ctx, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("second recover: %v", err)
	}
	if requeued != 0 || failed != 0 {
		t.Fatalf("expected no-op recovery, got %d/%d", requeued, failed)
	}
}

func TestEnqueue_Backpressure(t *testing.T) {
	s := newTestStore(t)
	s.SetMaxQueueDepth(2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := s.Enqueue(ctx, "default", store.TaskTypeAgentRun, nil, store.EnqueueOptions{}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if _, err := s.Enqueue(ctx, "default", store.TaskTypeAgentRun, nil, store.EnqueueOptions{}); !errors.Is(err, store.ErrQueueSaturated) {
		t.Fatalf("expected ErrQueueSaturated, got %v", err)
	}

	// Draining frees capacity.
	if _, err := s.ClaimTasks(ctx, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := s.Enqueue(ctx, "default", store.TaskTypeAgentRun, nil, store.EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue after drain: %v", err)
	}
}

func TestCancelTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	taskID, err := s.Enqueue(ctx, "default", store.TaskTypeAgentRun, nil, store.EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.CancelTask(ctx, taskID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	task, _ := s.GetTask(ctx, taskID)
	if task.Status != store.TaskStatusFailed || task.Error != "canceled" {
		t.Fatalf("expected failed/canceled, got %s/%q", task.Status, task.Error)
	}

	// Processing tasks cannot be canceled.
	other, _ := s.Enqueue(ctx, "default", store.TaskTypeAgentRun, nil, store.EnqueueOptions{})
	if _, err := s.ClaimTasks(ctx, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.CancelTask(ctx, other); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for processing cancel, got %v", err)
	}
}

func TestListTaskEvents_AuditTrailOrdered(t *testing.T) {
	s := newTestStore(t)
	s.SetRetryDelays(time.Millisecond, 2*time.Millisecond)
	ctx := context.Background()

	taskID, err := s.Enqueue(ctx, "default", store.TaskTypeAgentRun, nil, store.EnqueueOptions{MaxAttempts: 2})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.ClaimTasks(ctx, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := s.HandleTaskFailure(ctx, taskID, "transient"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	if _, err := s.ClaimTasks(ctx, 1); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if err := s.CompleteTask(ctx, taskID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	events, err := s.ListTaskEvents(ctx, taskID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	want := []string{"task.enqueued", "task.claimed", "task.retrying", "task.claimed", "task.completed"}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, ev := range events {
		if ev.EventType != want[i] {
			t.Fatalf("event %d: got %s want %s", i, ev.EventType, want[i])
		}
		if i > 0 && events[i].EventID <= events[i-1].EventID {
			t.Fatal("event ids not strictly increasing")
		}
	}
}

func TestAgePendingPriorities(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	taskID, err := s.Enqueue(ctx, "default", store.TaskTypeAgentRun, nil, store.EnqueueOptions{Priority: 0})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	aged, err := s.AgePendingPriorities(ctx, 10*time.Millisecond, 10)
	if err != nil {
		t.Fatalf("age: %v", err)
	}
	if aged != 1 {
		t.Fatalf("expected 1 aged task, got %d", aged)
	}
	task, _ := s.GetTask(ctx, taskID)
	if task.Priority != 1 {
		t.Fatalf("expected priority bumped to 1, got %d", task.Priority)
	}
}

func TestSchemaReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overseer.db")

	s, err := store.Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	taskID, err := s.Enqueue(context.Background(), "default", store.TaskTypeAgentRun, nil, store.EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := store.Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	task, err := reopened.GetTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if task.Status != store.TaskStatusPending {
		t.Fatalf("task should survive restart as pending, got %s", task.Status)
	}
}
