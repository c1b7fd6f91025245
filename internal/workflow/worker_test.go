package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/okapi-ai/overseer/internal/queue"
	"github.com/okapi-ai/overseer/internal/store"
)

type enqueueCall struct {
	agentID      string
	taskType     string
	payload      map[string]any
	scheduledFor time.Time
}

type fakeLocal struct {
	calls []enqueueCall
	err   error
}

func (f *fakeLocal) Enqueue(ctx context.Context, agentID, taskType string, payload map[string]any, opts store.EnqueueOptions) (string, error) {
	f.calls = append(f.calls, enqueueCall{agentID: agentID, taskType: taskType, payload: payload, scheduledFor: opts.ScheduledFor})
	return "local-1", f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newWorker(local *fakeLocal) *Worker {
	return &Worker{
		local:    local,
		logger:   testLogger(),
		handlers: make(map[string]queue.Handler),
	}
}

func message(t *testing.T, externalID string, env queue.Envelope) kafka.Message {
	t.Helper()
	value, err := json.Marshal(record{ExternalID: externalID, Envelope: env})
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	return kafka.Message{Key: []byte(env.AgentID), Value: value}
}

func TestProcessDispatchesToHandler(t *testing.T) {
	w := newWorker(&fakeLocal{})

	var got *store.Task
	w.RegisterHandler(store.TaskTypeAgentRun, func(ctx context.Context, task *store.Task) error {
		got = task
		return nil
	})

	env := queue.Envelope{
		AgentID:  "a1",
		TaskType: store.TaskTypeAgentRun,
		Payload:  map[string]any{"input": "hello"},
		Priority: 3,
	}
	w.process(context.Background(), message(t, "wf-1", env))

	if got == nil {
		t.Fatal("handler not invoked")
	}
	if got.ID != "wf-1" || got.AgentID != "a1" || got.Priority != 3 {
		t.Fatalf("task = %+v", got)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(got.Payload), &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["input"] != "hello" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestProcessHandlerFailureRequeuesLocally(t *testing.T) {
	local := &fakeLocal{}
	w := newWorker(local)
	w.RegisterHandler(store.TaskTypeAgentRun, func(ctx context.Context, task *store.Task) error {
		return errors.New("run failed")
	})

	env := queue.Envelope{
		AgentID:  "a1",
		TaskType: store.TaskTypeAgentRun,
		Payload:  map[string]any{"input": "hello"},
	}
	w.process(context.Background(), message(t, "wf-1", env))

	if len(local.calls) != 1 {
		t.Fatalf("local enqueues = %d, want 1", len(local.calls))
	}
	call := local.calls[0]
	if call.agentID != "a1" || call.taskType != store.TaskTypeAgentRun || call.payload["input"] != "hello" {
		t.Fatalf("requeue call = %+v", call)
	}
}

func TestProcessHandlerPanicRequeuesLocally(t *testing.T) {
	local := &fakeLocal{}
	w := newWorker(local)
	w.RegisterHandler(store.TaskTypeAgentRun, func(ctx context.Context, task *store.Task) error {
		panic("boom")
	})

	w.process(context.Background(), message(t, "wf-1", queue.Envelope{
		AgentID:  "a1",
		TaskType: store.TaskTypeAgentRun,
		Payload:  map[string]any{"input": "x"},
	}))

	if len(local.calls) != 1 {
		t.Fatalf("local enqueues = %d, want 1", len(local.calls))
	}
}

func TestProcessMalformedMessageDropped(t *testing.T) {
	local := &fakeLocal{}
	w := newWorker(local)
	w.RegisterHandler(store.TaskTypeAgentRun, func(ctx context.Context, task *store.Task) error {
		t.Error("handler invoked for malformed message")
		return nil
	})

	w.process(context.Background(), kafka.Message{Value: []byte("{not json")})
	if len(local.calls) != 0 {
		t.Fatal("malformed message requeued")
	}
}

func TestProcessDefersFutureScheduledEnvelope(t *testing.T) {
	local := &fakeLocal{}
	w := newWorker(local)
	w.RegisterHandler(store.TaskTypeAgentRun, func(ctx context.Context, task *store.Task) error {
		t.Error("handler invoked before scheduled time")
		return nil
	})

	due := time.Now().Add(time.Hour).UTC()
	w.process(context.Background(), message(t, "wf-1", queue.Envelope{
		AgentID:      "a1",
		TaskType:     store.TaskTypeAgentRun,
		Payload:      map[string]any{"input": "later"},
		Priority:     2,
		ScheduledFor: &due,
	}))

	if len(local.calls) != 1 {
		t.Fatalf("local enqueues = %d, want 1", len(local.calls))
	}
	call := local.calls[0]
	if call.agentID != "a1" || call.payload["input"] != "later" {
		t.Fatalf("deferred call = %+v", call)
	}
	if !call.scheduledFor.Equal(due) {
		t.Fatalf("scheduled_for = %v, want %v", call.scheduledFor, due)
	}
}

func TestProcessRunsPastScheduledEnvelopeImmediately(t *testing.T) {
	local := &fakeLocal{}
	w := newWorker(local)

	invoked := false
	w.RegisterHandler(store.TaskTypeAgentRun, func(ctx context.Context, task *store.Task) error {
		invoked = true
		return nil
	})

	past := time.Now().Add(-time.Minute).UTC()
	w.process(context.Background(), message(t, "wf-1", queue.Envelope{
		AgentID:      "a1",
		TaskType:     store.TaskTypeAgentRun,
		Payload:      map[string]any{"input": "now"},
		ScheduledFor: &past,
	}))

	if !invoked {
		t.Fatal("handler not invoked for past scheduled_for")
	}
	if len(local.calls) != 0 {
		t.Fatalf("local enqueues = %d, want 0", len(local.calls))
	}
}

func TestProcessUnknownTaskType(t *testing.T) {
	local := &fakeLocal{}
	w := newWorker(local)

	w.process(context.Background(), message(t, "wf-1", queue.Envelope{
		AgentID:  "a1",
		TaskType: "mystery",
	}))
	if len(local.calls) != 0 {
		t.Fatal("unknown task type requeued")
	}
}
