package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/okapi-ai/overseer/internal/queue"
	"github.com/okapi-ai/overseer/internal/store"
)

// LocalEnqueuer takes envelopes the worker cannot run right now: ones whose
// handler failed (so the store's retry policy takes over) and ones scheduled
// for the future. Satisfied by *store.Store; wiring the dispatching queue
// here instead would bounce the envelope straight back to the broker.
type LocalEnqueuer interface {
	Enqueue(ctx context.Context, agentID, taskType string, payload map[string]any, opts store.EnqueueOptions) (string, error)
}

// Worker consumes workflow envelopes and dispatches them to the same
// handlers the local queue uses, so behavior is identical regardless of
// which backend executed the work.
type Worker struct {
	reader   *kafka.Reader
	local    LocalEnqueuer
	logger   *slog.Logger
	mu       sync.RWMutex
	handlers map[string]queue.Handler
}

func NewWorker(brokers []string, topic, groupID string, local LocalEnqueuer, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1,
			MaxBytes: 10e6,
			MaxWait:  3 * time.Second,
		}),
		local:    local,
		logger:   logger.With("component", "workflow_worker"),
		handlers: make(map[string]queue.Handler),
	}
}

// RegisterHandler binds a handler to a task type. The Worker satisfies
// queue.HandlerRegistry so queue.Handlers.Register wires both task types.
func (w *Worker) RegisterHandler(taskType string, h queue.Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[taskType] = h
}

func (w *Worker) handler(taskType string) (queue.Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[taskType]
	return h, ok
}

// Run consumes until the context is canceled. Handler failures are pushed
// onto the local queue for retry instead of poisoning the partition, and
// the message is committed either way.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("workflow worker started")
	for {
		msg, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}

		w.process(ctx, msg)
		if err := w.reader.CommitMessages(ctx, msg); err != nil {
			w.logger.Error("commit failed", "offset", msg.Offset, "error", err)
		}
	}
}

func (w *Worker) process(ctx context.Context, msg kafka.Message) {
	var rec record
	if err := json.Unmarshal(msg.Value, &rec); err != nil {
		w.logger.Error("malformed workflow message dropped",
			"offset", msg.Offset, "error", err)
		return
	}
	env := rec.Envelope

	// A future-scheduled envelope must wait the same way a local enqueue
	// would; park it in the durable queue instead of running it early.
	if env.ScheduledFor != nil && time.Now().Before(*env.ScheduledFor) {
		if _, err := w.local.Enqueue(ctx, env.AgentID, env.TaskType, env.Payload,
			store.EnqueueOptions{Priority: env.Priority, ScheduledFor: *env.ScheduledFor}); err != nil {
			w.logger.Error("defer scheduled envelope failed",
				"external_id", rec.ExternalID, "task_type", env.TaskType, "error", err)
			return
		}
		w.logger.Info("scheduled envelope deferred to local queue",
			"external_id", rec.ExternalID, "task_type", env.TaskType,
			"scheduled_for", env.ScheduledFor)
		return
	}

	h, ok := w.handler(env.TaskType)
	if !ok {
		w.logger.Error("no handler for workflow task type",
			"external_id", rec.ExternalID, "task_type", env.TaskType)
		return
	}

	payload, err := json.Marshal(env.Payload)
	if err != nil {
		w.logger.Error("encode envelope payload failed",
			"external_id", rec.ExternalID, "error", err)
		return
	}
	task := &store.Task{
		ID:       rec.ExternalID,
		AgentID:  env.AgentID,
		TaskType: env.TaskType,
		Payload:  string(payload),
		Priority: env.Priority,
	}

	if err := w.invoke(ctx, h, task); err != nil {
		w.logger.Warn("workflow handler failed, requeueing locally",
			"external_id", rec.ExternalID, "task_type", env.TaskType, "error", err)
		if _, qErr := w.local.Enqueue(ctx, env.AgentID, env.TaskType, env.Payload,
			store.EnqueueOptions{Priority: env.Priority}); qErr != nil {
			w.logger.Error("local requeue failed",
				"external_id", rec.ExternalID, "error", qErr)
		}
		return
	}
	w.logger.Info("workflow task handled",
		"external_id", rec.ExternalID, "task_type", env.TaskType, "agent_id", env.AgentID)
}

func (w *Worker) invoke(ctx context.Context, h queue.Handler, task *store.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("handler panicked")
		}
	}()
	return h(ctx, task)
}

func (w *Worker) Close() error {
	return w.reader.Close()
}
