// Package queue is the task distribution layer: enqueue with an optional
// external dispatcher, a poll loop that recovers stale work before every
// claim pass, concurrent dispatch to task-type handlers, and retry with
// exponential backoff on handler failure.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/okapi-ai/overseer/internal/bus"
	ovotel "github.com/okapi-ai/overseer/internal/otel"
	"github.com/okapi-ai/overseer/internal/store"
)

const (
	defaultConcurrency  = 4
	defaultPollInterval = 2 * time.Second
	defaultStaleTimeout = 5 * time.Minute
	defaultAgeThreshold = time.Minute
	defaultPriorityCap  = 10
)

// Handler processes one claimed task. A nil return completes the task; an
// error drives the retry-or-fail policy.
type Handler func(ctx context.Context, task *store.Task) error

// Envelope is the dispatch shape handed to an external workflow engine.
type Envelope struct {
	AgentID      string         `json:"agent_id"`
	TaskType     string         `json:"task_type"`
	Payload      map[string]any `json:"payload"`
	Priority     int            `json:"priority"`
	ScheduledFor *time.Time     `json:"scheduled_for,omitempty"`
}

// Dispatcher hands envelopes to an external durable-workflow engine.
// Dispatch returns the engine's run identifier; an error or empty id makes
// the caller fall back to the local queue.
type Dispatcher interface {
	Dispatch(ctx context.Context, env Envelope) (string, error)
}

// Queue coordinates the local durable queue and the optional external
// dispatcher.
type Queue struct {
	store      *store.Store
	bus        *bus.Bus
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *ovotel.Metrics
	dispatcher Dispatcher

	mu       sync.RWMutex
	handlers map[string]Handler

	concurrency       int
	pollInterval      time.Duration
	processingTimeout time.Duration
	ageThreshold      time.Duration
	priorityCap       int

	inflight sync.WaitGroup
	slots    chan struct{}
}

func New(st *store.Store, eventBus *bus.Bus, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		store:             st,
		bus:               eventBus,
		logger:            logger.With("component", "queue"),
		handlers:          make(map[string]Handler),
		concurrency:       defaultConcurrency,
		pollInterval:      defaultPollInterval,
		processingTimeout: defaultStaleTimeout,
		ageThreshold:      defaultAgeThreshold,
		priorityCap:       defaultPriorityCap,
	}
	q.slots = make(chan struct{}, q.concurrency)
	return q
}

// SetLimits overrides the poll loop knobs. Zero values keep defaults.
func (q *Queue) SetLimits(concurrency int, pollInterval, processingTimeout, ageThreshold time.Duration, priorityCap int) {
	if concurrency > 0 {
		q.concurrency = concurrency
		q.slots = make(chan struct{}, concurrency)
	}
	if pollInterval > 0 {
		q.pollInterval = pollInterval
	}
	if processingTimeout > 0 {
		q.processingTimeout = processingTimeout
	}
	if ageThreshold > 0 {
		q.ageThreshold = ageThreshold
	}
	if priorityCap > 0 {
		q.priorityCap = priorityCap
	}
}

// SetDispatcher installs the external workflow dispatcher. Nil keeps
// everything on the local queue.
func (q *Queue) SetDispatcher(d Dispatcher) { q.dispatcher = d }

// SetTelemetry installs the tracer and metric instruments.
func (q *Queue) SetTelemetry(tracer trace.Tracer, metrics *ovotel.Metrics) {
	q.tracer = tracer
	q.metrics = metrics
}

// RegisterHandler binds a handler to a task type. Last registration wins.
func (q *Queue) RegisterHandler(taskType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[taskType] = h
}

func (q *Queue) handler(taskType string) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[taskType]
	return h, ok
}

// Enqueue routes the work item: external dispatcher first when configured,
// local durable queue otherwise or on dispatch failure. Returns the external
// run id or the local task id.
func (q *Queue) Enqueue(ctx context.Context, agentID, taskType string, payload map[string]any, opts store.EnqueueOptions) (string, error) {
	if q.dispatcher != nil {
		env := Envelope{
			AgentID:  agentID,
			TaskType: taskType,
			Payload:  payload,
			Priority: opts.Priority,
		}
		if !opts.ScheduledFor.IsZero() {
			t := opts.ScheduledFor
			env.ScheduledFor = &t
		}
		externalID, err := q.dispatcher.Dispatch(ctx, env)
		if err == nil && externalID != "" {
			q.logger.Debug("task dispatched externally",
				"external_id", externalID, "agent_id", agentID, "task_type", taskType)
			return externalID, nil
		}
		q.logger.Warn("external dispatch failed, falling back to local queue",
			"agent_id", agentID, "task_type", taskType, "error", err)
	}

	id, err := q.store.Enqueue(ctx, agentID, taskType, payload, opts)
	if err != nil {
		return "", err
	}
	if q.metrics != nil {
		q.metrics.QueueDepth.Add(ctx, 1)
	}
	return id, nil
}

// Start runs the poll loop until the context is canceled, then waits for
// in-flight handlers to drain.
func (q *Queue) Start(ctx context.Context) {
	q.logger.Info("queue started",
		"concurrency", q.concurrency, "poll_interval", q.pollInterval,
		"processing_timeout", q.processingTimeout)

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		q.poll(ctx)
		select {
		case <-ctx.Done():
			q.inflight.Wait()
			q.logger.Info("queue drained")
			return
		case <-ticker.C:
		}
	}
}

// poll runs one pass: stale recovery, priority aging, then claim-and-dispatch
// up to the free concurrency slots. Recovery runs first so retried work is
// eligible in the same pass.
func (q *Queue) poll(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	requeued, forceFailed, err := q.store.RecoverStale(ctx, q.processingTimeout)
	if err != nil {
		q.logger.Error("stale recovery failed", "error", err)
	} else if requeued > 0 || forceFailed > 0 {
		q.logger.Warn("recovered stale tasks", "requeued", requeued, "force_failed", forceFailed)
		if q.metrics != nil {
			q.metrics.TaskRetries.Add(ctx, requeued)
		}
	}

	if aged, err := q.store.AgePendingPriorities(ctx, q.ageThreshold, q.priorityCap); err != nil {
		q.logger.Error("priority aging failed", "error", err)
	} else if aged > 0 {
		q.logger.Debug("aged pending priorities", "count", aged)
	}

	free := cap(q.slots) - len(q.slots)
	if free == 0 {
		return
	}
	tasks, err := q.store.ClaimTasks(ctx, free)
	if err != nil {
		q.logger.Error("claim failed", "error", err)
		return
	}

	for i := range tasks {
		task := tasks[i]
		q.slots <- struct{}{}
		q.inflight.Add(1)
		go func() {
			defer q.inflight.Done()
			defer func() { <-q.slots }()
			q.handle(ctx, &task)
		}()
	}
}

// handle runs one claimed task through its handler and resolves the result.
// A worker abandoned by stale recovery gets ErrNotProcessing from the store,
// which is tolerated as a no-op.
func (q *Queue) handle(ctx context.Context, task *store.Task) {
	if q.tracer != nil {
		var span trace.Span
		ctx, span = ovotel.StartSpan(ctx, q.tracer, "task.handle",
			ovotel.AttrTaskID.String(task.ID),
			ovotel.AttrTaskType.String(task.TaskType),
			ovotel.AttrAgentID.String(task.AgentID),
		)
		defer span.End()
	}

	h, ok := q.handler(task.TaskType)
	if !ok {
		q.resolveFailure(ctx, task, fmt.Sprintf("no handler for task type %s", task.TaskType))
		return
	}

	err := q.invoke(ctx, h, task)
	if err != nil {
		q.resolveFailure(ctx, task, err.Error())
		return
	}

	if err := q.store.CompleteTask(ctx, task.ID); err != nil {
		if errors.Is(err, store.ErrNotProcessing) {
			q.logger.Warn("task no longer processing at completion, result discarded",
				"task_id", task.ID)
			return
		}
		q.logger.Error("complete task failed", "task_id", task.ID, "error", err)
		return
	}
	if q.metrics != nil {
		q.metrics.QueueDepth.Add(ctx, -1)
	}
	q.logger.Info("task completed",
		"task_id", task.ID, "task_type", task.TaskType,
		"agent_id", task.AgentID, "attempt", task.Attempts)
}

func (q *Queue) invoke(ctx context.Context, h Handler, task *store.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, task)
}

func (q *Queue) resolveFailure(ctx context.Context, task *store.Task, msg string) {
	decision, err := q.store.HandleTaskFailure(ctx, task.ID, msg)
	if err != nil {
		if errors.Is(err, store.ErrNotProcessing) {
			q.logger.Warn("task no longer processing at failure, result discarded",
				"task_id", task.ID)
			return
		}
		q.logger.Error("handle task failure failed", "task_id", task.ID, "error", err)
		return
	}

	switch decision.Outcome {
	case store.FailureOutcomeRetried:
		if q.metrics != nil {
			q.metrics.TaskRetries.Add(ctx, 1)
		}
		q.logger.Warn("task retrying",
			"task_id", task.ID, "task_type", task.TaskType,
			"attempt", decision.Attempts, "max_attempts", decision.MaxAttempts,
			"next_attempt", decision.NextAttempt, "error", msg)
	default:
		if q.metrics != nil {
			q.metrics.QueueDepth.Add(ctx, -1)
		}
		q.logger.Error("task failed permanently",
			"task_id", task.ID, "task_type", task.TaskType,
			"attempts", decision.Attempts, "error", msg)
	}
}
