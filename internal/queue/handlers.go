package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/okapi-ai/overseer/internal/bus"
	"github.com/okapi-ai/overseer/internal/runner"
	"github.com/okapi-ai/overseer/internal/serializer"
	"github.com/okapi-ai/overseer/internal/store"
	"github.com/okapi-ai/overseer/internal/tool"
)

// AgentRunner is the run-loop surface the handlers need. Satisfied by
// *runner.Runner.
type AgentRunner interface {
	Run(ctx context.Context, input string, rctx runner.RunContext) runner.RunResult
}

// agentRunPayload is the payload shape of agent_run tasks.
type agentRunPayload struct {
	Input          string `json:"input"`
	ConversationID string `json:"conversation_id,omitempty"`
	Trigger        string `json:"trigger,omitempty"`
	TraceID        string `json:"trace_id,omitempty"`
	FromAgent      string `json:"from_agent,omitempty"`
}

// approvalResumePayload is the payload shape of approval_resume tasks.
type approvalResumePayload struct {
	RequestID string `json:"request_id"`
}

// resumeAction is the action payload an approval request stores for resume:
// the gated tool call plus the conversation and trace to resume into.
type resumeAction struct {
	ToolName       string         `json:"tool_name"`
	Args           map[string]any `json:"args"`
	ConversationID string         `json:"conversation_id"`
	TraceID        string         `json:"trace_id"`
}

// Handlers binds the two task types to the run loop, gated by the
// per-conversation serializer.
type Handlers struct {
	runner AgentRunner
	serial *serializer.Serializer
	store  *store.Store
	logger *slog.Logger
}

func NewHandlers(r AgentRunner, serial *serializer.Serializer, st *store.Store, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		runner: r,
		serial: serial,
		store:  st,
		logger: logger.With("component", "task_handlers"),
	}
}

// HandlerRegistry is anything that routes tasks to handlers by type: the
// local queue and the workflow worker both qualify.
type HandlerRegistry interface {
	RegisterHandler(taskType string, h Handler)
}

// Register wires both handlers into the given registry.
func (h *Handlers) Register(r HandlerRegistry) {
	r.RegisterHandler(store.TaskTypeAgentRun, h.AgentRun)
	r.RegisterHandler(store.TaskTypeApprovalResume, h.ApprovalResume)
}

// AgentRun resolves the target agent's conversation and invokes the run
// loop. A run that pauses for approval is a successful handler outcome; a
// failed run returns an error so the retry policy applies.
func (h *Handlers) AgentRun(ctx context.Context, task *store.Task) error {
	var p agentRunPayload
	if err := json.Unmarshal([]byte(task.Payload), &p); err != nil {
		return fmt.Errorf("decode agent_run payload: %w", err)
	}
	if p.Input == "" {
		return fmt.Errorf("agent_run payload missing input")
	}

	conversationID := p.ConversationID
	if conversationID == "" {
		conversationID = "agent:" + task.AgentID
	}
	trigger := runner.Trigger(p.Trigger)
	if trigger == "" {
		trigger = runner.TriggerEvent
	}
	input := p.Input
	if p.FromAgent != "" {
		input = fmt.Sprintf("Message from agent %s: %s", p.FromAgent, p.Input)
	}

	var result runner.RunResult
	err := h.serial.Run(ctx, task.AgentID, conversationID, func(ctx context.Context) error {
		result = h.runner.Run(ctx, input, runner.RunContext{
			AgentID:        task.AgentID,
			ConversationID: conversationID,
			TraceID:        p.TraceID,
			Trigger:        trigger,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("serialize run: %w", err)
	}

	if len(result.ApprovalsPending) > 0 {
		h.logger.Info("run paused for approval",
			"task_id", task.ID, "agent_id", task.AgentID,
			"approvals", result.ApprovalsPending)
		return nil
	}
	if !result.Success {
		return fmt.Errorf("agent run failed: %s", result.Error)
	}
	return nil
}

// ApprovalResume re-enters the run loop with a one-shot pre-approved token
// for the gated call. A request that is not approved (denied, expired, still
// pending, or unknown) is a successful not-resumed outcome, never a retry.
func (h *Handlers) ApprovalResume(ctx context.Context, task *store.Task) error {
	var p approvalResumePayload
	if err := json.Unmarshal([]byte(task.Payload), &p); err != nil {
		return fmt.Errorf("decode approval_resume payload: %w", err)
	}
	if p.RequestID == "" {
		return fmt.Errorf("approval_resume payload missing request_id")
	}

	appr, err := h.store.GetApproval(ctx, p.RequestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.logger.Warn("approval resume skipped",
				"task_id", task.ID, "request_id", p.RequestID,
				"resumed", false, "reason", "approval request not found")
			return nil
		}
		return fmt.Errorf("load approval %s: %w", p.RequestID, err)
	}
	if appr.Status != store.ApprovalStatusApproved {
		h.logger.Info("approval resume skipped",
			"task_id", task.ID, "request_id", p.RequestID,
			"resumed", false, "reason", fmt.Sprintf("approval status is %s", appr.Status))
		return nil
	}

	var action resumeAction
	if err := json.Unmarshal([]byte(appr.ActionPayload), &action); err != nil {
		return fmt.Errorf("decode approval action payload: %w", err)
	}
	if action.ToolName == "" {
		return fmt.Errorf("approval %s has no tool to resume", p.RequestID)
	}

	token, err := tool.NewPreApproved(p.RequestID, action.ToolName, action.Args)
	if err != nil {
		return fmt.Errorf("build pre-approved token: %w", err)
	}

	conversationID := action.ConversationID
	if conversationID == "" {
		conversationID = "agent:" + appr.AgentID
	}
	input := fmt.Sprintf(
		"Your request to run %s was approved by %s. Execute the approved call now and finish the task you paused.",
		action.ToolName, appr.DecidedBy)

	var result runner.RunResult
	err = h.serial.Run(ctx, appr.AgentID, conversationID, func(ctx context.Context) error {
		result = h.runner.Run(ctx, input, runner.RunContext{
			AgentID:        appr.AgentID,
			ConversationID: conversationID,
			TraceID:        action.TraceID,
			Trigger:        runner.TriggerEvent,
			PreApproved:    token,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("serialize resume run: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("resumed run failed: %s", result.Error)
	}
	return nil
}

// SubscribeDecisions enqueues an approval_resume task whenever an approval
// is approved. Registered on the generic decided topic so any decision
// surface (chat button, API) triggers resume the same way.
func (q *Queue) SubscribeDecisions(eventBus *bus.Bus) (off func()) {
	return eventBus.On(bus.TopicApprovalDecided, func(event bus.Event) {
		// Prefix routing also matches the scoped per-request topic; only the
		// generic one should enqueue, or every decision resumes twice.
		if event.Topic != bus.TopicApprovalDecided {
			return
		}
		decided, ok := event.Payload.(bus.ApprovalEvent)
		if !ok || decided.Decision != string(store.ApprovalStatusApproved) {
			return
		}
		id, err := q.Enqueue(context.Background(), decided.AgentID, store.TaskTypeApprovalResume,
			map[string]any{"request_id": decided.RequestID}, store.EnqueueOptions{Priority: 5})
		if err != nil {
			q.logger.Error("enqueue approval resume failed",
				"request_id", decided.RequestID, "error", err)
			return
		}
		q.logger.Info("approval resume enqueued",
			"request_id", decided.RequestID, "task_id", id)
	})
}
