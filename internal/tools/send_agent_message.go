// Package tools holds the built-in tools the daemon registers on startup.
// Domain tools (SaaS integrations, shell, web) live with their owners; this
// package only carries the orchestration primitives.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/okapi-ai/overseer/internal/agent"
	"github.com/okapi-ai/overseer/internal/shared"
	"github.com/okapi-ai/overseer/internal/store"
	"github.com/okapi-ai/overseer/internal/tool"
)

// Enqueuer is the queue surface the messaging tool needs. Satisfied by
// *queue.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, agentID, taskType string, payload map[string]any, opts store.EnqueueOptions) (string, error)
}

var sendAgentMessageSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"to": {"type": "string", "description": "Recipient agent id"},
		"message": {"type": "string", "description": "Message to deliver"}
	},
	"required": ["to", "message"],
	"additionalProperties": false
}`)

// SendAgentMessage delivers a message to a peer agent by enqueuing an
// agent_run task for it. Delivery is asynchronous: the sender's turn does not
// block on the recipient's run.
type SendAgentMessage struct {
	agents *agent.Registry
	queue  Enqueuer
	logger *slog.Logger
}

func NewSendAgentMessage(agents *agent.Registry, q Enqueuer, logger *slog.Logger) *SendAgentMessage {
	if logger == nil {
		logger = slog.Default()
	}
	return &SendAgentMessage{
		agents: agents,
		queue:  q,
		logger: logger.With("component", "send_agent_message"),
	}
}

func (t *SendAgentMessage) Name() string { return "send_agent_message" }

func (t *SendAgentMessage) Description() string {
	return "Send a message to another agent. The recipient handles it as a new task on its own conversation; you will not receive a reply in this turn."
}

func (t *SendAgentMessage) ParamSchema() json.RawMessage { return sendAgentMessageSchema }

func (t *SendAgentMessage) RequiresApproval() bool { return false }

func (t *SendAgentMessage) Execute(ctx context.Context, args map[string]any) (tool.Result, error) {
	to, _ := args["to"].(string)
	message, _ := args["message"].(string)
	to = strings.TrimSpace(to)
	if to == "" || strings.TrimSpace(message) == "" {
		return tool.Failure("send_agent_message requires 'to' and 'message'"), nil
	}

	from := shared.AgentID(ctx)
	if from != "" && from == to {
		return tool.Failure("cannot send a message to yourself"), nil
	}

	rec, err := t.agents.Get(ctx, to)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return tool.Failure("unknown agent %q", to), nil
		}
		return tool.Result{}, fmt.Errorf("look up agent %s: %w", to, err)
	}
	if rec.Status != "active" {
		return tool.Failure("agent %q is not active (status %s)", to, rec.Status), nil
	}

	payload := map[string]any{
		"input":      message,
		"trigger":    "inter_agent",
		"from_agent": from,
		"trace_id":   shared.TraceID(ctx),
	}
	taskID, err := t.queue.Enqueue(ctx, to, store.TaskTypeAgentRun, payload, store.EnqueueOptions{Priority: 3})
	if err != nil {
		return tool.Result{}, fmt.Errorf("enqueue message for %s: %w", to, err)
	}

	t.logger.Info("agent message queued",
		"from", from, "to", to, "task_id", taskID)
	return tool.Result{
		Success:  true,
		Output:   fmt.Sprintf("Message queued for %s (task %s).", to, taskID),
		Metadata: map[string]any{"taskId": taskID},
	}, nil
}
