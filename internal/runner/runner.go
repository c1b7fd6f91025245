// Package runner implements the agent run loop: think (LLM call), act (tool
// execution through the gateway), respond. A run always returns a RunResult;
// failures never propagate as errors to the caller.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/okapi-ai/overseer/internal/agent"
	"github.com/okapi-ai/overseer/internal/bus"
	ovotel "github.com/okapi-ai/overseer/internal/otel"
	"github.com/okapi-ai/overseer/internal/shared"
	"github.com/okapi-ai/overseer/internal/store"
	"github.com/okapi-ai/overseer/internal/tool"
)

// Trigger identifies what started a run.
type Trigger string

const (
	TriggerChatMessage Trigger = "chat_message"
	TriggerChatCommand Trigger = "chat_command"
	TriggerScheduled   Trigger = "scheduled"
	TriggerEvent       Trigger = "event"
	TriggerInterAgent  Trigger = "inter_agent"
	TriggerAPI         Trigger = "api"
)

const (
	defaultMaxIterations = 10
	defaultHistoryN      = 20
	defaultRecallK       = 5

	maxIterationsMessage = "Maximum iterations reached without a final answer"
)

// RunContext describes one invocation. It lives only for the duration of
// the run; its effects persist through conversation history and the task
// and approval tables.
type RunContext struct {
	AgentID        string
	ConversationID string
	TraceID        string
	Trigger        Trigger
	// PreApproved authorizes exactly one matching tool call on a resumed
	// run. Nil for ordinary runs.
	PreApproved *tool.PreApproved
}

// RunResult is the run loop's only output shape.
type RunResult struct {
	Success          bool     `json:"success"`
	Response         string   `json:"response,omitempty"`
	Error            string   `json:"error,omitempty"`
	ToolsUsed        []string `json:"tools_used,omitempty"`
	TokenUsage       Usage    `json:"token_usage"`
	Iterations       int      `json:"iterations"`
	DurationMs       int64    `json:"duration_ms"`
	ApprovalsPending []string `json:"approvals_pending,omitempty"`
}

// PostRunHook runs after a successful final answer, before the result is
// returned. Hook failures are logged, never surfaced.
type PostRunHook func(ctx context.Context, rctx RunContext, result RunResult)

// Runner drives the run loop for all agents in the process.
type Runner struct {
	llm      LLMClient
	gateway  *tool.Gateway
	registry *tool.Registry
	agents   *agent.Registry
	store    *store.Store
	memory   Memory
	bus      *bus.Bus
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *ovotel.Metrics

	maxIterations int
	temperature   float64
	maxTokens     int
	historyN      int
	recallK       int
	postRun       PostRunHook
}

func New(llm LLMClient, gateway *tool.Gateway, registry *tool.Registry, agents *agent.Registry, st *store.Store, eventBus *bus.Bus, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		llm:           llm,
		gateway:       gateway,
		registry:      registry,
		agents:        agents,
		store:         st,
		bus:           eventBus,
		logger:        logger.With("component", "runner"),
		maxIterations: defaultMaxIterations,
		historyN:      defaultHistoryN,
		recallK:       defaultRecallK,
	}
}

// SetMemory installs the optional long-term recall collaborator.
func (r *Runner) SetMemory(m Memory) { r.memory = m }

// SetLimits overrides the iteration ceiling, sampling temperature, response
// token cap, history window, and recall depth. Zero values keep defaults.
func (r *Runner) SetLimits(maxIterations int, temperature float64, maxTokens, historyN, recallK int) {
	if maxIterations > 0 {
		r.maxIterations = maxIterations
	}
	if temperature > 0 {
		r.temperature = temperature
	}
	if maxTokens > 0 {
		r.maxTokens = maxTokens
	}
	if historyN > 0 {
		r.historyN = historyN
	}
	if recallK > 0 {
		r.recallK = recallK
	}
}

// SetTelemetry installs the tracer and metric instruments.
func (r *Runner) SetTelemetry(tracer trace.Tracer, metrics *ovotel.Metrics) {
	r.tracer = tracer
	r.metrics = metrics
}

// SetPostRunHook installs the extension hook invoked after a final answer.
func (r *Runner) SetPostRunHook(h PostRunHook) { r.postRun = h }

// Run executes one invocation of the run loop. It never returns a raised
// fault: any failure, including a panic anywhere in the loop, becomes a
// Success=false result.
func (r *Runner) Run(ctx context.Context, input string, rctx RunContext) (result RunResult) {
	start := time.Now()
	runID := shared.NewRunID()
	if rctx.TraceID == "" {
		rctx.TraceID = shared.NewTraceID()
	}
	ctx = shared.WithRunID(shared.WithTraceID(ctx, rctx.TraceID), runID)
	ctx = shared.WithAgentID(ctx, rctx.AgentID)
	ctx = shared.WithConversationID(ctx, rctx.ConversationID)

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("run panicked",
				"run_id", runID, "agent_id", rctx.AgentID, "panic", rec)
			result = RunResult{
				Success:    false,
				Error:      fmt.Sprintf("run panicked: %v", rec),
				DurationMs: time.Since(start).Milliseconds(),
			}
		}
		r.finish(ctx, runID, rctx, result)
	}()

	if r.tracer != nil {
		var span trace.Span
		ctx, span = ovotel.StartSpan(ctx, r.tracer, "agent.run",
			ovotel.AttrRunID.String(runID),
			ovotel.AttrAgentID.String(rctx.AgentID),
			ovotel.AttrConversationID.String(rctx.ConversationID),
		)
		defer span.End()
	}

	r.bus.Publish(bus.TopicRunStarted, bus.RunEvent{
		RunID:          runID,
		AgentID:        rctx.AgentID,
		ConversationID: rctx.ConversationID,
		Trigger:        string(rctx.Trigger),
	})

	rec, err := r.agents.Get(ctx, rctx.AgentID)
	if err != nil {
		return r.fail(start, 0, fmt.Sprintf("resolve agent %s: %v", rctx.AgentID, err))
	}
	peers, err := r.agents.Peers(ctx, rctx.AgentID)
	if err != nil {
		return r.fail(start, 0, fmt.Sprintf("list peers: %v", err))
	}
	if err := r.store.EnsureConversation(ctx, rctx.ConversationID, rctx.AgentID, string(rctx.Trigger)); err != nil {
		return r.fail(start, 0, fmt.Sprintf("ensure conversation: %v", err))
	}

	messages, err := r.buildMessages(ctx, input, rctx)
	if err != nil {
		return r.fail(start, 0, err.Error())
	}
	if _, err := r.store.AppendMessage(ctx, rctx.ConversationID, "user", input, "", 0); err != nil {
		return r.fail(start, 0, fmt.Sprintf("persist user turn: %v", err))
	}

	systemPrompt := agent.SystemPrompt(rec, peers)
	toolDefs := r.registry.Definitions()
	call := tool.CallContext{
		AgentID:        rctx.AgentID,
		ConversationID: rctx.ConversationID,
		TraceID:        rctx.TraceID,
		Capabilities:   rec.Capabilities,
		ForceApproval:  rec.RequiresApprovalTools,
		PreApproved:    rctx.PreApproved,
	}

	var usage Usage
	var toolsUsed []string

	for iteration := 1; iteration <= r.maxIterations; iteration++ {
		completion, err := r.think(ctx, iteration, CompletionRequest{
			SystemPrompt: systemPrompt,
			Messages:     messages,
			Tools:        toolDefs,
			Temperature:  r.temperature,
			MaxTokens:    r.maxTokens,
		})
		if err != nil {
			return r.fail(start, iteration, fmt.Sprintf("llm call: %v", err)).
				withUsage(usage).withTools(toolsUsed)
		}
		usage.add(completion.Usage)
		if r.metrics != nil {
			r.metrics.RunIterations.Add(ctx, 1)
			r.metrics.TokensUsed.Add(ctx, int64(completion.Usage.Total()))
		}

		if len(completion.ToolCalls) == 0 || completion.FinishReason == "stop" {
			if _, err := r.store.AppendMessage(ctx, rctx.ConversationID, "assistant", completion.Content, "", completion.Usage.Total()); err != nil {
				r.logger.Warn("persist assistant turn failed", "run_id", runID, "error", err)
			}
			result = RunResult{
				Success:    true,
				Response:   completion.Content,
				ToolsUsed:  toolsUsed,
				TokenUsage: usage,
				Iterations: iteration,
				DurationMs: time.Since(start).Milliseconds(),
			}
			if r.postRun != nil {
				r.runHook(ctx, rctx, result)
			}
			return result
		}

		if completion.Content != "" {
			messages = append(messages, Message{Role: "assistant", Content: completion.Content})
		}

		for _, tc := range completion.ToolCalls {
			toolResult := r.gateway.Execute(ctx, tc.Name, tc.Args, call)

			if requestID, pending := toolResult.ApprovalPending(); pending {
				// The paused state must survive a restart: persist the
				// assistant turn before returning. Remaining tool calls in
				// this turn are skipped; the model re-plans after resume.
				note := fmt.Sprintf("%s\n[Awaiting approval for %s, request %s]",
					completion.Content, tc.Name, requestID)
				if _, err := r.store.AppendMessage(ctx, rctx.ConversationID, "assistant", note, "", completion.Usage.Total()); err != nil {
					r.logger.Warn("persist paused turn failed", "run_id", runID, "error", err)
				}
				return RunResult{
					Success:          true,
					Response:         fmt.Sprintf("I need approval before running %s. Waiting on request %s.", tc.Name, requestID),
					ToolsUsed:        toolsUsed,
					TokenUsage:       usage,
					Iterations:       iteration,
					DurationMs:       time.Since(start).Milliseconds(),
					ApprovalsPending: []string{requestID},
				}
			}

			toolsUsed = append(toolsUsed, tc.Name)
			content := toolResult.Output
			if !toolResult.Success {
				content = "Tool failed: " + toolResult.Output
			}
			messages = append(messages, Message{Role: "tool", Content: content, ToolName: tc.Name})
			if _, err := r.store.AppendMessage(ctx, rctx.ConversationID, "tool", content, tc.Name, 0); err != nil {
				r.logger.Warn("persist tool turn failed", "run_id", runID, "error", err)
			}
		}
	}

	return r.fail(start, r.maxIterations, maxIterationsMessage).
		withUsage(usage).withTools(toolsUsed)
}

func (r *Runner) think(ctx context.Context, iteration int, req CompletionRequest) (*Completion, error) {
	if r.tracer != nil {
		var span trace.Span
		ctx, span = ovotel.StartClientSpan(ctx, r.tracer, "llm.complete",
			ovotel.AttrRunIteration.Int(iteration),
		)
		defer span.End()
	}
	start := time.Now()
	completion, err := r.llm.Complete(ctx, req)
	if r.metrics != nil {
		r.metrics.LLMCallDuration.Record(ctx, time.Since(start).Seconds())
	}
	return completion, err
}

// buildMessages assembles prior turns plus the memory context block.
func (r *Runner) buildMessages(ctx context.Context, input string, rctx RunContext) ([]Message, error) {
	history, err := r.store.RecentMessages(ctx, rctx.ConversationID, r.historyN)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	var messages []Message
	if contextBlock := r.recallContext(ctx, input, rctx); contextBlock != "" {
		messages = append(messages, Message{Role: "system", Content: contextBlock})
	}
	for _, m := range history {
		messages = append(messages, Message{Role: m.Role, Content: m.Content, ToolName: m.ToolName})
	}
	messages = append(messages, Message{Role: "user", Content: input})
	return messages, nil
}

// recallContext builds the system context block from long-term memory and
// trigger metadata. Recall failures degrade to no memories, never fail the
// run.
func (r *Runner) recallContext(ctx context.Context, input string, rctx RunContext) string {
	var parts []string
	if rctx.Trigger != "" && rctx.Trigger != TriggerChatMessage {
		parts = append(parts, fmt.Sprintf("This run was triggered by: %s.", rctx.Trigger))
	}
	if r.memory != nil {
		memories, err := r.memory.Recall(ctx, input, r.recallK)
		if err != nil {
			r.logger.Warn("memory recall failed", "error", err)
		} else if len(memories) > 0 {
			lines := make([]string, 0, len(memories)+1)
			lines = append(lines, "Relevant memories:")
			for _, m := range memories {
				lines = append(lines, "- "+m.Content)
			}
			parts = append(parts, strings.Join(lines, "\n"))
		}
	}
	return strings.Join(parts, "\n\n")
}

func (r *Runner) runHook(ctx context.Context, rctx RunContext, result RunResult) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("post-run hook panicked", "panic", rec)
		}
	}()
	r.postRun(ctx, rctx, result)
}

func (r *Runner) fail(start time.Time, iterations int, msg string) RunResult {
	return RunResult{
		Success:    false,
		Error:      msg,
		Iterations: iterations,
		DurationMs: time.Since(start).Milliseconds(),
	}
}

// finish publishes the terminal run event and records run metrics. Runs on
// every exit path, including panics.
func (r *Runner) finish(ctx context.Context, runID string, rctx RunContext, result RunResult) {
	if r.metrics != nil {
		r.metrics.RunDuration.Record(ctx, float64(result.DurationMs)/1000.0)
	}

	event := bus.RunEvent{
		RunID:          runID,
		AgentID:        rctx.AgentID,
		ConversationID: rctx.ConversationID,
		Trigger:        string(rctx.Trigger),
		Iterations:     result.Iterations,
		Approvals:      result.ApprovalsPending,
		Error:          result.Error,
	}
	switch {
	case len(result.ApprovalsPending) > 0:
		r.bus.Publish(bus.TopicRunPaused, event)
	case result.Success:
		r.bus.Publish(bus.TopicRunCompleted, event)
	default:
		r.bus.Publish(bus.TopicRunFailed, event)
	}

	r.logger.Info("run finished",
		"run_id", runID, "agent_id", rctx.AgentID,
		"success", result.Success, "iterations", result.Iterations,
		"tools", len(result.ToolsUsed), "tokens", result.TokenUsage.Total(),
		"pending_approvals", len(result.ApprovalsPending),
		"duration_ms", result.DurationMs)
}

func (res RunResult) withUsage(u Usage) RunResult {
	res.TokenUsage = u
	return res
}

func (res RunResult) withTools(tools []string) RunResult {
	res.ToolsUsed = tools
	return res
}
