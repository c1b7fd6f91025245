package runner_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/okapi-ai/overseer/internal/agent"
	"github.com/okapi-ai/overseer/internal/approval"
	"github.com/okapi-ai/overseer/internal/bus"
	"github.com/okapi-ai/overseer/internal/policy"
	"github.com/okapi-ai/overseer/internal/runner"
	"github.com/okapi-ai/overseer/internal/store"
	"github.com/okapi-ai/overseer/internal/tool"
)

// fakeLLM replays a scripted sequence of completions.
type fakeLLM struct {
	script []runner.Completion
	err    error
	panics bool
	calls  int
}

func (f *fakeLLM) Complete(ctx context.Context, req runner.CompletionRequest) (*runner.Completion, error) {
	if f.panics {
		panic("llm client exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	idx := f.calls
	if idx >= len(f.script) {
		idx = len(f.script) - 1
	}
	f.calls++
	c := f.script[idx]
	return &c, nil
}

type spyTool struct {
	name             string
	requiresApproval bool
	calls            atomic.Int64
}

func (s *spyTool) Name() string                 { return s.name }
func (s *spyTool) Description() string          { return "spy " + s.name }
func (s *spyTool) ParamSchema() json.RawMessage { return nil }
func (s *spyTool) RequiresApproval() bool       { return s.requiresApproval }

func (s *spyTool) Execute(ctx context.Context, args map[string]any) (tool.Result, error) {
	s.calls.Add(1)
	return tool.Result{Success: true, Output: "done"}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	runner *runner.Runner
	store  *store.Store
	bus    *bus.Bus
}

func newFixture(t *testing.T, llm runner.LLMClient, tools ...tool.Tool) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "overseer.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	eventBus := bus.New(testLogger())
	reg := tool.NewRegistry()
	for _, tl := range tools {
		if err := reg.Register(tl); err != nil {
			t.Fatalf("register %s: %v", tl.Name(), err)
		}
	}
	checker := policy.NewLivePolicy(policy.Default())
	gateway := tool.NewGateway(reg, checker, approval.NewManager(st, eventBus, testLogger()), testLogger())
	agents := agent.NewRegistry(st, testLogger())

	if err := st.UpsertAgent(context.Background(), store.AgentRecord{
		ID:           "a1",
		Name:         "Agent One",
		Capabilities: []string{"network", "workspace"},
	}); err != nil {
		t.Fatalf("upsert agent: %v", err)
	}

	r := runner.New(llm, gateway, reg, agents, st, eventBus, testLogger())
	return &fixture{runner: r, store: st, bus: eventBus}
}

func stop(content string) runner.Completion {
	return runner.Completion{
		Content:      content,
		FinishReason: "stop",
		Usage:        runner.Usage{InputTokens: 10, OutputTokens: 5},
	}
}

func toolTurn(calls ...runner.ToolCall) runner.Completion {
	return runner.Completion{
		ToolCalls:    calls,
		FinishReason: "tool_use",
		Usage:        runner.Usage{InputTokens: 10, OutputTokens: 5},
	}
}

func TestRunImmediateStop(t *testing.T) {
	f := newFixture(t, &fakeLLM{script: []runner.Completion{stop("hello there")}})

	res := f.runner.Run(context.Background(), "hi", runner.RunContext{
		AgentID: "a1", ConversationID: "c1", Trigger: runner.TriggerChatMessage,
	})

	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if res.Iterations != 1 {
		t.Fatalf("iterations = %d, want 1", res.Iterations)
	}
	if res.Response != "hello there" {
		t.Fatalf("response = %q", res.Response)
	}
	if len(res.ApprovalsPending) != 0 {
		t.Fatalf("approvals pending = %v", res.ApprovalsPending)
	}

	msgs, err := f.store.RecentMessages(context.Background(), "c1", 10)
	if err != nil {
		t.Fatalf("recent messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("persisted turns = %+v", msgs)
	}
}

func TestRunToolThenStop(t *testing.T) {
	spy := &spyTool{name: "http_request"}
	f := newFixture(t, &fakeLLM{script: []runner.Completion{
		toolTurn(runner.ToolCall{ID: "t1", Name: "http_request", Args: map[string]any{"url": "https://example.com"}}),
		stop("fetched it"),
	}}, spy)

	res := f.runner.Run(context.Background(), "fetch example.com", runner.RunContext{
		AgentID: "a1", ConversationID: "c1", Trigger: runner.TriggerChatMessage,
	})

	if !res.Success || res.Iterations != 2 {
		t.Fatalf("result = %+v", res)
	}
	if len(res.ToolsUsed) != 1 || res.ToolsUsed[0] != "http_request" {
		t.Fatalf("tools used = %v", res.ToolsUsed)
	}
	if spy.calls.Load() != 1 {
		t.Fatalf("tool calls = %d", spy.calls.Load())
	}
	if res.TokenUsage.Total() != 30 {
		t.Fatalf("token usage = %+v, want two turns accumulated", res.TokenUsage)
	}

	msgs, err := f.store.RecentMessages(context.Background(), "c1", 10)
	if err != nil {
		t.Fatalf("recent messages: %v", err)
	}
	var toolMsg bool
	for _, m := range msgs {
		if m.Role == "tool" && m.ToolName == "http_request" {
			toolMsg = true
		}
	}
	if !toolMsg {
		t.Fatalf("tool turn not persisted: %+v", msgs)
	}
}

func TestRunMaxIterations(t *testing.T) {
	f := newFixture(t,
		&fakeLLM{script: []runner.Completion{
			toolTurn(runner.ToolCall{ID: "t1", Name: "http_request", Args: nil}),
		}},
		&spyTool{name: "http_request"},
	)

	res := f.runner.Run(context.Background(), "loop forever", runner.RunContext{
		AgentID: "a1", ConversationID: "c1", Trigger: runner.TriggerChatMessage,
	})

	if res.Success {
		t.Fatalf("result = %+v, want failure", res)
	}
	if !strings.Contains(res.Error, "Maximum iterations reached") {
		t.Fatalf("error = %q", res.Error)
	}
	if res.Iterations != 10 {
		t.Fatalf("iterations = %d, want 10", res.Iterations)
	}
}

func TestRunApprovalPendingShortCircuit(t *testing.T) {
	gated := &spyTool{name: "file_write", requiresApproval: true}
	skipped := &spyTool{name: "http_request"}
	f := newFixture(t, &fakeLLM{script: []runner.Completion{
		toolTurn(
			runner.ToolCall{ID: "t1", Name: "file_write", Args: map[string]any{"path": "/tmp/x"}},
			runner.ToolCall{ID: "t2", Name: "http_request", Args: nil},
		),
		stop("should never get here"),
	}}, gated, skipped)

	res := f.runner.Run(context.Background(), "write the file", runner.RunContext{
		AgentID: "a1", ConversationID: "c1", Trigger: runner.TriggerChatMessage,
	})

	if !res.Success {
		t.Fatalf("approval pause must not be a failure: %+v", res)
	}
	if len(res.ApprovalsPending) != 1 {
		t.Fatalf("approvals pending = %v", res.ApprovalsPending)
	}
	if res.Iterations != 1 {
		t.Fatalf("iterations = %d, want 1", res.Iterations)
	}
	if gated.calls.Load() != 0 {
		t.Fatal("gated tool body ran before approval")
	}
	if skipped.calls.Load() != 0 {
		t.Fatal("tool call after the pending one was executed")
	}

	// Paused state survives: the assistant turn is persisted.
	msgs, err := f.store.RecentMessages(context.Background(), "c1", 10)
	if err != nil {
		t.Fatalf("recent messages: %v", err)
	}
	last := msgs[len(msgs)-1]
	if last.Role != "assistant" || !strings.Contains(last.Content, res.ApprovalsPending[0]) {
		t.Fatalf("paused turn = %+v", last)
	}
}

func TestRunPreApprovedResume(t *testing.T) {
	gated := &spyTool{name: "file_write", requiresApproval: true}
	args := map[string]any{"path": "/tmp/x"}
	f := newFixture(t, &fakeLLM{script: []runner.Completion{
		toolTurn(runner.ToolCall{ID: "t1", Name: "file_write", Args: args}),
		stop("file written"),
	}}, gated)

	token, err := tool.NewPreApproved("req-1", "file_write", args)
	if err != nil {
		t.Fatalf("new token: %v", err)
	}

	res := f.runner.Run(context.Background(), "continue the approved write", runner.RunContext{
		AgentID: "a1", ConversationID: "c1",
		Trigger: runner.TriggerEvent, PreApproved: token,
	})

	if !res.Success || len(res.ApprovalsPending) != 0 {
		t.Fatalf("result = %+v", res)
	}
	if gated.calls.Load() != 1 {
		t.Fatalf("gated tool calls = %d, want 1", gated.calls.Load())
	}
}

func TestRunLLMErrorBecomesFailedResult(t *testing.T) {
	f := newFixture(t, &fakeLLM{err: errors.New("provider down")})

	res := f.runner.Run(context.Background(), "hi", runner.RunContext{
		AgentID: "a1", ConversationID: "c1",
	})
	if res.Success || !strings.Contains(res.Error, "provider down") {
		t.Fatalf("result = %+v", res)
	}
}

func TestRunPanicBecomesFailedResult(t *testing.T) {
	f := newFixture(t, &fakeLLM{panics: true})

	res := f.runner.Run(context.Background(), "hi", runner.RunContext{
		AgentID: "a1", ConversationID: "c1",
	})
	if res.Success || !strings.Contains(res.Error, "panicked") {
		t.Fatalf("result = %+v", res)
	}
}

func TestRunUnknownAgent(t *testing.T) {
	f := newFixture(t, &fakeLLM{script: []runner.Completion{stop("hi")}})

	res := f.runner.Run(context.Background(), "hi", runner.RunContext{
		AgentID: "ghost", ConversationID: "c1",
	})
	if res.Success || !strings.Contains(res.Error, "ghost") {
		t.Fatalf("result = %+v", res)
	}
}

func TestRunPublishesLifecycleEvents(t *testing.T) {
	f := newFixture(t, &fakeLLM{script: []runner.Completion{stop("hi")}})
	sub := f.bus.Subscribe("run.")
	defer f.bus.Unsubscribe(sub)

	res := f.runner.Run(context.Background(), "hi", runner.RunContext{
		AgentID: "a1", ConversationID: "c1", Trigger: runner.TriggerAPI,
	})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}

	var topics []string
	for len(sub.Ch()) > 0 {
		topics = append(topics, (<-sub.Ch()).Topic)
	}
	if len(topics) != 2 || topics[0] != "run.started" || topics[1] != "run.completed" {
		t.Fatalf("topics = %v", topics)
	}
}
