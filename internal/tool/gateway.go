package tool

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"

	"github.com/okapi-ai/overseer/internal/approval"
	ovotel "github.com/okapi-ai/overseer/internal/otel"
	"github.com/okapi-ai/overseer/internal/policy"
)

const defaultExecTimeout = 60 * time.Second

// CallContext carries the caller's identity and grants into a tool call.
// Capabilities falling back to the policy default happens inside the
// gateway, so an agent with no declared capabilities still gets the
// policy-level grant.
type CallContext struct {
	AgentID        string
	ConversationID string
	TraceID        string
	Capabilities   []string
	// ForceApproval lists tool names the agent record marks as requiring
	// approval on top of the tool's own declaration and local policy.
	ForceApproval []string
	// PreApproved is the one-shot token attached to a resumed run. Nil for
	// ordinary runs.
	PreApproved *PreApproved
}

func (c CallContext) forcesApproval(toolName string) bool {
	toolName = strings.ToLower(strings.TrimSpace(toolName))
	for _, forced := range c.ForceApproval {
		if strings.ToLower(strings.TrimSpace(forced)) == toolName {
			return true
		}
	}
	return false
}

// Gateway wraps the registry with the full per-call sequence: resolve,
// validate arguments, capability check, remote backends, approval gate, and
// finally execution under a hard timeout. Execute never returns an error;
// every failure becomes a Success=false result.
type Gateway struct {
	registry      *Registry
	policy        policy.Checker
	approvals     *approval.Manager
	policyBackend *policy.Authorizer
	relationship  *policy.Authorizer
	logger        *slog.Logger
	tracer        trace.Tracer
	metrics       *ovotel.Metrics
	timeout       time.Duration
}

func NewGateway(reg *Registry, checker policy.Checker, approvals *approval.Manager, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		registry:  reg,
		policy:    checker,
		approvals: approvals,
		logger:    logger.With("component", "tool_gateway"),
		timeout:   defaultExecTimeout,
	}
}

// SetTimeout overrides the per-call execution timeout.
func (g *Gateway) SetTimeout(d time.Duration) {
	if d > 0 {
		g.timeout = d
	}
}

// SetBackends installs the optional remote policy backend and relationship
// authorizer. Either may be nil, which skips that check.
func (g *Gateway) SetBackends(policyBackend, relationship *policy.Authorizer) {
	g.policyBackend = policyBackend
	g.relationship = relationship
}

// SetTelemetry installs the tracer and metric instruments.
func (g *Gateway) SetTelemetry(tracer trace.Tracer, metrics *ovotel.Metrics) {
	g.tracer = tracer
	g.metrics = metrics
}

// Execute runs the full gateway sequence for one tool call.
func (g *Gateway) Execute(ctx context.Context, toolName string, args map[string]any, call CallContext) Result {
	if g.tracer != nil {
		var span trace.Span
		ctx, span = ovotel.StartSpan(ctx, g.tracer, "tool.execute",
			ovotel.AttrToolName.String(toolName),
			ovotel.AttrAgentID.String(call.AgentID),
		)
		defer span.End()
	}

	t, ok := g.registry.Get(toolName)
	if !ok {
		g.logger.Warn("tool not found", "tool", toolName, "agent_id", call.AgentID)
		return Failure("unknown tool: %s", toolName)
	}

	if !g.policy.AllowTool(toolName) {
		return g.denied(toolName, call, Failure("tool %s is denied by policy", toolName))
	}

	if err := g.registry.ValidateArgs(toolName, args); err != nil {
		return Failure("tool %s: %v", toolName, err)
	}

	granted := call.Capabilities
	if len(granted) == 0 {
		granted = g.policy.DefaultCapabilities()
	}
	required := policy.DeriveCapabilities(toolName)
	if missing := policy.MissingCapabilities(granted, required); len(missing) > 0 {
		result := Failure("Missing capabilities: %s", strings.Join(missing, ", "))
		result.Metadata = map[string]any{"missingCapabilities": missing}
		return g.denied(toolName, call, result)
	}

	for _, backend := range []*policy.Authorizer{g.policyBackend, g.relationship} {
		if backend == nil {
			continue
		}
		decision := backend.Authorize(ctx, policy.AuthorizeRequest{
			AgentID:      call.AgentID,
			ToolName:     toolName,
			Args:         args,
			Capabilities: granted,
		})
		if !decision.Allowed {
			return g.denied(toolName, call, Failure("%s", decision.Reason))
		}
	}

	needsApproval := t.RequiresApproval() ||
		g.policy.RequiresApproval(toolName) ||
		call.forcesApproval(toolName)
	if needsApproval {
		if _, taken := call.PreApproved.Take(toolName, args); !taken {
			return g.requestApproval(ctx, toolName, args, call)
		}
		g.logger.Info("pre-approved token consumed",
			"tool", toolName, "agent_id", call.AgentID,
			"request_id", call.PreApproved.RequestID())
	}

	return g.invoke(ctx, t, toolName, args, call)
}

// requestApproval persists an approval request and returns the pending
// marker result. The tool body is never invoked on this path.
func (g *Gateway) requestApproval(ctx context.Context, toolName string, args map[string]any, call CallContext) Result {
	if g.approvals == nil {
		return g.denied(toolName, call, Failure("tool %s requires approval but no approval manager is configured", toolName))
	}
	requestID, err := g.approvals.RequestApproval(ctx, approval.Gate{
		AgentID:    call.AgentID,
		ActionType: "tool:" + toolName,
		ActionPayload: map[string]any{
			"tool_name":       toolName,
			"args":            args,
			"conversation_id": call.ConversationID,
			"trace_id":        call.TraceID,
		},
		Reason:         fmt.Sprintf("agent %s wants to run %s", call.AgentID, toolName),
		ContextSummary: summarizeArgs(args),
	})
	if err != nil {
		return Failure("tool %s: request approval: %v", toolName, err)
	}
	if g.metrics != nil {
		g.metrics.ApprovalsPending.Add(ctx, 1)
	}
	return Result{
		Success: false,
		Output:  fmt.Sprintf("Approval requested for %s (request %s). The call will run once a human approves it.", toolName, requestID),
		Metadata: map[string]any{
			"approvalPending": true,
			"requestId":       requestID,
		},
	}
}

// invoke races the tool body against the hard timeout. A timed-out body is
// abandoned; its eventual result is discarded.
func (g *Gateway) invoke(ctx context.Context, t Tool, toolName string, args map[string]any, call CallContext) Result {
	execCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type outcome struct {
		result Result
		err    error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		result, err := t.Execute(execCtx, args)
		done <- outcome{result: result, err: err}
	}()

	var result Result
	select {
	case <-execCtx.Done():
		result = Failure("tool %s timed out after %s", toolName, g.timeout)
	case out := <-done:
		if out.err != nil {
			result = Failure("tool %s failed: %v", toolName, out.err)
		} else {
			result = out.result
		}
	}

	elapsed := time.Since(start)
	if g.metrics != nil {
		g.metrics.ToolCallDuration.Record(ctx, elapsed.Seconds())
		if !result.Success {
			g.metrics.ToolCallErrors.Add(ctx, 1)
		}
	}
	g.logger.Info("tool executed",
		"tool", toolName, "agent_id", call.AgentID,
		"success", result.Success, "duration_ms", elapsed.Milliseconds())
	return result
}

func (g *Gateway) denied(toolName string, call CallContext, result Result) Result {
	if g.metrics != nil {
		g.metrics.PolicyDenials.Add(context.Background(), 1)
	}
	g.logger.Warn("tool call denied",
		"tool", toolName, "agent_id", call.AgentID, "reason", result.Output)
	return result
}

// summarizeArgs renders arguments for the human approval prompt, truncated
// so oversized payloads do not flood chat adapters.
func summarizeArgs(args map[string]any) string {
	if len(args) == 0 {
		return "(no arguments)"
	}
	key, err := CanonicalJSON(args)
	if err != nil {
		return "(arguments unavailable)"
	}
	const limit = 500
	if len(key) > limit {
		cut := limit
		// Back up to a rune boundary so the summary stays valid UTF-8.
		for cut > 0 && !utf8.RuneStart(key[cut]) {
			cut--
		}
		return key[:cut] + "..."
	}
	return key
}
