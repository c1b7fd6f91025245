package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the overseer metric instruments.
type Metrics struct {
	RunDuration      metric.Float64Histogram
	RunIterations    metric.Int64Counter
	LLMCallDuration  metric.Float64Histogram
	TokensUsed       metric.Int64Counter
	ToolCallDuration metric.Float64Histogram
	ToolCallErrors   metric.Int64Counter
	PolicyDenials    metric.Int64Counter
	ApprovalsPending metric.Int64UpDownCounter
	TaskRetries      metric.Int64Counter
	QueueDepth       metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RunDuration, err = meter.Float64Histogram("overseer.run.duration",
		metric.WithDescription("Agent run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RunIterations, err = meter.Int64Counter("overseer.run.iterations",
		metric.WithDescription("Total run loop iterations executed"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("overseer.llm.duration",
		metric.WithDescription("LLM API call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("overseer.llm.tokens",
		metric.WithDescription("Total tokens consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("overseer.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("overseer.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.PolicyDenials, err = meter.Int64Counter("overseer.policy.denials",
		metric.WithDescription("Tool calls denied by policy"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalsPending, err = meter.Int64UpDownCounter("overseer.approvals.pending",
		metric.WithDescription("Approval requests currently pending"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskRetries, err = meter.Int64Counter("overseer.task.retries",
		metric.WithDescription("Task handler retries scheduled"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("overseer.queue.depth",
		metric.WithDescription("Pending tasks in the local queue"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
