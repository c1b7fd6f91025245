package bus

// Task lifecycle topics.
const (
	TopicTaskEnqueued  = "task.enqueued"
	TopicTaskClaimed   = "task.claimed"
	TopicTaskCompleted = "task.completed"
	TopicTaskFailed    = "task.failed"
	TopicTaskRetrying  = "task.retrying"
	TopicTaskRecovered = "task.recovered"
)

// Approval workflow topics. TopicApprovalDecidedScoped is the prefix for
// per-request decision topics ("approval.decided.<request_id>").
const (
	TopicApprovalRequested     = "approval.requested"
	TopicApprovalDecided       = "approval.decided"
	TopicApprovalDecidedScoped = "approval.decided."
	TopicApprovalExpired       = "approval.expired"
)

// Run lifecycle topics.
const (
	TopicRunStarted   = "run.started"
	TopicRunCompleted = "run.completed"
	TopicRunPaused    = "run.paused"
	TopicRunFailed    = "run.failed"
)

// TaskEvent is published on task lifecycle topics.
type TaskEvent struct {
	TaskID   string `json:"task_id"`
	AgentID  string `json:"agent_id"`
	TaskType string `json:"task_type"`
	Attempt  int    `json:"attempt,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ApprovalEvent is published on approval topics. It carries enough detail
// for a human-interface adapter to render an actionable prompt.
type ApprovalEvent struct {
	RequestID      string `json:"request_id"`
	AgentID        string `json:"agent_id"`
	ActionType     string `json:"action_type"`
	Reason         string `json:"reason,omitempty"`
	ContextSummary string `json:"context_summary,omitempty"`
	Decision       string `json:"decision,omitempty"`
	DecidedBy      string `json:"decided_by,omitempty"`
	DecisionReason string `json:"decision_reason,omitempty"`
	ExpiresAt      int64  `json:"expires_at,omitempty"` // unix seconds
}

// RunEvent is published on run lifecycle topics.
type RunEvent struct {
	RunID          string   `json:"run_id"`
	AgentID        string   `json:"agent_id"`
	ConversationID string   `json:"conversation_id"`
	Trigger        string   `json:"trigger"`
	Iterations     int      `json:"iterations,omitempty"`
	Approvals      []string `json:"approvals,omitempty"`
	Error          string   `json:"error,omitempty"`
}
