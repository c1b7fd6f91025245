package runner

import (
	"context"

	"github.com/okapi-ai/overseer/internal/tool"
)

// Message is one turn in the LLM conversation.
type Message struct {
	Role     string `json:"role"` // system, user, assistant, tool
	Content  string `json:"content"`
	ToolName string `json:"tool_name,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Usage is token accounting for one or more LLM calls.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u *Usage) add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Total returns the combined token count.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// CompletionRequest is one LLM call.
type CompletionRequest struct {
	SystemPrompt string
	Messages     []Message
	Tools        []tool.Definition
	Temperature  float64
	MaxTokens    int
}

// Completion is the model's reply.
type Completion struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string // stop, tool_use, length
	Usage        Usage
}

// LLMClient is the provider-agnostic completion interface. Wire formats and
// provider SDKs live behind implementations of this.
type LLMClient interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}

// ScoredMemory is one long-term memory hit.
type ScoredMemory struct {
	Content string
	Score   float64
}

// Memory is the optional long-term recall interface. A nil Memory skips
// recall entirely.
type Memory interface {
	Recall(ctx context.Context, query string, k int) ([]ScoredMemory, error)
}
