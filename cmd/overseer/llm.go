package main

import (
	"context"
	"log/slog"
	"strings"

	"github.com/okapi-ai/overseer/internal/runner"
)

// newLLMClient returns the completion client for the run loop. Real model
// providers plug in through runner.LLMClient; this binary ships with an echo
// client so the daemon, queue, and approval flow can be exercised end to end
// without provider credentials.
func newLLMClient(logger *slog.Logger) runner.LLMClient {
	logger.Warn("no model provider wired, using echo completion client")
	return echoClient{}
}

// echoClient answers every completion with the last user message and a stop
// reason. It never requests tools.
type echoClient struct{}

func (echoClient) Complete(_ context.Context, req runner.CompletionRequest) (*runner.Completion, error) {
	last := ""
	for _, m := range req.Messages {
		if m.Role == "user" {
			last = m.Content
		}
	}
	content := "Echo: " + strings.TrimSpace(last)
	return &runner.Completion{
		Content:      content,
		FinishReason: "stop",
		Usage: runner.Usage{
			InputTokens:  approxTokens(last),
			OutputTokens: approxTokens(content),
		},
	}, nil
}

func approxTokens(s string) int {
	return len(strings.Fields(s))
}
