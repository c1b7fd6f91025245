package policy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

// AuthorizeRequest is the payload sent to a remote authorization backend.
type AuthorizeRequest struct {
	AgentID      string         `json:"agent_id"`
	ToolName     string         `json:"tool_name"`
	Args         map[string]any `json:"args"`
	Capabilities []string       `json:"capabilities"`
}

type authorizeResponse struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// Decision is the outcome of a backend consultation.
type Decision struct {
	Allowed bool
	Reason  string
}

// Authorizer consults a remote endpoint per tool call. Deny-closed by
// default: backend errors and timeouts deny unless failOpen is set. The name
// distinguishes the policy backend from the relationship authorizer in
// failure messages.
type Authorizer struct {
	name     string
	client   *resty.Client
	failOpen bool
	logger   *slog.Logger
}

// NewAuthorizer builds an Authorizer for the given endpoint. A nil return
// means no backend is configured and the check is skipped entirely.
func NewAuthorizer(name, url string, timeout time.Duration, failOpen bool, logger *slog.Logger) *Authorizer {
	if url == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := resty.New()
	client.SetBaseURL(url)
	client.SetTimeout(timeout)
	client.SetRetryCount(1)
	return &Authorizer{
		name:     name,
		client:   client,
		failOpen: failOpen,
		logger:   logger.With("component", name),
	}
}

func (a *Authorizer) Name() string {
	return a.name
}

// Authorize posts the request and returns the backend's decision. Transport
// failures and non-2xx responses deny with the backend's name in the reason,
// or allow when fail-open is configured.
func (a *Authorizer) Authorize(ctx context.Context, req AuthorizeRequest) Decision {
	var result authorizeResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetResult(&result).
		Post("")
	if err != nil {
		return a.failureDecision(req.ToolName, fmt.Sprintf("%s unreachable: %v", a.name, err))
	}
	if resp.IsError() {
		return a.failureDecision(req.ToolName, fmt.Sprintf("%s returned status %d", a.name, resp.StatusCode()))
	}
	if !result.Allowed {
		reason := result.Reason
		if reason == "" {
			reason = fmt.Sprintf("denied by %s", a.name)
		}
		return Decision{Allowed: false, Reason: reason}
	}
	return Decision{Allowed: true}
}

func (a *Authorizer) failureDecision(toolName, detail string) Decision {
	if a.failOpen {
		a.logger.Warn("authorization backend failed, allowing by fail-open config",
			"tool", toolName, "detail", detail)
		return Decision{Allowed: true}
	}
	a.logger.Warn("authorization backend failed, denying closed",
		"tool", toolName, "detail", detail)
	return Decision{Allowed: false, Reason: detail}
}
