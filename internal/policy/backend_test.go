package policy_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/okapi-ai/overseer/internal/policy"
)

func TestAuthorizer_AllowAndDeny(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(string(body), "shell_exec") {
			_, _ = w.Write([]byte(`{"allowed":false,"reason":"agent not permitted"}`))
			return
		}
		_, _ = w.Write([]byte(`{"allowed":true}`))
	}))
	defer srv.Close()

	auth := policy.NewAuthorizer("policy backend", srv.URL, time.Second, false, nil)
	decision := auth.Authorize(context.Background(), policy.AuthorizeRequest{AgentID: "a", ToolName: "web_search"})
	if !decision.Allowed {
		t.Fatalf("expected allow, got deny: %s", decision.Reason)
	}

	decision = auth.Authorize(context.Background(), policy.AuthorizeRequest{AgentID: "a", ToolName: "shell_exec"})
	if decision.Allowed {
		t.Fatal("expected deny")
	}
	if decision.Reason != "agent not permitted" {
		t.Fatalf("expected backend reason, got %q", decision.Reason)
	}
}

func TestAuthorizer_DenyClosedOnBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	auth := policy.NewAuthorizer("relationship authorizer", srv.URL, time.Second, false, nil)
	decision := auth.Authorize(context.Background(), policy.AuthorizeRequest{ToolName: "delegate_task"})
	if decision.Allowed {
		t.Fatal("backend error must deny when fail-open is off")
	}
	if !strings.Contains(decision.Reason, "relationship authorizer") {
		t.Fatalf("reason should name the backend, got %q", decision.Reason)
	}
}

func TestAuthorizer_FailOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	auth := policy.NewAuthorizer("policy backend", srv.URL, time.Second, true, nil)
	decision := auth.Authorize(context.Background(), policy.AuthorizeRequest{ToolName: "web_search"})
	if !decision.Allowed {
		t.Fatalf("fail-open backend error should allow, got %q", decision.Reason)
	}
}

func TestNewAuthorizer_EmptyURLMeansDisabled(t *testing.T) {
	if auth := policy.NewAuthorizer("policy backend", "", time.Second, false, nil); auth != nil {
		t.Fatal("expected nil authorizer for empty url")
	}
}
