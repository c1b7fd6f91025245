package agent_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/okapi-ai/overseer/internal/agent"
	"github.com/okapi-ai/overseer/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRegistry(t *testing.T) *agent.Registry {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "overseer.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return agent.NewRegistry(st, testLogger())
}

func writeAgentsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agents.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write agents file: %v", err)
	}
	return path
}

func TestSyncFromFile(t *testing.T) {
	reg := newRegistry(t)
	path := writeAgentsFile(t, `
agents:
  - id: researcher
    name: Researcher
    role: research analyst
    team: intel
    capabilities: [network, external-read]
  - id: ops
    personality: Direct and brief.
    reports_to: researcher
    requires_approval_tools: [shell_exec]
`)

	ctx := context.Background()
	n, err := reg.SyncFromFile(ctx, path)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if n != 2 {
		t.Fatalf("synced %d agents, want 2", n)
	}

	rec, err := reg.Get(ctx, "researcher")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Name != "Researcher" || rec.Team != "intel" {
		t.Fatalf("record = %+v", rec)
	}
	if len(rec.Capabilities) != 2 {
		t.Fatalf("capabilities = %v", rec.Capabilities)
	}

	ops, err := reg.Get(ctx, "ops")
	if err != nil {
		t.Fatalf("get ops: %v", err)
	}
	if ops.Name != "ops" {
		t.Fatalf("name should default to id, got %q", ops.Name)
	}
	if len(ops.RequiresApprovalTools) != 1 || ops.RequiresApprovalTools[0] != "shell_exec" {
		t.Fatalf("approval tools = %v", ops.RequiresApprovalTools)
	}
}

func TestSyncFromFileMissingPath(t *testing.T) {
	reg := newRegistry(t)
	n, err := reg.SyncFromFile(context.Background(), filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if n != 0 {
		t.Fatalf("synced %d, want 0", n)
	}
}

func TestLoadFileRejectsDuplicates(t *testing.T) {
	path := writeAgentsFile(t, `
agents:
  - id: a
  - id: a
`)
	if _, err := agent.LoadFile(path); err == nil {
		t.Fatal("duplicate ids accepted")
	}
}

func TestGetUnknownAgent(t *testing.T) {
	reg := newRegistry(t)
	if _, err := reg.Get(context.Background(), "ghost"); err == nil {
		t.Fatal("expected error for unknown agent")
	}
}

func TestPeersExcludesSelf(t *testing.T) {
	reg := newRegistry(t)
	path := writeAgentsFile(t, `
agents:
  - id: a
  - id: b
  - id: c
`)
	ctx := context.Background()
	if _, err := reg.SyncFromFile(ctx, path); err != nil {
		t.Fatalf("sync: %v", err)
	}
	peers, err := reg.Peers(ctx, "b")
	if err != nil {
		t.Fatalf("peers: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("peers = %v, want a and c", peers)
	}
	for _, p := range peers {
		if p.ID == "b" {
			t.Fatal("peers includes self")
		}
	}
}

func TestSystemPrompt(t *testing.T) {
	rec := &store.AgentRecord{
		ID:          "ops",
		Name:        "Ops",
		Personality: "Direct and brief.",
		Role:        "operations",
		Team:        "platform",
		ReportsTo:   "lead",
	}
	peers := []store.AgentRecord{{ID: "researcher", Role: "research analyst"}}

	prompt := agent.SystemPrompt(rec, peers)
	for _, want := range []string{
		"You are Ops.",
		"Direct and brief.",
		"Role: operations.",
		"You report to lead.",
		"send_agent_message",
		"researcher (research analyst)",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Contains(strings.ToLower(prompt), "capabilit") {
		t.Error("prompt leaks capability policy")
	}
}
