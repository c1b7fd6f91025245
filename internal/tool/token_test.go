package tool_test

import (
	"encoding/json"
	"testing"

	"github.com/okapi-ai/overseer/internal/tool"
)

func TestCanonicalJSONKeyOrderIndependent(t *testing.T) {
	a := map[string]any{
		"path":    "/tmp/x",
		"options": map[string]any{"mode": "append", "perm": 0644},
	}
	b := map[string]any{
		"options": map[string]any{"perm": 0644, "mode": "append"},
		"path":    "/tmp/x",
	}

	ca, err := tool.CanonicalJSON(a)
	if err != nil {
		t.Fatalf("canonicalize a: %v", err)
	}
	cb, err := tool.CanonicalJSON(b)
	if err != nil {
		t.Fatalf("canonicalize b: %v", err)
	}
	if ca != cb {
		t.Fatalf("canonical forms differ:\n%s\n%s", ca, cb)
	}
}

func TestCanonicalJSONDistinguishesValues(t *testing.T) {
	ca, err := tool.CanonicalJSON(map[string]any{"path": "/a"})
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	cb, err := tool.CanonicalJSON(map[string]any{"path": "/b"})
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if ca == cb {
		t.Fatal("different values produced identical canonical forms")
	}
}

func TestCanonicalJSONNormalizesNumberRepresentations(t *testing.T) {
	// The same payload arriving as typed Go values and as decoded JSON must
	// canonicalize identically.
	typed := map[string]any{"count": 3, "ratio": 0.5}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(`{"ratio": 0.5, "count": 3}`), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	ct, err := tool.CanonicalJSON(typed)
	if err != nil {
		t.Fatalf("canonicalize typed: %v", err)
	}
	cd, err := tool.CanonicalJSON(decoded)
	if err != nil {
		t.Fatalf("canonicalize decoded: %v", err)
	}
	if ct != cd {
		t.Fatalf("canonical forms differ:\n%s\n%s", ct, cd)
	}
}

func TestPreApprovedTakeConsumesOnFirstMatch(t *testing.T) {
	token, err := tool.NewPreApproved("req-1", "file_write", map[string]any{"path": "/a"})
	if err != nil {
		t.Fatalf("new token: %v", err)
	}

	if _, ok := token.Take("file_write", map[string]any{"path": "/b"}); ok {
		t.Fatal("mismatched args consumed the token")
	}
	if _, ok := token.Take("file_read", map[string]any{"path": "/a"}); ok {
		t.Fatal("mismatched tool name consumed the token")
	}

	id, ok := token.Take("file_write", map[string]any{"path": "/a"})
	if !ok || id != "req-1" {
		t.Fatalf("Take = (%q, %v), want (req-1, true)", id, ok)
	}

	if _, ok := token.Take("file_write", map[string]any{"path": "/a"}); ok {
		t.Fatal("consumed token matched a second time")
	}
}

func TestPreApprovedNilReceiver(t *testing.T) {
	var token *tool.PreApproved
	if _, ok := token.Take("file_write", nil); ok {
		t.Fatal("nil token matched")
	}
	if token.RequestID() != "" {
		t.Fatal("nil token has a request id")
	}
}
