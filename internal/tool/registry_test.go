package tool_test

import (
	"encoding/json"
	"testing"

	"github.com/okapi-ai/overseer/internal/tool"
)

func TestRegistryDuplicateName(t *testing.T) {
	reg := tool.NewRegistry()
	if err := reg.Register(&spyTool{name: "file_read"}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := reg.Register(&spyTool{name: "File_Read"}); err == nil {
		t.Fatal("duplicate name accepted")
	}
}

func TestRegistryBrokenSchemaFailsAtRegistration(t *testing.T) {
	reg := tool.NewRegistry()
	err := reg.Register(&spyTool{
		name:   "file_read",
		schema: json.RawMessage(`{"type": ["not a valid`),
	})
	if err == nil {
		t.Fatal("broken schema accepted")
	}
}

func TestRegistryNamesSorted(t *testing.T) {
	reg := tool.NewRegistry()
	for _, name := range []string{"web_search", "file_read", "shell_exec"} {
		if err := reg.Register(&spyTool{name: name}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	names := reg.Names()
	want := []string{"file_read", "shell_exec", "web_search"}
	if len(names) != len(want) {
		t.Fatalf("names = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names = %v, want %v", names, want)
		}
	}
}

func TestRegistryLookupCaseInsensitive(t *testing.T) {
	reg := tool.NewRegistry()
	if err := reg.Register(&spyTool{name: "file_read"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, ok := reg.Get("FILE_READ"); !ok {
		t.Fatal("case-insensitive lookup failed")
	}
	if _, ok := reg.Get("missing"); ok {
		t.Fatal("lookup of unregistered tool succeeded")
	}
}
