package policy

import (
	"sort"
	"strings"
)

// Capabilities a tool may require. They are derived from the tool's name,
// never declared by the tool itself, so a tool cannot under-report what it
// needs.
const (
	CapNetwork           = "network"
	CapShell             = "shell"
	CapWorkspace         = "workspace"
	CapDelegation        = "delegation"
	CapExternalRead      = "external-read"
	CapExternalWrite     = "external-write"
	CapMemorySharedWrite = "memory-shared-write"
)

// Wildcard grants every capability.
const Wildcard = "*"

var prefixCapabilities = []struct {
	prefix string
	cap    string
}{
	{"web_", CapNetwork},
	{"http_", CapNetwork},
	{"fetch_", CapNetwork},
	{"search_", CapNetwork},
	{"shell_", CapShell},
	{"exec_", CapShell},
	{"workspace_", CapWorkspace},
	{"file_", CapWorkspace},
	{"fs_", CapWorkspace},
	{"delegate_", CapDelegation},
	{"spawn_", CapDelegation},
	{"send_agent_", CapDelegation},
}

// Shell access hides behind more names than a prefix catches
// (persistent_bash, run_terminal); any of these substrings means shell.
var shellMarkers = []string{"bash", "shell", "terminal"}

var writeVerbs = []string{"write", "send", "create", "update", "delete", "post", "upload"}
var readVerbs = []string{"read", "list", "get", "search", "fetch", "query"}

// DeriveCapabilities maps a tool name to the capabilities it requires using
// the fixed naming convention:
//
//	web_/http_/fetch_/search_*            -> network
//	shell_/exec_*, *bash*/*shell*/*terminal* -> shell
//	workspace_/file_/fs_*                 -> workspace
//	delegate_/spawn_/send_agent_*         -> delegation
//	memory_shared_* with a write verb     -> memory-shared-write
//	anything else with a write verb       -> external-write
//	anything else with a read verb        -> external-read
//
// Tools matching no rule require no capabilities (pure local computation).
func DeriveCapabilities(toolName string) []string {
	name := strings.ToLower(strings.TrimSpace(toolName))
	if name == "" {
		return nil
	}

	set := map[string]struct{}{}
	matchedPrefix := false
	for _, rule := range prefixCapabilities {
		if strings.HasPrefix(name, rule.prefix) {
			set[rule.cap] = struct{}{}
			matchedPrefix = true
		}
	}
	for _, marker := range shellMarkers {
		if strings.Contains(name, marker) {
			set[CapShell] = struct{}{}
			matchedPrefix = true
			break
		}
	}

	if strings.HasPrefix(name, "memory_shared_") {
		if containsVerb(name, writeVerbs) {
			set[CapMemorySharedWrite] = struct{}{}
		}
		matchedPrefix = true
	} else if strings.HasPrefix(name, "memory_") {
		// Private memory is unrestricted.
		matchedPrefix = true
	}

	if !matchedPrefix {
		switch {
		case containsVerb(name, writeVerbs):
			set[CapExternalWrite] = struct{}{}
		case containsVerb(name, readVerbs):
			set[CapExternalRead] = struct{}{}
		}
	}

	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func containsVerb(name string, verbs []string) bool {
	for _, verb := range verbs {
		if strings.Contains(name, verb) {
			return true
		}
	}
	return false
}

// MissingCapabilities returns required capabilities the granted set does not
// cover, in stable order. A granted wildcard covers everything.
func MissingCapabilities(granted, required []string) []string {
	for _, g := range granted {
		if strings.TrimSpace(g) == Wildcard {
			return nil
		}
	}
	have := map[string]struct{}{}
	for _, g := range granted {
		have[strings.ToLower(strings.TrimSpace(g))] = struct{}{}
	}
	var missing []string
	for _, req := range required {
		if _, ok := have[strings.ToLower(strings.TrimSpace(req))]; !ok {
			missing = append(missing, req)
		}
	}
	sort.Strings(missing)
	return missing
}
