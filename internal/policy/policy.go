// Package policy decides whether a tool call may proceed: local capability
// rules from policy.yaml, plus optional remote policy and relationship
// backends consulted per call.
package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Checker is the read-side interface consumed by the tool gateway.
type Checker interface {
	// AllowTool reports whether the tool is hard-denied by local policy.
	AllowTool(toolName string) bool
	// DefaultCapabilities is the capability grant for agents that declare none.
	DefaultCapabilities() []string
	// RequiresApproval reports whether local policy forces human approval
	// for the tool regardless of the tool's own declaration.
	RequiresApproval(toolName string) bool
	PolicyVersion() string
}

// Policy is the serializable policy.yaml data.
type Policy struct {
	DefaultCapabilities []string `yaml:"default_capabilities"`
	RequireApproval     []string `yaml:"require_approval"`
	DenyTools           []string `yaml:"deny_tools"`
}

func Default() Policy {
	return Policy{
		DefaultCapabilities: []string{CapWorkspace, CapExternalRead},
	}
}

var knownCapabilities = map[string]struct{}{
	CapNetwork:           {},
	CapShell:             {},
	CapWorkspace:         {},
	CapDelegation:        {},
	CapExternalRead:      {},
	CapExternalWrite:     {},
	CapMemorySharedWrite: {},
	Wildcard:             {},
}

// Load reads policy.yaml. A missing or empty file yields the default policy.
func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) validate() error {
	for _, capName := range p.DefaultCapabilities {
		capability := strings.ToLower(strings.TrimSpace(capName))
		if capability == "" {
			continue
		}
		if _, ok := knownCapabilities[capability]; !ok {
			return fmt.Errorf("unknown capability %q", capName)
		}
	}
	return nil
}

func (p Policy) AllowTool(toolName string) bool {
	toolName = strings.ToLower(strings.TrimSpace(toolName))
	for _, denied := range p.DenyTools {
		if strings.ToLower(strings.TrimSpace(denied)) == toolName {
			return false
		}
	}
	return true
}

func (p Policy) RequiresApproval(toolName string) bool {
	toolName = strings.ToLower(strings.TrimSpace(toolName))
	for _, forced := range p.RequireApproval {
		if strings.ToLower(strings.TrimSpace(forced)) == toolName {
			return true
		}
	}
	return false
}

func (p Policy) DefaultCapabilitiesList() []string {
	return append([]string(nil), p.DefaultCapabilities...)
}

func (p Policy) PolicyVersion() string {
	return policyVersionFor(p)
}

func policyVersionFor(p Policy) string {
	h := fnv.New64a()
	for _, v := range p.DefaultCapabilities {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	for _, v := range p.RequireApproval {
		_, _ = h.Write([]byte("approval:" + strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	for _, v := range p.DenyTools {
		_, _ = h.Write([]byte("deny:" + strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

// LivePolicy wraps a Policy with thread-safe reads and reloads so the config
// watcher can swap it without restarting workers.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
}

func NewLivePolicy(initial Policy) *LivePolicy {
	return &LivePolicy{data: initial}
}

func (lp *LivePolicy) AllowTool(toolName string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.AllowTool(toolName)
}

func (lp *LivePolicy) DefaultCapabilities() []string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.DefaultCapabilitiesList()
}

func (lp *LivePolicy) RequiresApproval(toolName string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.RequiresApproval(toolName)
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return policyVersionFor(lp.data)
}

// Reload replaces the policy data.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// Snapshot returns a copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.DefaultCapabilities = append([]string(nil), lp.data.DefaultCapabilities...)
	cp.RequireApproval = append([]string(nil), lp.data.RequireApproval...)
	cp.DenyTools = append([]string(nil), lp.data.DenyTools...)
	return cp
}

// ReloadFromFile updates the live policy only when the incoming file parses
// and validates. On error, the previous policy remains active.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}
