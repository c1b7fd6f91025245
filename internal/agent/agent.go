// Package agent manages agent definitions: YAML-declared agents synced into
// the store, lookup for the run path, and the policy-free system prompt.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/okapi-ai/overseer/internal/store"
)

// Definition is one agent entry in agents.yaml.
type Definition struct {
	ID                    string   `yaml:"id"`
	Name                  string   `yaml:"name"`
	Personality           string   `yaml:"personality"`
	Role                  string   `yaml:"role"`
	Team                  string   `yaml:"team"`
	ReportsTo             string   `yaml:"reports_to"`
	Capabilities          []string `yaml:"capabilities"`
	RequiresApprovalTools []string `yaml:"requires_approval_tools"`
}

type agentsFile struct {
	Agents []Definition `yaml:"agents"`
}

// LoadFile parses agents.yaml into agent records. A missing file yields an
// empty list so a fresh install starts without agents rather than failing.
func LoadFile(path string) ([]store.AgentRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read agents file: %w", err)
	}
	var f agentsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse agents file: %w", err)
	}

	records := make([]store.AgentRecord, 0, len(f.Agents))
	seen := make(map[string]struct{}, len(f.Agents))
	for _, def := range f.Agents {
		if def.ID == "" {
			return nil, fmt.Errorf("agent entry missing id")
		}
		if _, dup := seen[def.ID]; dup {
			return nil, fmt.Errorf("duplicate agent id %q", def.ID)
		}
		seen[def.ID] = struct{}{}
		name := def.Name
		if name == "" {
			name = def.ID
		}
		records = append(records, store.AgentRecord{
			ID:                    def.ID,
			Name:                  name,
			Personality:           def.Personality,
			Role:                  def.Role,
			Team:                  def.Team,
			ReportsTo:             def.ReportsTo,
			Capabilities:          def.Capabilities,
			RequiresApprovalTools: def.RequiresApprovalTools,
			Status:                "active",
		})
	}
	return records, nil
}

// Registry resolves agents for the run path. The store is the source of
// truth; SyncFromFile reconciles agents.yaml into it on startup and reload.
type Registry struct {
	store  *store.Store
	logger *slog.Logger
}

func NewRegistry(st *store.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: st, logger: logger.With("component", "agent_registry")}
}

// SyncFromFile upserts every agent declared in agents.yaml and returns the
// number synced. Agents present in the store but absent from the file are
// left untouched.
func (r *Registry) SyncFromFile(ctx context.Context, path string) (int, error) {
	records, err := LoadFile(path)
	if err != nil {
		return 0, err
	}
	for _, rec := range records {
		if err := r.store.UpsertAgent(ctx, rec); err != nil {
			return 0, fmt.Errorf("sync agent %s: %w", rec.ID, err)
		}
	}
	if len(records) > 0 {
		r.logger.Info("agents synced", "count", len(records), "path", path)
	}
	return len(records), nil
}

// Get returns the agent record, or store.ErrNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*store.AgentRecord, error) {
	return r.store.GetAgent(ctx, id)
}

// List returns all agents ordered by id.
func (r *Registry) List(ctx context.Context) ([]store.AgentRecord, error) {
	return r.store.ListAgents(ctx)
}

// Peers returns active agents other than the given one, for collaboration
// hints in the system prompt.
func (r *Registry) Peers(ctx context.Context, id string) ([]store.AgentRecord, error) {
	all, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	peers := all[:0]
	for _, a := range all {
		if a.ID != id && a.Status == "active" {
			peers = append(peers, a)
		}
	}
	return peers, nil
}
