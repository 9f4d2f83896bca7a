// Package config imports declarative gateway configuration from a YAML
// file: MCP servers into the registry's store and LLM models into the
// model pool, both tagged so stale entries can be pruned on the next
// import.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fluidmcp/fluidmcp/internal/fault"
	"github.com/fluidmcp/fluidmcp/internal/llm"
	"github.com/fluidmcp/fluidmcp/internal/registry"
	"github.com/fluidmcp/fluidmcp/internal/store"
)

// SourceYAML tags registry rows owned by the config file.
const SourceYAML = "yaml"

// FileConfig represents the top-level fluidmcp.yaml structure.
type FileConfig struct {
	Servers []store.ServerConfig `yaml:"servers"`
	Models  []llm.Model          `yaml:"models"`
}

// LoadFile reads and parses a YAML config file.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML config data. Validation happens during Apply, where
// the registry's rules run on each entry.
func Parse(data []byte) (*FileConfig, error) {
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	seen := make(map[string]bool, len(cfg.Servers))
	for _, s := range cfg.Servers {
		if seen[s.ID] {
			return nil, fmt.Errorf("duplicate server id %q in config", s.ID)
		}
		seen[s.ID] = true
	}
	return &cfg, nil
}

// Apply upserts the file's servers into the store through the registry's
// validation, tagged source="yaml", and prunes yaml-sourced servers that
// left the file. Models are registered with the LLM manager; existing
// models with the same id are replaced.
func Apply(ctx context.Context, cfg *FileConfig, reg *registry.Registry, st store.Store, models *llm.Manager) error {
	if err := applyServers(ctx, cfg.Servers, reg, st); err != nil {
		return err
	}
	return applyModels(cfg.Models, models)
}

func applyServers(ctx context.Context, servers []store.ServerConfig, reg *registry.Registry, st store.Store) error {
	yamlIDs := make(map[string]bool, len(servers))
	for i := range servers {
		s := servers[i]
		s.Source = SourceYAML
		yamlIDs[s.ID] = true

		_, err := reg.Get(ctx, s.ID)
		switch {
		case err == nil:
			if _, err := reg.Update(ctx, s.ID, &s); err != nil {
				return fmt.Errorf("update server %s from config: %w", s.ID, err)
			}
		case fault.IsKind(err, fault.UnknownServer):
			if _, err := reg.Create(ctx, &s); err != nil {
				return fmt.Errorf("create server %s from config: %w", s.ID, err)
			}
		default:
			return fmt.Errorf("lookup server %s: %w", s.ID, err)
		}
	}
	return pruneStaleServers(ctx, yamlIDs, reg, st)
}

// pruneStaleServers soft-deletes yaml-sourced servers that no longer
// appear in the file. Manually created servers are never touched.
func pruneStaleServers(ctx context.Context, yamlIDs map[string]bool, reg *registry.Registry, st store.Store) error {
	all, err := st.ListServers(ctx, store.ListServersOptions{})
	if err != nil {
		return fmt.Errorf("list servers for prune: %w", err)
	}
	for _, s := range all {
		if s.Source == SourceYAML && !yamlIDs[s.ID] {
			slog.Info("pruning stale yaml server", "id", s.ID)
			if err := reg.Delete(ctx, s.ID); err != nil {
				return fmt.Errorf("delete stale server %s: %w", s.ID, err)
			}
		}
	}
	return nil
}

func applyModels(items []llm.Model, models *llm.Manager) error {
	if models == nil {
		return nil
	}
	for _, m := range items {
		if _, err := models.Get(m.ID); err == nil {
			if err := models.Delete(m.ID); err != nil {
				return fmt.Errorf("replace model %s from config: %w", m.ID, err)
			}
		}
		if _, err := models.Create(m); err != nil {
			return fmt.Errorf("create model %s from config: %w", m.ID, err)
		}
	}
	return nil
}
