// Package registry is the authoritative store of server configurations.
// It validates every mutation at the edge and delegates persistence to the
// document store.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/fluidmcp/fluidmcp/internal/fault"
	"github.com/fluidmcp/fluidmcp/internal/store"
	"github.com/fluidmcp/fluidmcp/internal/supervisor"
)

var (
	idPattern      = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,63}$`)
	envNamePattern = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)
)

// maxEnvValueLen bounds a single environment value.
const maxEnvValueLen = 10000

// StateSource reports the runtime state of a server so mutations can be
// refused while a child is alive. The supervisor implements it.
type StateSource interface {
	Status(id string) supervisor.Status
}

// Registry wraps the document store with validation and mutation rules.
type Registry struct {
	st      store.Store
	states  StateSource
	allowed []string
	log     *slog.Logger
}

// New creates a Registry. states may be nil, in which case update checks
// skip the running-state guard (used in tests).
func New(st store.Store, states StateSource, allowed []string, log *slog.Logger) *Registry {
	if len(allowed) == 0 {
		allowed = supervisor.DefaultAllowedCommands()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{st: st, states: states, allowed: allowed, log: log.With("component", "registry")}
}

// Create validates and persists a new server configuration.
func (r *Registry) Create(ctx context.Context, cfg *store.ServerConfig) (*store.ServerConfig, error) {
	if err := r.validate(cfg); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	cfg.DeletedAt = nil
	cfg.Tools = nil

	if err := r.st.CreateServer(ctx, cfg); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, fault.New(fault.Conflict, "server %q already exists", cfg.ID)
		}
		return nil, fault.Wrap(fault.Internal, err, "create server %s", cfg.ID)
	}
	r.log.Info("server created", "id", cfg.ID, "command", cfg.Command)
	return cfg, nil
}

// Get returns the non-deleted server with the given id.
func (r *Registry) Get(ctx context.Context, id string) (*store.ServerConfig, error) {
	cfg, err := r.st.GetServer(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fault.New(fault.UnknownServer, "server %q not found", id)
		}
		return nil, fault.Wrap(fault.Internal, err, "get server %s", id)
	}
	return cfg, nil
}

// List returns configurations sorted by id.
func (r *Registry) List(ctx context.Context, opts store.ListServersOptions) ([]store.ServerConfig, error) {
	servers, err := r.st.ListServers(ctx, opts)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "list servers")
	}
	return servers, nil
}

// Update replaces the mutable fields of an existing configuration. The id
// and created_at are immutable; a server must be stopped or failed before
// its launch contract may change.
func (r *Registry) Update(ctx context.Context, id string, patch *store.ServerConfig) (*store.ServerConfig, error) {
	if patch.ID != "" && patch.ID != id {
		return nil, fault.New(fault.ImmutableField, "id is immutable")
	}
	existing, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !patch.CreatedAt.IsZero() && !patch.CreatedAt.Equal(existing.CreatedAt) {
		return nil, fault.New(fault.ImmutableField, "created_at is immutable")
	}
	if r.states != nil {
		if state := r.states.Status(id).State; state != supervisor.StateStopped && state != supervisor.StateFailed {
			return nil, fault.New(fault.AlreadyRunning, "server %q is %s; stop it before updating", id, state)
		}
	}

	updated := *patch
	updated.ID = id
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = time.Now().UTC()
	updated.DeletedAt = existing.DeletedAt
	updated.Tools = existing.Tools
	if updated.Source == "" {
		updated.Source = existing.Source
	}
	if err := r.validate(&updated); err != nil {
		return nil, err
	}

	if err := r.st.UpdateServer(ctx, &updated); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fault.New(fault.UnknownServer, "server %q not found", id)
		}
		return nil, fault.Wrap(fault.Internal, err, "update server %s", id)
	}
	return &updated, nil
}

// Delete soft-deletes the server. The caller stops the child first.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.st.DeleteServer(ctx, id, time.Now().UTC()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fault.New(fault.UnknownServer, "server %q not found", id)
		}
		return fault.Wrap(fault.Internal, err, "delete server %s", id)
	}
	r.log.Info("server deleted", "id", id)
	return nil
}

// SetEnabled flips the enabled flag. Disabled servers are hidden from
// default listings but retained.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	if err := r.st.SetServerEnabled(ctx, id, enabled); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fault.New(fault.UnknownServer, "server %q not found", id)
		}
		return fault.Wrap(fault.Internal, err, "set enabled %s", id)
	}
	return nil
}

// SetTools rewrites the denormalized tools hint after a successful
// handshake. It is discovery metadata only; dispatch consults the tool
// cache.
func (r *Registry) SetTools(ctx context.Context, id string, tools json.RawMessage) error {
	if err := r.st.UpdateServerTools(ctx, id, tools); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fault.Wrap(fault.Internal, err, "update tools for %s", id)
	}
	return nil
}

// validate enforces the configuration invariants on create and update.
func (r *Registry) validate(cfg *store.ServerConfig) error {
	if !idPattern.MatchString(cfg.ID) {
		return fault.New(fault.BadInput, "invalid server id %q: lowercase alphanumeric and '-' only", cfg.ID)
	}
	if cfg.Command == "" {
		return fault.New(fault.BadInput, "command is required")
	}
	if !supervisor.CommandAllowed(cfg.Command, r.allowed) {
		return fault.New(fault.CommandDenied, "command %q is not on the allow-list", cfg.Command).
			WithDetails(map[string]any{"allowed": r.allowed})
	}
	if err := ValidateEnv(cfg.Env); err != nil {
		return err
	}
	if cfg.Auth != nil {
		if err := validateAuth(cfg.Auth); err != nil {
			return err
		}
	}
	return nil
}

// ValidateEnv checks environment variable names and values. It is shared
// with the instance env-edit endpoint.
func ValidateEnv(env map[string]string) error {
	for name, value := range env {
		if !envNamePattern.MatchString(name) {
			return fault.New(fault.BadInput, "invalid env var name %q", name)
		}
		if len(value) > maxEnvValueLen {
			return fault.New(fault.BadInput, "env var %s value exceeds %d chars", name, maxEnvValueLen)
		}
		for _, c := range value {
			if c < 0x20 && c != '\t' {
				return fault.New(fault.BadInput, "env var %s value contains control characters", name)
			}
		}
	}
	return nil
}

func validateAuth(a *store.AuthConfig) error {
	if err := validateHTTPURL(a.AuthorizationURL); err != nil {
		return fault.New(fault.BadInput, "auth.authorization_url: %v", err)
	}
	if err := validateHTTPURL(a.TokenURL); err != nil {
		return fault.New(fault.BadInput, "auth.token_url: %v", err)
	}
	if a.ClientIDEnv == "" {
		return fault.New(fault.BadInput, "auth.client_id_env is required")
	}
	if !envNamePattern.MatchString(a.ClientIDEnv) {
		return fault.New(fault.BadInput, "auth.client_id_env %q is not a valid env var name", a.ClientIDEnv)
	}
	if a.ClientSecretEnv != "" && !envNamePattern.MatchString(a.ClientSecretEnv) {
		return fault.New(fault.BadInput, "auth.client_secret_env %q is not a valid env var name", a.ClientSecretEnv)
	}
	return nil
}

func validateHTTPURL(raw string) error {
	if raw == "" {
		return errors.New("required")
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return errors.New("must use http or https")
	}
	return nil
}
