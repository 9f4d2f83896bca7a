package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fluidmcp/fluidmcp/internal/fault"
	"github.com/fluidmcp/fluidmcp/internal/logring"
)

// backend is the uniform surface over process and cloud models.
type backend interface {
	invoke(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
	restart(ctx context.Context) error
	stop(ctx context.Context, force bool) error
	health() Health
	logs(lines int) []logring.Record
	close()
}

// Manager owns the model pool. Models live in memory; they arrive via
// config import or the admin API and do not survive a restart.
type Manager struct {
	allowed   []string
	client    *http.Client
	log       *slog.Logger
	lookupEnv func(string) (string, bool)

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	model   Model
	backend backend
}

// NewManager builds an empty pool. allowed is the launch-contract
// command allow-list shared with the MCP supervisor.
func NewManager(allowed []string, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		allowed:   allowed,
		client:    &http.Client{Timeout: 0}, // per-call contexts bound requests
		log:       log.With("component", "llm"),
		lookupEnv: os.LookupEnv,
		entries:   map[string]*entry{},
	}
}

// Create registers a model and, for process models, starts it. Replicate
// credential references must resolve here; a dangling ${NAME} never makes
// it into the pool.
func (m *Manager) Create(model Model) (*Model, error) {
	if err := model.validate(); err != nil {
		return nil, err
	}
	if model.Type == TypeReplicate {
		if _, err := resolveAPIKey(model.Replicate.APIKeyRef, m.lookupEnv); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	if _, ok := m.entries[model.ID]; ok {
		m.mu.Unlock()
		return nil, fault.New(fault.Conflict, "model %s already exists", model.ID)
	}

	now := time.Now().UTC()
	model.CreatedAt = now
	model.UpdatedAt = now
	e := &entry{model: model, backend: m.buildBackend(model)}
	m.entries[model.ID] = e
	m.mu.Unlock()

	if model.Type == TypeProcess {
		if pb, ok := e.backend.(*processBackend); ok {
			if err := pb.start(); err != nil {
				m.log.Warn("model created but did not start", "model", model.ID, "error", err)
			}
		}
	}
	m.log.Info("model registered", "model", model.ID, "type", model.Type)
	out := e.model
	return &out, nil
}

func (m *Manager) buildBackend(model Model) backend {
	switch model.Type {
	case TypeProcess:
		return newProcessBackend(model.ID, *model.Process, m.allowed, m.client, m.log)
	default:
		return newReplicateBackend(model.ID, *model.Replicate, m.client, m.lookupEnv, m.log)
	}
}

// Get returns a copy of the model.
func (m *Manager) Get(id string) (*Model, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, fault.New(fault.UnknownServer, "unknown model %s", id)
	}
	out := e.model
	return &out, nil
}

// List returns all models sorted by id.
func (m *Manager) List() []Model {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Model, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.model)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Update applies a replicate model's mutable fields: default_params,
// timeout, and max_retries. Everything else, and process models
// entirely, are immutable; recreate to change them.
func (m *Manager) Update(id string, updated Model) (*Model, error) {
	if err := updated.validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, fault.New(fault.UnknownServer, "unknown model %s", id)
	}
	if updated.ID != id {
		return nil, fault.New(fault.ImmutableField, "model_id cannot change")
	}
	if e.model.Type == TypeProcess {
		return nil, fault.New(fault.ImmutableField, "process models are immutable; delete and recreate")
	}
	if updated.Type != TypeReplicate {
		return nil, fault.New(fault.ImmutableField, "model type cannot change")
	}

	cur, next := e.model.Replicate, updated.Replicate
	if next.Model != cur.Model || next.APIKeyRef != cur.APIKeyRef ||
		normalizeEndpoint(next.Endpoint) != normalizeEndpoint(cur.Endpoint) ||
		(next.PollIntervalSec != 0 && next.PollIntervalSec != cur.PollIntervalSec) {
		return nil, fault.New(fault.ImmutableField,
			"only default_params, timeout, and max_retries may change on a replicate model")
	}

	cur.DefaultParams = next.DefaultParams
	cur.TimeoutSec = next.TimeoutSec
	cur.MaxRetries = next.MaxRetries
	e.model.UpdatedAt = time.Now().UTC()

	// The backend reads its config by value; rebuild it with the new one.
	e.backend = newReplicateBackend(id, *cur, m.client, m.lookupEnv, m.log)

	m.log.Info("model updated", "model", id)
	out := e.model
	return &out, nil
}

func normalizeEndpoint(s string) string {
	if s == "" {
		return DefaultReplicateAPIBase
	}
	return s
}

// Delete stops a process model and removes the entry.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return fault.New(fault.UnknownServer, "unknown model %s", id)
	}
	delete(m.entries, id)
	m.mu.Unlock()

	e.backend.close()
	m.log.Info("model removed", "model", id)
	return nil
}

func (m *Manager) lookup(id string) (backend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, fault.New(fault.UnknownServer, "unknown model %s", id)
	}
	return e.backend, nil
}

// Invoke runs one inference. The context carries the caller's deadline.
func (m *Manager) Invoke(ctx context.Context, id string, payload json.RawMessage) (json.RawMessage, error) {
	b, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return b.invoke(ctx, payload)
}

func (m *Manager) Restart(ctx context.Context, id string) error {
	b, err := m.lookup(id)
	if err != nil {
		return err
	}
	return b.restart(ctx)
}

func (m *Manager) Stop(ctx context.Context, id string, force bool) error {
	b, err := m.lookup(id)
	if err != nil {
		return err
	}
	return b.stop(ctx, force)
}

func (m *Manager) HealthCheck(id string) (Health, error) {
	b, err := m.lookup(id)
	if err != nil {
		return Health{}, err
	}
	return b.health(), nil
}

func (m *Manager) Logs(id string, lines int) ([]logring.Record, error) {
	b, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return b.logs(lines), nil
}

// Count reports the pool size for health summaries.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Shutdown stops every process-backed model.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	backends := make([]backend, 0, len(m.entries))
	for _, e := range m.entries {
		backends = append(backends, e.backend)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, b := range backends {
		wg.Add(1)
		go func(b backend) {
			defer wg.Done()
			b.close()
		}(b)
	}
	wg.Wait()
}
