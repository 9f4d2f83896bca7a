// Package memory is the process-local fallback store used when the SQLite
// database cannot be opened. Contents are lost on restart, which the
// persistence contract explicitly allows.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/fluidmcp/fluidmcp/internal/store"
)

// Compile-time check that Store satisfies store.Store.
var _ store.Store = (*Store)(nil)

const logCapPerServer = 1000

// Store keeps all collections in guarded maps.
type Store struct {
	mu        sync.RWMutex
	live      map[string]*store.ServerConfig
	graveyard []store.ServerConfig
	instances map[string]*store.InstanceSnapshot
	logs      map[string][]store.LogEntry
	logSeq    int64
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		live:      make(map[string]*store.ServerConfig),
		instances: make(map[string]*store.InstanceSnapshot),
		logs:      make(map[string][]store.LogEntry),
	}
}

func (m *Store) CreateServer(_ context.Context, s *store.ServerConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.live[s.ID]; ok {
		return store.ErrAlreadyExists
	}
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now
	if s.Source == "" {
		s.Source = "api"
	}
	m.live[s.ID] = cloneServer(s)
	return nil
}

func (m *Store) GetServer(_ context.Context, id string) (*store.ServerConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.live[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneServer(s), nil
}

func (m *Store) ListServers(_ context.Context, opts store.ListServersOptions) ([]store.ServerConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []store.ServerConfig
	for _, s := range m.live {
		if opts.EnabledOnly && !s.Enabled {
			continue
		}
		out = append(out, *cloneServer(s))
	}
	if opts.IncludeDeleted {
		for i := range m.graveyard {
			s := m.graveyard[i]
			if opts.EnabledOnly && !s.Enabled {
				continue
			}
			out = append(out, *cloneServer(&s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Store) UpdateServer(_ context.Context, s *store.ServerConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.live[s.ID]
	if !ok {
		return store.ErrNotFound
	}
	s.CreatedAt = cur.CreatedAt
	s.UpdatedAt = time.Now().UTC()
	if s.Source == "" {
		s.Source = "api"
	}
	next := cloneServer(s)
	next.Tools = cur.Tools // tools are written through UpdateServerTools only
	m.live[s.ID] = next
	return nil
}

func (m *Store) DeleteServer(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.live[id]
	if !ok {
		return store.ErrNotFound
	}
	delete(m.live, id)
	at = at.UTC()
	s.DeletedAt = &at
	s.UpdatedAt = at
	m.graveyard = append(m.graveyard, *s)
	return nil
}

func (m *Store) SetServerEnabled(_ context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.live[id]
	if !ok {
		return store.ErrNotFound
	}
	s.Enabled = enabled
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Store) UpdateServerTools(_ context.Context, id string, tools json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.live[id]
	if !ok {
		return store.ErrNotFound
	}
	s.Tools = append(json.RawMessage(nil), tools...)
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Store) UpsertInstance(_ context.Context, snap *store.InstanceSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *snap
	c.UpdatedAt = time.Now().UTC()
	m.instances[snap.ServerID] = &c
	return nil
}

func (m *Store) GetInstance(_ context.Context, serverID string) (*store.InstanceSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, ok := m.instances[serverID]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *snap
	return &c, nil
}

func (m *Store) ListInstances(_ context.Context) ([]store.InstanceSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]store.InstanceSnapshot, 0, len(m.instances))
	for _, snap := range m.instances {
		out = append(out, *snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out, nil
}

func (m *Store) AppendLogs(_ context.Context, serverID string, entries []store.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.logs[serverID]
	for _, e := range entries {
		m.logSeq++
		e.ID = m.logSeq
		e.ServerID = serverID
		cur = append(cur, e)
	}
	if over := len(cur) - logCapPerServer; over > 0 {
		cur = append([]store.LogEntry(nil), cur[over:]...)
	}
	m.logs[serverID] = cur
	return nil
}

func (m *Store) ListLogs(_ context.Context, serverID string, limit int) ([]store.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cur := m.logs[serverID]
	if limit <= 0 || limit > len(cur) {
		limit = len(cur)
	}
	out := make([]store.LogEntry, limit)
	copy(out, cur[len(cur)-limit:])
	return out, nil
}

// Tx runs fn against the store directly. The fallback offers no rollback;
// callers accept best-effort atomicity here.
func (m *Store) Tx(_ context.Context, fn func(store.Store) error) error {
	return fn(m)
}

func (m *Store) Ping(context.Context) error { return nil }

func (m *Store) Close() error { return nil }

func cloneServer(s *store.ServerConfig) *store.ServerConfig {
	c := *s
	if s.Args != nil {
		c.Args = append([]string(nil), s.Args...)
	}
	if s.Env != nil {
		c.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			c.Env[k] = v
		}
	}
	if s.Auth != nil {
		a := *s.Auth
		a.Scopes = append([]string(nil), s.Auth.Scopes...)
		c.Auth = &a
	}
	if s.Tools != nil {
		c.Tools = append(json.RawMessage(nil), s.Tools...)
	}
	if s.DeletedAt != nil {
		at := *s.DeletedAt
		c.DeletedAt = &at
	}
	return &c
}
