// Package supervisor owns child process lifecycle for MCP servers: stdio
// framing, request/response correlation, the start/stop state machine,
// restart policy, and log capture.
package supervisor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fluidmcp/fluidmcp/internal/fault"
	"github.com/fluidmcp/fluidmcp/internal/logring"
	"github.com/fluidmcp/fluidmcp/internal/mcp"
	"github.com/fluidmcp/fluidmcp/internal/store"
)

// ConfigSource resolves server configurations at spawn time. The registry
// implements it.
type ConfigSource interface {
	Get(ctx context.Context, id string) (*store.ServerConfig, error)
}

// Config tunes a Supervisor. Zero values select the defaults.
type Config struct {
	// AllowedCommands overrides the launch allow-list; empty keeps the
	// default set.
	AllowedCommands []string
	Policy          RestartPolicy
	StableWindow    time.Duration
	StopGrace       time.Duration
	ReadyDeadline   time.Duration
	RingLines       int
	RingBytes       int

	// OnReady runs after each successful handshake with the tools/list
	// result, raw and decoded. Used to refresh the tool cache and the
	// registry's denormalized tools hint.
	OnReady func(serverID string, tools []mcp.Tool, raw json.RawMessage)
}

// Supervisor owns one Instance per server-id.
type Supervisor struct {
	source ConfigSource
	st     store.Store
	log    *slog.Logger

	allowed       []string
	policy        RestartPolicy
	stableWindow  time.Duration
	stopGrace     time.Duration
	readyDeadline time.Duration
	ringLines     int
	ringBytes     int
	onReady       func(serverID string, tools []mcp.Tool, raw json.RawMessage)

	mu        sync.Mutex
	instances map[string]*Instance
}

// New creates a Supervisor resolving configs from source and persisting
// observability snapshots to st (which may be nil).
func New(source ConfigSource, st store.Store, cfg Config, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	s := &Supervisor{
		source:        source,
		st:            st,
		log:           log.With("component", "supervisor"),
		allowed:       cfg.AllowedCommands,
		policy:        cfg.Policy,
		stableWindow:  cfg.StableWindow,
		stopGrace:     cfg.StopGrace,
		readyDeadline: cfg.ReadyDeadline,
		ringLines:     cfg.RingLines,
		ringBytes:     cfg.RingBytes,
		onReady:       cfg.OnReady,
		instances:     make(map[string]*Instance),
	}
	if len(s.allowed) == 0 {
		s.allowed = DefaultAllowedCommands()
	}
	if s.policy == (RestartPolicy{}) {
		s.policy = DefaultRestartPolicy()
	}
	if s.stableWindow <= 0 {
		s.stableWindow = DefaultStableWindow
	}
	if s.stopGrace <= 0 {
		s.stopGrace = DefaultStopGrace
	}
	if s.readyDeadline <= 0 {
		s.readyDeadline = DefaultReadyDeadline
	}
	return s
}

// Instance returns the instance for id, creating a stopped one on first
// use.
func (s *Supervisor) Instance(id string) *Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		inst = s.newInstance(id)
		s.instances[id] = inst
	}
	return inst
}

// Lookup returns the instance for id without creating one.
func (s *Supervisor) Lookup(id string) (*Instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	return inst, ok
}

// Start brings the server's child to running and ready.
func (s *Supervisor) Start(ctx context.Context, id string) error {
	return s.Instance(id).Start(ctx)
}

// Stop terminates the server's child if one exists.
func (s *Supervisor) Stop(ctx context.Context, id string, force bool) error {
	inst, ok := s.Lookup(id)
	if !ok {
		return nil
	}
	return inst.Stop(ctx, force)
}

// Restart stops then starts the server's child.
func (s *Supervisor) Restart(ctx context.Context, id string) error {
	return s.Instance(id).Restart(ctx)
}

// Call forwards one JSON-RPC request to a running child.
func (s *Supervisor) Call(ctx context.Context, id, method string, params json.RawMessage) (*mcp.Response, error) {
	inst, ok := s.Lookup(id)
	if !ok {
		return nil, fault.New(fault.NotRunning, "server %s has never started", id)
	}
	return inst.Call(ctx, method, params)
}

// ListTools fetches a fresh tools/list from a running child, returning
// the decoded descriptors and the raw result bytes. The tool cache loads
// through it on a miss.
func (s *Supervisor) ListTools(ctx context.Context, id string) ([]mcp.Tool, json.RawMessage, error) {
	resp, err := s.Call(ctx, id, mcp.MethodToolsList, json.RawMessage(`{}`))
	if err != nil {
		return nil, nil, err
	}
	if resp.Error != nil {
		return nil, nil, fault.New(fault.MCPProtocol, "tools/list rejected: %s", resp.Error.Message)
	}
	var lt mcp.ListToolsResult
	if err := json.Unmarshal(resp.Result, &lt); err != nil {
		return nil, nil, fault.Wrap(fault.MCPProtocol, err, "parse tools/list result")
	}
	return lt.Tools, resp.Result, nil
}

// Status reports the runtime state for id. Servers that never started
// report stopped.
func (s *Supervisor) Status(id string) Status {
	inst, ok := s.Lookup(id)
	if !ok {
		return Status{ServerID: id, State: StateStopped}
	}
	return inst.Status()
}

// Statuses returns every tracked instance's status sorted by server-id.
func (s *Supervisor) Statuses() []Status {
	s.mu.Lock()
	instances := make([]*Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		instances = append(instances, inst)
	}
	s.mu.Unlock()

	out := make([]Status, 0, len(instances))
	for _, inst := range instances {
		out = append(out, inst.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

// Logs returns the last n captured lines for id.
func (s *Supervisor) Logs(id string, n int) []logring.Record {
	inst, ok := s.Lookup(id)
	if !ok {
		return nil
	}
	return inst.Logs(n)
}

// Remove stops the server's child and destroys its instance. Called when
// the server leaves the registry.
func (s *Supervisor) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	inst, ok := s.instances[id]
	delete(s.instances, id)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return inst.Stop(ctx, false)
}

// Shutdown stops every child concurrently, bounded by ctx.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	instances := make([]*Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		instances = append(instances, inst)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, inst := range instances {
		wg.Add(1)
		go func(inst *Instance) {
			defer wg.Done()
			if err := inst.Stop(ctx, false); err != nil {
				s.log.Warn("shutdown stop failed", "server", inst.serverID, "error", err)
			}
		}(inst)
	}
	wg.Wait()
}
