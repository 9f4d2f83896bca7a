package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fluidmcp/fluidmcp/internal/fault"
	"github.com/fluidmcp/fluidmcp/internal/mcp"
)

// snapshot is one server's cached tools/list result. Raw preserves the
// child's bytes so the admin tools endpoint re-emits schemas unchanged.
type snapshot struct {
	tools   []mcp.Tool
	byName  map[string]*mcp.Tool
	raw     json.RawMessage
	version int64
}

// Lister fetches a fresh tools/list from a running server. The supervisor
// implements it.
type Lister interface {
	ListTools(ctx context.Context, serverID string) ([]mcp.Tool, json.RawMessage, error)
}

// ToolCache holds the most recent tools/list per server-id with a version
// counter incremented on each refresh. It is refreshed on every ready
// transition, on explicit admin request, and lazily on the first
// tools/call after invalidation. Dispatch consults it to reject unknown
// tool names without a child round-trip.
type ToolCache struct {
	cache  *Cache[string, *snapshot]
	lister Lister

	mu       sync.Mutex
	versions map[string]int64
}

// NewToolCache creates a ToolCache loading misses through lister, which
// may be nil when lazy refresh is not wanted.
func NewToolCache(lister Lister) *ToolCache {
	return &ToolCache{
		// Entries only leave via invalidation, not TTL.
		cache:    New[string, *snapshot](1000, 24*365*time.Hour),
		lister:   lister,
		versions: make(map[string]int64),
	}
}

// Refresh installs a new tools/list result for serverID and bumps its
// version.
func (tc *ToolCache) Refresh(serverID string, tools []mcp.Tool, raw json.RawMessage) {
	tc.cache.Set(serverID, tc.newSnapshot(serverID, tools, raw))
}

// Invalidate drops the cached tools for serverID. The next lookup loads a
// fresh copy from the child.
func (tc *ToolCache) Invalidate(serverID string) {
	tc.cache.Invalidate(serverID)
}

// Tools returns the cached tool descriptors and their version, loading
// them from the child when the cache is cold. Concurrent loads for one
// server collapse to a single tools/list call.
func (tc *ToolCache) Tools(ctx context.Context, serverID string) ([]mcp.Tool, int64, error) {
	snap, err := tc.lookup(ctx, serverID)
	if err != nil {
		return nil, 0, err
	}
	return snap.tools, snap.version, nil
}

// Raw returns the cached tools/list result bytes as received from the
// child.
func (tc *ToolCache) Raw(ctx context.Context, serverID string) (json.RawMessage, int64, error) {
	snap, err := tc.lookup(ctx, serverID)
	if err != nil {
		return nil, 0, err
	}
	return snap.raw, snap.version, nil
}

// CheckTool verifies that name is a known tool of serverID, loading the
// cache when cold. Unknown names fail locally with unknown-tool.
func (tc *ToolCache) CheckTool(ctx context.Context, serverID, name string) error {
	snap, err := tc.lookup(ctx, serverID)
	if err != nil {
		return err
	}
	if _, ok := snap.byName[name]; !ok {
		return fault.New(fault.UnknownTool, "server %s has no tool %q", serverID, name)
	}
	return nil
}

// Version returns the current version counter for serverID; zero means it
// has never been refreshed.
func (tc *ToolCache) Version(serverID string) int64 {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.versions[serverID]
}

// Stats returns cache performance metrics.
func (tc *ToolCache) Stats() Stats {
	return tc.cache.Stats()
}

func (tc *ToolCache) lookup(ctx context.Context, serverID string) (*snapshot, error) {
	if snap, ok := tc.cache.Get(serverID); ok {
		return snap, nil
	}
	if tc.lister == nil {
		return nil, fault.New(fault.UnknownTool, "no cached tools for server %s", serverID)
	}
	return tc.cache.GetOrLoad(serverID, func() (*snapshot, error) {
		tools, raw, err := tc.lister.ListTools(ctx, serverID)
		if err != nil {
			return nil, err
		}
		return tc.newSnapshot(serverID, tools, raw), nil
	})
}

func (tc *ToolCache) newSnapshot(serverID string, tools []mcp.Tool, raw json.RawMessage) *snapshot {
	byName := make(map[string]*mcp.Tool, len(tools))
	for i := range tools {
		byName[tools[i].Name] = &tools[i]
	}
	tc.mu.Lock()
	tc.versions[serverID]++
	version := tc.versions[serverID]
	tc.mu.Unlock()
	return &snapshot{tools: tools, byName: byName, raw: raw, version: version}
}
