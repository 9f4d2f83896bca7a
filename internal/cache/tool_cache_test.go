package cache

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/fluidmcp/fluidmcp/internal/fault"
	"github.com/fluidmcp/fluidmcp/internal/mcp"
)

type fakeLister struct {
	calls atomic.Int32
	tools []mcp.Tool
	raw   json.RawMessage
	err   error
}

func (f *fakeLister) ListTools(ctx context.Context, serverID string) ([]mcp.Tool, json.RawMessage, error) {
	f.calls.Add(1)
	return f.tools, f.raw, f.err
}

func sampleTools() ([]mcp.Tool, json.RawMessage) {
	raw := json.RawMessage(`{"tools":[{"name":"read_file","inputSchema":{"type":"object","properties":{"path":{"type":"string"}}}}]}`)
	return []mcp.Tool{{
		Name:        "read_file",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`),
	}}, raw
}

func TestToolCache_RefreshAndCheck(t *testing.T) {
	tc := NewToolCache(nil)
	tools, raw := sampleTools()
	tc.Refresh("fs", tools, raw)

	if err := tc.CheckTool(context.Background(), "fs", "read_file"); err != nil {
		t.Fatalf("CheckTool(read_file) = %v", err)
	}
	err := tc.CheckTool(context.Background(), "fs", "write_file")
	if !fault.IsKind(err, fault.UnknownTool) {
		t.Fatalf("CheckTool(write_file) = %v; want unknown-tool", err)
	}
}

func TestToolCache_VersionIncrements(t *testing.T) {
	tc := NewToolCache(nil)
	tools, raw := sampleTools()

	if v := tc.Version("fs"); v != 0 {
		t.Fatalf("initial version = %d; want 0", v)
	}
	tc.Refresh("fs", tools, raw)
	tc.Refresh("fs", tools, raw)
	if v := tc.Version("fs"); v != 2 {
		t.Fatalf("version after two refreshes = %d; want 2", v)
	}
}

func TestToolCache_RawRoundTrip(t *testing.T) {
	tc := NewToolCache(nil)
	tools, raw := sampleTools()
	tc.Refresh("fs", tools, raw)

	got, _, err := tc.Raw(context.Background(), "fs")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(raw) {
		t.Fatalf("raw round-trip altered bytes:\n got %s\nwant %s", got, raw)
	}
}

func TestToolCache_LazyLoadAfterInvalidation(t *testing.T) {
	tools, raw := sampleTools()
	lister := &fakeLister{tools: tools, raw: raw}
	tc := NewToolCache(lister)

	tc.Refresh("fs", tools, raw)
	tc.Invalidate("fs")

	// First check after invalidation loads through the lister.
	if err := tc.CheckTool(context.Background(), "fs", "read_file"); err != nil {
		t.Fatal(err)
	}
	if n := lister.calls.Load(); n != 1 {
		t.Fatalf("lister calls = %d; want 1", n)
	}

	// Subsequent checks hit the cache.
	if err := tc.CheckTool(context.Background(), "fs", "read_file"); err != nil {
		t.Fatal(err)
	}
	if n := lister.calls.Load(); n != 1 {
		t.Fatalf("lister calls after hit = %d; want 1", n)
	}
}

func TestToolCache_ConcurrentColdLoadsCollapse(t *testing.T) {
	tools, raw := sampleTools()
	lister := &fakeLister{tools: tools, raw: raw}
	tc := NewToolCache(lister)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := tc.Tools(context.Background(), "fs"); err != nil {
				t.Errorf("Tools: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := lister.calls.Load(); n != 1 {
		t.Fatalf("lister calls = %d; want 1 (singleflight)", n)
	}
}

func TestToolCache_ColdWithoutLister(t *testing.T) {
	tc := NewToolCache(nil)
	err := tc.CheckTool(context.Background(), "ghost", "anything")
	if !fault.IsKind(err, fault.UnknownTool) {
		t.Fatalf("err = %v; want unknown-tool", err)
	}
}
