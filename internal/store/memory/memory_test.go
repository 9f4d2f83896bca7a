package memory_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/fluidmcp/fluidmcp/internal/store"
	"github.com/fluidmcp/fluidmcp/internal/store/memory"
)

func testServer(id string) *store.ServerConfig {
	return &store.ServerConfig{
		ID:      id,
		Command: "npx",
		Args:    []string{"-y", "@x/fs"},
		Env:     map[string]string{"A": "1"},
		Enabled: true,
	}
}

func TestServerLifecycle(t *testing.T) {
	m := memory.New()
	ctx := context.Background()

	if err := m.CreateServer(ctx, testServer("fs")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.CreateServer(ctx, testServer("fs")); err != store.ErrAlreadyExists {
		t.Fatalf("duplicate: got %v", err)
	}

	got, err := m.GetServer(ctx, "fs")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	// Mutating the returned copy must not touch the stored row.
	got.Env["A"] = "changed"
	again, _ := m.GetServer(ctx, "fs")
	if again.Env["A"] != "1" {
		t.Fatal("stored row aliased to returned copy")
	}

	got.Name = "renamed"
	got.Env = map[string]string{"B": "2"}
	if err := m.UpdateServer(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	again, _ = m.GetServer(ctx, "fs")
	if again.Name != "renamed" || again.Env["B"] != "2" {
		t.Fatalf("update lost: %+v", again)
	}

	if err := m.DeleteServer(ctx, "fs", time.Now()); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.GetServer(ctx, "fs"); err != store.ErrNotFound {
		t.Fatalf("get deleted: %v", err)
	}

	// Soft-deleted rows appear only with include_deleted, and the id is free.
	if err := m.CreateServer(ctx, testServer("fs")); err != nil {
		t.Fatalf("recreate: %v", err)
	}
	list, _ := m.ListServers(ctx, store.ListServersOptions{IncludeDeleted: true})
	if len(list) != 2 {
		t.Fatalf("include_deleted len = %d", len(list))
	}
	list, _ = m.ListServers(ctx, store.ListServersOptions{})
	if len(list) != 1 || list[0].DeletedAt != nil {
		t.Fatalf("default list = %+v", list)
	}
}

func TestListSortedAndFiltered(t *testing.T) {
	m := memory.New()
	ctx := context.Background()

	for _, id := range []string{"zeta", "alpha", "mid"} {
		if err := m.CreateServer(ctx, testServer(id)); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.SetServerEnabled(ctx, "mid", false); err != nil {
		t.Fatal(err)
	}

	list, _ := m.ListServers(ctx, store.ListServersOptions{})
	want := []string{"alpha", "mid", "zeta"}
	for i, id := range want {
		if list[i].ID != id {
			t.Fatalf("list[%d] = %q, want %q", i, list[i].ID, id)
		}
	}

	enabled, _ := m.ListServers(ctx, store.ListServersOptions{EnabledOnly: true})
	if len(enabled) != 2 {
		t.Fatalf("enabled len = %d", len(enabled))
	}
}

func TestInstanceAndLogs(t *testing.T) {
	m := memory.New()
	ctx := context.Background()

	snap := &store.InstanceSnapshot{ServerID: "fs", State: "running", PID: 10}
	if err := m.UpsertInstance(ctx, snap); err != nil {
		t.Fatal(err)
	}
	snap.State = "stopped"
	if err := m.UpsertInstance(ctx, snap); err != nil {
		t.Fatal(err)
	}
	got, err := m.GetInstance(ctx, "fs")
	if err != nil || got.State != "stopped" {
		t.Fatalf("instance = %+v, err %v", got, err)
	}

	var entries []store.LogEntry
	for i := 0; i < 1200; i++ {
		entries = append(entries, store.LogEntry{
			Timestamp: time.Now(),
			Stream:    "stdout",
			Line:      fmt.Sprintf("l%d", i),
		})
	}
	if err := m.AppendLogs(ctx, "fs", entries); err != nil {
		t.Fatal(err)
	}
	logs, _ := m.ListLogs(ctx, "fs", 0)
	if len(logs) != 1000 {
		t.Fatalf("log cap = %d", len(logs))
	}
	if logs[len(logs)-1].Line != "l1199" {
		t.Fatalf("newest = %q", logs[len(logs)-1].Line)
	}

	tail, _ := m.ListLogs(ctx, "fs", 3)
	if len(tail) != 3 || tail[0].Line != "l1197" {
		t.Fatalf("tail = %+v", tail)
	}
}
