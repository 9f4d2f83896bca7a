package registry

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/fluidmcp/fluidmcp/internal/fault"
	"github.com/fluidmcp/fluidmcp/internal/store"
	"github.com/fluidmcp/fluidmcp/internal/store/memory"
	"github.com/fluidmcp/fluidmcp/internal/supervisor"
)

type fakeStates struct {
	states map[string]supervisor.State
}

func (f *fakeStates) Status(id string) supervisor.Status {
	st, ok := f.states[id]
	if !ok {
		st = supervisor.StateStopped
	}
	return supervisor.Status{ServerID: id, State: st}
}

func newTestRegistry(t *testing.T, states *fakeStates) *Registry {
	t.Helper()
	var src StateSource
	if states != nil {
		src = states
	}
	return New(memory.New(), src, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func validConfig() *store.ServerConfig {
	return &store.ServerConfig{
		ID:      "github",
		Command: "npx",
		Args:    []string{"-y", "@modelcontextprotocol/server-github"},
		Env:     map[string]string{"GITHUB_TOKEN": "abc"},
		Enabled: true,
	}
}

func TestCreateAndGet(t *testing.T) {
	reg := newTestRegistry(t, nil)
	ctx := context.Background()

	created, err := reg.Create(ctx, validConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.CreatedAt.IsZero() || !created.CreatedAt.Equal(created.UpdatedAt) {
		t.Errorf("timestamps: created=%v updated=%v", created.CreatedAt, created.UpdatedAt)
	}

	got, err := reg.Get(ctx, "github")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Command != "npx" || got.Env["GITHUB_TOKEN"] != "abc" {
		t.Errorf("got = %+v", got)
	}

	if _, err := reg.Create(ctx, validConfig()); !fault.IsKind(err, fault.Conflict) {
		t.Errorf("duplicate create: got %v, want conflict", err)
	}
	if _, err := reg.Get(ctx, "ghost"); !fault.IsKind(err, fault.UnknownServer) {
		t.Errorf("unknown get: got %v, want unknown-server", err)
	}
}

func TestCreateValidation(t *testing.T) {
	reg := newTestRegistry(t, nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*store.ServerConfig)
		kind   fault.Kind
	}{
		{"uppercase id", func(c *store.ServerConfig) { c.ID = "GitHub" }, fault.BadInput},
		{"empty id", func(c *store.ServerConfig) { c.ID = "" }, fault.BadInput},
		{"id starts with dash", func(c *store.ServerConfig) { c.ID = "-x" }, fault.BadInput},
		{"missing command", func(c *store.ServerConfig) { c.Command = "" }, fault.BadInput},
		{"denied command", func(c *store.ServerConfig) { c.Command = "rm" }, fault.CommandDenied},
		{"path command", func(c *store.ServerConfig) { c.Command = "/usr/bin/npx" }, fault.CommandDenied},
		{"bad env name", func(c *store.ServerConfig) { c.Env = map[string]string{"1BAD": "x"} }, fault.BadInput},
		{"lowercase env name", func(c *store.ServerConfig) { c.Env = map[string]string{"path": "x"} }, fault.BadInput},
		{"control chars in env value", func(c *store.ServerConfig) {
			c.Env = map[string]string{"TOKEN": "a\x00b"}
		}, fault.BadInput},
		{"oversized env value", func(c *store.ServerConfig) {
			c.Env = map[string]string{"TOKEN": strings.Repeat("x", 10001)}
		}, fault.BadInput},
		{"auth missing token url", func(c *store.ServerConfig) {
			c.Auth = &store.AuthConfig{AuthorizationURL: "https://a.example/auth", ClientIDEnv: "CID"}
		}, fault.BadInput},
		{"auth non-http url", func(c *store.ServerConfig) {
			c.Auth = &store.AuthConfig{AuthorizationURL: "ftp://a.example", TokenURL: "https://a.example/t", ClientIDEnv: "CID"}
		}, fault.BadInput},
		{"auth missing client id env", func(c *store.ServerConfig) {
			c.Auth = &store.AuthConfig{AuthorizationURL: "https://a.example/auth", TokenURL: "https://a.example/t"}
		}, fault.BadInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if _, err := reg.Create(ctx, cfg); !fault.IsKind(err, tt.kind) {
				t.Errorf("got %v, want %s", err, tt.kind)
			}
		})
	}
}

func TestUpdateImmutableFields(t *testing.T) {
	reg := newTestRegistry(t, nil)
	ctx := context.Background()

	created, err := reg.Create(ctx, validConfig())
	if err != nil {
		t.Fatal(err)
	}

	patch := validConfig()
	patch.ID = "renamed"
	if _, err := reg.Update(ctx, "github", patch); !fault.IsKind(err, fault.ImmutableField) {
		t.Errorf("id change: got %v, want immutable-field", err)
	}

	patch = validConfig()
	patch.CreatedAt = created.CreatedAt.Add(1)
	if _, err := reg.Update(ctx, "github", patch); !fault.IsKind(err, fault.ImmutableField) {
		t.Errorf("created_at change: got %v, want immutable-field", err)
	}

	patch = validConfig()
	patch.ID = ""
	patch.Command = "node"
	updated, err := reg.Update(ctx, "github", patch)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Command != "node" {
		t.Errorf("command = %q", updated.Command)
	}
	if !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Error("created_at drifted")
	}
	if !updated.UpdatedAt.After(created.UpdatedAt) && !updated.UpdatedAt.Equal(created.UpdatedAt) {
		t.Errorf("updated_at = %v", updated.UpdatedAt)
	}
}

func TestUpdateRefusedWhileRunning(t *testing.T) {
	states := &fakeStates{states: map[string]supervisor.State{"github": supervisor.StateRunning}}
	reg := newTestRegistry(t, states)
	ctx := context.Background()

	if _, err := reg.Create(ctx, validConfig()); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Update(ctx, "github", validConfig()); !fault.IsKind(err, fault.AlreadyRunning) {
		t.Errorf("got %v, want already-running", err)
	}

	// Stopped and failed servers may be updated.
	states.states["github"] = supervisor.StateFailed
	if _, err := reg.Update(ctx, "github", validConfig()); err != nil {
		t.Errorf("update while failed: %v", err)
	}
}

func TestDeleteIsSoft(t *testing.T) {
	reg := newTestRegistry(t, nil)
	ctx := context.Background()

	if _, err := reg.Create(ctx, validConfig()); err != nil {
		t.Fatal(err)
	}
	if err := reg.Delete(ctx, "github"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := reg.Get(ctx, "github"); !fault.IsKind(err, fault.UnknownServer) {
		t.Errorf("get after delete: got %v, want unknown-server", err)
	}

	visible, err := reg.List(ctx, store.ListServersOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(visible) != 0 {
		t.Errorf("default list shows %d deleted servers", len(visible))
	}

	all, err := reg.List(ctx, store.ListServersOptions{IncludeDeleted: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].DeletedAt == nil {
		t.Errorf("include_deleted list = %+v", all)
	}

	// Uniqueness holds among live rows only; a deleted id is reusable.
	if _, err := reg.Create(ctx, validConfig()); err != nil {
		t.Errorf("recreate deleted id: %v", err)
	}

	if err := reg.Delete(ctx, "ghost"); !fault.IsKind(err, fault.UnknownServer) {
		t.Errorf("delete unknown: got %v, want unknown-server", err)
	}
}

func TestListFilters(t *testing.T) {
	reg := newTestRegistry(t, nil)
	ctx := context.Background()

	for _, cfg := range []*store.ServerConfig{
		{ID: "alpha", Command: "npx", Enabled: true},
		{ID: "beta", Command: "node", Enabled: false},
	} {
		if _, err := reg.Create(ctx, cfg); err != nil {
			t.Fatal(err)
		}
	}

	all, err := reg.List(ctx, store.ListServersOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != "alpha" || all[1].ID != "beta" {
		t.Errorf("list = %+v", all)
	}

	enabled, err := reg.List(ctx, store.ListServersOptions{EnabledOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(enabled) != 1 || enabled[0].ID != "alpha" {
		t.Errorf("enabled list = %+v", enabled)
	}
}

func TestSetEnabledAndTools(t *testing.T) {
	reg := newTestRegistry(t, nil)
	ctx := context.Background()

	if _, err := reg.Create(ctx, validConfig()); err != nil {
		t.Fatal(err)
	}
	if err := reg.SetEnabled(ctx, "github", false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	got, err := reg.Get(ctx, "github")
	if err != nil {
		t.Fatal(err)
	}
	if got.Enabled {
		t.Error("still enabled")
	}

	raw := []byte(`{"tools":[{"name":"search"}]}`)
	if err := reg.SetTools(ctx, "github", raw); err != nil {
		t.Fatalf("SetTools: %v", err)
	}
	got, err = reg.Get(ctx, "github")
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Tools) != string(raw) {
		t.Errorf("tools = %s", got.Tools)
	}

	// Missing servers are tolerated: the hint is best-effort.
	if err := reg.SetTools(ctx, "ghost", raw); err != nil {
		t.Errorf("SetTools unknown: %v", err)
	}
	if err := reg.SetEnabled(ctx, "ghost", true); !fault.IsKind(err, fault.UnknownServer) {
		t.Errorf("SetEnabled unknown: got %v, want unknown-server", err)
	}
}
