package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fluidmcp/fluidmcp/internal/cache"
	"github.com/fluidmcp/fluidmcp/internal/llm"
	"github.com/fluidmcp/fluidmcp/internal/mcp"
	"github.com/fluidmcp/fluidmcp/internal/registry"
	"github.com/fluidmcp/fluidmcp/internal/store"
	"github.com/fluidmcp/fluidmcp/internal/store/memory"
	"github.com/fluidmcp/fluidmcp/internal/supervisor"
)

type fakeMounter struct {
	mounted map[string]bool
}

func (m *fakeMounter) Mount(id string, hasAuth bool) {
	if m.mounted == nil {
		m.mounted = map[string]bool{}
	}
	m.mounted[id] = hasAuth
}

func (m *fakeMounter) Unmount(id string) { delete(m.mounted, id) }

func testRouter(t *testing.T) (http.Handler, *fakeMounter, *cache.ToolCache) {
	t.Helper()
	st := memory.New()
	sup := supervisor.New(nil, st, supervisor.Config{}, nil)
	reg := registry.New(st, sup, nil, nil)
	tools := cache.NewToolCache(sup)
	mounter := &fakeMounter{}
	handler := NewRouter(RouterDeps{
		Registry:   reg,
		Supervisor: sup,
		Tools:      tools,
		LLM:        llm.NewManager(nil, nil),
		Mounter:    mounter,
		Store:      st,
		StoreKind:  "memory",
		Version:    "test",
	})
	return handler, mounter, tools
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
}

func errorKind(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var env errorEnvelope
	decodeBody(t, rr, &env)
	return env.Error.Kind
}

const validServer = `{"id":"github","command":"npx","args":["-y","@modelcontextprotocol/server-github"],"enabled":true}`

func TestServerCreateAndGet(t *testing.T) {
	h, mounter, _ := testRouter(t)

	rr := doJSON(t, h, "POST", "/api/servers", validServer)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", rr.Code, rr.Body.String())
	}
	if !mounter.hasMount("github") {
		t.Error("create did not mount routes")
	}

	rr = doJSON(t, h, "GET", "/api/servers/github", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d", rr.Code)
	}
	var view struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	decodeBody(t, rr, &view)
	if view.ID != "github" || view.State != "stopped" {
		t.Errorf("view = %+v", view)
	}
}

func (m *fakeMounter) hasMount(id string) bool {
	_, ok := m.mounted[id]
	return ok
}

func TestServerCreateValidation(t *testing.T) {
	h, _, _ := testRouter(t)

	cases := []struct {
		name string
		body string
		kind string
	}{
		{"bad id", `{"id":"Bad_ID","command":"npx"}`, "bad-input"},
		{"denied command", `{"id":"evil","command":"rm"}`, "command-denied"},
		{"missing command", `{"id":"empty"}`, "bad-input"},
		{"unknown field", `{"id":"x","command":"npx","nope":1}`, "bad-input"},
		{"bad env name", `{"id":"x","command":"npx","env":{"lower":"v"}}`, "bad-input"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := doJSON(t, h, "POST", "/api/servers", tc.body)
			if rr.Code == http.StatusCreated {
				t.Fatalf("expected rejection, got 201")
			}
			if kind := errorKind(t, rr); kind != tc.kind {
				t.Errorf("kind = %q, want %q", kind, tc.kind)
			}
		})
	}
}

func TestServerDuplicateCreateConflicts(t *testing.T) {
	h, _, _ := testRouter(t)

	if rr := doJSON(t, h, "POST", "/api/servers", validServer); rr.Code != http.StatusCreated {
		t.Fatalf("first create = %d", rr.Code)
	}
	rr := doJSON(t, h, "POST", "/api/servers", validServer)
	if rr.Code != http.StatusConflict {
		t.Errorf("duplicate create = %d, want 409", rr.Code)
	}
	if kind := errorKind(t, rr); kind != "conflict" {
		t.Errorf("kind = %q", kind)
	}
}

func TestServerUpdateImmutableID(t *testing.T) {
	h, _, _ := testRouter(t)
	doJSON(t, h, "POST", "/api/servers", validServer)

	rr := doJSON(t, h, "PUT", "/api/servers/github", `{"id":"other","command":"npx"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
	if kind := errorKind(t, rr); kind != "immutable-field" {
		t.Errorf("kind = %q, want immutable-field", kind)
	}
}

func TestServerDeleteUnmountsAndHides(t *testing.T) {
	h, mounter, _ := testRouter(t)
	doJSON(t, h, "POST", "/api/servers", validServer)

	rr := doJSON(t, h, "DELETE", "/api/servers/github", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("delete = %d", rr.Code)
	}
	if mounter.hasMount("github") {
		t.Error("delete left routes mounted")
	}

	if rr := doJSON(t, h, "GET", "/api/servers/github", ""); rr.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", rr.Code)
	}

	// Soft delete: still visible with include_deleted.
	rr = doJSON(t, h, "GET", "/api/servers?include_deleted=true", "")
	var list struct {
		Servers []json.RawMessage `json:"servers"`
	}
	decodeBody(t, rr, &list)
	if len(list.Servers) != 1 {
		t.Errorf("include_deleted listed %d servers, want 1", len(list.Servers))
	}
}

func TestServerUnknownIs404(t *testing.T) {
	h, _, _ := testRouter(t)

	for _, path := range []string{
		"/api/servers/nope",
		"/api/servers/nope/status",
		"/api/servers/nope/logs",
		"/api/servers/nope/tools",
		"/api/servers/nope/instance/env",
	} {
		if rr := doJSON(t, h, "GET", path, ""); rr.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, rr.Code)
		}
	}
}

func TestServerToolsFromCache(t *testing.T) {
	h, _, tools := testRouter(t)
	doJSON(t, h, "POST", "/api/servers", validServer)

	raw := json.RawMessage(`{"tools":[{"name":"search","inputSchema":{"type":"object","properties":{"q":{"type":"string"}}}}]}`)
	var lt mcp.ListToolsResult
	if err := json.Unmarshal(raw, &lt); err != nil {
		t.Fatal(err)
	}
	tools.Refresh("github", lt.Tools, raw)

	rr := doJSON(t, h, "GET", "/api/servers/github/tools", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("tools = %d", rr.Code)
	}
	var resp struct {
		Version int64           `json:"version"`
		Result  json.RawMessage `json:"result"`
	}
	decodeBody(t, rr, &resp)
	if resp.Version != 1 {
		t.Errorf("version = %d", resp.Version)
	}
	// Schema bytes survive the round-trip.
	if !strings.Contains(string(resp.Result), `"inputSchema"`) {
		t.Errorf("result = %s", resp.Result)
	}
}

func TestServerRunUnknownTool(t *testing.T) {
	h, _, tools := testRouter(t)
	doJSON(t, h, "POST", "/api/servers", validServer)
	tools.Refresh("github", []mcp.Tool{{Name: "search"}}, json.RawMessage(`{"tools":[{"name":"search"}]}`))

	rr := doJSON(t, h, "POST", "/api/servers/github/tools/missing/run", `{"arguments":{}}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}
	if kind := errorKind(t, rr); kind != "unknown-tool" {
		t.Errorf("kind = %q", kind)
	}
}

func TestServerEnvOverlayValidation(t *testing.T) {
	h, _, _ := testRouter(t)
	doJSON(t, h, "POST", "/api/servers", validServer)

	rr := doJSON(t, h, "PUT", "/api/servers/github/instance/env", `{"env":{"GITHUB_TOKEN":"tok"}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("put env = %d body=%s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, h, "GET", "/api/servers/github/instance/env", "")
	var resp struct {
		Env map[string]string `json:"env"`
	}
	decodeBody(t, rr, &resp)
	if resp.Env["GITHUB_TOKEN"] != "tok" {
		t.Errorf("env = %v", resp.Env)
	}

	rr = doJSON(t, h, "PUT", "/api/servers/github/instance/env", `{"env":{"bad name":"v"}}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("invalid env name accepted: %d", rr.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	h, _, _ := testRouter(t)
	doJSON(t, h, "POST", "/api/servers", validServer)

	rr := doJSON(t, h, "GET", "/api/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("health = %d", rr.Code)
	}
	var resp struct {
		Status  string `json:"status"`
		Store   string `json:"store"`
		Servers int    `json:"servers"`
	}
	decodeBody(t, rr, &resp)
	if resp.Status != "ok" || resp.Store != "memory" || resp.Servers != 1 {
		t.Errorf("health = %+v", resp)
	}
}

// silentToolScript completes the handshake and lists one tool, then never
// answers tools/call.
const silentToolScript = `#!/bin/sh
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9][0-9]*\).*/\1/p')
  [ -z "$id" ] && continue
  case "$line" in
    *'"initialize"'*)
      echo "{\"jsonrpc\":\"2.0\",\"id\":$id,\"result\":{\"protocolVersion\":\"2024-11-05\",\"capabilities\":{\"tools\":{}},\"serverInfo\":{\"name\":\"quiet\",\"version\":\"1.0\"}}}" ;;
    *'"tools/list"'*)
      echo "{\"jsonrpc\":\"2.0\",\"id\":$id,\"result\":{\"tools\":[{\"name\":\"sleepy\"}]}}" ;;
    *) ;;
  esac
done
`

type deferredSource struct{ reg *registry.Registry }

func (s *deferredSource) Get(ctx context.Context, id string) (*store.ServerConfig, error) {
	return s.reg.Get(ctx, id)
}

// testRouterWithChild wires a router over a real child process so run
// requests cross the stdio boundary.
func testRouterWithChild(t *testing.T) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	script := filepath.Join(t.TempDir(), "server.sh")
	if err := os.WriteFile(script, []byte(silentToolScript), 0o755); err != nil {
		t.Fatal(err)
	}

	st := memory.New()
	src := &deferredSource{}
	sup := supervisor.New(src, st, supervisor.Config{
		AllowedCommands: []string{"sh"},
		ReadyDeadline:   5 * time.Second,
		StopGrace:       2 * time.Second,
	}, logger)
	reg := registry.New(st, sup, []string{"sh"}, logger)
	src.reg = reg

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cfg := &store.ServerConfig{ID: "quiet", Command: "sh", Args: []string{script}, Enabled: true}
	if _, err := reg.Create(ctx, cfg); err != nil {
		t.Fatalf("create quiet: %v", err)
	}

	handler := NewRouter(RouterDeps{
		Registry:   reg,
		Supervisor: sup,
		Tools:      cache.NewToolCache(sup),
		LLM:        llm.NewManager(nil, logger),
		Mounter:    &fakeMounter{},
		Store:      st,
		StoreKind:  "memory",
		Version:    "test",
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sup.Shutdown(ctx)
	})
	return handler
}

func TestServerRunToolTimeout(t *testing.T) {
	h := testRouterWithChild(t)

	if rr := doJSON(t, h, "POST", "/api/servers/quiet/start", ""); rr.Code != http.StatusOK {
		t.Fatalf("start = %d body=%s", rr.Code, rr.Body.String())
	}

	for _, bad := range []string{"abc", "0", "-5"} {
		rr := doJSON(t, h, "POST", "/api/servers/quiet/tools/sleepy/run?timeout="+bad, `{"arguments":{}}`)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("timeout=%s: status = %d, want 400", bad, rr.Code)
		} else if kind := errorKind(t, rr); kind != "bad-input" {
			t.Errorf("timeout=%s: kind = %q", bad, kind)
		}
	}

	// The child never answers tools/call; the run must come back as a
	// gateway timeout instead of holding the request open.
	start := time.Now()
	rr := doJSON(t, h, "POST", "/api/servers/quiet/tools/sleepy/run?timeout=1", `{"arguments":{}}`)
	if rr.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if kind := errorKind(t, rr); kind != "mcp-timeout" {
		t.Errorf("kind = %q", kind)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("run took %s, deadline did not bind the call", elapsed)
	}
}

func TestLLMRoutes(t *testing.T) {
	h, _, _ := testRouter(t)

	// A dangling credential reference fails the create, not the first
	// invoke.
	bad := `{"model_id":"sdxl","type":"replicate","replicate":{"model":"owner/m:v1","api_key_ref":"${FLUIDMCP_TEST_UNSET_KEY}"}}`
	rr := doJSON(t, h, "POST", "/api/llm/models", bad)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("create with unset key = %d, want 500", rr.Code)
	}
	if kind := errorKind(t, rr); kind != "missing-credential" {
		t.Errorf("kind = %q", kind)
	}
	if rr := doJSON(t, h, "GET", "/api/llm/models/sdxl", ""); rr.Code != http.StatusNotFound {
		t.Errorf("rejected model is visible: %d", rr.Code)
	}

	t.Setenv("FLUIDMCP_TEST_LLM_KEY", "sk-test")
	model := `{"model_id":"sdxl","type":"replicate","replicate":{"model":"owner/m:v1","api_key_ref":"${FLUIDMCP_TEST_LLM_KEY}"}}`
	rr = doJSON(t, h, "POST", "/api/llm/models", model)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create model = %d body=%s", rr.Code, rr.Body.String())
	}

	if rr := doJSON(t, h, "GET", "/api/llm/models/sdxl", ""); rr.Code != http.StatusOK {
		t.Errorf("get model = %d", rr.Code)
	}
	if rr := doJSON(t, h, "DELETE", "/api/llm/models/sdxl", ""); rr.Code != http.StatusOK {
		t.Errorf("delete model = %d", rr.Code)
	}
	if rr := doJSON(t, h, "GET", "/api/llm/models/sdxl", ""); rr.Code != http.StatusNotFound {
		t.Errorf("get deleted model = %d", rr.Code)
	}
}
