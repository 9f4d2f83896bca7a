// Package api is the admin surface of the gateway: thin HTTP translators
// over the registry, supervisor, tool cache, and LLM manager, with all
// input validation at the edge.
package api

import (
	"net/http"

	"github.com/fluidmcp/fluidmcp/internal/cache"
	"github.com/fluidmcp/fluidmcp/internal/fault"
	"github.com/fluidmcp/fluidmcp/internal/llm"
	"github.com/fluidmcp/fluidmcp/internal/registry"
	"github.com/fluidmcp/fluidmcp/internal/store"
	"github.com/fluidmcp/fluidmcp/internal/supervisor"
)

// Mounter installs and retires per-server gateway routes. The gateway
// mux implements it.
type Mounter interface {
	Mount(serverID string, hasAuth bool)
	Unmount(serverID string)
}

// RouterDeps holds the dependencies needed by the admin API router.
type RouterDeps struct {
	Registry   *registry.Registry
	Supervisor *supervisor.Supervisor
	Tools      *cache.ToolCache
	LLM        *llm.Manager
	Mounter    Mounter
	Store      store.Store
	StoreKind  string // "sqlite" or "memory", reported by /api/health
	Version    string
}

// NewRouter creates the admin API handler. The edge middleware is applied
// by the caller around the whole gateway, not here.
func NewRouter(deps RouterDeps) http.Handler {
	mux := http.NewServeMux()

	sh := &serverHandler{
		reg:     deps.Registry,
		sup:     deps.Supervisor,
		tools:   deps.Tools,
		mounter: deps.Mounter,
	}
	mux.HandleFunc("GET /api/servers", sh.list)
	mux.HandleFunc("POST /api/servers", sh.create)
	mux.HandleFunc("GET /api/servers/{id}", sh.get)
	mux.HandleFunc("PUT /api/servers/{id}", sh.update)
	mux.HandleFunc("DELETE /api/servers/{id}", sh.delete)
	mux.HandleFunc("POST /api/servers/{id}/start", sh.start)
	mux.HandleFunc("POST /api/servers/{id}/stop", sh.stop)
	mux.HandleFunc("POST /api/servers/{id}/restart", sh.restart)
	mux.HandleFunc("GET /api/servers/{id}/status", sh.status)
	mux.HandleFunc("GET /api/servers/{id}/logs", sh.logs)
	mux.HandleFunc("GET /api/servers/{id}/tools", sh.listTools)
	mux.HandleFunc("POST /api/servers/{id}/tools/{tool}/run", sh.runTool)
	mux.HandleFunc("GET /api/servers/{id}/instance/env", sh.getEnv)
	mux.HandleFunc("PUT /api/servers/{id}/instance/env", sh.putEnv)

	lh := &llmHandler{manager: deps.LLM}
	mux.HandleFunc("GET /api/llm/models", lh.list)
	mux.HandleFunc("POST /api/llm/models", lh.create)
	mux.HandleFunc("GET /api/llm/models/{id}", lh.get)
	mux.HandleFunc("PUT /api/llm/models/{id}", lh.update)
	mux.HandleFunc("DELETE /api/llm/models/{id}", lh.delete)
	mux.HandleFunc("POST /api/llm/models/{id}/invoke", lh.invoke)
	mux.HandleFunc("POST /api/llm/models/{id}/restart", lh.restart)
	mux.HandleFunc("POST /api/llm/models/{id}/stop", lh.stop)
	mux.HandleFunc("GET /api/llm/models/{id}/health", lh.health)
	mux.HandleFunc("GET /api/llm/models/{id}/logs", lh.logs)

	hh := &healthHandler{
		st:        deps.Store,
		llm:       deps.LLM,
		sup:       deps.Supervisor,
		storeKind: deps.StoreKind,
		version:   deps.Version,
	}
	mux.HandleFunc("GET /api/health", hh.get)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, fault.New(fault.BadInput, "no route %s %s", r.Method, r.URL.Path))
	})

	return mux
}
