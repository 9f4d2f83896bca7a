package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/fluidmcp/fluidmcp/internal/cache"
	"github.com/fluidmcp/fluidmcp/internal/fault"
	"github.com/fluidmcp/fluidmcp/internal/mcp"
	"github.com/fluidmcp/fluidmcp/internal/registry"
	"github.com/fluidmcp/fluidmcp/internal/store"
	"github.com/fluidmcp/fluidmcp/internal/supervisor"
)

// serverHandler serves the /api/servers surface.
type serverHandler struct {
	reg     *registry.Registry
	sup     *supervisor.Supervisor
	tools   *cache.ToolCache
	mounter Mounter
}

// serverView is a config joined with its runtime state.
type serverView struct {
	store.ServerConfig
	State supervisor.State `json:"state"`
}

func (h *serverHandler) view(cfg store.ServerConfig) serverView {
	return serverView{ServerConfig: cfg, State: h.sup.Status(cfg.ID).State}
}

func (h *serverHandler) list(w http.ResponseWriter, r *http.Request) {
	opts := store.ListServersOptions{
		EnabledOnly:    queryBool(r, "enabled_only"),
		IncludeDeleted: queryBool(r, "include_deleted"),
	}
	servers, err := h.reg.List(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]serverView, 0, len(servers))
	for _, cfg := range servers {
		views = append(views, h.view(cfg))
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": views})
}

func (h *serverHandler) create(w http.ResponseWriter, r *http.Request) {
	var cfg store.ServerConfig
	if err := decodeJSON(r, &cfg); err != nil {
		writeError(w, err)
		return
	}
	created, err := h.reg.Create(r.Context(), &cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	h.mounter.Mount(created.ID, created.Auth != nil)
	writeJSON(w, http.StatusCreated, h.view(*created))
}

func (h *serverHandler) get(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.reg.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(*cfg))
}

func (h *serverHandler) update(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var patch store.ServerConfig
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	updated, err := h.reg.Update(r.Context(), id, &patch)
	if err != nil {
		writeError(w, err)
		return
	}
	// The auth block may have appeared or vanished; reinstall the routes.
	h.mounter.Unmount(id)
	h.mounter.Mount(id, updated.Auth != nil)
	h.tools.Invalidate(id)
	writeJSON(w, http.StatusOK, h.view(*updated))
}

// delete retires a server: child stopped, config soft-deleted, routes
// drained and removed, in that order.
func (h *serverHandler) delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.reg.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if err := h.sup.Remove(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if err := h.reg.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	h.mounter.Unmount(id)
	h.tools.Invalidate(id)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (h *serverHandler) start(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.reg.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if err := h.sup.Start(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.sup.Status(id))
}

func (h *serverHandler) stop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.reg.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if err := h.sup.Stop(r.Context(), id, queryBool(r, "force")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.sup.Status(id))
}

func (h *serverHandler) restart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.reg.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if err := h.sup.Restart(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.sup.Status(id))
}

func (h *serverHandler) status(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.reg.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.sup.Status(id))
}

func (h *serverHandler) logs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.reg.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	lines, err := queryInt(r, "lines", 100)
	if err != nil {
		writeError(w, err)
		return
	}
	records := h.sup.Logs(id, lines)
	writeJSON(w, http.StatusOK, map[string]any{"server_id": id, "logs": records})
}

// listTools returns the cached tools/list result, byte-preserved from the
// child. ?refresh forces a fresh fetch.
func (h *serverHandler) listTools(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.reg.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if queryBool(r, "refresh") {
		h.tools.Invalidate(id)
	}
	raw, version, err := h.tools.Raw(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"server_id": id,
		"version":   version,
		"result":    raw,
	})
}

// DefaultRunTimeout bounds a tool run when the caller does not override
// it; a silent child surfaces mcp-timeout instead of hanging the request.
const DefaultRunTimeout = 60 * time.Second

// runTool invokes one tool through the supervisor, gated on the cache so
// unknown names fail without a child round-trip.
func (h *serverHandler) runTool(w http.ResponseWriter, r *http.Request) {
	id, tool := r.PathValue("id"), r.PathValue("tool")
	if _, err := h.reg.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	timeout := DefaultRunTimeout
	if s := r.URL.Query().Get("timeout"); s != "" {
		secs, err := strconv.Atoi(s)
		if err != nil || secs <= 0 {
			writeError(w, fault.New(fault.BadInput, "invalid timeout %q", s))
			return
		}
		timeout = time.Duration(secs) * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	params := mcp.CallToolParams{Name: tool}
	if r.ContentLength != 0 {
		var body struct {
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
		params.Arguments = body.Arguments
	}

	if err := h.tools.CheckTool(ctx, id, tool); err != nil {
		writeError(w, err)
		return
	}
	raw, err := json.Marshal(params)
	if err != nil {
		writeError(w, fault.Wrap(fault.Internal, err, "encode tool params"))
		return
	}
	resp, err := h.sup.Call(ctx, id, mcp.MethodToolsCall, raw)
	if err != nil {
		writeError(w, err)
		return
	}
	// The child's result or error object passes through verbatim.
	writeJSON(w, http.StatusOK, map[string]any{
		"result": resp.Result,
		"error":  resp.Error,
	})
}

func (h *serverHandler) getEnv(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.reg.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	overlay := h.sup.Instance(id).EnvOverlay()
	writeJSON(w, http.StatusOK, map[string]any{"server_id": id, "env": overlay})
}

// putEnv replaces the instance env overlay. A running server restarts so
// the change takes effect.
func (h *serverHandler) putEnv(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.reg.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Env map[string]string `json:"env"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := registry.ValidateEnv(body.Env); err != nil {
		writeError(w, err)
		return
	}
	if err := h.sup.Instance(id).SetEnvOverlay(r.Context(), body.Env); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"server_id": id, "env": body.Env})
}

func queryBool(r *http.Request, name string) bool {
	switch r.URL.Query().Get(name) {
	case "true", "1", "yes":
		return true
	}
	return false
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fault.New(fault.BadInput, "invalid %s %q", name, s)
	}
	return n, nil
}
