package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/fluidmcp/fluidmcp/internal/cache"
	"github.com/fluidmcp/fluidmcp/internal/fault"
	"github.com/fluidmcp/fluidmcp/internal/mcp"
	"github.com/fluidmcp/fluidmcp/internal/registry"
	"github.com/fluidmcp/fluidmcp/internal/supervisor"
)

// Proxy timing defaults.
const (
	DefaultCallTimeout  = 60 * time.Second
	DefaultAutoStartDDL = 15 * time.Second
	maxProxyBody        = 4 << 20 // 4 MiB
)

// Proxy forwards JSON-RPC envelopes from HTTP clients to supervised
// children. Only method and params cross the boundary; the client's id is
// echoed back verbatim, including 0 and string ids.
type Proxy struct {
	reg   *registry.Registry
	sup   *supervisor.Supervisor
	tools *cache.ToolCache
	log   *slog.Logger

	callTimeout  time.Duration
	autoStartDDL time.Duration
}

// NewProxy builds the MCP proxy.
func NewProxy(reg *registry.Registry, sup *supervisor.Supervisor, tools *cache.ToolCache, log *slog.Logger) *Proxy {
	if log == nil {
		log = slog.Default()
	}
	return &Proxy{
		reg:          reg,
		sup:          sup,
		tools:        tools,
		log:          log.With("component", "proxy"),
		callTimeout:  DefaultCallTimeout,
		autoStartDDL: DefaultAutoStartDDL,
	}
}

func (p *Proxy) serveMCP(w http.ResponseWriter, r *http.Request, entry *mountEntry) {
	serverID := entry.serverID

	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != "application/json" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnsupportedMediaType)
			_ = json.NewEncoder(w).Encode(errorEnvelope{Error: errorBody{
				Kind: string(fault.BadInput), Message: "expected application/json",
			}})
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxProxyBody))
	if err != nil {
		writeFaultError(w, fault.Wrap(fault.BadInput, err, "read request body"))
		return
	}
	var req mcp.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeFaultError(w, fault.Wrap(fault.BadInput, err, "invalid json-rpc envelope"))
		return
	}
	if req.Method == "" {
		writeFaultError(w, fault.New(fault.BadInput, "missing method"))
		return
	}

	timeout := p.callTimeout
	if s := r.URL.Query().Get("timeout"); s != "" {
		secs, err := strconv.Atoi(s)
		if err != nil || secs <= 0 {
			writeFaultError(w, fault.New(fault.BadInput, "invalid timeout %q", s))
			return
		}
		timeout = time.Duration(secs) * time.Second
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	// Unmount cancels stragglers so the drain can complete.
	go func() {
		select {
		case <-entry.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := p.ensureRunning(ctx, serverID); err != nil {
		writeFaultError(w, err)
		return
	}

	// Gate tools/call on the cache so unknown names fail locally.
	if req.Method == mcp.MethodToolsCall {
		var params mcp.CallToolParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
			writeFaultError(w, fault.New(fault.BadInput, "tools/call requires a tool name"))
			return
		}
		if err := p.tools.CheckTool(ctx, serverID, params.Name); err != nil {
			writeFaultError(w, err)
			return
		}
	}

	resp, err := p.sup.Call(ctx, serverID, req.Method, req.Params)
	if err != nil {
		select {
		case <-entry.closed:
			err = fault.New(fault.ShuttingDown, "server %s unmounted during request", serverID)
		default:
		}
		writeFaultError(w, err)
		return
	}

	// Re-wrap with the client's original id. Child errors pass through
	// verbatim in a 200; HTTP statuses are reserved for gateway failures.
	out := mcp.Response{JSONRPC: "2.0", ID: req.ID, Result: resp.Result, Error: resp.Error}
	if len(out.ID) == 0 {
		out.ID = json.RawMessage("null")
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// ensureRunning guarantees the child is up, auto-starting when the config
// allows it.
func (p *Proxy) ensureRunning(ctx context.Context, serverID string) error {
	inst := p.sup.Instance(serverID)
	if inst.State() == supervisor.StateRunning {
		return nil
	}

	cfg, err := p.reg.Get(ctx, serverID)
	if err != nil {
		return err
	}
	if !cfg.AutoStart {
		return fault.New(fault.NotRunning, "server %s is not running", serverID)
	}

	startCtx, cancel := context.WithTimeout(ctx, p.autoStartDDL)
	defer cancel()
	if err := inst.Start(startCtx); err != nil {
		return err
	}
	return nil
}
