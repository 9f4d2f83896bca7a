package api

import (
	"net/http"

	"github.com/fluidmcp/fluidmcp/internal/llm"
	"github.com/fluidmcp/fluidmcp/internal/store"
	"github.com/fluidmcp/fluidmcp/internal/supervisor"
)

// healthHandler serves GET /api/health: version, store kind, and counts.
type healthHandler struct {
	st        store.Store
	llm       *llm.Manager
	sup       *supervisor.Supervisor
	storeKind string
	version   string
}

func (h *healthHandler) get(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if h.st != nil {
		if err := h.st.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	var serverCount, runningCount int
	if h.st != nil {
		if servers, err := h.st.ListServers(r.Context(), store.ListServersOptions{}); err == nil {
			serverCount = len(servers)
		}
	}
	for _, s := range h.sup.Statuses() {
		if s.State == supervisor.StateRunning {
			runningCount++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"version":   h.version,
		"store":     h.storeKind,
		"servers":   serverCount,
		"running":   runningCount,
		"models":    h.llm.Count(),
	})
}
