package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/fluidmcp/fluidmcp/internal/fault"
	"github.com/fluidmcp/fluidmcp/internal/llm"
)

// llmHandler serves the /api/llm/models surface.
type llmHandler struct {
	manager *llm.Manager
}

func (h *llmHandler) list(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": h.manager.List()})
}

func (h *llmHandler) create(w http.ResponseWriter, r *http.Request) {
	var model llm.Model
	if err := decodeJSON(r, &model); err != nil {
		writeError(w, err)
		return
	}
	created, err := h.manager.Create(model)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *llmHandler) get(w http.ResponseWriter, r *http.Request) {
	model, err := h.manager.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model)
}

func (h *llmHandler) update(w http.ResponseWriter, r *http.Request) {
	var model llm.Model
	if err := decodeJSON(r, &model); err != nil {
		writeError(w, err)
		return
	}
	updated, err := h.manager.Update(r.PathValue("id"), model)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *llmHandler) delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.manager.Delete(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

// invoke runs one inference. The payload body is handed to the backend
// as-is; ?timeout overrides the default deadline.
func (h *llmHandler) invoke(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	timeout := llm.DefaultInvokeTimeout
	if s := r.URL.Query().Get("timeout"); s != "" {
		secs, err := queryInt(r, "timeout", 0)
		if err != nil || secs <= 0 {
			writeError(w, fault.New(fault.BadInput, "invalid timeout %q", s))
			return
		}
		timeout = time.Duration(secs) * time.Second
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		writeError(w, fault.Wrap(fault.BadInput, err, "read invoke payload"))
		return
	}
	if len(payload) > 0 && !json.Valid(payload) {
		writeError(w, fault.New(fault.BadInput, "invoke payload must be valid json"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	out, err := h.manager.Invoke(ctx, id, payload)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(out)
}

func (h *llmHandler) restart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.manager.Restart(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	health, err := h.manager.HealthCheck(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (h *llmHandler) stop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.manager.Stop(r.Context(), id, queryBool(r, "force")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": id})
}

func (h *llmHandler) health(w http.ResponseWriter, r *http.Request) {
	health, err := h.manager.HealthCheck(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (h *llmHandler) logs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	lines, err := queryInt(r, "lines", 100)
	if err != nil {
		writeError(w, err)
		return
	}
	records, err := h.manager.Logs(id, lines)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"model_id": id, "logs": records})
}
