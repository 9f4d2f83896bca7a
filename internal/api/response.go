package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/fluidmcp/fluidmcp/internal/fault"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// errorEnvelope is the error body shared with the gateway proxy.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// writeError maps a classified error to its HTTP status and envelope.
func writeError(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	body := errorBody{Kind: string(kind), Message: err.Error()}
	var fe *fault.Error
	if errors.As(err, &fe) {
		body.Message = fe.Message
		body.Details = fe.Details
	}
	writeJSON(w, kind.HTTPStatus(), errorEnvelope{Error: body})
}

// decodeJSON strictly decodes a JSON request body into v. Unknown fields
// are rejected so typos surface at the edge instead of silently dropping.
func decodeJSON(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fault.Wrap(fault.BadInput, err, "invalid request body")
	}
	return nil
}
