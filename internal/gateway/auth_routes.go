package gateway

import (
	"log/slog"
	"net/http"

	"github.com/fluidmcp/fluidmcp/internal/fault"
	"github.com/fluidmcp/fluidmcp/internal/oauth"
	"github.com/fluidmcp/fluidmcp/internal/registry"
)

// authRoutes serves /{id}/auth/login and /{id}/auth/callback for servers
// carrying an auth block. These stay open even when the admin edge is
// bearer-guarded, since the provider's browser redirect cannot carry a
// token.
type authRoutes struct {
	reg    *registry.Registry
	broker *oauth.Broker
	log    *slog.Logger
}

// NewAuthRoutes builds the OAuth route glue.
func NewAuthRoutes(reg *registry.Registry, broker *oauth.Broker, log *slog.Logger) *authRoutes {
	if log == nil {
		log = slog.Default()
	}
	return &authRoutes{reg: reg, broker: broker, log: log.With("component", "gateway")}
}

func (a *authRoutes) login(w http.ResponseWriter, r *http.Request, serverID string) {
	cfg, err := a.reg.Get(r.Context(), serverID)
	if err != nil {
		writeFaultError(w, err)
		return
	}
	if cfg.Auth == nil {
		writeFaultError(w, fault.New(fault.UnknownServer, "server %s has no auth configuration", serverID))
		return
	}

	location, err := a.broker.Login(serverID, *cfg.Auth)
	if err != nil {
		writeFaultError(w, err)
		return
	}
	http.Redirect(w, r, location, http.StatusFound)
}

func (a *authRoutes) callback(w http.ResponseWriter, r *http.Request, serverID string) {
	q := r.URL.Query()
	body, err := a.broker.Callback(r.Context(), serverID, q.Get("state"), q.Get("code"))
	if err != nil {
		writeFaultError(w, err)
		return
	}

	// The provider's token JSON is the response body; nothing is retained.
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}
