// Package gateway is the HTTP multiplexer: it mounts and retires
// per-server routes (/{id}/mcp and /{id}/auth/*) on a copy-on-write
// routing table and proxies JSON-RPC traffic to supervised children.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fluidmcp/fluidmcp/internal/fault"
)

// DefaultDrainTimeout bounds how long an unmount waits for in-flight
// proxy requests before failing the stragglers.
const DefaultDrainTimeout = 5 * time.Second

// routeTable is an immutable snapshot of the mounted servers. Readers
// load it lock-free; mutations install a fresh copy.
type routeTable struct {
	entries map[string]*mountEntry
}

// mountEntry tracks one mounted server and its in-flight requests.
type mountEntry struct {
	serverID string
	hasAuth  bool

	mu       sync.Mutex
	inflight int
	draining bool
	idle     chan struct{} // closed when draining and inflight hits zero
	closed   chan struct{} // closed when the drain deadline passes
}

func newMountEntry(serverID string, hasAuth bool) *mountEntry {
	return &mountEntry{
		serverID: serverID,
		hasAuth:  hasAuth,
		idle:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

// enter registers an in-flight request. It fails once draining began.
func (e *mountEntry) enter() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.draining {
		return false
	}
	e.inflight++
	return true
}

func (e *mountEntry) leave() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inflight--
	if e.draining && e.inflight == 0 {
		select {
		case <-e.idle:
		default:
			close(e.idle)
		}
	}
}

// drain refuses new requests and waits for in-flight ones, bounded by
// timeout. Stragglers observe the closed channel and fail with
// shutting-down.
func (e *mountEntry) drain(timeout time.Duration) {
	e.mu.Lock()
	e.draining = true
	if e.inflight == 0 {
		select {
		case <-e.idle:
		default:
			close(e.idle)
		}
	}
	e.mu.Unlock()

	select {
	case <-e.idle:
	case <-time.After(timeout):
	}
	close(e.closed)
}

// Mux routes gateway traffic: the admin API under /api/, per-server MCP
// proxy and OAuth routes everywhere else.
type Mux struct {
	proxy  *Proxy
	auth   *authRoutes
	admin  http.Handler
	log    *slog.Logger
	table  atomic.Pointer[routeTable]
	drainT time.Duration
}

// NewMux builds the multiplexer. admin serves everything under /api/.
func NewMux(proxy *Proxy, auth *authRoutes, admin http.Handler, log *slog.Logger) *Mux {
	if log == nil {
		log = slog.Default()
	}
	m := &Mux{
		proxy:  proxy,
		auth:   auth,
		admin:  admin,
		log:    log.With("component", "gateway"),
		drainT: DefaultDrainTimeout,
	}
	m.table.Store(&routeTable{entries: map[string]*mountEntry{}})
	return m
}

// SetAdmin installs the admin handler. The admin router needs the Mux to
// mount and unmount routes, so it is built after the Mux and attached
// here before serving begins.
func (m *Mux) SetAdmin(admin http.Handler) {
	m.admin = admin
}

// Mount installs routes for a server. Readers observe either the old or
// the new table, never a half-installed state.
func (m *Mux) Mount(serverID string, hasAuth bool) {
	for {
		old := m.table.Load()
		next := &routeTable{entries: make(map[string]*mountEntry, len(old.entries)+1)}
		for k, v := range old.entries {
			next.entries[k] = v
		}
		next.entries[serverID] = newMountEntry(serverID, hasAuth)
		if m.table.CompareAndSwap(old, next) {
			m.log.Info("routes mounted", "server", serverID, "auth", hasAuth)
			return
		}
	}
}

// Unmount removes a server's routes and drains its in-flight requests.
func (m *Mux) Unmount(serverID string) {
	var entry *mountEntry
	for {
		old := m.table.Load()
		e, ok := old.entries[serverID]
		if !ok {
			return
		}
		next := &routeTable{entries: make(map[string]*mountEntry, len(old.entries))}
		for k, v := range old.entries {
			if k != serverID {
				next.entries[k] = v
			}
		}
		if m.table.CompareAndSwap(old, next) {
			entry = e
			break
		}
	}
	entry.drain(m.drainT)
	m.log.Info("routes unmounted", "server", serverID)
}

// Mounted reports whether a server's routes are installed.
func (m *Mux) Mounted(serverID string) bool {
	_, ok := m.table.Load().entries[serverID]
	return ok
}

func (m *Mux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if path == "/" || strings.HasPrefix(path, "/api/") {
		m.admin.ServeHTTP(w, r)
		return
	}

	serverID, rest, _ := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	entry, ok := m.table.Load().entries[serverID]
	if !ok {
		writeFaultError(w, fault.New(fault.UnknownServer, "no server mounted at %q", serverID))
		return
	}

	switch {
	case rest == "mcp" && r.Method == http.MethodPost:
		if !entry.enter() {
			writeFaultError(w, fault.New(fault.ShuttingDown, "server %s is unmounting", serverID))
			return
		}
		defer entry.leave()
		m.proxy.serveMCP(w, r, entry)
	case rest == "auth/login" && r.Method == http.MethodGet && entry.hasAuth:
		m.auth.login(w, r, serverID)
	case rest == "auth/callback" && r.Method == http.MethodGet && entry.hasAuth:
		m.auth.callback(w, r, serverID)
	default:
		writeFaultError(w, fault.New(fault.BadInput, "no route %s /%s/%s", r.Method, serverID, rest))
	}
}

// errorEnvelope is the gateway-level error body shared with the admin API.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// writeFaultError maps a classified error to its HTTP status and envelope.
func writeFaultError(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	body := errorBody{Kind: string(kind), Message: err.Error()}
	var fe *fault.Error
	if errors.As(err, &fe) {
		body.Message = fe.Message
		body.Details = fe.Details
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.HTTPStatus())
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: body})
}
