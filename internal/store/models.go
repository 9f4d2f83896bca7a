package store

import (
	"encoding/json"
	"time"
)

// ServerConfig is the authoritative configuration of a managed MCP server.
type ServerConfig struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name,omitempty" yaml:"name,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Command     string            `json:"command" yaml:"command"`
	Args        []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Cwd         string            `json:"cwd,omitempty" yaml:"cwd,omitempty"`
	Enabled     bool              `json:"enabled" yaml:"enabled"`
	AutoStart   bool              `json:"auto_start,omitempty" yaml:"auto_start,omitempty"`
	AutoRestart bool              `json:"auto_restart,omitempty" yaml:"auto_restart,omitempty"`
	MaxRestarts int               `json:"max_restarts,omitempty" yaml:"max_restarts,omitempty"`
	Auth        *AuthConfig       `json:"auth,omitempty" yaml:"auth,omitempty"`

	// Tools is the denormalized tools/list result from the last successful
	// handshake, kept as raw JSON so schemas round-trip byte-for-byte. It
	// is a discovery hint only; dispatch consults the tool cache.
	Tools json.RawMessage `json:"tools,omitempty" yaml:"-"`

	Source    string     `json:"source,omitempty" yaml:"-"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" yaml:"-"`
	CreatedAt time.Time  `json:"created_at" yaml:"-"`
	UpdatedAt time.Time  `json:"updated_at" yaml:"-"`
}

// AuthConfig describes the OAuth provider fronted by a server's auth routes.
type AuthConfig struct {
	AuthorizationURL string   `json:"authorization_url" yaml:"authorization_url"`
	TokenURL         string   `json:"token_url" yaml:"token_url"`
	Scopes           []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`
	ClientIDEnv      string   `json:"client_id_env" yaml:"client_id_env"`
	ClientSecretEnv  string   `json:"client_secret_env,omitempty" yaml:"client_secret_env,omitempty"`
	RedirectPath     string   `json:"redirect_path,omitempty" yaml:"redirect_path,omitempty"`
}

// InstanceSnapshot is a persisted observability copy of a server's runtime
// state. The supervisor's in-memory instance is authoritative.
type InstanceSnapshot struct {
	ServerID     string     `json:"server_id"`
	State        string     `json:"state"`
	PID          int        `json:"pid,omitempty"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	ExitSignal   string     `json:"exit_signal,omitempty"`
	ExitReason   string     `json:"exit_reason,omitempty"`
	RestartCount int        `json:"restart_count"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// LogEntry is a persisted child output line. The per-server collection is
// capped; the in-memory ring remains the primary log source.
type LogEntry struct {
	ID        int64     `json:"id"`
	ServerID  string    `json:"server_id"`
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream"`
	Line      string    `json:"line"`
}

// ListServersOptions filters ListServers. The zero value lists all
// non-deleted servers.
type ListServersOptions struct {
	EnabledOnly    bool
	IncludeDeleted bool
}
