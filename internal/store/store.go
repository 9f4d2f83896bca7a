package store

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the composite interface for all data access. The sqlite
// implementation is durable before each call returns; the memory
// implementation is a process-local fallback whose loss on restart is
// acceptable.
type Store interface {
	ServerStore
	InstanceStore
	LogStore
	Tx(ctx context.Context, fn func(Store) error) error
	Ping(ctx context.Context) error
	Close() error
}

// ServerStore manages server configuration records.
type ServerStore interface {
	// CreateServer inserts a new config. It returns ErrAlreadyExists when a
	// non-deleted row with the same id exists.
	CreateServer(ctx context.Context, s *ServerConfig) error
	// GetServer returns the non-deleted config with the given id.
	GetServer(ctx context.Context, id string) (*ServerConfig, error)
	// ListServers returns configs sorted by id for cursor stability.
	ListServers(ctx context.Context, opts ListServersOptions) ([]ServerConfig, error)
	// UpdateServer replaces the mutable fields of a non-deleted config.
	UpdateServer(ctx context.Context, s *ServerConfig) error
	// DeleteServer soft-deletes by setting deleted_at.
	DeleteServer(ctx context.Context, id string, at time.Time) error
	SetServerEnabled(ctx context.Context, id string, enabled bool) error
	// UpdateServerTools rewrites the denormalized tools hint.
	UpdateServerTools(ctx context.Context, id string, tools json.RawMessage) error
}

// InstanceStore manages runtime state snapshots.
type InstanceStore interface {
	UpsertInstance(ctx context.Context, snap *InstanceSnapshot) error
	GetInstance(ctx context.Context, serverID string) (*InstanceSnapshot, error)
	ListInstances(ctx context.Context) ([]InstanceSnapshot, error)
}

// LogStore manages the capped persisted log collection.
type LogStore interface {
	AppendLogs(ctx context.Context, serverID string, entries []LogEntry) error
	ListLogs(ctx context.Context, serverID string, limit int) ([]LogEntry, error)
}
