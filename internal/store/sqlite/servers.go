package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/fluidmcp/fluidmcp/internal/store"
	"github.com/google/uuid"
)

const serverColumns = `pk, id, name, description, command, args, env, cwd,
	enabled, auto_start, auto_restart, max_restarts, auth, tools, source,
	deleted_at, created_at, updated_at`

func (d *DB) CreateServer(ctx context.Context, s *store.ServerConfig) error {
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now
	if s.Source == "" {
		s.Source = "api"
	}

	args, err := encodeStrings(s.Args)
	if err != nil {
		return err
	}
	env, err := d.encodeEnv(s.Env)
	if err != nil {
		return err
	}
	auth, err := encodeJSON(authOrNil(s.Auth))
	if err != nil {
		return err
	}
	tools, err := encodeJSON(s.Tools)
	if err != nil {
		return err
	}

	_, err = d.q.ExecContext(ctx, `
		INSERT INTO servers
			(pk, id, name, description, command, args, env, cwd, enabled,
			 auto_start, auto_restart, max_restarts, auth, tools, source,
			 deleted_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		uuid.NewString(), s.ID, s.Name, s.Description, s.Command, args, env,
		s.Cwd, s.Enabled, s.AutoStart, s.AutoRestart, s.MaxRestarts,
		auth, tools, s.Source, formatTime(s.CreatedAt), formatTime(s.UpdatedAt),
	)
	if err != nil {
		return mapConstraintError(err)
	}
	return nil
}

func (d *DB) GetServer(ctx context.Context, id string) (*store.ServerConfig, error) {
	row := d.q.QueryRowContext(ctx, `
		SELECT `+serverColumns+`
		FROM servers WHERE id = ? AND deleted_at IS NULL`, id)
	return d.scanServer(row)
}

func (d *DB) ListServers(ctx context.Context, opts store.ListServersOptions) ([]store.ServerConfig, error) {
	query := `SELECT ` + serverColumns + ` FROM servers`
	var conds []string
	if !opts.IncludeDeleted {
		conds = append(conds, "deleted_at IS NULL")
	}
	if opts.EnabledOnly {
		conds = append(conds, "enabled = 1")
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY id, created_at"

	rows, err := d.q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.ServerConfig
	for rows.Next() {
		s, err := d.scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (d *DB) UpdateServer(ctx context.Context, s *store.ServerConfig) error {
	s.UpdatedAt = time.Now().UTC()
	if s.Source == "" {
		s.Source = "api"
	}

	args, err := encodeStrings(s.Args)
	if err != nil {
		return err
	}
	env, err := d.encodeEnv(s.Env)
	if err != nil {
		return err
	}
	auth, err := encodeJSON(authOrNil(s.Auth))
	if err != nil {
		return err
	}

	res, err := d.q.ExecContext(ctx, `
		UPDATE servers
		SET name = ?, description = ?, command = ?, args = ?, env = ?,
		    cwd = ?, enabled = ?, auto_start = ?, auto_restart = ?,
		    max_restarts = ?, auth = ?, source = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		s.Name, s.Description, s.Command, args, env, s.Cwd, s.Enabled,
		s.AutoStart, s.AutoRestart, s.MaxRestarts, auth, s.Source,
		formatTime(s.UpdatedAt), s.ID,
	)
	if err != nil {
		return mapConstraintError(err)
	}
	return checkRowsAffected(res)
}

func (d *DB) DeleteServer(ctx context.Context, id string, at time.Time) error {
	res, err := d.q.ExecContext(ctx, `
		UPDATE servers SET deleted_at = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		formatTime(at), formatTime(at), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (d *DB) SetServerEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := d.q.ExecContext(ctx, `
		UPDATE servers SET enabled = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		enabled, formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (d *DB) UpdateServerTools(ctx context.Context, id string, tools json.RawMessage) error {
	enc, err := encodeJSON(tools)
	if err != nil {
		return err
	}
	res, err := d.q.ExecContext(ctx, `
		UPDATE servers SET tools = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		enc, formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (d *DB) scanServer(row rowScanner) (*store.ServerConfig, error) {
	var (
		s         store.ServerConfig
		pk        string
		args      string
		env       []byte
		auth      *string
		tools     *string
		deletedAt *string
		createdAt string
		updatedAt string
	)
	err := row.Scan(
		&pk, &s.ID, &s.Name, &s.Description, &s.Command, &args, &env,
		&s.Cwd, &s.Enabled, &s.AutoStart, &s.AutoRestart, &s.MaxRestarts,
		&auth, &tools, &s.Source, &deletedAt, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if s.Args, err = decodeStrings(args); err != nil {
		return nil, err
	}
	if s.Env, err = d.decodeEnv(env); err != nil {
		return nil, err
	}
	if auth != nil {
		var a store.AuthConfig
		if err := json.Unmarshal([]byte(*auth), &a); err != nil {
			return nil, err
		}
		s.Auth = &a
	}
	if tools != nil {
		s.Tools = json.RawMessage(*tools)
	}
	s.DeletedAt = parseTimePtr(deletedAt)
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updatedAt)
	return &s, nil
}

// authOrNil keeps NULL in the auth column for servers without an auth block.
func authOrNil(a *store.AuthConfig) any {
	if a == nil {
		return nil
	}
	return a
}
