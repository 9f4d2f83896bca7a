package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/fluidmcp/fluidmcp/internal/store"
)

func (d *DB) UpsertInstance(ctx context.Context, snap *store.InstanceSnapshot) error {
	snap.UpdatedAt = time.Now().UTC()

	_, err := d.q.ExecContext(ctx, `
		INSERT INTO server_instances
			(server_id, state, pid, start_time, exit_code, exit_signal,
			 exit_reason, restart_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(server_id) DO UPDATE SET
			state = excluded.state,
			pid = excluded.pid,
			start_time = excluded.start_time,
			exit_code = excluded.exit_code,
			exit_signal = excluded.exit_signal,
			exit_reason = excluded.exit_reason,
			restart_count = excluded.restart_count,
			updated_at = excluded.updated_at`,
		snap.ServerID, snap.State, snap.PID, formatTimePtr(snap.StartTime),
		snap.ExitCode, snap.ExitSignal, snap.ExitReason, snap.RestartCount,
		formatTime(snap.UpdatedAt),
	)
	return err
}

func (d *DB) GetInstance(ctx context.Context, serverID string) (*store.InstanceSnapshot, error) {
	row := d.q.QueryRowContext(ctx, `
		SELECT server_id, state, pid, start_time, exit_code, exit_signal,
		       exit_reason, restart_count, updated_at
		FROM server_instances WHERE server_id = ?`, serverID)
	return scanInstance(row)
}

func (d *DB) ListInstances(ctx context.Context) ([]store.InstanceSnapshot, error) {
	rows, err := d.q.QueryContext(ctx, `
		SELECT server_id, state, pid, start_time, exit_code, exit_signal,
		       exit_reason, restart_count, updated_at
		FROM server_instances ORDER BY server_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.InstanceSnapshot
	for rows.Next() {
		snap, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	return out, rows.Err()
}

func scanInstance(row rowScanner) (*store.InstanceSnapshot, error) {
	var (
		snap      store.InstanceSnapshot
		startTime *string
		updatedAt string
	)
	err := row.Scan(
		&snap.ServerID, &snap.State, &snap.PID, &startTime, &snap.ExitCode,
		&snap.ExitSignal, &snap.ExitReason, &snap.RestartCount, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	snap.StartTime = parseTimePtr(startTime)
	snap.UpdatedAt = parseTime(updatedAt)
	return &snap, nil
}
