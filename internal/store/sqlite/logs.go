package sqlite

import (
	"context"

	"github.com/fluidmcp/fluidmcp/internal/store"
)

// logCapPerServer bounds the persisted log collection per server; the
// in-memory ring holds the full recent window.
const logCapPerServer = 1000

func (d *DB) AppendLogs(ctx context.Context, serverID string, entries []store.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return d.withTx(ctx, func(q queryable) error {
		for _, e := range entries {
			if _, err := q.ExecContext(ctx, `
				INSERT INTO server_logs (server_id, timestamp, stream, line)
				VALUES (?, ?, ?, ?)`,
				serverID, formatTime(e.Timestamp), e.Stream, e.Line,
			); err != nil {
				return err
			}
		}
		// Trim to the cap, oldest first.
		_, err := q.ExecContext(ctx, `
			DELETE FROM server_logs
			WHERE server_id = ? AND id NOT IN (
				SELECT id FROM server_logs
				WHERE server_id = ? ORDER BY id DESC LIMIT ?
			)`, serverID, serverID, logCapPerServer)
		return err
	})
}

func (d *DB) ListLogs(ctx context.Context, serverID string, limit int) ([]store.LogEntry, error) {
	if limit <= 0 || limit > logCapPerServer {
		limit = logCapPerServer
	}
	rows, err := d.q.QueryContext(ctx, `
		SELECT id, server_id, timestamp, stream, line FROM (
			SELECT id, server_id, timestamp, stream, line
			FROM server_logs WHERE server_id = ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, serverID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.LogEntry
	for rows.Next() {
		var (
			e  store.LogEntry
			ts string
		)
		if err := rows.Scan(&e.ID, &e.ServerID, &ts, &e.Stream, &e.Line); err != nil {
			return nil, err
		}
		e.Timestamp = parseTime(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}
