// Package tracesink provides a sqlite-backed implementation of
// sandbox.TraceSink: the append-only record of every finished console
// command's complete {prompt, command_text, full_output}, kept so an
// operator can inspect what a console actually did without replaying
// its polling transcript. The pure-Go driver keeps the module free of
// cgo.
package tracesink

import (
	"context"
	"database/sql"

	_ "modernc.org/sqlite"
)

// Store persists CommandTrace records to a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens or creates a SQLite database at path and ensures its schema
// exists. Callers must call Close when done.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS command_traces (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		workspace_id INTEGER NOT NULL,
		container_id INTEGER NOT NULL,
		track_id     INTEGER NOT NULL,
		command_id   TEXT NOT NULL,
		command_text TEXT NOT NULL DEFAULT '',
		full_output  TEXT NOT NULL DEFAULT '',
		prompt       TEXT NOT NULL DEFAULT '',
		recorded_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_command_traces_track ON command_traces(track_id);
	CREATE INDEX IF NOT EXISTS idx_command_traces_command ON command_traces(command_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record is the on-disk shape of one completed console command, mirroring
// sandbox.CommandTrace with plain int64 ids. Only Adapter (adapter.go)
// imports the root package to convert between the two; the root package
// does not import tracesink.
type Record struct {
	WorkspaceId int64
	ContainerId int64
	TrackId     int64
	CommandId   string
	CommandText string
	FullOutput  string
	Prompt      string
}

// RecordCommand inserts one completed command trace. It implements the
// single method of sandbox.TraceSink structurally; callers adapt with a
// thin wrapper (see Adapter) so this file need not import sandbox.
func (s *Store) RecordCommand(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO command_traces
		 (workspace_id, container_id, track_id, command_id, command_text, full_output, prompt)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.WorkspaceId, rec.ContainerId, rec.TrackId,
		rec.CommandId, rec.CommandText, rec.FullOutput, rec.Prompt,
	)
	return err
}

// ListByTrack returns all recorded commands for one track, oldest first.
func (s *Store) ListByTrack(ctx context.Context, trackId int64) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workspace_id, container_id, track_id, command_id, command_text, full_output, prompt
		 FROM command_traces WHERE track_id = ? ORDER BY id ASC`, trackId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.WorkspaceId, &r.ContainerId, &r.TrackId, &r.CommandId, &r.CommandText, &r.FullOutput, &r.Prompt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
