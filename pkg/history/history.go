// Package history keeps a record of update cycles in a SQLite database.
package history

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/ota"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Entry is one update cycle.
type Entry struct {
	ID         int64
	Started    time.Time
	Finished   time.Time
	Flow       ota.Flow
	Connection ota.ConnectionKind
	// Version is the version offered, empty when no job was read.
	Version string
	Code    ota.Code
	Err     string
	Bytes   int64
	// Attempts is the number of connect attempts spent.
	Attempts int
}

// Succeeded reports whether the cycle ended without failure.
func (e *Entry) Succeeded() bool {
	return e.Code == ota.CodeSuccess || e.Code.Informational()
}

// Store is the update history database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, errors.Wrap(err, "unable to create history directory")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open history")
	}
	// One writer: the agent.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "unable to open history")
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS cycles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL,
		flow INTEGER NOT NULL,
		connection INTEGER NOT NULL,
		version TEXT NOT NULL DEFAULT '',
		code INTEGER NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		bytes INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_cycles_started ON cycles(started_at);
	`
	_, err := s.db.Exec(query)
	return errors.Wrap(err, "unable to create history schema")
}

// Record stores e and returns its id.
func (s *Store) Record(ctx context.Context, e *Entry) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO cycles (started_at, finished_at, flow, connection, version, code, error, bytes, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Started.UnixNano(), e.Finished.UnixNano(), int(e.Flow), int(e.Connection),
		e.Version, int(e.Code), e.Err, e.Bytes, e.Attempts)
	if err != nil {
		return 0, errors.Wrap(err, "unable to record cycle")
	}
	id, err := res.LastInsertId()
	return id, errors.Wrap(err, "unable to record cycle")
}

// Recent returns up to n entries, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, flow, connection, version, code, error, bytes, attempts
		FROM cycles ORDER BY started_at DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, errors.Wrap(err, "unable to query history")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                 Entry
			started, finished int64
			flow, conn, code  int
		)
		if err := rows.Scan(&e.ID, &started, &finished, &flow, &conn, &e.Version, &code, &e.Err, &e.Bytes, &e.Attempts); err != nil {
			return nil, errors.Wrap(err, "unable to scan history")
		}
		e.Started = time.Unix(0, started)
		e.Finished = time.Unix(0, finished)
		e.Flow = ota.Flow(flow)
		e.Connection = ota.ConnectionKind(conn)
		e.Code = ota.Code(code)
		entries = append(entries, e)
	}
	return entries, errors.Wrap(rows.Err(), "unable to read history")
}

// LastSuccess returns the newest successful entry, or nil.
func (s *Store) LastSuccess(ctx context.Context) (*Entry, error) {
	entries, err := s.Recent(ctx, 100)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].Succeeded() && entries[i].Version != "" {
			return &entries[i], nil
		}
	}
	return nil, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
