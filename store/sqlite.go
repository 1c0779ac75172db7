package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS plugins (
	id         TEXT PRIMARY KEY,
	record     BLOB NOT NULL,
	artifact   BLOB,
	updated_at INTEGER NOT NULL
)`

// SQLiteStore persists records in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens the database at dsn and creates the schema.
//
// Example dsns:
//
//	"pluginhost.db"
//	"file:pluginhost.db?_journal_mode=WAL"
//	":memory:"
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite: connection source is empty")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite: failed to open connection")
	}
	// A single connection serializes writers and keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "sqlite: failed to ping database")
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "sqlite: failed to create schema")
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, r *Record) error {
	e, err := encodeRecord(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO plugins (id, record, artifact, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET record = excluded.record, artifact = excluded.artifact, updated_at = excluded.updated_at`,
		r.ID(), e.record, e.artifact, time.Now().UnixNano())
	if err != nil {
		return errors.Wrapf(err, "sqlite: failed to save %s", r.ID())
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, id string) (*Record, error) {
	var e encoded
	err := s.db.QueryRowContext(ctx, `SELECT record, artifact FROM plugins WHERE id = ?`, id).
		Scan(&e.record, &e.artifact)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "sqlite: failed to load %s", id)
	}
	return decodeRecord(e)
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM plugins WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "sqlite: failed to delete %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "sqlite: failed to read affected rows")
	}
	if n == 0 {
		return notFound(id)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, record, artifact FROM plugins ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite: failed to list plugins")
	}
	defer rows.Close()

	var (
		out     []*Record
		corrupt error
	)
	for rows.Next() {
		var (
			id string
			e  encoded
		)
		if err := rows.Scan(&id, &e.record, &e.artifact); err != nil {
			return nil, errors.Wrap(err, "sqlite: failed to scan row")
		}
		r, err := decodeRecord(e)
		if err != nil {
			if skipCorrupt(&corrupt, id, err) {
				continue
			}
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite: failed to iterate rows")
	}
	return out, corrupt
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errors.Wrap(err, "sqlite: ping failed")
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, "sqlite: failed to close connection")
	}
	return nil
}
