package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/paulmach/osm"

	"github.com/wegman-software/osmchanges-go/internal/changeset"
)

// SQLite stores changesets in an embedded SQLite database. Tags are kept as
// JSON text.
type SQLite struct {
	db   *sql.DB
	path string

	insertSQL    string
	checkpointMu sync.Mutex
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS changes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	osm_id INTEGER NOT NULL,
	uid INTEGER NOT NULL,
	username TEXT,
	num_changes INTEGER,
	open INTEGER,
	created_at TEXT,
	closed_at TEXT,
	min_lat REAL,
	min_lon REAL,
	max_lat REAL,
	max_lon REAL,
	comment TEXT,
	created_by TEXT,
	version TEXT,
	build TEXT,
	tags TEXT NOT NULL DEFAULT '{}'
);
CREATE UNIQUE INDEX IF NOT EXISTS changes_osm_id_idx ON changes (osm_id);
CREATE INDEX IF NOT EXISTS changes_username_idx ON changes (username);
CREATE INDEX IF NOT EXISTS changes_created_at_idx ON changes (created_at);
CREATE INDEX IF NOT EXISTS changes_closed_at_idx ON changes (closed_at);
CREATE INDEX IF NOT EXISTS changes_created_by_idx ON changes (created_by);
CREATE TABLE IF NOT EXISTS state (
	id INTEGER PRIMARY KEY,
	sequence INTEGER NOT NULL,
	updated_at TEXT NOT NULL
);
`

// OpenSQLite opens (creating if needed) the database file at path and makes
// sure the schema exists
func OpenSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer; SQLite serializes writes anyway and this keeps
	// :memory: databases on a single connection
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLite{db: db, path: path}
	if err := s.Setup(context.Background(), false); err != nil {
		_ = db.Close()
		return nil, err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(rowColumns)+1), ", ")
	s.insertSQL = fmt.Sprintf(
		"INSERT INTO changes (%s, tags) VALUES (%s) ON CONFLICT (osm_id) DO NOTHING",
		strings.Join(rowColumns, ", "), placeholders,
	)
	return s, nil
}

// Setup creates the tables and indexes
func (s *SQLite) Setup(ctx context.Context, dropExisting bool) error {
	if dropExisting {
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS changes; DROP TABLE IF EXISTS state;"); err != nil {
			return fmt.Errorf("failed to drop tables: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *SQLite) Exists(ctx context.Context, id osm.ChangesetID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM changes WHERE osm_id = ?)", int64(id),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to look up changeset %d: %w", id, err)
	}
	return exists, nil
}

func (s *SQLite) Insert(ctx context.Context, cs *changeset.Changeset) error {
	tags, err := tagsJSON(cs.Tags)
	if err != nil {
		return err
	}

	args := row(cs)
	// timestamps as RFC 3339 text so they sort and compare as strings
	args[5] = sqliteTime(cs.CreatedAt)
	args[6] = sqliteTime(cs.ClosedAt)
	args = append(args, string(tags))

	res, err := s.db.ExecContext(ctx, s.insertSQL, args...)
	if err != nil {
		return fmt.Errorf("failed to insert changeset %d: %w", cs.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert changeset %d: %w", cs.ID, err)
	}
	if n == 0 {
		return ErrDuplicateKey
	}
	return nil
}

func (s *SQLite) ReadCheckpoint(ctx context.Context) (*Checkpoint, error) {
	var (
		cp      Checkpoint
		updated string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT sequence, updated_at FROM state WHERE id = 1",
	).Scan(&cp.Sequence, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		cp.UpdatedAt = t
	}
	return &cp, nil
}

func (s *SQLite) WriteCheckpoint(ctx context.Context, sequence int64) error {
	s.checkpointMu.Lock()
	defer s.checkpointMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO state (id, sequence, updated_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET sequence = excluded.sequence, updated_at = excluded.updated_at`,
		sequence, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to write checkpoint %d: %w", sequence, err)
	}
	return nil
}

// Count returns the number of stored changesets
func (s *SQLite) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM changes").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count changesets: %w", err)
	}
	return n, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func sqliteTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
