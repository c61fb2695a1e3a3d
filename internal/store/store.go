// Package store persists changesets and the replication checkpoint.
//
// Every backend implements Gateway. Inserts are keyed by the changeset id and
// never overwrite; the checkpoint is a single row updated in place.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/paulmach/osm"

	"github.com/wegman-software/osmchanges-go/internal/changeset"
	"github.com/wegman-software/osmchanges-go/internal/config"
)

// ErrDuplicateKey is returned by Insert when the changeset id is already stored
var ErrDuplicateKey = errors.New("changeset already stored")

// Checkpoint is the replication watermark: the highest sequence whose
// increment has been fully ingested
type Checkpoint struct {
	Sequence  int64
	UpdatedAt time.Time
}

// Gateway is the persistent store used by ingestion and sync
type Gateway interface {
	Exists(ctx context.Context, id osm.ChangesetID) (bool, error)
	Insert(ctx context.Context, cs *changeset.Changeset) error
	// ReadCheckpoint returns nil and no error before the first sync
	ReadCheckpoint(ctx context.Context) (*Checkpoint, error)
	WriteCheckpoint(ctx context.Context, sequence int64) error
	Close() error
}

// Setupper is implemented by backends that can create their own schema
type Setupper interface {
	Setup(ctx context.Context, dropExisting bool) error
}

// Counter is implemented by backends that can report how many changesets
// they hold
type Counter interface {
	Count(ctx context.Context) (int64, error)
}

// Open connects to the backend selected in cfg
func Open(ctx context.Context, cfg *config.Config) (Gateway, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		pg, err := NewPostgres(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return pg, nil
	case config.BackendSQLite:
		lite, err := OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return lite, nil
	case config.BackendMemory:
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// row flattens a changeset into column order shared by the SQL backends:
// osm_id, uid, username, num_changes, open, created_at, closed_at,
// min_lat, min_lon, max_lat, max_lon, comment, created_by, version, build
func row(cs *changeset.Changeset) []any {
	var username *string
	if cs.Username != "" {
		username = &cs.Username
	}
	return []any{
		int64(cs.ID),
		int64(cs.UserID),
		username,
		cs.NumChanges,
		cs.Open,
		cs.CreatedAt,
		cs.ClosedAt,
		cs.Bounds.MinLat,
		cs.Bounds.MinLon,
		cs.Bounds.MaxLat,
		cs.Bounds.MaxLon,
		cs.Comment,
		cs.CreatedBy,
		cs.Version,
		cs.Build,
	}
}

var rowColumns = []string{
	"osm_id", "uid", "username", "num_changes", "open", "created_at", "closed_at",
	"min_lat", "min_lon", "max_lat", "max_lon", "comment", "created_by", "version", "build",
}

func tagsJSON(tags map[string]string) ([]byte, error) {
	if tags == nil {
		tags = map[string]string{}
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tags: %w", err)
	}
	return b, nil
}
