package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paulmach/osm"
	"go.uber.org/zap"

	"github.com/wegman-software/osmchanges-go/internal/changeset"
	"github.com/wegman-software/osmchanges-go/internal/config"
	"github.com/wegman-software/osmchanges-go/internal/logger"
)

// Postgres stores changesets in PostgreSQL through a pgx pool
type Postgres struct {
	cfg  *config.Config
	pool *pgxpool.Pool

	changes string // sanitized schema.changes
	state   string // sanitized schema.state

	insertSQL string

	// serializes checkpoint writes from this process
	checkpointMu sync.Mutex
}

// NewPostgres connects to PostgreSQL using the configured connection string
func NewPostgres(ctx context.Context, cfg *config.Config) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.DBMaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	return newPostgres(cfg, pool), nil
}

func newPostgres(cfg *config.Config, pool *pgxpool.Pool) *Postgres {
	p := &Postgres{
		cfg:     cfg,
		pool:    pool,
		changes: pgx.Identifier{cfg.DBSchema, "changes"}.Sanitize(),
		state:   pgx.Identifier{cfg.DBSchema, "state"}.Sanitize(),
	}

	placeholders := make([]string, 0, len(rowColumns)+1)
	for i := range rowColumns {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
	}
	tagsParam := fmt.Sprintf("$%d::jsonb", len(rowColumns)+1)
	if cfg.Hstore {
		tagsParam = fmt.Sprintf("$%d::text::hstore", len(rowColumns)+1)
	}
	placeholders = append(placeholders, tagsParam)

	p.insertSQL = fmt.Sprintf(
		"INSERT INTO %s (%s, tags) VALUES (%s) ON CONFLICT (osm_id) DO NOTHING",
		p.changes, strings.Join(rowColumns, ", "), strings.Join(placeholders, ", "),
	)
	return p
}

// Setup creates the changes and state tables, their indexes and the full
// text triggers on comment and created_by
func (p *Postgres) Setup(ctx context.Context, dropExisting bool) error {
	log := logger.Get()

	tagsType := "JSONB"
	if p.cfg.Hstore {
		tagsType = "hstore"
	}

	var stmts []string
	if p.cfg.DBSchema != "public" {
		stmts = append(stmts, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pgx.Identifier{p.cfg.DBSchema}.Sanitize()))
	}
	if p.cfg.Hstore {
		stmts = append(stmts, "CREATE EXTENSION IF NOT EXISTS hstore")
	}
	if dropExisting {
		log.Info("Dropping existing tables", zap.String("schema", p.cfg.DBSchema))
		stmts = append(stmts,
			fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", p.changes),
			fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", p.state),
		)
	}
	stmts = append(stmts,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			osm_id BIGINT NOT NULL,
			uid BIGINT NOT NULL,
			username VARCHAR(255),
			num_changes INTEGER,
			open BOOLEAN,
			created_at TIMESTAMPTZ,
			closed_at TIMESTAMPTZ,
			min_lat DOUBLE PRECISION,
			min_lon DOUBLE PRECISION,
			max_lat DOUBLE PRECISION,
			max_lon DOUBLE PRECISION,
			comment TEXT,
			comment_index TSVECTOR,
			created_by TEXT,
			created_by_index TSVECTOR,
			version VARCHAR(255),
			build VARCHAR(255),
			tags %s NOT NULL
		)`, p.changes, tagsType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY,
			sequence BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, p.state),
		fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS changes_osm_id_idx ON %s (osm_id)", p.changes),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS changes_username_idx ON %s (username)", p.changes),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS changes_created_at_idx ON %s (created_at)", p.changes),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS changes_closed_at_idx ON %s (closed_at)", p.changes),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS changes_created_by_idx ON %s (created_by)", p.changes),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS changes_comment_index_idx ON %s USING gin (comment_index)", p.changes),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS changes_created_by_index_idx ON %s USING gin (created_by_index)", p.changes),
	)
	for _, trigger := range []struct{ name, column, source string }{
		{"comment_index_trigger", "comment_index", "comment"},
		{"created_by_index_trigger", "created_by_index", "created_by"},
	} {
		stmts = append(stmts,
			fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", trigger.name, p.changes),
			fmt.Sprintf(`CREATE TRIGGER %s BEFORE INSERT OR UPDATE ON %s
				FOR EACH ROW EXECUTE PROCEDURE tsvector_update_trigger('%s', 'pg_catalog.english', '%s')`,
				trigger.name, p.changes, trigger.column, trigger.source),
		)
	}

	for _, stmt := range stmts {
		log.Debug("Executing setup statement", zap.String("sql", stmt))
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("setup failed: %w", err)
		}
	}

	log.Info("Database ready", zap.String("table", p.changes), zap.String("state", p.state))
	return nil
}

func (p *Postgres) Exists(ctx context.Context, id osm.ChangesetID) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE osm_id = $1)", p.changes),
		int64(id),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to look up changeset %d: %w", id, err)
	}
	return exists, nil
}

func (p *Postgres) Insert(ctx context.Context, cs *changeset.Changeset) error {
	var tags any
	if p.cfg.Hstore {
		tags = hstoreLiteral(cs.Tags)
	} else {
		b, err := tagsJSON(cs.Tags)
		if err != nil {
			return err
		}
		tags = b
	}

	tag, err := p.pool.Exec(ctx, p.insertSQL, append(row(cs), tags)...)
	if err != nil {
		return fmt.Errorf("failed to insert changeset %d: %w", cs.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateKey
	}
	return nil
}

func (p *Postgres) ReadCheckpoint(ctx context.Context) (*Checkpoint, error) {
	var cp Checkpoint
	err := p.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT sequence, updated_at FROM %s WHERE id = 1", p.state),
	).Scan(&cp.Sequence, &cp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return &cp, nil
}

func (p *Postgres) WriteCheckpoint(ctx context.Context, sequence int64) error {
	p.checkpointMu.Lock()
	defer p.checkpointMu.Unlock()

	_, err := p.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, sequence, updated_at) VALUES (1, $1, now())
		ON CONFLICT (id) DO UPDATE SET sequence = EXCLUDED.sequence, updated_at = EXCLUDED.updated_at`,
		p.state), sequence)
	if err != nil {
		return fmt.Errorf("failed to write checkpoint %d: %w", sequence, err)
	}
	return nil
}

// Count returns the number of stored changesets
func (p *Postgres) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := p.pool.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s", p.changes)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count changesets: %w", err)
	}
	return n, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// hstoreLiteral renders tags in hstore text input format
func hstoreLiteral(tags map[string]string) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(hstoreQuote(k))
		sb.WriteString("=>")
		sb.WriteString(hstoreQuote(tags[k]))
	}
	return sb.String()
}

func hstoreQuote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
