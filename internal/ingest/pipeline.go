// Package ingest writes decoded changesets into a store, skipping records
// that are already present so the same input can be ingested any number of
// times.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/wegman-software/osmchanges-go/internal/changeset"
	"github.com/wegman-software/osmchanges-go/internal/logger"
	"github.com/wegman-software/osmchanges-go/internal/store"
)

// Source yields changesets until io.EOF. *changeset.Decoder implements it.
type Source interface {
	Next() (*changeset.Changeset, error)
}

// Options control a single ingest pass
type Options struct {
	// SkipOpen drops changesets that are still open. The sync path sets it
	// because open changesets are never revisited once stored.
	SkipOpen bool

	// ProgressEvery calls Progress after this many records (0 = never)
	ProgressEvery int64
	Progress      func(Stats)
}

// Stats holds the outcome of an ingest pass
type Stats struct {
	Read        int64
	Inserted    int64
	Existing    int64
	Duplicates  int64 // lost an insert race, treated as existing
	SkippedOpen int64
	Malformed   int64
	Elapsed     time.Duration
}

// Add accumulates other into s
func (s *Stats) Add(other Stats) {
	s.Read += other.Read
	s.Inserted += other.Inserted
	s.Existing += other.Existing
	s.Duplicates += other.Duplicates
	s.SkippedOpen += other.SkippedOpen
	s.Malformed += other.Malformed
	s.Elapsed += other.Elapsed
}

// Fields returns the stats as log fields
func (s Stats) Fields() []zap.Field {
	return []zap.Field{
		zap.Int64("read", s.Read),
		zap.Int64("inserted", s.Inserted),
		zap.Int64("existing", s.Existing+s.Duplicates),
		zap.Int64("skipped_open", s.SkippedOpen),
		zap.Int64("malformed", s.Malformed),
		zap.Duration("elapsed", s.Elapsed.Round(time.Millisecond)),
	}
}

// Pipeline moves changesets from a Source into a store.Gateway
type Pipeline struct {
	gw store.Gateway
}

// New creates a pipeline writing to gw
func New(gw store.Gateway) *Pipeline {
	return &Pipeline{gw: gw}
}

// Ingest reads src to the end and inserts every changeset not yet stored.
// Malformed records are counted and skipped; any other source or store
// error stops the pass and is returned together with the stats so far.
func (p *Pipeline) Ingest(ctx context.Context, src Source, opts Options) (*Stats, error) {
	log := logger.Get()
	start := time.Now()
	stats := &Stats{}
	defer func() { stats.Elapsed = time.Since(start) }()

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		cs, err := src.Next()
		if err == io.EOF {
			return stats, nil
		}
		if errors.Is(err, changeset.ErrMalformedRecord) {
			stats.Malformed++
			log.Warn("Skipping malformed changeset", zap.Error(err))
			continue
		}
		if err != nil {
			return stats, fmt.Errorf("failed to read changesets: %w", err)
		}
		stats.Read++

		if err := p.apply(ctx, cs, opts, stats); err != nil {
			return stats, err
		}

		if opts.Progress != nil && opts.ProgressEvery > 0 && stats.Read%opts.ProgressEvery == 0 {
			stats.Elapsed = time.Since(start)
			opts.Progress(*stats)
		}
	}
}

func (p *Pipeline) apply(ctx context.Context, cs *changeset.Changeset, opts Options, stats *Stats) error {
	log := logger.Get()

	if opts.SkipOpen && cs.Open {
		stats.SkippedOpen++
		return nil
	}

	exists, err := p.gw.Exists(ctx, cs.ID)
	if err != nil {
		return err
	}
	if exists {
		stats.Existing++
		return nil
	}

	err = p.gw.Insert(ctx, cs)
	switch {
	case errors.Is(err, store.ErrDuplicateKey):
		stats.Duplicates++
	case err != nil:
		return err
	default:
		stats.Inserted++
		log.Debug("Created changeset", zap.Int64("osm_id", int64(cs.ID)))
	}
	return nil
}
