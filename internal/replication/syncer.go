package replication

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wegman-software/osmchanges-go/internal/changeset"
	"github.com/wegman-software/osmchanges-go/internal/ingest"
	"github.com/wegman-software/osmchanges-go/internal/logger"
	"github.com/wegman-software/osmchanges-go/internal/store"
)

// ErrNoResumePoint is returned when the store has no checkpoint and no
// starting sequence was given
var ErrNoResumePoint = errors.New("no sync checkpoint found: a starting sequence is required for the first sync")

// SyncError reports the increment a run stopped at
type SyncError struct {
	Sequence      int64
	LastCommitted *int64 // nil when nothing has ever been committed
	Err           error
}

func (e *SyncError) Error() string {
	committed := "none"
	if e.LastCommitted != nil {
		committed = fmt.Sprint(*e.LastCommitted)
	}
	return fmt.Sprintf("sync stopped at sequence %d (last committed: %s): %v", e.Sequence, committed, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Options tune a Syncer
type Options struct {
	// MaxIncrements caps the increments applied per run (0 = unlimited)
	MaxIncrements int
}

// Result summarizes a sync run
type Result struct {
	RunID         string
	First         int64 // first sequence the run wanted
	Remote        int64 // newest published sequence
	Applied       int
	LastCommitted *int64
	Stats         ingest.Stats
	Elapsed       time.Duration
}

// Syncer applies replication increments in sequence order and advances the
// store checkpoint after each one
type Syncer struct {
	gw       store.Gateway
	fetcher  Fetcher
	state    StateReader
	pipeline *ingest.Pipeline
	opts     Options
}

// NewSyncer creates a syncer writing to gw
func NewSyncer(gw store.Gateway, fetcher Fetcher, state StateReader, opts Options) *Syncer {
	return &Syncer{
		gw:       gw,
		fetcher:  fetcher,
		state:    state,
		pipeline: ingest.New(gw),
		opts:     opts,
	}
}

// Run syncs up to the newest published sequence. With start set the run
// begins at start (inclusive); otherwise it resumes at checkpoint+1. The
// checkpoint is written after every increment, so a failed or interrupted
// run loses at most the increment in flight.
func (s *Syncer) Run(ctx context.Context, start *int64) (*Result, error) {
	began := time.Now()
	result := &Result{RunID: uuid.NewString()}
	log := logger.Get().With(zap.String("run_id", result.RunID))
	defer func() { result.Elapsed = time.Since(began) }()

	cp, err := s.gw.ReadCheckpoint(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	if cp != nil {
		seq := cp.Sequence
		result.LastCommitted = &seq
	}

	switch {
	case start != nil:
		result.First = *start
	case cp != nil:
		result.First = cp.Sequence + 1
	default:
		return result, ErrNoResumePoint
	}
	if result.First < 0 {
		return result, fmt.Errorf("invalid starting sequence %d", result.First)
	}

	remote, err := s.state.CurrentSequence(ctx)
	if err != nil {
		if !errors.Is(err, ErrRemoteState) {
			err = fmt.Errorf("%w: %w", ErrRemoteState, err)
		}
		return result, err
	}
	result.Remote = remote

	if remote < result.First {
		log.Info("Already up to date",
			zap.Int64("next_sequence", result.First),
			zap.Int64("remote_sequence", remote))
		return result, nil
	}

	last := remote
	if s.opts.MaxIncrements > 0 && result.First+int64(s.opts.MaxIncrements)-1 < last {
		last = result.First + int64(s.opts.MaxIncrements) - 1
	}

	log.Info("Starting sync",
		zap.Int64("from", result.First),
		zap.Int64("to", last),
		zap.Int64("remote_sequence", remote))

	for seq := result.First; seq <= last; seq++ {
		if err := ctx.Err(); err != nil {
			return result, &SyncError{Sequence: seq, LastCommitted: result.LastCommitted, Err: err}
		}

		stats, err := s.apply(ctx, seq)
		if err == nil {
			err = s.gw.WriteCheckpoint(ctx, seq)
		}
		if err != nil {
			log.Error("Increment failed",
				zap.Int64("sequence", seq),
				zap.Error(err))
			return result, &SyncError{Sequence: seq, LastCommitted: result.LastCommitted, Err: err}
		}

		committed := seq
		result.LastCommitted = &committed
		result.Applied++
		result.Stats.Add(*stats)

		log.Info("Applied increment",
			append([]zap.Field{
				zap.Int64("sequence", seq),
				zap.String("path", SequenceToPath(seq)),
			}, stats.Fields()...)...)
	}

	return result, nil
}

// apply fetches one increment and ingests its closed changesets
func (s *Syncer) apply(ctx context.Context, seq int64) (*ingest.Stats, error) {
	body, err := s.fetcher.Fetch(ctx, seq)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	rc, err := changeset.OpenReader(body)
	if err != nil {
		return nil, fmt.Errorf("%w: sequence %d: %w", ErrFetch, seq, err)
	}
	defer rc.Close()

	return s.pipeline.Ingest(ctx, changeset.NewDecoder(rc), ingest.Options{SkipOpen: true})
}

// Status returns the local checkpoint next to the remote state
func (s *Syncer) Status(ctx context.Context) (*Status, error) {
	status := &Status{}

	cp, err := s.gw.ReadCheckpoint(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	if cp != nil {
		status.HasCheckpoint = true
		status.LocalSequence = cp.Sequence
		status.LocalUpdatedAt = cp.UpdatedAt
	}

	if c, ok := s.gw.(store.Counter); ok {
		if n, err := c.Count(ctx); err == nil {
			status.Changesets = n
		}
	}

	if hf, ok := s.state.(*HTTPFetcher); ok {
		src := hf.Source()
		status.Source = src.BaseURL
		status.SourceDescription = src.Description
		status.UpdateInterval = src.UpdateInterval
		state, err := hf.CurrentState(ctx)
		if err != nil {
			status.RemoteErr = err
			return status, nil
		}
		status.RemoteSequence = state.Sequence
		status.RemoteLastRun = state.LastRun
	} else {
		remote, err := s.state.CurrentSequence(ctx)
		if err != nil {
			status.RemoteErr = err
			return status, nil
		}
		status.RemoteSequence = remote
	}
	if status.HasCheckpoint {
		status.Behind = status.RemoteSequence - status.LocalSequence
	}
	return status, nil
}

// Status represents the current replication status
type Status struct {
	Source            string
	SourceDescription string
	UpdateInterval    time.Duration // how often the source publishes
	HasCheckpoint     bool
	LocalSequence     int64
	LocalUpdatedAt    time.Time
	Changesets        int64
	RemoteSequence    int64
	RemoteLastRun     time.Time
	RemoteErr         error
	Behind            int64
}

// String returns a human-readable status
func (s *Status) String() string {
	str := ""
	if s.Source != "" {
		if s.SourceDescription != "" {
			str += fmt.Sprintf("Source: %s (%s)\n", s.SourceDescription, s.Source)
		} else {
			str += fmt.Sprintf("Source: %s\n", s.Source)
		}
	}
	if s.UpdateInterval > 0 {
		str += fmt.Sprintf("Publishes every: %s\n", s.UpdateInterval)
	}
	if s.HasCheckpoint {
		str += fmt.Sprintf("Local sequence: %d\n", s.LocalSequence)
		str += fmt.Sprintf("Checkpoint written: %s\n", s.LocalUpdatedAt.Format(time.RFC3339))
	} else {
		str += "Local sequence: none (run sync with --sequence to start)\n"
	}
	str += fmt.Sprintf("Stored changesets: %d\n", s.Changesets)

	if s.RemoteErr != nil {
		str += fmt.Sprintf("Remote state: unavailable (%v)\n", s.RemoteErr)
		return str
	}
	str += fmt.Sprintf("Remote sequence: %d\n", s.RemoteSequence)
	if !s.RemoteLastRun.IsZero() {
		str += fmt.Sprintf("Remote last run: %s\n", s.RemoteLastRun.Format(time.RFC3339))
	}
	if s.HasCheckpoint {
		str += fmt.Sprintf("Behind: %d sequences\n", s.Behind)
	}
	return str
}
