package store

import (
	"context"
	"sync"
	"time"

	"github.com/paulmach/osm"

	"github.com/wegman-software/osmchanges-go/internal/changeset"
)

// Memory is an in-process Gateway used by tests and dry runs
type Memory struct {
	mu         sync.Mutex
	changesets map[osm.ChangesetID]*changeset.Changeset
	order      []osm.ChangesetID
	checkpoint *Checkpoint
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{changesets: make(map[osm.ChangesetID]*changeset.Changeset)}
}

func (m *Memory) Exists(ctx context.Context, id osm.ChangesetID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.changesets[id]
	return ok, nil
}

func (m *Memory) Insert(ctx context.Context, cs *changeset.Changeset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.changesets[cs.ID]; ok {
		return ErrDuplicateKey
	}
	m.changesets[cs.ID] = cs
	m.order = append(m.order, cs.ID)
	return nil
}

func (m *Memory) ReadCheckpoint(ctx context.Context) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checkpoint == nil {
		return nil, nil
	}
	cp := *m.checkpoint
	return &cp, nil
}

func (m *Memory) WriteCheckpoint(ctx context.Context, sequence int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checkpoint == nil {
		m.checkpoint = &Checkpoint{}
	}
	m.checkpoint.Sequence = sequence
	m.checkpoint.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) Close() error {
	return nil
}

// Get returns a stored changeset
func (m *Memory) Get(id osm.ChangesetID) (*changeset.Changeset, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.changesets[id]
	return cs, ok
}

// IDs returns stored changeset ids in insertion order
func (m *Memory) IDs() []osm.ChangesetID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]osm.ChangesetID(nil), m.order...)
}

// Count returns the number of stored changesets
func (m *Memory) Count(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.changesets)), nil
}
