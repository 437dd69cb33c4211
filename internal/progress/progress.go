// Package progress persists run progress snapshots for the status surface.
package progress

import (
	"context"
	"errors"
	"sync"

	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

// ErrNotFound is returned when no snapshot exists for the requested run.
var ErrNotFound = errors.New("run progress not found")

// Store saves and loads RunProgress snapshots.
type Store interface {
	Save(ctx context.Context, rp models.RunProgress) error
	Get(ctx context.Context, runID string) (*models.RunProgress, error)
	Latest(ctx context.Context) (*models.RunProgress, error)
}

// MemoryStore keeps snapshots in process.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]models.RunProgress
	latest string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]models.RunProgress)}
}

// Save stores a copy of rp and marks it latest.
func (m *MemoryStore) Save(ctx context.Context, rp models.RunProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rp.Pairs = append([]models.JobSnapshot(nil), rp.Pairs...)
	m.runs[rp.RunID] = rp
	m.latest = rp.RunID
	return nil
}

// Get returns the snapshot of runID.
func (m *MemoryStore) Get(ctx context.Context, runID string) (*models.RunProgress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rp, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return &rp, nil
}

// Latest returns the most recently saved snapshot.
func (m *MemoryStore) Latest(ctx context.Context) (*models.RunProgress, error) {
	m.mu.RLock()
	id := m.latest
	m.mu.RUnlock()
	if id == "" {
		return nil, ErrNotFound
	}
	return m.Get(ctx, id)
}
