// Package store implements the persistence collaborator: a narrow
// save/load interface wrapping whole simulation-tree blobs
// (SimTree.Serialize/Deserialize), experiment run results, and the
// (user, provider) llm_usage rows pkg/quota reserves against.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/zjucss/simsocius/pkg/config"
	"github.com/zjucss/simsocius/pkg/quota"
)

// Store is the narrow persistence interface every backend implements:
// whole-tree blobs (keyed by sim id), experiment run results (keyed by
// run id), plus quota.Store for the llm_usage row ritual.
type Store interface {
	quota.Store

	SaveSimulation(ctx context.Context, simID string, data map[string]any) error
	LoadSimulation(ctx context.Context, simID string) (map[string]any, error)
	DeleteSimulation(ctx context.Context, simID string) error

	SaveExperimentRun(ctx context.Context, runID string, result map[string]any) error
	LoadExperimentRun(ctx context.Context, runID string) (map[string]any, error)

	Close() error
}

// New builds a Store from cfg.Backend ("memory", "postgres", "sqlite").
// Postgres and sqlite backends are wired lazily by the caller (see
// internal/store/postgres, internal/store/sqlite) to avoid this package
// importing cgo/network driver code it doesn't itself need; New here
// only ever returns the in-memory backend and is a convenience for
// tests and the "memory" operator choice.
func New(cfg config.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("store: backend %q must be constructed via its own package (postgres/sqlite)", cfg.Backend)
	}
}

// MemoryStore is an in-process Store guarded by a single mutex, the
// default backend for tests and single-process deployments (mirrors
// quota.MemoryStore's row-lock shape, extended with two more blob maps).
type MemoryStore struct {
	mu sync.Mutex
	rows map[string]quota.Row
	quotas map[string]int64
	sims map[string]map[string]any
	expRuns map[string]map[string]any
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows: map[string]quota.Row{},
		quotas: map[string]int64{},
		sims: map[string]map[string]any{},
		expRuns: map[string]map[string]any{},
	}
}

// SetQuota configures the ceiling for a (user, provider) pair.
func (s *MemoryStore) SetQuota(userID, providerID string, q int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotas[rowKey(userID, providerID)] = q
}

func rowKey(userID, providerID string) string { return userID + "\x00" + providerID }

// Get implements quota.Store.
func (s *MemoryStore) Get(_ context.Context, userID, providerID string) (quota.Row, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := rowKey(userID, providerID)
	row, ok := s.rows[k]
	if !ok {
		row = quota.Row{UserID: userID, ProviderID: providerID}
	}
	return row, s.quotas[k], nil
}

// CompareAndSwap implements quota.Store.
func (s *MemoryStore) CompareAndSwap(_ context.Context, prior, newRow quota.Row) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := rowKey(prior.UserID, prior.ProviderID)
	current, ok := s.rows[k]
	if !ok {
		current = quota.Row{UserID: prior.UserID, ProviderID: prior.ProviderID}
	}
	if current != prior {
		return false, nil
	}
	s.rows[k] = newRow
	return true, nil
}

// SaveSimulation stores a whole-tree blob keyed by simID, overwriting
// any prior snapshot.
func (s *MemoryStore) SaveSimulation(_ context.Context, simID string, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sims[simID] = data
	return nil
}

// LoadSimulation returns the blob saved under simID, or an error if
// none exists.
func (s *MemoryStore) LoadSimulation(_ context.Context, simID string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.sims[simID]
	if !ok {
		return nil, fmt.Errorf("store: no simulation saved under %q", simID)
	}
	return data, nil
}

// DeleteSimulation removes a saved blob. A no-op if none exists.
func (s *MemoryStore) DeleteSimulation(_ context.Context, simID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sims, simID)
	return nil
}

// SaveExperimentRun stores an experiment.RunResult-shaped blob keyed by
// runID.
func (s *MemoryStore) SaveExperimentRun(_ context.Context, runID string, result map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expRuns[runID] = result
	return nil
}

// LoadExperimentRun returns the blob saved under runID, or an error if
// none exists.
func (s *MemoryStore) LoadExperimentRun(_ context.Context, runID string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, ok := s.expRuns[runID]
	if !ok {
		return nil, fmt.Errorf("store: no experiment run saved under %q", runID)
	}
	return result, nil
}

// Close is a no-op for the in-memory backend.
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
