// Package sqlite implements internal/store.Store against a local SQLite
// file via mattn/go-sqlite3, the dev-mode/local alternate backend,
// adapted from postgres.Store's schema and upsert shape to
// database/sql plus the go-sqlite3 driver, with a single shared mutex
// standing in for row-level locking since SQLite serializes writers
// anyway.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/zjucss/simsocius/internal/store"
	"github.com/zjucss/simsocius/pkg/quota"
)

// Store persists simulation/experiment blobs and llm_usage rows in a
// local SQLite database.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// New opens path (a filesystem path or "file::memory:?cache=shared") and
// ensures the backing schema exists.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store/sqlite: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite write concurrency is effectively single-writer

	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS llm_usage (
			user_id TEXT NOT NULL,
			provider_id TEXT NOT NULL,
			tokens_used INTEGER NOT NULL DEFAULT 0,
			tokens_reserved INTEGER NOT NULL DEFAULT 0,
			quota INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, provider_id)
		)`,
		`CREATE TABLE IF NOT EXISTS simulations (
			sim_id TEXT PRIMARY KEY,
			data TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS experiment_runs (
			run_id TEXT PRIMARY KEY,
			result TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store/sqlite: ensure schema: %w", err)
		}
	}
	return nil
}

// Get implements quota.Store.
func (s *Store) Get(ctx context.Context, userID, providerID string) (quota.Row, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := quota.Row{UserID: userID, ProviderID: providerID}
	var q int64
	err := s.db.QueryRowContext(ctx,
		`SELECT tokens_used, tokens_reserved, quota FROM llm_usage WHERE user_id = ? AND provider_id = ?`,
		userID, providerID,
	).Scan(&row.TokensUsed, &row.TokensReserved, &q)
	if err != nil {
		return row, 0, nil // absent row: zero row, as quota.Store documents
	}
	return row, q, nil
}

// CompareAndSwap implements quota.Store, guarded by Store's mutex rather
// than a database-level transaction since all access already funnels
// through a single connection.
func (s *Store) CompareAndSwap(ctx context.Context, prior, newRow quota.Row) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := quota.Row{UserID: prior.UserID, ProviderID: prior.ProviderID}
	var q int64
	err := s.db.QueryRowContext(ctx,
		`SELECT tokens_used, tokens_reserved, quota FROM llm_usage WHERE user_id = ? AND provider_id = ?`,
		prior.UserID, prior.ProviderID,
	).Scan(&current.TokensUsed, &current.TokensReserved, &q)
	found := err == nil
	if found && current != prior {
		return false, nil
	}
	if !found && (prior.TokensUsed != 0 || prior.TokensReserved != 0) {
		return false, nil
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO llm_usage (user_id, provider_id, tokens_used, tokens_reserved, quota)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, provider_id) DO UPDATE SET tokens_used = excluded.tokens_used, tokens_reserved = excluded.tokens_reserved`,
		newRow.UserID, newRow.ProviderID, newRow.TokensUsed, newRow.TokensReserved, q,
	)
	if err != nil {
		return false, fmt.Errorf("store/sqlite: cas upsert: %w", err)
	}
	return true, nil
}

// SetQuota configures the ceiling for a (user, provider) pair.
func (s *Store) SetQuota(ctx context.Context, userID, providerID string, q int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO llm_usage (user_id, provider_id, tokens_used, tokens_reserved, quota)
		 VALUES (?, ?, 0, 0, ?)
		 ON CONFLICT (user_id, provider_id) DO UPDATE SET quota = excluded.quota`,
		userID, providerID, q,
	)
	if err != nil {
		return fmt.Errorf("store/sqlite: set quota: %w", err)
	}
	return nil
}

// SaveSimulation upserts the whole-tree blob for simID.
func (s *Store) SaveSimulation(ctx context.Context, simID string, data map[string]any) error {
	return s.upsertBlob(ctx, "simulations", "sim_id", simID, data)
}

// LoadSimulation returns the blob saved under simID.
func (s *Store) LoadSimulation(ctx context.Context, simID string) (map[string]any, error) {
	return s.loadBlob(ctx, "simulations", "sim_id", "data", simID)
}

// DeleteSimulation removes the blob saved under simID.
func (s *Store) DeleteSimulation(ctx context.Context, simID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM simulations WHERE sim_id = ?`, simID); err != nil {
		return fmt.Errorf("store/sqlite: delete simulation %q: %w", simID, err)
	}
	return nil
}

// SaveExperimentRun upserts the run-result blob for runID.
func (s *Store) SaveExperimentRun(ctx context.Context, runID string, result map[string]any) error {
	return s.upsertBlob(ctx, "experiment_runs", "run_id", runID, result)
}

// LoadExperimentRun returns the blob saved under runID.
func (s *Store) LoadExperimentRun(ctx context.Context, runID string) (map[string]any, error) {
	return s.loadBlob(ctx, "experiment_runs", "run_id", "result", runID)
}

func (s *Store) upsertBlob(ctx context.Context, table, keyCol, key string, data map[string]any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("store/sqlite: marshal %s %q: %w", table, key, err)
	}
	valueCol := "data"
	if table == "experiment_runs" {
		valueCol = "result"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q := fmt.Sprintf(
		`INSERT INTO %s (%s, %s) VALUES (?, ?) ON CONFLICT(%s) DO UPDATE SET %s = excluded.%s`,
		table, keyCol, valueCol, keyCol, valueCol, valueCol,
	)
	if _, err := s.db.ExecContext(ctx, q, key, string(payload)); err != nil {
		return fmt.Errorf("store/sqlite: upsert %s %q: %w", table, key, err)
	}
	return nil
}

func (s *Store) loadBlob(ctx context.Context, table, keyCol, valueCol, key string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = ?`, valueCol, table, keyCol)
	var payload string
	if err := s.db.QueryRowContext(ctx, q, key).Scan(&payload); err != nil {
		return nil, fmt.Errorf("store/sqlite: load %s %q: %w", table, key, err)
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		return nil, fmt.Errorf("store/sqlite: unmarshal %s %q: %w", table, key, err)
	}
	return data, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

var (
	_ quota.Store = (*Store)(nil)
	_ store.Store = (*Store)(nil)
)
