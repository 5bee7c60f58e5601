// Package postgres implements internal/store.Store against PostgreSQL
// using pgx's native pool API: whole-tree blobs, experiment run
// results, and per-(user, provider) llm_usage rows.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zjucss/simsocius/internal/store"
	"github.com/zjucss/simsocius/pkg/quota"
)

// Store persists simulation/experiment blobs and llm_usage rows in
// Postgres tables created lazily on first connect.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to dsn and ensures the backing schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: connect: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS llm_usage (
			user_id TEXT NOT NULL,
			provider_id TEXT NOT NULL,
			tokens_used BIGINT NOT NULL DEFAULT 0,
			tokens_reserved BIGINT NOT NULL DEFAULT 0,
			quota BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, provider_id)
		)`,
		`CREATE TABLE IF NOT EXISTS simulations (
			sim_id TEXT PRIMARY KEY,
			data JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS experiment_runs (
			run_id TEXT PRIMARY KEY,
			result JSONB NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store/postgres: ensure schema: %w", err)
		}
	}
	return nil
}

// Get implements quota.Store.
func (s *Store) Get(ctx context.Context, userID, providerID string) (quota.Row, int64, error) {
	row := quota.Row{UserID: userID, ProviderID: providerID}
	var q int64
	err := s.pool.QueryRow(ctx,
		`SELECT tokens_used, tokens_reserved, quota FROM llm_usage WHERE user_id = $1 AND provider_id = $2`,
		userID, providerID,
	).Scan(&row.TokensUsed, &row.TokensReserved, &q)
	if err != nil {
		// No row yet is not an error here: Store.Get returns a zero row.
		return row, 0, nil
	}
	return row, q, nil
}

// CompareAndSwap implements quota.Store via a single UPDATE guarded by the
// prior values, falling back to an INSERT when the row does not exist
// yet. The affected row count tells the caller whether the swap actually
// applied.
func (s *Store) CompareAndSwap(ctx context.Context, prior, newRow quota.Row) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE llm_usage SET tokens_used = $1, tokens_reserved = $2
		 WHERE user_id = $3 AND provider_id = $4 AND tokens_used = $5 AND tokens_reserved = $6`,
		newRow.TokensUsed, newRow.TokensReserved,
		prior.UserID, prior.ProviderID, prior.TokensUsed, prior.TokensReserved,
	)
	if err != nil {
		return false, fmt.Errorf("store/postgres: cas update: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if prior.TokensUsed != 0 || prior.TokensReserved != 0 {
		return false, nil // row existed with different values: real conflict
	}
	insertTag, err := s.pool.Exec(ctx,
		`INSERT INTO llm_usage (user_id, provider_id, tokens_used, tokens_reserved, quota)
		 VALUES ($1, $2, $3, $4, 0) ON CONFLICT (user_id, provider_id) DO NOTHING`,
		newRow.UserID, newRow.ProviderID, newRow.TokensUsed, newRow.TokensReserved,
	)
	if err != nil {
		return false, fmt.Errorf("store/postgres: cas insert: %w", err)
	}
	return insertTag.RowsAffected() > 0, nil
}

// SetQuota configures the ceiling for a (user, provider) pair.
func (s *Store) SetQuota(ctx context.Context, userID, providerID string, q int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO llm_usage (user_id, provider_id, tokens_used, tokens_reserved, quota)
		 VALUES ($1, $2, 0, 0, $3)
		 ON CONFLICT (user_id, provider_id) DO UPDATE SET quota = EXCLUDED.quota`,
		userID, providerID, q,
	)
	if err != nil {
		return fmt.Errorf("store/postgres: set quota: %w", err)
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
	_, err := s.pool.Exec(ctx, `DELETE FROM simulations WHERE sim_id = $1`, simID)
	if err != nil {
		return fmt.Errorf("store/postgres: delete simulation %q: %w", simID, err)
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
		return fmt.Errorf("store/postgres: marshal %s %q: %w", table, key, err)
	}
	valueCol := "data"
	if table == "experiment_runs" {
		valueCol = "result"
	}
	q := fmt.Sprintf(
		`INSERT INTO %s (%s, %s) VALUES ($1, $2) ON CONFLICT (%s) DO UPDATE SET %s = EXCLUDED.%s`,
		table, keyCol, valueCol, keyCol, valueCol, valueCol,
	)
	if _, err := s.pool.Exec(ctx, q, key, payload); err != nil {
		return fmt.Errorf("store/postgres: upsert %s %q: %w", table, key, err)
	}
	return nil
}

func (s *Store) loadBlob(ctx context.Context, table, keyCol, valueCol, key string) (map[string]any, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1`, valueCol, table, keyCol)
	var payload []byte
	if err := s.pool.QueryRow(ctx, q, key).Scan(&payload); err != nil {
		return nil, fmt.Errorf("store/postgres: load %s %q: %w", table, key, err)
	}
	var data map[string]any
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("store/postgres: unmarshal %s %q: %w", table, key, err)
	}
	return data, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

var (
	_ quota.Store = (*Store)(nil)
	_ store.Store = (*Store)(nil)
)
