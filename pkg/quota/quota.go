// Package quota implements the LLM usage reserve/commit/release
// ritual: a per-(user, provider) token budget guarded by a row-level
// lock, generalizing "check current usage, then record" into a single
// Store-backed primitive.
//
// The Ledger itself takes no lock: it reads a row, computes the new row
// and stores it through Store.CompareAndSwap, retrying when the row
// changed in between. The in-memory Store guards all rows with one
// mutex.
package quota

import (
	"context"
	"fmt"
	"sync"
)

// Row is the (user, provider) usage record.
type Row struct {
	UserID string
	ProviderID string
	TokensUsed int64
	TokensReserved int64
}

// Store holds usage rows and their operator-configured ceilings. In the
// in-memory Store the ceiling is supplied with SetQuota.
type Store interface {
	// Get returns the row and its configured quota. An absent row comes
	// back as a zero row; Get does not store it.
	Get(ctx context.Context, userID, providerID string) (Row, int64, error)

	// CompareAndSwap stores newRow only if the row is unchanged from prior
	// (optimistic concurrency standing in for the row-level lock when no
	// real transaction is available). Returns false without error if the
	// row changed concurrently; the caller retries.
	CompareAndSwap(ctx context.Context, prior, newRow Row) (bool, error)
}

// MemoryStore is an in-process Store for tests and single-process
// deployments. One mutex guards every row.
type MemoryStore struct {
	mu sync.Mutex
	rows map[string]Row
	quotas map[string]int64
}

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: map[string]Row{}, quotas: map[string]int64{}}
}

// SetQuota configures the ceiling for a (user, provider) pair.
func (s *MemoryStore) SetQuota(userID, providerID string, quota int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotas[key(userID, providerID)] = quota
}

func key(userID, providerID string) string { return userID + "\x00" + providerID }

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, userID, providerID string) (Row, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(userID, providerID)
	row, ok := s.rows[k]
	if !ok {
		row = Row{UserID: userID, ProviderID: providerID}
	}
	return row, s.quotas[k], nil
}

// CompareAndSwap implements Store.
func (s *MemoryStore) CompareAndSwap(_ context.Context, prior, newRow Row) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(prior.UserID, prior.ProviderID)
	current, ok := s.rows[k]
	if !ok {
		current = Row{UserID: prior.UserID, ProviderID: prior.ProviderID}
	}
	if current != prior {
		return false, nil
	}
	s.rows[k] = newRow
	return true, nil
}

// Ledger wraps a Store with the reserve/commit/release ritual.
type Ledger struct {
	store Store
}

// NewLedger builds a Ledger over store.
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// ErrQuotaDenied is returned by Reserve when the budget cannot cover the
// request.
type ErrQuotaDenied struct {
	UserID, ProviderID string
	Needed, Available int64
}

func (e *ErrQuotaDenied) Error() string {
	return fmt.Sprintf("quota denied for %s/%s: need %d, have %d available",
		e.UserID, e.ProviderID, e.Needed, e.Available)
}

// Reservation is the handle returned by Reserve; exactly one of Commit or
// Release must eventually be called.
type Reservation struct {
	UserID, ProviderID string
	Tokens int64
}

// Reserve attempts to reserve `needed` tokens: lock (CAS) → check
// `quota - used - reserved >= needed` → add to reserved → commit the CAS.
// On insufficient budget it returns *ErrQuotaDenied and reserves nothing.
func (l *Ledger) Reserve(ctx context.Context, userID, providerID string, needed int64) (*Reservation, error) {
	for {
		row, quota, err := l.store.Get(ctx, userID, providerID)
		if err != nil {
			return nil, fmt.Errorf("quota: get row: %w", err)
		}
		available := quota - row.TokensUsed - row.TokensReserved
		if available < needed {
			return nil, &ErrQuotaDenied{UserID: userID, ProviderID: providerID, Needed: needed, Available: available}
		}
		next := row
		next.TokensReserved += needed
		ok, err := l.store.CompareAndSwap(ctx, row, next)
		if err != nil {
			return nil, fmt.Errorf("quota: cas: %w", err)
		}
		if !ok {
			continue // concurrent writer moved the row; retry the whole ritual
		}
		return &Reservation{UserID: userID, ProviderID: providerID, Tokens: needed}, nil
	}
}

// Commit moves a reservation from reserved into used — the "run succeeded"
// outcome.
func (l *Ledger) Commit(ctx context.Context, r *Reservation) error {
	return l.transition(ctx, r, func(row *Row) {
			row.TokensReserved -= r.Tokens
			row.TokensUsed += r.Tokens
	})
}

// Release returns the full reservation without recording usage — the
// "task raised an exception" outcome.
func (l *Ledger) Release(ctx context.Context, r *Reservation) error {
	return l.transition(ctx, r, func(row *Row) {
			row.TokensReserved -= r.Tokens
	})
}

func (l *Ledger) transition(ctx context.Context, r *Reservation, mutate func(*Row)) error {
	for {
		row, _, err := l.store.Get(ctx, r.UserID, r.ProviderID)
		if err != nil {
			return fmt.Errorf("quota: get row: %w", err)
		}
		next := row
		mutate(&next)
		ok, err := l.store.CompareAndSwap(ctx, row, next)
		if err != nil {
			return fmt.Errorf("quota: cas: %w", err)
		}
		if ok {
			return nil
		}
	}
}
