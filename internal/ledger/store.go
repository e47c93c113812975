// Package ledger provides per-subject point and debt accounting for
// confirmed consumption-event writes.
//
// Points are granted only when a write is confirmed remote, never merely
// enqueued. Deleting a previously confirmed record does not rewrite history:
// it incurs debt, which future grants pay down before adding to the total.
// The total is therefore monotonic non-decreasing (except by explicit
// reset), and debt never goes negative.
package ledger

import (
	"context"
	"sync"
	"time"
)

// Account is a subject's cumulative point/debt state.
type Account struct {
	SubjectID   string    `json:"subject_id"`
	TotalPoints int       `json:"total_points"`
	DebtPoints  int       `json:"debt_points"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Level returns the account's current level, derived from TotalPoints.
func (a *Account) Level() int {
	return Level(a.TotalPoints)
}

// Store persists ledger accounts.
//
// The backing store exposes fetch-current / write-back rather than an atomic
// increment, so the Ledger service serializes the read-modify-write per
// subject; implementations only need individual operations to be atomic.
type Store interface {
	// FetchAccount returns the account for a subject. If the subject has no
	// account yet, it returns a zero-balance account, not an error.
	FetchAccount(ctx context.Context, subjectID string) (*Account, error)

	// StoreAccount writes the account back, replacing the previous state.
	StoreAccount(ctx context.Context, account *Account) error
}

// MemoryStore is an in-memory Store for tests and ephemeral sessions.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

// NewMemoryStore creates an empty in-memory account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]Account)}
}

// FetchAccount implements Store.
func (s *MemoryStore) FetchAccount(_ context.Context, subjectID string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if a, ok := s.accounts[subjectID]; ok {
		acct := a
		return &acct, nil
	}
	return &Account{SubjectID: subjectID}, nil
}

// StoreAccount implements Store.
func (s *MemoryStore) StoreAccount(_ context.Context, account *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts[account.SubjectID] = *account
	return nil
}
