package ledger

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// GrantResult describes the outcome of a grant.
type GrantResult struct {
	// LeveledUp is true iff the grant raised the account's level.
	LeveledUp bool `json:"leveled_up"`

	// NewLevel is the account's level after the grant.
	NewLevel int `json:"new_level"`

	// DebtPaid is how much of the granted amount went to paying down debt
	// instead of raising the total.
	DebtPaid int `json:"debt_paid"`
}

// Ledger applies grants and debits to subject accounts.
//
// The backing store is fetch/write-back, not an atomic increment, so the
// ledger serializes all read-modify-write cycles per subject with a
// per-account mutex. Grants on different subjects proceed concurrently.
type Ledger struct {
	store  Store
	logger *log.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a ledger over the given account store.
//
// If logger is nil, a default logger writing to stderr is used.
func New(store Store, logger *log.Logger) *Ledger {
	if logger == nil {
		logger = log.New(os.Stderr, "[ledger] ", log.LstdFlags)
	}
	return &Ledger{
		store:  store,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// subjectLock returns the mutex serializing access to one subject's account.
func (l *Ledger) subjectLock(subjectID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.locks[subjectID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[subjectID] = lock
	}
	return lock
}

// Grant awards amount points to the subject for a confirmed remote write.
//
// Existing debt is paid down first: debtPaid = min(amount, debt), the total
// rises by amount - debtPaid, and debt falls by debtPaid. Debt never goes
// negative and the total never decreases.
//
// source names what earned the grant and appears only in logs.
func (l *Ledger) Grant(ctx context.Context, subjectID string, amount int, source string) (*GrantResult, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("subject id is required")
	}
	if amount < 0 {
		return nil, fmt.Errorf("grant amount must be non-negative (got %d)", amount)
	}

	lock := l.subjectLock(subjectID)
	lock.Lock()
	defer lock.Unlock()

	account, err := l.store.FetchAccount(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch account for grant: %w", err)
	}

	levelBefore := account.Level()

	debtPaid := amount
	if account.DebtPoints < debtPaid {
		debtPaid = account.DebtPoints
	}
	account.DebtPoints -= debtPaid
	account.TotalPoints += amount - debtPaid
	account.UpdatedAt = time.Now().UTC()

	if err := l.store.StoreAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to store account after grant: %w", err)
	}

	newLevel := account.Level()
	result := &GrantResult{
		LeveledUp: newLevel > levelBefore,
		NewLevel:  newLevel,
		DebtPaid:  debtPaid,
	}

	l.logger.Printf("Granted %d points to %s (source=%s, debt paid=%d, total=%d, level=%d)",
		amount, subjectID, source, debtPaid, account.TotalPoints, newLevel)
	if result.LeveledUp {
		l.logger.Printf("Subject %s leveled up: %d -> %d", subjectID, levelBefore, newLevel)
	}

	return result, nil
}

// IncurDebt raises the subject's debt by amount.
//
// This is invoked when a previously confirmed record is deleted: the prior
// grant is retroactively cancelled without mutating ledger history, because
// a later grant simply pays the debt down.
func (l *Ledger) IncurDebt(ctx context.Context, subjectID string, amount int) error {
	if subjectID == "" {
		return fmt.Errorf("subject id is required")
	}
	if amount < 0 {
		return fmt.Errorf("debt amount must be non-negative (got %d)", amount)
	}

	lock := l.subjectLock(subjectID)
	lock.Lock()
	defer lock.Unlock()

	account, err := l.store.FetchAccount(ctx, subjectID)
	if err != nil {
		return fmt.Errorf("failed to fetch account for debt: %w", err)
	}

	account.DebtPoints += amount
	account.UpdatedAt = time.Now().UTC()

	if err := l.store.StoreAccount(ctx, account); err != nil {
		return fmt.Errorf("failed to store account after debt: %w", err)
	}

	l.logger.Printf("Incurred %d debt points for %s (debt=%d)",
		amount, subjectID, account.DebtPoints)

	return nil
}

// GetAccount returns the subject's current account state.
func (l *Ledger) GetAccount(ctx context.Context, subjectID string) (*Account, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("subject id is required")
	}

	lock := l.subjectLock(subjectID)
	lock.Lock()
	defer lock.Unlock()

	account, err := l.store.FetchAccount(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch account: %w", err)
	}

	return account, nil
}

// Reset zeroes the subject's points and debt. This is the only way the
// total decreases.
func (l *Ledger) Reset(ctx context.Context, subjectID string) error {
	if subjectID == "" {
		return fmt.Errorf("subject id is required")
	}

	lock := l.subjectLock(subjectID)
	lock.Lock()
	defer lock.Unlock()

	account := &Account{
		SubjectID: subjectID,
		UpdatedAt: time.Now().UTC(),
	}

	if err := l.store.StoreAccount(ctx, account); err != nil {
		return fmt.Errorf("failed to reset account: %w", err)
	}

	l.logger.Printf("Reset account for %s", subjectID)
	return nil
}
