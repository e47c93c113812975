package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pourlog/pourlog/internal/store"
)

// SQLiteStore persists ledger accounts in the local database, in the
// ledger_accounts table created by store.InitSchema.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates an account store over the given database.
// The schema must already be initialized.
func NewSQLiteStore(db *store.DB) *SQLiteStore {
	return &SQLiteStore{db: db.RawDB()}
}

// FetchAccount implements Store.
func (s *SQLiteStore) FetchAccount(ctx context.Context, subjectID string) (*Account, error) {
	var (
		a         Account
		updatedAt string
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT subject_id, total_points, debt_points, updated_at
		FROM ledger_accounts
		WHERE subject_id = ?`, subjectID).
		Scan(&a.SubjectID, &a.TotalPoints, &a.DebtPoints, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &Account{SubjectID: subjectID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch account: %w", err)
	}

	a.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	return &a, nil
}

// StoreAccount implements Store.
func (s *SQLiteStore) StoreAccount(ctx context.Context, account *Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_accounts (subject_id, total_points, debt_points, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(subject_id) DO UPDATE SET
			total_points = excluded.total_points,
			debt_points = excluded.debt_points,
			updated_at = excluded.updated_at`,
		account.SubjectID, account.TotalPoints, account.DebtPoints,
		account.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to store account: %w", err)
	}

	return nil
}
