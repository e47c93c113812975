// Package queue provides the durable stores for unconfirmed and quarantined
// mutations.
//
// Both stores are backed by the local SQLite database, so every operation is
// atomic with respect to concurrent callers: two appends can race without a
// lost update, and the pending-to-failed move happens in a single
// transaction. A mutation is in exactly one of the two stores (or neither)
// at any instant.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pourlog/pourlog/internal/mutation"
	"github.com/pourlog/pourlog/internal/store"
)

// ErrNotFound is returned when a local ID does not exist in the store.
var ErrNotFound = errors.New("mutation not found")

// timeFormat is the canonical timestamp encoding in the database.
const timeFormat = time.RFC3339Nano

// Store is the durable FIFO queue of pending mutations.
//
// Mutations are appended when a write is committed offline (or fails
// transiently online) and removed only on confirmed remote success or on
// quarantine. FIFO order is preserved across process restarts via the
// autoincrement sequence column.
type Store struct {
	db *sql.DB
}

// NewStore creates a pending-mutation store over the given database.
// The schema must already be initialized.
func NewStore(db *store.DB) *Store {
	return &Store{db: db.RawDB()}
}

// Append adds a mutation to the tail of the queue.
//
// The mutation's local ID must be unique; appending the same ID twice is an
// error, never a silent overwrite.
func (s *Store) Append(ctx context.Context, m *mutation.Pending) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid mutation: %w", err)
	}

	var lastRetryAt sql.NullString
	if m.LastRetryAt != nil {
		lastRetryAt = sql.NullString{String: m.LastRetryAt.Format(timeFormat), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_mutations
			(local_id, grouping_id, subject_id, item_ref, volume_ml, abv,
			 consumed_grams, status, created_at, retry_count, last_error, last_retry_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.LocalID, m.GroupingID, m.SubjectID, m.Payload.ItemRef,
		m.Payload.VolumeML, m.Payload.ABV, m.Payload.ConsumedGrams,
		string(m.Status), m.CreatedAt.Format(timeFormat),
		m.RetryCount, nullString(m.LastError), lastRetryAt)
	if err != nil {
		return fmt.Errorf("failed to append pending mutation: %w", err)
	}

	return nil
}

// List returns all pending mutations in FIFO order (oldest first).
func (s *Store) List(ctx context.Context) ([]*mutation.Pending, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT local_id, grouping_id, subject_id, item_ref, volume_ml, abv,
		       consumed_grams, status, created_at, retry_count, last_error, last_retry_at
		FROM pending_mutations
		ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending mutations: %w", err)
	}
	defer rows.Close()

	var pending []*mutation.Pending
	for rows.Next() {
		m, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		pending = append(pending, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending mutations: %w", err)
	}

	return pending, nil
}

// Get returns the pending mutation with the given local ID.
func (s *Store) Get(ctx context.Context, localID string) (*mutation.Pending, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT local_id, grouping_id, subject_id, item_ref, volume_ml, abv,
		       consumed_grams, status, created_at, retry_count, last_error, last_retry_at
		FROM pending_mutations
		WHERE local_id = ?`, localID)

	m, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// Remove deletes the mutation with the given local ID from the queue.
// Returns ErrNotFound if no such mutation exists.
func (s *Store) Remove(ctx context.Context, localID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_mutations WHERE local_id = ?`, localID)
	if err != nil {
		return fmt.Errorf("failed to remove pending mutation: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check removed rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

// RecordFailure increments the mutation's retry count by exactly one and
// stamps the error details. The mutation stays in the queue for the next
// drain.
func (s *Store) RecordFailure(ctx context.Context, localID, lastError string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_mutations
		SET retry_count = retry_count + 1, last_error = ?, last_retry_at = ?
		WHERE local_id = ?`,
		lastError, at.Format(timeFormat), localID)
	if err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check updated rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

// Quarantine atomically removes the mutation from the pending queue and
// appends its failed form to the quarantine. A crash cannot leave the
// mutation in both stores or in neither.
func (s *Store) Quarantine(ctx context.Context, f *mutation.Failed) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin quarantine transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM pending_mutations WHERE local_id = ?`, f.LocalID)
	if err != nil {
		return fmt.Errorf("failed to remove pending mutation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check removed rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO failed_mutations
			(local_id, grouping_id, subject_id, item_ref, volume_ml, abv,
			 consumed_grams, status, created_at, retry_count, last_error, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.LocalID, f.GroupingID, f.SubjectID, f.Payload.ItemRef,
		f.Payload.VolumeML, f.Payload.ABV, f.Payload.ConsumedGrams,
		string(f.Status), f.CreatedAt.Format(timeFormat),
		f.RetryCount, f.LastError, f.FailedAt.Format(timeFormat))
	if err != nil {
		return fmt.Errorf("failed to append failed mutation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit quarantine: %w", err)
	}

	return nil
}

// Count returns the number of pending mutations.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_mutations`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending mutations: %w", err)
	}
	return n, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanPending(row scanner) (*mutation.Pending, error) {
	var (
		m           mutation.Pending
		status      string
		createdAt   string
		lastError   sql.NullString
		lastRetryAt sql.NullString
	)

	err := row.Scan(&m.LocalID, &m.GroupingID, &m.SubjectID,
		&m.Payload.ItemRef, &m.Payload.VolumeML, &m.Payload.ABV,
		&m.Payload.ConsumedGrams, &status, &createdAt,
		&m.RetryCount, &lastError, &lastRetryAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan pending mutation: %w", err)
	}

	m.Status = mutation.RecordStatus(status)
	m.CreatedAt, err = time.Parse(timeFormat, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if lastError.Valid {
		m.LastError = lastError.String
	}
	if lastRetryAt.Valid {
		t, err := time.Parse(timeFormat, lastRetryAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse last_retry_at: %w", err)
		}
		m.LastRetryAt = &t
	}

	return &m, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
