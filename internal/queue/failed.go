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

// Quarantine is the durable store of mutations that exhausted their retry
// budget (or were rejected permanently by the remote).
//
// Entries leave the quarantine only by explicit operator action: RequeueAll
// moves them back to the pending queue with a fresh retry budget, Discard
// and DiscardAll drop them for good.
type Quarantine struct {
	db *sql.DB
}

// NewQuarantine creates a failed-mutation store over the given database.
// The schema must already be initialized.
func NewQuarantine(db *store.DB) *Quarantine {
	return &Quarantine{db: db.RawDB()}
}

// List returns all quarantined mutations, oldest quarantine first.
func (q *Quarantine) List(ctx context.Context) ([]*mutation.Failed, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT local_id, grouping_id, subject_id, item_ref, volume_ml, abv,
		       consumed_grams, status, created_at, retry_count, last_error, failed_at
		FROM failed_mutations
		ORDER BY failed_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed mutations: %w", err)
	}
	defer rows.Close()

	var failed []*mutation.Failed
	for rows.Next() {
		f, err := scanFailed(rows)
		if err != nil {
			return nil, err
		}
		failed = append(failed, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate failed mutations: %w", err)
	}

	return failed, nil
}

// Get returns the quarantined mutation with the given local ID.
func (q *Quarantine) Get(ctx context.Context, localID string) (*mutation.Failed, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT local_id, grouping_id, subject_id, item_ref, volume_ml, abv,
		       consumed_grams, status, created_at, retry_count, last_error, failed_at
		FROM failed_mutations
		WHERE local_id = ?`, localID)

	f, err := scanFailed(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return f, err
}

// RequeueAll moves every quarantined mutation back to the pending queue with
// retry_count reset to zero and the error fields cleared. The whole move is
// one transaction; it returns the number of mutations moved.
//
// Requeued mutations join the tail of the queue in their original creation
// order.
func (q *Quarantine) RequeueAll(ctx context.Context) (int, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin requeue transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO pending_mutations
			(local_id, grouping_id, subject_id, item_ref, volume_ml, abv,
			 consumed_grams, status, created_at, retry_count, last_error, last_retry_at)
		SELECT local_id, grouping_id, subject_id, item_ref, volume_ml, abv,
		       consumed_grams, status, created_at, 0, NULL, NULL
		FROM failed_mutations
		ORDER BY created_at ASC`)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue failed mutations: %w", err)
	}

	moved, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check requeued rows: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM failed_mutations`); err != nil {
		return 0, fmt.Errorf("failed to clear quarantine: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit requeue: %w", err)
	}

	return int(moved), nil
}

// Discard permanently drops the quarantined mutation with the given local ID.
// Returns ErrNotFound if no such mutation exists.
func (q *Quarantine) Discard(ctx context.Context, localID string) error {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM failed_mutations WHERE local_id = ?`, localID)
	if err != nil {
		return fmt.Errorf("failed to discard failed mutation: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check discarded rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

// DiscardAll permanently drops every quarantined mutation and returns the
// number dropped.
func (q *Quarantine) DiscardAll(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM failed_mutations`)
	if err != nil {
		return 0, fmt.Errorf("failed to discard failed mutations: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check discarded rows: %w", err)
	}

	return int(n), nil
}

// Count returns the number of quarantined mutations.
func (q *Quarantine) Count(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM failed_mutations`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count failed mutations: %w", err)
	}
	return n, nil
}

func scanFailed(row scanner) (*mutation.Failed, error) {
	var (
		f         mutation.Failed
		status    string
		createdAt string
		failedAt  string
	)

	err := row.Scan(&f.LocalID, &f.GroupingID, &f.SubjectID,
		&f.Payload.ItemRef, &f.Payload.VolumeML, &f.Payload.ABV,
		&f.Payload.ConsumedGrams, &status, &createdAt,
		&f.RetryCount, &f.LastError, &failedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan failed mutation: %w", err)
	}

	f.Status = mutation.RecordStatus(status)
	f.CreatedAt, err = time.Parse(timeFormat, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	f.FailedAt, err = time.Parse(timeFormat, failedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse failed_at: %w", err)
	}

	return &f, nil
}
