package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pourlog/pourlog/internal/mutation"
	"github.com/pourlog/pourlog/internal/store"
)

// setupTestDB creates a temporary database for testing.
func setupTestDB(t *testing.T) *store.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	return db
}

// testMutation creates a valid pending mutation for tests.
func testMutation(t *testing.T, subjectID string) *mutation.Pending {
	t.Helper()

	return mutation.New("evt-1", subjectID, mutation.Payload{
		ItemRef:       "item-lager-330",
		VolumeML:      330,
		ABV:           0.05,
		ConsumedGrams: 13,
	}, mutation.StatusApproved)
}

func TestAppendAndListFIFO(t *testing.T) {
	db := setupTestDB(t)
	s := NewStore(db)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		m := testMutation(t, "subj-1")
		if err := s.Append(ctx, m); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
		ids = append(ids, m.LocalID)
	}

	pending, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(pending) != 5 {
		t.Fatalf("expected 5 pending, got %d", len(pending))
	}
	for i, m := range pending {
		if m.LocalID != ids[i] {
			t.Errorf("position %d: expected %s, got %s (FIFO order broken)", i, ids[i], m.LocalID)
		}
	}
}

func TestAppendDuplicateLocalID(t *testing.T) {
	db := setupTestDB(t)
	s := NewStore(db)
	ctx := context.Background()

	m := testMutation(t, "subj-1")
	if err := s.Append(ctx, m); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := s.Append(ctx, m); err == nil {
		t.Fatal("expected duplicate local_id append to fail")
	}
}

func TestConcurrentAppends(t *testing.T) {
	db := setupTestDB(t)
	s := NewStore(db)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Append(ctx, testMutation(t, "subj-1")); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent append failed: %v", err)
	}

	count, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != n {
		t.Errorf("expected %d pending after concurrent appends, got %d (lost update)", n, count)
	}
}

func TestRemove(t *testing.T) {
	db := setupTestDB(t)
	s := NewStore(db)
	ctx := context.Background()

	m := testMutation(t, "subj-1")
	if err := s.Append(ctx, m); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	if err := s.Remove(ctx, m.LocalID); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := s.Remove(ctx, m.LocalID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second remove, got %v", err)
	}

	count, _ := s.Count(ctx)
	if count != 0 {
		t.Errorf("expected empty queue, got %d", count)
	}
}

func TestRecordFailure(t *testing.T) {
	db := setupTestDB(t)
	s := NewStore(db)
	ctx := context.Background()

	m := testMutation(t, "subj-1")
	if err := s.Append(ctx, m); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	at := time.Now().UTC()
	for i := 1; i <= 3; i++ {
		if err := s.RecordFailure(ctx, m.LocalID, fmt.Sprintf("attempt %d failed", i), at); err != nil {
			t.Fatalf("record failure %d failed: %v", i, err)
		}

		got, err := s.Get(ctx, m.LocalID)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if got.RetryCount != i {
			t.Errorf("after %d failures expected retry count %d, got %d", i, i, got.RetryCount)
		}
		if got.LastError != fmt.Sprintf("attempt %d failed", i) {
			t.Errorf("unexpected last error: %s", got.LastError)
		}
		if got.LastRetryAt == nil {
			t.Error("expected last_retry_at to be set")
		}
	}
}

func TestQuarantineMovesAtomically(t *testing.T) {
	db := setupTestDB(t)
	s := NewStore(db)
	q := NewQuarantine(db)
	ctx := context.Background()

	m := testMutation(t, "subj-1")
	if err := s.Append(ctx, m); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	m.RetryCount = 5

	if err := s.Quarantine(ctx, m.ToFailed("gave up", time.Now().UTC())); err != nil {
		t.Fatalf("quarantine failed: %v", err)
	}

	// Exactly once in failed, zero times in pending.
	if _, err := s.Get(ctx, m.LocalID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected mutation gone from pending, got %v", err)
	}
	failed, err := q.List(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected 1 failed mutation, got %d", len(failed))
	}
	if failed[0].LocalID != m.LocalID {
		t.Errorf("expected %s in quarantine, got %s", m.LocalID, failed[0].LocalID)
	}
	if failed[0].RetryCount != 5 {
		t.Errorf("expected retry count 5, got %d", failed[0].RetryCount)
	}
}

func TestQuarantineMissingMutation(t *testing.T) {
	db := setupTestDB(t)
	s := NewStore(db)
	ctx := context.Background()

	m := testMutation(t, "subj-1")
	err := s.Quarantine(ctx, m.ToFailed("gave up", time.Now().UTC()))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRequeueAll(t *testing.T) {
	db := setupTestDB(t)
	s := NewStore(db)
	q := NewQuarantine(db)
	ctx := context.Background()

	const n = 3
	for i := 0; i < n; i++ {
		m := testMutation(t, "subj-1")
		if err := s.Append(ctx, m); err != nil {
			t.Fatalf("append failed: %v", err)
		}
		m.RetryCount = 5
		if err := s.Quarantine(ctx, m.ToFailed("gave up", time.Now().UTC())); err != nil {
			t.Fatalf("quarantine failed: %v", err)
		}
	}

	moved, err := q.RequeueAll(ctx)
	if err != nil {
		t.Fatalf("requeue failed: %v", err)
	}
	if moved != n {
		t.Errorf("expected %d moved, got %d", n, moved)
	}

	failedCount, _ := q.Count(ctx)
	if failedCount != 0 {
		t.Errorf("expected empty quarantine, got %d", failedCount)
	}

	pending, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(pending) != n {
		t.Fatalf("expected %d pending, got %d", n, len(pending))
	}
	for _, m := range pending {
		if m.RetryCount != 0 {
			t.Errorf("requeued mutation %s has retry count %d, want 0", m.LocalID, m.RetryCount)
		}
		if m.LastError != "" || m.LastRetryAt != nil {
			t.Errorf("requeued mutation %s has error fields set", m.LocalID)
		}
	}
}

func TestRequeueAllEmpty(t *testing.T) {
	db := setupTestDB(t)
	q := NewQuarantine(db)

	moved, err := q.RequeueAll(context.Background())
	if err != nil {
		t.Fatalf("requeue failed: %v", err)
	}
	if moved != 0 {
		t.Errorf("expected 0 moved, got %d", moved)
	}
}

func TestDiscard(t *testing.T) {
	db := setupTestDB(t)
	s := NewStore(db)
	q := NewQuarantine(db)
	ctx := context.Background()

	m := testMutation(t, "subj-1")
	if err := s.Append(ctx, m); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := s.Quarantine(ctx, m.ToFailed("gave up", time.Now().UTC())); err != nil {
		t.Fatalf("quarantine failed: %v", err)
	}

	if err := q.Discard(ctx, m.LocalID); err != nil {
		t.Fatalf("discard failed: %v", err)
	}
	if err := q.Discard(ctx, m.LocalID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second discard, got %v", err)
	}
}

func TestDiscardAll(t *testing.T) {
	db := setupTestDB(t)
	s := NewStore(db)
	q := NewQuarantine(db)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		m := testMutation(t, "subj-1")
		if err := s.Append(ctx, m); err != nil {
			t.Fatalf("append failed: %v", err)
		}
		if err := s.Quarantine(ctx, m.ToFailed("gave up", time.Now().UTC())); err != nil {
			t.Fatalf("quarantine failed: %v", err)
		}
	}

	dropped, err := q.DiscardAll(ctx)
	if err != nil {
		t.Fatalf("discard all failed: %v", err)
	}
	if dropped != 4 {
		t.Errorf("expected 4 dropped, got %d", dropped)
	}

	count, _ := q.Count(ctx)
	if count != 0 {
		t.Errorf("expected empty quarantine, got %d", count)
	}
}

func TestPendingSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	m := testMutation(t, "subj-1")
	if err := NewStore(db).Append(ctx, m); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	db, err = store.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to reopen database: %v", err)
	}
	defer db.Close()

	pending, err := NewStore(db).List(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(pending) != 1 || pending[0].LocalID != m.LocalID {
		t.Fatalf("expected mutation to survive reopen, got %d entries", len(pending))
	}
}
