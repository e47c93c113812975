package daemon

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pourlog/pourlog/internal/auth"
	"github.com/pourlog/pourlog/internal/engine"
	"github.com/pourlog/pourlog/internal/ledger"
	"github.com/pourlog/pourlog/internal/mutation"
	"github.com/pourlog/pourlog/internal/netmon"
	"github.com/pourlog/pourlog/internal/queue"
	"github.com/pourlog/pourlog/internal/remote"
	"github.com/pourlog/pourlog/internal/store"
)

type offlineConn struct{}

func (offlineConn) IsOnline() bool { return false }

type stubRemote struct{}

func (stubRemote) CreateRecord(ctx context.Context, m *mutation.Pending) (string, error) {
	return "rec-" + m.LocalID, nil
}

func (stubRemote) DeleteRecord(ctx context.Context, remoteID string) (*remote.DeletedRecord, error) {
	return &remote.DeletedRecord{ID: remoteID}, nil
}

// countingRemote accepts every write and counts them.
type countingRemote struct {
	creates atomic.Int32
}

func (r *countingRemote) CreateRecord(ctx context.Context, m *mutation.Pending) (string, error) {
	r.creates.Add(1)
	return "rec-" + m.LocalID, nil
}

func (r *countingRemote) DeleteRecord(ctx context.Context, remoteID string) (*remote.DeletedRecord, error) {
	return &remote.DeletedRecord{ID: remoteID}, nil
}

type testDaemon struct {
	daemon  *Daemon
	pending *queue.Store
	outbox  string
}

// newTestDaemon wires a daemon over a real queue with the remote kept
// offline, so ingestion can be observed without drains interfering.
func newTestDaemon(t *testing.T) *testDaemon {
	t.Helper()

	dir := t.TempDir()

	db, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	pending := queue.NewStore(db)
	eng, err := engine.New(engine.Config{
		Pending: pending,
		Failed:  queue.NewQuarantine(db),
		Ledger:  ledger.New(ledger.NewMemoryStore(), log.New(io.Discard, "", 0)),
		Remote:  stubRemote{},
		Conn:    offlineConn{},
		Auth:    auth.StaticProvider{Session: auth.Session{SubjectID: "subj-1"}},
		Logger:  log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	outbox := filepath.Join(dir, "outbox")
	if err := os.MkdirAll(filepath.Join(outbox, rejectedDirName), 0755); err != nil {
		t.Fatalf("failed to create outbox: %v", err)
	}

	monitor := netmon.New(func(ctx context.Context) bool { return false },
		time.Hour, log.New(io.Discard, "", 0))

	d, err := NewWithConfig(eng, monitor, outbox, &Config{
		DrainInterval:    time.Hour,
		DebounceInterval: 10 * time.Millisecond,
		Logger:           log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("failed to build daemon: %v", err)
	}
	t.Cleanup(func() { _ = d.watcher.Close() })

	return &testDaemon{daemon: d, pending: pending, outbox: outbox}
}

func (td *testDaemon) writeDeposit(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(td.outbox, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write deposit: %v", err)
	}
	return path
}

const validDeposit = `{
	"grouping_id": "evt-1",
	"subject_id": "subj-1",
	"payload": {
		"item_ref": "item-wit-330",
		"volume_ml": 330,
		"abv": 0.049,
		"consumed_grams": 13
	},
	"status": "approved"
}`

func TestIngestDeposit(t *testing.T) {
	td := newTestDaemon(t)
	ctx := context.Background()

	path := td.writeDeposit(t, "drink.json", validDeposit)
	if err := td.daemon.ingestDeposit(ctx, path); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("ingested deposit file should be removed")
	}

	pending, err := td.pending.List(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending mutation, got %d", len(pending))
	}
	m := pending[0]
	if m.SubjectID != "subj-1" || m.Payload.ConsumedGrams != 13 {
		t.Errorf("unexpected mutation: %+v", m)
	}
	if m.Status != mutation.StatusApproved {
		t.Errorf("expected approved status, got %s", m.Status)
	}
}

func TestIngestDepositPreservesSuppliedLocalID(t *testing.T) {
	td := newTestDaemon(t)
	ctx := context.Background()

	supplied := "f47ac10b-58cc-4372-a567-0e02b2c3d479"
	path := td.writeDeposit(t, "drink.json",
		`{"local_id": "`+supplied+`", "grouping_id": "evt-1", "subject_id": "subj-1",
		  "payload": {"item_ref": "item-wit-330", "volume_ml": 330, "abv": 0.049, "consumed_grams": 13},
		  "status": "approved"}`)

	if err := td.daemon.ingestDeposit(ctx, path); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	pending, _ := td.pending.List(ctx)
	if len(pending) != 1 || pending[0].LocalID != supplied {
		t.Errorf("expected supplied local_id to be preserved, got %+v", pending)
	}
}

func TestIngestDepositInvalidJSON(t *testing.T) {
	td := newTestDaemon(t)
	ctx := context.Background()

	path := td.writeDeposit(t, "garbage.json", "{not json")
	if err := td.daemon.ingestDeposit(ctx, path); err != nil {
		t.Fatalf("bad deposits must be parked, not errored: %v", err)
	}

	rejected := filepath.Join(td.outbox, rejectedDirName, "garbage.json")
	if _, err := os.Stat(rejected); err != nil {
		t.Errorf("expected deposit parked under rejected/: %v", err)
	}

	count, _ := td.pending.Count(ctx)
	if count != 0 {
		t.Errorf("bad deposit must not be enqueued, got %d", count)
	}
}

func TestIngestDepositSubjectMismatch(t *testing.T) {
	td := newTestDaemon(t)
	ctx := context.Background()

	path := td.writeDeposit(t, "other.json",
		`{"grouping_id": "evt-1", "subject_id": "subj-other",
		  "payload": {"item_ref": "item-wit-330", "volume_ml": 330, "abv": 0.049, "consumed_grams": 13},
		  "status": "approved"}`)

	if err := td.daemon.ingestDeposit(ctx, path); err != nil {
		t.Fatalf("rejected deposits must be parked, not errored: %v", err)
	}

	rejected := filepath.Join(td.outbox, rejectedDirName, "other.json")
	if _, err := os.Stat(rejected); err != nil {
		t.Errorf("expected deposit parked under rejected/: %v", err)
	}
}

func TestIngestDepositAlreadyGone(t *testing.T) {
	td := newTestDaemon(t)

	err := td.daemon.ingestDeposit(context.Background(),
		filepath.Join(td.outbox, "never-existed.json"))
	if err != nil {
		t.Errorf("missing deposit must be a no-op: %v", err)
	}
}

func TestScanOutbox(t *testing.T) {
	td := newTestDaemon(t)
	ctx := context.Background()

	td.writeDeposit(t, "a.json", validDeposit)
	td.writeDeposit(t, "b.json", validDeposit)
	td.writeDeposit(t, "notes.txt", "not a deposit")

	if err := td.daemon.scanOutbox(ctx); err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	count, _ := td.pending.Count(ctx)
	if count != 2 {
		t.Errorf("expected 2 ingested deposits, got %d", count)
	}

	// Non-JSON files are left alone.
	if _, err := os.Stat(filepath.Join(td.outbox, "notes.txt")); err != nil {
		t.Errorf("non-deposit file should be untouched: %v", err)
	}
}

func TestRestoredEventTriggersDrain(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	pending := queue.NewStore(db)
	rem := &countingRemote{}

	// The monitor doubles as the engine's connectivity source, exactly as in
	// the production wiring, so a probe flip reaches the drain via the
	// restored event.
	var online atomic.Bool
	monitor := netmon.New(func(ctx context.Context) bool { return online.Load() },
		20*time.Millisecond, log.New(io.Discard, "", 0))

	eng, err := engine.New(engine.Config{
		Pending: pending,
		Failed:  queue.NewQuarantine(db),
		Ledger:  ledger.New(ledger.NewMemoryStore(), log.New(io.Discard, "", 0)),
		Remote:  rem,
		Conn:    monitor,
		Auth:    auth.StaticProvider{Session: auth.Session{SubjectID: "subj-1"}},
		Logger:  log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	m := mutation.New("evt-1", "subj-1", mutation.Payload{
		ItemRef:       "item-wit-330",
		VolumeML:      330,
		ABV:           0.049,
		ConsumedGrams: 13,
	}, mutation.StatusApproved)
	if err := eng.Enqueue(ctx, m); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	outbox := filepath.Join(dir, "outbox")
	if err := os.MkdirAll(outbox, 0755); err != nil {
		t.Fatalf("failed to create outbox: %v", err)
	}

	d, err := NewWithConfig(eng, monitor, outbox, &Config{
		DrainInterval:    time.Hour, // only the restored event may drain
		DebounceInterval: 10 * time.Millisecond,
		Logger:           log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("failed to build daemon: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- d.Run(runCtx) }()

	// Offline: the mutation must stay queued through several probe cycles.
	time.Sleep(100 * time.Millisecond)
	if count, _ := pending.Count(ctx); count != 1 {
		t.Fatalf("expected mutation to stay queued while offline, got %d", count)
	}
	if rem.creates.Load() != 0 {
		t.Fatalf("expected no remote writes while offline, got %d", rem.creates.Load())
	}

	// Connectivity returns: the restored event must drive a drain.
	online.Store(true)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if count, _ := pending.Count(ctx); count == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if count, _ := pending.Count(ctx); count != 0 {
		t.Fatalf("expected queue drained after connectivity restored, got %d", count)
	}
	if rem.creates.Load() == 0 {
		t.Error("expected the restored event to produce a remote write")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("daemon exited with error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}

func TestProcessPendingChangesRespectsDebounce(t *testing.T) {
	td := newTestDaemon(t)
	ctx := context.Background()

	path := td.writeDeposit(t, "drink.json", validDeposit)
	td.daemon.queueChange(path)

	// Queued just now: not settled yet.
	if td.daemon.processPendingChanges(ctx) {
		t.Error("change inside the debounce window must not be processed")
	}

	time.Sleep(2 * td.daemon.config.DebounceInterval)
	if !td.daemon.processPendingChanges(ctx) {
		t.Error("settled change must be processed")
	}

	count, _ := td.pending.Count(ctx)
	if count != 1 {
		t.Errorf("expected 1 pending mutation, got %d", count)
	}
}
