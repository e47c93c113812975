// Package daemon provides the long-running sync process.
//
// The daemon:
//  1. Watches the outbox directory for mutation deposits from the app
//  2. Enqueues valid deposits into the durable pending queue
//  3. Drains the queue when connectivity is restored, periodically, and
//     once at startup
//  4. Handles graceful shutdown
//
// The outbox is the process boundary: the surrounding application writes
// one JSON file per committed consumption event into outbox/, and the
// daemon owns everything from there.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/pourlog/pourlog/internal/engine"
	"github.com/pourlog/pourlog/internal/mutation"
	"github.com/pourlog/pourlog/internal/netmon"
)

// rejectedDirName is where malformed deposits are parked for inspection.
const rejectedDirName = "rejected"

// Config holds configuration for the daemon.
type Config struct {
	// DrainInterval is how often to drain the queue regardless of
	// connectivity events. This also bounds how long an outbox deposit can
	// sit unprocessed after a missed filesystem event.
	DrainInterval time.Duration

	// DebounceInterval is how long to wait before processing outbox
	// changes, batching rapid deposits together.
	DebounceInterval time.Duration

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DrainInterval:    60 * time.Second,
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// deposit is the outbox file format. The app may supply its own local_id
// (so it can correlate later); otherwise one is generated on enqueue.
type deposit struct {
	LocalID    string                `json:"local_id,omitempty"`
	GroupingID string                `json:"grouping_id"`
	SubjectID  string                `json:"subject_id"`
	Payload    mutation.Payload      `json:"payload"`
	Status     mutation.RecordStatus `json:"status"`
}

// Daemon orchestrates outbox ingestion and queue draining.
type Daemon struct {
	engine    *engine.Engine
	monitor   *netmon.Monitor
	outboxDir string
	config    *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // deposit path -> queued at
	changeQueueMu sync.Mutex
}

// New creates a new Daemon instance.
//
// The daemon requires:
//   - eng: the sync engine to enqueue into and drain
//   - monitor: the connectivity monitor whose restored events trigger drains
//   - outboxDir: directory the app deposits mutation JSON files into
//
// Use Run() to begin watching and syncing.
func New(eng *engine.Engine, monitor *netmon.Monitor, outboxDir string) (*Daemon, error) {
	return NewWithConfig(eng, monitor, outboxDir, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(eng *engine.Engine, monitor *netmon.Monitor, outboxDir string, config *Config) (*Daemon, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if monitor == nil {
		return nil, fmt.Errorf("monitor cannot be nil")
	}
	if outboxDir == "" {
		return nil, fmt.Errorf("outboxDir cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Daemon{
		engine:      eng,
		monitor:     monitor,
		outboxDir:   outboxDir,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
	}, nil
}

// Run starts the daemon and blocks until ctx is cancelled or a background
// loop fails.
//
// On startup it scans the outbox for deposits left over from a previous
// run, starts the connectivity monitor, and performs an initial drain.
func (d *Daemon) Run(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if err := os.MkdirAll(filepath.Join(d.outboxDir, rejectedDirName), 0755); err != nil {
		return fmt.Errorf("failed to create outbox directories: %w", err)
	}

	// Pick up deposits written while the daemon was down.
	if err := d.scanOutbox(ctx); err != nil {
		return fmt.Errorf("initial outbox scan failed: %w", err)
	}

	if err := d.watcher.Add(d.outboxDir); err != nil {
		return fmt.Errorf("failed to watch outbox directory: %w", err)
	}
	d.config.Logger.Printf("Watching outbox: %s", d.outboxDir)

	if err := d.monitor.Start(); err != nil {
		return fmt.Errorf("failed to start connectivity monitor: %w", err)
	}
	defer d.monitor.Stop()
	defer d.watcher.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.watchOutboxEvents(ctx) })
	g.Go(func() error { return d.processChangeQueue(ctx) })
	g.Go(func() error { return d.drainLoop(ctx) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// watchOutboxEvents monitors filesystem events and queues deposits.
func (d *Daemon) watchOutboxEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-d.watcher.Events:
			if !ok {
				return nil
			}

			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			// Ignore anything already parked under rejected/.
			if filepath.Dir(event.Name) != d.outboxDir {
				continue
			}

			d.queueChange(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return nil
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange adds a deposit to the change queue with debouncing.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

// processChangeQueue drains the debounced change queue.
func (d *Daemon) processChangeQueue(ctx context.Context) error {
	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if d.processPendingChanges(ctx) {
				// New mutations are queued; try to confirm them now.
				if _, err := d.engine.Drain(ctx); err != nil {
					d.config.Logger.Printf("Drain after enqueue failed: %v", err)
				}
			}
		}
	}
}

// processPendingChanges ingests deposits that have settled for at least the
// debounce interval. Returns true if anything was enqueued.
func (d *Daemon) processPendingChanges(ctx context.Context) bool {
	d.changeQueueMu.Lock()
	now := time.Now()
	var ready []string
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(d.changeQueue, path)
	}
	d.changeQueueMu.Unlock()

	enqueued := false
	for _, path := range ready {
		if err := d.ingestDeposit(ctx, path); err != nil {
			d.config.Logger.Printf("Error ingesting deposit %s: %v", path, err)
			continue
		}
		enqueued = true
	}
	return enqueued
}

// scanOutbox ingests every deposit currently sitting in the outbox.
func (d *Daemon) scanOutbox(ctx context.Context) error {
	entries, err := os.ReadDir(d.outboxDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read outbox directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(d.outboxDir, entry.Name())
		if err := d.ingestDeposit(ctx, path); err != nil {
			d.config.Logger.Printf("Error ingesting deposit %s: %v", path, err)
		}
	}

	return nil
}

// ingestDeposit reads one outbox file, enqueues it, and removes the file.
// Malformed or rejected deposits are moved to outbox/rejected/ rather than
// retried forever.
func (d *Daemon) ingestDeposit(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil // already ingested by an earlier pass
	}
	if err != nil {
		return fmt.Errorf("failed to read deposit: %w", err)
	}

	var dep deposit
	if err := json.Unmarshal(data, &dep); err != nil {
		d.reject(path, fmt.Errorf("invalid JSON: %w", err))
		return nil
	}

	m := mutation.New(dep.GroupingID, dep.SubjectID, dep.Payload, dep.Status)
	if dep.LocalID != "" {
		m.LocalID = dep.LocalID
	}

	if err := d.engine.Enqueue(ctx, m); err != nil {
		d.reject(path, err)
		return nil
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove ingested deposit: %w", err)
	}

	d.config.Logger.Printf("Ingested deposit %s as mutation %s", filepath.Base(path), m.LocalID)
	return nil
}

// reject parks a bad deposit under rejected/ so the app can inspect it.
func (d *Daemon) reject(path string, cause error) {
	d.config.Logger.Printf("Rejecting deposit %s: %v", path, cause)

	dest := filepath.Join(d.outboxDir, rejectedDirName, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		d.config.Logger.Printf("Error moving rejected deposit: %v", err)
	}
}

// drainLoop performs the initial drain, then drains on connectivity
// restored events and on the periodic ticker.
func (d *Daemon) drainLoop(ctx context.Context) error {
	if _, err := d.engine.Drain(ctx); err != nil {
		d.config.Logger.Printf("Initial drain failed: %v", err)
	}

	ticker := time.NewTicker(d.config.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-d.monitor.Restored():
			d.config.Logger.Println("Connectivity restored, draining")
			if _, err := d.engine.Drain(ctx); err != nil {
				d.config.Logger.Printf("Drain failed: %v", err)
			}

		case <-ticker.C:
			// Also rescan the outbox: fsnotify events can be missed.
			if err := d.scanOutbox(ctx); err != nil {
				d.config.Logger.Printf("Outbox rescan failed: %v", err)
			}
			if _, err := d.engine.Drain(ctx); err != nil {
				d.config.Logger.Printf("Periodic drain failed: %v", err)
			}
		}
	}
}
