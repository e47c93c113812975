// Package engine orchestrates draining the pending queue against the remote
// record store.
//
// A drain is the one pass that attempts to confirm every currently pending
// mutation, in FIFO order, one in-flight remote write at a time. Confirmed
// writes are removed from the queue and earn a ledger grant; failures go
// through the retry policy, which either leaves the mutation pending or
// quarantines it. At most one drain runs system-wide at any instant;
// concurrent invocations are no-ops.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync/atomic"

	"github.com/pourlog/pourlog/internal/auth"
	"github.com/pourlog/pourlog/internal/ledger"
	"github.com/pourlog/pourlog/internal/mutation"
	"github.com/pourlog/pourlog/internal/queue"
	"github.com/pourlog/pourlog/internal/remote"
)

// Connectivity reports the current connectivity state. Implemented by
// netmon.Monitor.
type Connectivity interface {
	IsOnline() bool
}

// Remote is the write side of the remote record API. Implemented by
// remote.Client.
type Remote interface {
	CreateRecord(ctx context.Context, m *mutation.Pending) (string, error)
	DeleteRecord(ctx context.Context, remoteID string) (*remote.DeletedRecord, error)
}

// Events receives notifications about sync outcomes. All callbacks run on
// the drain goroutine and must not block.
type Events interface {
	// MutationSynced fires after a confirmed write, with the grant outcome.
	MutationSynced(localID, remoteID, subjectID string, grant *ledger.GrantResult)

	// MutationQuarantined fires when a mutation moves to the failed store.
	MutationQuarantined(f *mutation.Failed)

	// DrainCompleted fires at the end of every drain pass.
	DrainCompleted(result DrainResult)
}

// DrainResult aggregates the outcome of one drain pass.
type DrainResult struct {
	// Synced is how many mutations were confirmed and removed.
	Synced int `json:"synced"`

	// StillPending is how many mutations failed transiently and remain
	// queued for the next drain.
	StillPending int `json:"still_pending"`

	// Quarantined is how many mutations moved to the failed store.
	Quarantined int `json:"quarantined"`
}

// Engine is the sync engine. Construct with New; all collaborators are
// injected so tests can substitute fakes.
type Engine struct {
	pending *queue.Store
	failed  *queue.Quarantine
	ledger  *ledger.Ledger
	remote  Remote
	conn    Connectivity
	auth    auth.Provider
	policy  *RetryPolicy
	events  Events
	logger  *log.Logger

	draining atomic.Bool
}

// Config carries the engine's collaborators.
type Config struct {
	Pending *queue.Store
	Failed  *queue.Quarantine
	Ledger  *ledger.Ledger
	Remote  Remote
	Conn    Connectivity
	Auth    auth.Provider

	// Events is optional; nil disables notifications.
	Events Events

	// Logger is optional; nil defaults to stderr.
	Logger *log.Logger
}

// New creates a sync engine from the given collaborators.
func New(cfg Config) (*Engine, error) {
	if cfg.Pending == nil {
		return nil, fmt.Errorf("pending store cannot be nil")
	}
	if cfg.Failed == nil {
		return nil, fmt.Errorf("failed store cannot be nil")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("ledger cannot be nil")
	}
	if cfg.Remote == nil {
		return nil, fmt.Errorf("remote cannot be nil")
	}
	if cfg.Conn == nil {
		return nil, fmt.Errorf("connectivity cannot be nil")
	}
	if cfg.Auth == nil {
		return nil, fmt.Errorf("auth provider cannot be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}

	return &Engine{
		pending: cfg.Pending,
		failed:  cfg.Failed,
		ledger:  cfg.Ledger,
		remote:  cfg.Remote,
		conn:    cfg.Conn,
		auth:    cfg.Auth,
		policy:  NewRetryPolicy(cfg.Pending, cfg.Logger),
		events:  cfg.Events,
		logger:  cfg.Logger,
	}, nil
}

// Enqueue appends a mutation to the pending queue.
//
// Guest-authored writes are rejected: they are local-only and never enter
// the sync subsystem.
func (e *Engine) Enqueue(ctx context.Context, m *mutation.Pending) error {
	session := e.auth.Current()
	if !session.Authenticated() {
		return fmt.Errorf("guest session: mutations are not queued for sync")
	}
	if m.SubjectID != session.SubjectID {
		return fmt.Errorf("mutation subject %s does not match session subject %s",
			m.SubjectID, session.SubjectID)
	}

	if err := e.pending.Append(ctx, m); err != nil {
		return fmt.Errorf("failed to enqueue mutation: %w", err)
	}

	e.logger.Printf("Enqueued mutation %s (subject=%s, grams=%d)",
		m.LocalID, m.SubjectID, m.Payload.ConsumedGrams)
	return nil
}

// Drain attempts to confirm every pending mutation, in FIFO order.
//
// It is a no-op returning an empty result when offline, when a drain is
// already in flight, or when the session is a guest. One mutation's failure
// never halts the pass; per-mutation outcomes are aggregated into the
// result. Store and ledger I/O errors abort the pass and are returned with
// the partial result.
func (e *Engine) Drain(ctx context.Context) (DrainResult, error) {
	var result DrainResult

	if !e.conn.IsOnline() {
		e.logger.Printf("Drain skipped: offline")
		return result, nil
	}
	if !e.auth.Current().Authenticated() {
		e.logger.Printf("Drain skipped: guest session")
		return result, nil
	}
	if !e.draining.CompareAndSwap(false, true) {
		e.logger.Printf("Drain skipped: already in flight")
		return result, nil
	}
	defer e.draining.Store(false)

	pending, err := e.pending.List(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to list pending mutations: %w", err)
	}
	if len(pending) == 0 {
		return result, nil
	}

	e.logger.Printf("Draining %d pending mutations", len(pending))

	// Sequential on purpose: one in-flight remote write preserves FIFO
	// order and keeps the retry bookkeeping race-free.
	for _, m := range pending {
		remoteID, err := e.remote.CreateRecord(ctx, m)
		if err != nil {
			decision, perr := e.policy.OnFailure(ctx, m, err)
			if perr != nil {
				return result, perr
			}
			switch decision {
			case DecisionQuarantine:
				result.Quarantined++
				if e.events != nil {
					e.events.MutationQuarantined(m.ToFailed(m.LastError, *m.LastRetryAt))
				}
			default:
				result.StillPending++
			}
			continue
		}

		// Remove before granting: the window where a confirmed write is
		// still queued is what risks duplicate submission.
		if err := e.pending.Remove(ctx, m.LocalID); err != nil {
			return result, fmt.Errorf("failed to remove confirmed mutation %s: %w", m.LocalID, err)
		}

		grant, err := e.ledger.Grant(ctx, m.SubjectID, m.Payload.ConsumedGrams, "record:"+remoteID)
		if err != nil {
			return result, fmt.Errorf("failed to grant points for mutation %s: %w", m.LocalID, err)
		}

		result.Synced++
		if e.events != nil {
			e.events.MutationSynced(m.LocalID, remoteID, m.SubjectID, grant)
		}
	}

	e.logger.Printf("Drain complete: synced=%d, still pending=%d, quarantined=%d",
		result.Synced, result.StillPending, result.Quarantined)
	if e.events != nil {
		e.events.DrainCompleted(result)
	}

	return result, nil
}

// DeleteRecord deletes a previously confirmed record remotely and incurs
// the matching ledger debt, retroactively cancelling the record's grant
// without rewriting history.
func (e *Engine) DeleteRecord(ctx context.Context, remoteID string) error {
	if !e.conn.IsOnline() {
		return fmt.Errorf("cannot delete record while offline")
	}

	deleted, err := e.remote.DeleteRecord(ctx, remoteID)
	if err != nil {
		return fmt.Errorf("failed to delete record %s: %w", remoteID, err)
	}

	if err := e.ledger.IncurDebt(ctx, deleted.SubjectID, deleted.ConsumedGrams); err != nil {
		return fmt.Errorf("failed to incur debt for deleted record %s: %w", remoteID, err)
	}

	e.logger.Printf("Deleted record %s (subject=%s, debt incurred=%d)",
		remoteID, deleted.SubjectID, deleted.ConsumedGrams)
	return nil
}

// RequeueFailed moves every quarantined mutation back to the pending queue
// with a fresh retry budget and returns the count moved.
func (e *Engine) RequeueFailed(ctx context.Context) (int, error) {
	moved, err := e.failed.RequeueAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue quarantined mutations: %w", err)
	}

	if moved > 0 {
		e.logger.Printf("Requeued %d quarantined mutations", moved)
	}
	return moved, nil
}

// DiscardFailed permanently drops one quarantined mutation.
func (e *Engine) DiscardFailed(ctx context.Context, localID string) error {
	if err := e.failed.Discard(ctx, localID); err != nil {
		return fmt.Errorf("failed to discard mutation %s: %w", localID, err)
	}

	e.logger.Printf("Discarded quarantined mutation %s", localID)
	return nil
}

// DiscardAllFailed permanently drops every quarantined mutation and returns
// the count dropped.
func (e *Engine) DiscardAllFailed(ctx context.Context) (int, error) {
	dropped, err := e.failed.DiscardAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to discard quarantined mutations: %w", err)
	}

	if dropped > 0 {
		e.logger.Printf("Discarded %d quarantined mutations", dropped)
	}
	return dropped, nil
}

// Status derives the current user-facing sync status.
func (e *Engine) Status(ctx context.Context) (StatusDetail, error) {
	pendingCount, err := e.pending.Count(ctx)
	if err != nil {
		return StatusDetail{}, fmt.Errorf("failed to count pending mutations: %w", err)
	}
	failedCount, err := e.failed.Count(ctx)
	if err != nil {
		return StatusDetail{}, fmt.Errorf("failed to count failed mutations: %w", err)
	}

	online := e.conn.IsOnline()
	syncing := e.draining.Load()

	return StatusDetail{
		State:        AggregateStatus(online, syncing, pendingCount, failedCount),
		Online:       online,
		Syncing:      syncing,
		PendingCount: pendingCount,
		FailedCount:  failedCount,
	}, nil
}
