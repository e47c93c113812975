package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/pourlog/pourlog/internal/mutation"
	"github.com/pourlog/pourlog/internal/queue"
	"github.com/pourlog/pourlog/internal/remote"
)

// MaxRetry is the retry budget per mutation. A mutation that fails this
// many attempts is quarantined.
const MaxRetry = 5

// Decision is the retry policy's verdict on a failed attempt.
type Decision string

const (
	// DecisionRetry leaves the mutation pending for the next drain.
	DecisionRetry Decision = "retry"

	// DecisionQuarantine moves the mutation to the failed store.
	DecisionQuarantine Decision = "quarantine"
)

// RetryPolicy decides whether a failed mutation stays pending or is
// quarantined, and records the bookkeeping either way.
//
// Each failed attempt increments the retry count by exactly one and stamps
// the error and attempt time. Quarantine happens when the count reaches
// MaxRetry, or immediately when the remote rejected the write permanently
// (retrying a validation error five times cannot help).
//
// No backoff timer is applied between attempts; attempts are gated purely
// by drain invocations.
type RetryPolicy struct {
	pending *queue.Store
	logger  *log.Logger
	now     func() time.Time
}

// NewRetryPolicy creates a retry policy writing its bookkeeping to the
// given pending store.
func NewRetryPolicy(pending *queue.Store, logger *log.Logger) *RetryPolicy {
	if logger == nil {
		logger = log.Default()
	}
	return &RetryPolicy{
		pending: pending,
		logger:  logger,
		now:     time.Now,
	}
}

// OnFailure handles one failed write attempt for m.
//
// The returned Decision reports where the mutation now lives; the error is
// non-nil only when the store itself failed, which is fatal for the
// operation because the durability guarantee may be broken.
func (p *RetryPolicy) OnFailure(ctx context.Context, m *mutation.Pending, cause error) (Decision, error) {
	at := p.now().UTC()
	m.RetryCount++
	m.LastError = cause.Error()
	m.LastRetryAt = &at

	permanent := remote.IsPermanent(cause)
	if permanent || m.RetryCount >= MaxRetry {
		if permanent {
			p.logger.Printf("Mutation %s rejected permanently, quarantining: %v", m.LocalID, cause)
		} else {
			p.logger.Printf("Mutation %s exhausted %d retries, quarantining: %v", m.LocalID, MaxRetry, cause)
		}

		if err := p.pending.Quarantine(ctx, m.ToFailed(m.LastError, at)); err != nil {
			return DecisionQuarantine, fmt.Errorf("failed to quarantine mutation %s: %w", m.LocalID, err)
		}
		return DecisionQuarantine, nil
	}

	p.logger.Printf("Mutation %s failed attempt %d/%d, will retry: %v", m.LocalID, m.RetryCount, MaxRetry, cause)

	if err := p.pending.RecordFailure(ctx, m.LocalID, m.LastError, at); err != nil {
		return DecisionRetry, fmt.Errorf("failed to record failure for mutation %s: %w", m.LocalID, err)
	}
	return DecisionRetry, nil
}
