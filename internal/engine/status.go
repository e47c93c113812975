package engine

import "fmt"

// Status is the single user-facing sync state.
type Status string

const (
	// StatusOffline means no connectivity; nothing can sync.
	StatusOffline Status = "offline"

	// StatusSyncing means a drain is currently in flight.
	StatusSyncing Status = "syncing"

	// StatusFailed means quarantined mutations need operator action.
	StatusFailed Status = "failed"

	// StatusPending means mutations are queued and waiting for a drain.
	StatusPending Status = "pending"

	// StatusSynced means everything is confirmed remote.
	StatusSynced Status = "synced"
)

// AggregateStatus derives one status from the observable state.
//
// Precedence: offline > syncing > failed > pending > synced. Pure function,
// no side effects, safe to call at any frequency.
func AggregateStatus(online, syncing bool, pendingCount, failedCount int) Status {
	switch {
	case !online:
		return StatusOffline
	case syncing:
		return StatusSyncing
	case failedCount > 0:
		return StatusFailed
	case pendingCount > 0:
		return StatusPending
	default:
		return StatusSynced
	}
}

// StatusDetail is the aggregated status plus the counts it was derived
// from, for display.
type StatusDetail struct {
	State        Status `json:"state"`
	Online       bool   `json:"online"`
	Syncing      bool   `json:"syncing"`
	PendingCount int    `json:"pending_count"`
	FailedCount  int    `json:"failed_count"`
}

// String renders the status the way the UI shows it, with counts attached
// to the pending and failed states.
func (d StatusDetail) String() string {
	switch d.State {
	case StatusPending:
		return fmt.Sprintf("pending(%d)", d.PendingCount)
	case StatusFailed:
		return fmt.Sprintf("failed(%d)", d.FailedCount)
	default:
		return string(d.State)
	}
}
