package dashboard

import (
	"encoding/json"
	"log"
	"time"

	"github.com/pourlog/pourlog/internal/engine"
	"github.com/pourlog/pourlog/internal/ledger"
	"github.com/pourlog/pourlog/internal/mutation"
)

// SyncedData describes a confirmed write.
type SyncedData struct {
	LocalID   string `json:"local_id"`
	RemoteID  string `json:"remote_id"`
	SubjectID string `json:"subject_id"`
	DebtPaid  int    `json:"debt_paid"`
}

// LevelUpData describes a level change caused by a grant.
type LevelUpData struct {
	SubjectID string `json:"subject_id"`
	NewLevel  int    `json:"new_level"`
}

// QuarantinedData describes a mutation entering the failed store.
type QuarantinedData struct {
	LocalID    string `json:"local_id"`
	SubjectID  string `json:"subject_id"`
	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error"`
}

// Handler bridges engine events to dashboard broadcasts. It implements
// engine.Events; callbacks only marshal and enqueue, so they never block
// the drain loop.
type Handler struct {
	server *Server
	logger *log.Logger
}

// NewHandler creates an event handler connected to a dashboard server.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		server: server,
		logger: logger,
	}
}

// MutationSynced implements engine.Events.
func (h *Handler) MutationSynced(localID, remoteID, subjectID string, grant *ledger.GrantResult) {
	h.send(MessageTypeSynced, SyncedData{
		LocalID:   localID,
		RemoteID:  remoteID,
		SubjectID: subjectID,
		DebtPaid:  grant.DebtPaid,
	})

	if grant.LeveledUp {
		h.send(MessageTypeLevelUp, LevelUpData{
			SubjectID: subjectID,
			NewLevel:  grant.NewLevel,
		})
	}
}

// MutationQuarantined implements engine.Events.
func (h *Handler) MutationQuarantined(f *mutation.Failed) {
	h.send(MessageTypeQuarantined, QuarantinedData{
		LocalID:    f.LocalID,
		SubjectID:  f.SubjectID,
		RetryCount: f.RetryCount,
		LastError:  f.LastError,
	})
}

// DrainCompleted implements engine.Events.
func (h *Handler) DrainCompleted(result engine.DrainResult) {
	h.send(MessageTypeDrainComplete, result)
}

// BroadcastStatus publishes the aggregated sync status.
func (h *Handler) BroadcastStatus(detail engine.StatusDetail) {
	h.send(MessageTypeStatus, detail)
}

func (h *Handler) send(msgType MessageType, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", msgType, err)
		return
	}

	h.server.Broadcast(Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      payload,
	})
}
