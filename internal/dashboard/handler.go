package dashboard

import (
	"encoding/json"
	"log"
	"time"

	"github.com/chronotrace/chronotrace/internal/rules"
	"github.com/chronotrace/chronotrace/internal/store"
	"github.com/chronotrace/chronotrace/internal/syncer"
)

// Handler receives daemon completion events and formats them as dashboard
// messages. It bridges between the daemon and the WebSocket server.
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

// EntityResult is the per-entity portion of a sync_complete payload.
type EntityResult struct {
	Synced int `json:"synced"`
	Errors int `json:"errors"`
}

// SyncCompleteData is the payload of a sync_complete message.
type SyncCompleteData struct {
	Full     bool                              `json:"full"`
	Synced   int                               `json:"synced"`
	Errors   int                               `json:"errors"`
	Duration time.Duration                     `json:"duration"`
	Entities map[store.EntityType]EntityResult `json:"entities"`
}

// ChecksCompleteData is the payload of a checks_complete message.
type ChecksCompleteData struct {
	AsOf       time.Time `json:"as_of"`
	Violations int       `json:"violations"`
	Users      int       `json:"users_scored"`
}

// OnSyncComplete implements daemon event delivery for finished syncs.
func (h *Handler) OnSyncComplete(summary *syncer.Summary) {
	data := SyncCompleteData{
		Full:     summary.Full,
		Synced:   summary.TotalSynced(),
		Errors:   summary.TotalErrors(),
		Duration: summary.Duration,
		Entities: make(map[store.EntityType]EntityResult, len(summary.Results)),
	}
	for entity, result := range summary.Results {
		data.Entities[entity] = EntityResult{Synced: result.Synced, Errors: result.Errors}
	}

	h.send(MessageTypeSyncComplete, data)
}

// OnChecksComplete implements daemon event delivery for finished
// compliance passes.
func (h *Handler) OnChecksComplete(report *rules.Report) {
	h.send(MessageTypeChecksComplete, ChecksCompleteData{
		AsOf:       report.AsOf,
		Violations: len(report.Violations),
		Users:      len(report.Scores),
	})
}

func (h *Handler) send(typ MessageType, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Printf("Failed to marshal %s payload: %v", typ, err)
		return
	}
	h.server.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      data,
	})
}
