// Package dashboard also bridges engine events into broadcast messages.
package dashboard

import (
	"encoding/json"
	"log"
	"time"

	"github.com/stevenmcginty/tillsync/internal/engine"
)

// Handler subscribes to a sync engine and forwards its state changes to
// the WebSocket server as dashboard messages.
type Handler struct {
	server *Server
	engine *engine.Engine
	logger *log.Logger

	collections []string
	unsubscribe []func()
}

// NewHandler creates an event handler connected to a dashboard server.
// The collections list controls which merged views are reported on change.
func NewHandler(server *Server, e *engine.Engine, collections []string, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}

	return &Handler{
		server:      server,
		engine:      e,
		logger:      logger,
		collections: collections,
	}
}

// Attach registers the handler with the engine and pushes an initial
// snapshot of the sync state so new dashboards are not blank.
func (h *Handler) Attach() {
	h.unsubscribe = append(h.unsubscribe,
		h.engine.Subscribe(h.onDataChanged),
		h.engine.SubscribeStatus(h.onStatusChanged),
	)
	h.broadcastSyncState()
	h.onStatusChanged(h.engine.Status())
}

// Detach removes the engine subscriptions.
func (h *Handler) Detach() {
	for _, fn := range h.unsubscribe {
		fn()
	}
	h.unsubscribe = nil
}

// onDataChanged fires whenever queues or merged views change.
func (h *Handler) onDataChanged() {
	h.broadcastSyncState()

	for _, collection := range h.collections {
		data := CollectionUpdateData{
			Collection: collection,
			Count:      len(h.engine.Merged(collection)),
		}

		dataJSON, err := json.Marshal(data)
		if err != nil {
			h.logger.Printf("Failed to marshal collection data: %v", err)
			continue
		}

		h.server.Broadcast(Message{
			Type:      MessageTypeCollectionUpdate,
			Timestamp: time.Now(),
			Data:      dataJSON,
		})
	}
}

// onStatusChanged fires on offline/connecting/online transitions.
func (h *Handler) onStatusChanged(status engine.Status) {
	h.logger.Printf("Connection status: %s", status)

	data := ConnectionStatusData{Status: status.String()}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal status data: %v", err)
		return
	}

	h.server.Broadcast(Message{
		Type:      MessageTypeConnectionStatus,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}

// broadcastSyncState sends current queue depths to all clients.
func (h *Handler) broadcastSyncState() {
	depths := h.engine.Depths()
	data := SyncStateData{
		Creations: depths.Creations,
		Updates:   depths.Updates,
		Deletions: depths.Deletions,
		Poisoned:  depths.Poisoned,
		SyncError: h.engine.SyncError(),
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal sync state: %v", err)
		return
	}

	h.server.Broadcast(Message{
		Type:      MessageTypeSyncState,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}
