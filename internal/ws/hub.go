// Package ws pushes full queue snapshots to per-salon websocket subscribers.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/salonflow/queue-service/internal/domain"
	"github.com/salonflow/queue-service/internal/observability"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins; the gateway enforces auth.
		return true
	},
}

// Hub fans queue snapshots out to subscribers keyed by salon id. Every
// mutation pushes the full ordered list, not deltas, so a late subscriber is
// consistent from its first message.
type Hub struct {
	mu          sync.Mutex
	subscribers map[uuid.UUID][]*websocket.Conn
	logger      observability.Logger
}

func NewHub(logger observability.Logger) *Hub {
	return &Hub{
		subscribers: make(map[uuid.UUID][]*websocket.Conn),
		logger:      logger,
	}
}

type snapshotMessage struct {
	Type    string              `json:"type"`
	SalonID uuid.UUID           `json:"salonId"`
	Entries []domain.QueueEntry `json:"entries"`
	SentAt  time.Time           `json:"sentAt"`
}

func (h *Hub) PublishQueueSnapshot(ctx context.Context, salonID uuid.UUID, entries []domain.QueueEntry) error {
	msg, err := json.Marshal(snapshotMessage{
		Type:    "QUEUE_SNAPSHOT",
		SalonID: salonID,
		Entries: entries,
		SentAt:  time.Now(),
	})
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	conns := h.subscribers[salonID]
	kept := conns[:0]
	for _, conn := range conns {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err == nil {
			kept = append(kept, conn)
		} else {
			conn.Close()
		}
	}
	h.subscribers[salonID] = kept
	return nil
}

// Subscribe upgrades the request and holds the connection open until the
// client disconnects.
func (h *Hub) Subscribe(w http.ResponseWriter, r *http.Request, salonID uuid.UUID) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", err)
		return
	}

	h.mu.Lock()
	h.subscribers[salonID] = append(h.subscribers[salonID], conn)
	h.mu.Unlock()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.mu.Lock()
	conns := h.subscribers[salonID]
	kept := make([]*websocket.Conn, 0, len(conns))
	for _, c := range conns {
		if c != conn {
			kept = append(kept, c)
		}
	}
	h.subscribers[salonID] = kept
	h.mu.Unlock()

	conn.Close()
}

// SubscriberCount is used by readiness probes and tests.
func (h *Hub) SubscriberCount(salonID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers[salonID])
}
