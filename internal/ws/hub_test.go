package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/salonflow/queue-service/internal/domain"
	"github.com/salonflow/queue-service/internal/observability"
)

func dialHub(t *testing.T, hub *Hub, salonID uuid.UUID) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Subscribe(w, r, salonID)
	}))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		srv.Close()
		t.Fatal(err)
	}
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func waitForSubscriber(t *testing.T, hub *Hub, salonID uuid.UUID) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.SubscriberCount(salonID) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_DeliversSnapshots(t *testing.T) {
	hub := NewHub(observability.NewNopLogger())
	salonID := uuid.New()

	conn, cleanup := dialHub(t, hub, salonID)
	defer cleanup()
	waitForSubscriber(t, hub, salonID)

	entries := []domain.QueueEntry{
		{ID: uuid.New(), SalonID: salonID, Position: 1, Status: domain.QueueWaiting, CustomerName: "A"},
		{ID: uuid.New(), SalonID: salonID, Position: 2, Status: domain.QueueWaiting, CustomerName: "B"},
	}
	if err := hub.PublishQueueSnapshot(context.Background(), salonID, entries); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}

	var msg struct {
		Type    string              `json:"type"`
		SalonID uuid.UUID           `json:"salonId"`
		Entries []domain.QueueEntry `json:"entries"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "QUEUE_SNAPSHOT" || msg.SalonID != salonID {
		t.Fatalf("message = %+v", msg)
	}
	if len(msg.Entries) != 2 || msg.Entries[0].Position != 1 {
		t.Fatalf("entries = %+v", msg.Entries)
	}
}

func TestHub_DropsDisconnectedSubscribers(t *testing.T) {
	hub := NewHub(observability.NewNopLogger())
	salonID := uuid.New()

	conn, cleanup := dialHub(t, hub, salonID)
	waitForSubscriber(t, hub, salonID)
	conn.Close()

	// a publish after the close prunes the dead connection
	deadline := time.Now().Add(2 * time.Second)
	for hub.SubscriberCount(salonID) != 0 {
		hub.PublishQueueSnapshot(context.Background(), salonID, nil)
		if time.Now().After(deadline) {
			t.Fatal("dead subscriber never pruned")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cleanup()
}

func TestHub_IsolatesSalons(t *testing.T) {
	hub := NewHub(observability.NewNopLogger())
	salonA := uuid.New()
	salonB := uuid.New()

	connA, cleanupA := dialHub(t, hub, salonA)
	defer cleanupA()
	waitForSubscriber(t, hub, salonA)

	if err := hub.PublishQueueSnapshot(context.Background(), salonB, nil); err != nil {
		t.Fatal(err)
	}

	connA.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := connA.ReadMessage(); err == nil {
		t.Fatal("subscriber received another salon's snapshot")
	}
}
