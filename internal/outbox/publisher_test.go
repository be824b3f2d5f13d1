package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/salonflow/queue-service/internal/adapters/postgres"
	"github.com/salonflow/queue-service/internal/observability"
)

type fakeOutboxStore struct {
	pending   map[uuid.UUID]postgres.OutboxRecord
	published []uuid.UUID
	failed    []uuid.UUID
}

func newFakeOutboxStore(records ...postgres.OutboxRecord) *fakeOutboxStore {
	s := &fakeOutboxStore{pending: make(map[uuid.UUID]postgres.OutboxRecord)}
	for _, rec := range records {
		s.pending[rec.ID] = rec
	}
	return s
}

func (s *fakeOutboxStore) GetUnpublishedOutbox(_ context.Context, limit int) ([]postgres.OutboxRecord, error) {
	var out []postgres.OutboxRecord
	for _, rec := range s.pending {
		if len(out) == limit {
			break
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *fakeOutboxStore) MarkPublished(_ context.Context, id uuid.UUID, _ time.Time) error {
	delete(s.pending, id)
	s.published = append(s.published, id)
	return nil
}

func (s *fakeOutboxStore) MarkFailed(_ context.Context, id uuid.UUID) error {
	delete(s.pending, id)
	s.failed = append(s.failed, id)
	return nil
}

func (s *fakeOutboxStore) OldestUnpublishedAge(context.Context, time.Time) (time.Duration, error) {
	return 0, nil
}

type fakeBroker struct {
	err      error
	messages []string
}

func (b *fakeBroker) Publish(_ context.Context, routingKey string, _ amqp.Publishing) error {
	if b.err != nil {
		return b.err
	}
	b.messages = append(b.messages, routingKey)
	return nil
}

func record(kind string) postgres.OutboxRecord {
	return postgres.OutboxRecord{
		ID:        uuid.New(),
		BookingID: uuid.New(),
		SalonID:   uuid.New(),
		Kind:      kind,
		Payload:   []byte(`{}`),
		CreatedAt: time.Now(),
		Status:    "NEW",
	}
}

func TestDrainPublishesAndMarks(t *testing.T) {
	rec := record("BOOKING_CONFIRMED")
	store := newFakeOutboxStore(rec)
	broker := &fakeBroker{}
	p := NewPublisher(store, broker, observability.NewNopLogger())

	p.drain(context.Background())

	if len(broker.messages) != 1 || broker.messages[0] != "notification.BOOKING_CONFIRMED" {
		t.Fatalf("messages = %v", broker.messages)
	}
	if len(store.published) != 1 || store.published[0] != rec.ID {
		t.Fatalf("published = %v", store.published)
	}
	if len(store.pending) != 0 {
		t.Fatal("record still pending after publish")
	}
}

func TestDrainMarksFailedAfterRepeatedErrors(t *testing.T) {
	rec := record("TURN_NEXT")
	store := newFakeOutboxStore(rec)
	broker := &fakeBroker{err: errors.New("broker down")}
	p := NewPublisher(store, broker, observability.NewNopLogger())
	ctx := context.Background()

	for i := 0; i < maxPublishAttempts-1; i++ {
		p.drain(ctx)
	}
	if len(store.failed) != 0 {
		t.Fatalf("record failed after %d attempts, want retries first", maxPublishAttempts-1)
	}
	if _, ok := store.pending[rec.ID]; !ok {
		t.Fatal("record dropped while still retryable")
	}

	p.drain(ctx)
	if len(store.failed) != 1 || store.failed[0] != rec.ID {
		t.Fatalf("failed = %v, want the exhausted record", store.failed)
	}
	if len(store.pending) != 0 {
		t.Fatal("exhausted record still pending")
	}
	if len(p.attempts) != 0 {
		t.Fatal("attempt counter leaked after mark failed")
	}

	// A recovered broker must not resurrect the dead record.
	broker.err = nil
	p.drain(ctx)
	if len(store.published) != 0 {
		t.Fatalf("published = %v, want none", store.published)
	}
}
