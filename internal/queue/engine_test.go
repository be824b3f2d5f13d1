package queue

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/salonflow/queue-service/internal/domain"
	"github.com/salonflow/queue-service/internal/observability"
)

type fakeStore struct {
	bookings map[uuid.UUID]*domain.Booking
	entries  map[uuid.UUID]*domain.QueueEntry // keyed by booking id
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bookings: make(map[uuid.UUID]*domain.Booking),
		entries:  make(map[uuid.UUID]*domain.QueueEntry),
	}
}

func (s *fakeStore) BookingByID(_ context.Context, id uuid.UUID) (*domain.Booking, error) {
	b, ok := s.bookings[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *fakeStore) SaveBooking(_ context.Context, b *domain.Booking) error {
	cp := *b
	s.bookings[b.ID] = &cp
	return nil
}

func (s *fakeStore) QueueEntryByBooking(_ context.Context, bookingID uuid.UUID) (*domain.QueueEntry, error) {
	e, ok := s.entries[bookingID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *fakeStore) SaveQueueEntry(_ context.Context, e *domain.QueueEntry) error {
	cp := *e
	s.entries[e.BookingID] = &cp
	return nil
}

func (s *fakeStore) QueueEntriesBySalon(_ context.Context, salonID uuid.UUID) ([]domain.QueueEntry, error) {
	var out []domain.QueueEntry
	for _, e := range s.entries {
		if e.SalonID == salonID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *fakeStore) MaxQueuePosition(_ context.Context, salonID uuid.UUID) (int, error) {
	max := 0
	for _, e := range s.entries {
		if e.SalonID == salonID && e.Live() && e.Position > max {
			max = e.Position
		}
	}
	return max, nil
}

type fakeBroadcaster struct {
	snapshots int
}

func (b *fakeBroadcaster) PublishQueueSnapshot(context.Context, uuid.UUID, []domain.QueueEntry) error {
	b.snapshots++
	return nil
}

type fakeNotifier struct {
	events []domain.NotificationEvent
}

func (n *fakeNotifier) Notify(_ context.Context, ev domain.NotificationEvent) error {
	n.events = append(n.events, ev)
	return nil
}

func (n *fakeNotifier) kinds() []domain.NotificationKind {
	var out []domain.NotificationKind
	for _, ev := range n.events {
		out = append(out, ev.Kind)
	}
	return out
}

func testEngine(t *testing.T) (*Engine, *fakeStore, *fakeBroadcaster, *fakeNotifier) {
	t.Helper()
	store := newFakeStore()
	broadcast := &fakeBroadcaster{}
	notifier := &fakeNotifier{}
	e := NewEngine(store, broadcast, notifier, observability.NewNopLogger())
	return e, store, broadcast, notifier
}

func seedBooking(t *testing.T, store *fakeStore, salonID uuid.UUID, durationMinutes int) *domain.Booking {
	t.Helper()
	b := &domain.Booking{
		ID:                       uuid.New(),
		CustomerID:               uuid.New(),
		SalonID:                  salonID,
		ServiceID:                uuid.New(),
		Type:                     domain.BookingTypeOnline,
		Status:                   domain.BookingConfirmed,
		EstimatedDurationMinutes: durationMinutes,
		CreatedAt:                time.Now(),
	}
	if err := store.SaveBooking(context.Background(), b); err != nil {
		t.Fatal(err)
	}
	return b
}

func addEntry(t *testing.T, e *Engine, store *fakeStore, b *domain.Booking) *domain.QueueEntry {
	t.Helper()
	entry, err := e.AddToQueue(context.Background(), b, "customer", "service")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SaveBooking(context.Background(), b); err != nil {
		t.Fatal(err)
	}
	return entry
}

func livePositions(t *testing.T, store *fakeStore, salonID uuid.UUID) []int {
	t.Helper()
	entries, _ := store.QueueEntriesBySalon(context.Background(), salonID)
	var positions []int
	for _, e := range entries {
		if e.Live() {
			positions = append(positions, e.Position)
		}
	}
	return positions
}

func assertContiguous(t *testing.T, positions []int) {
	t.Helper()
	for i, p := range positions {
		if p != i+1 {
			t.Fatalf("positions not contiguous: %v", positions)
		}
	}
}

func TestAddToQueue_AssignsTailPositionsAndWaits(t *testing.T) {
	e, store, _, _ := testEngine(t)
	salonID := uuid.New()

	b1 := seedBooking(t, store, salonID, 30)
	b2 := seedBooking(t, store, salonID, 45)
	b3 := seedBooking(t, store, salonID, 20)

	e1 := addEntry(t, e, store, b1)
	e2 := addEntry(t, e, store, b2)
	e3 := addEntry(t, e, store, b3)

	if e1.Position != 1 || e2.Position != 2 || e3.Position != 3 {
		t.Fatalf("positions = %d,%d,%d", e1.Position, e2.Position, e3.Position)
	}
	if e1.EstimatedWaitMinutes != 0 {
		t.Fatalf("first entry wait = %d, want 0", e1.EstimatedWaitMinutes)
	}
	if e2.EstimatedWaitMinutes != 30 {
		t.Fatalf("second entry wait = %d, want 30", e2.EstimatedWaitMinutes)
	}
	if e3.EstimatedWaitMinutes != 75 {
		t.Fatalf("third entry wait = %d, want 75", e3.EstimatedWaitMinutes)
	}

	if b1.QueuePosition == nil || *b1.QueuePosition != 1 {
		t.Fatal("booking position not mirrored")
	}
}

func TestRemoveFromQueue_ClosesGapAndNotifiesNext(t *testing.T) {
	e, store, _, notifier := testEngine(t)
	salonID := uuid.New()

	b1 := seedBooking(t, store, salonID, 30)
	b2 := seedBooking(t, store, salonID, 45)
	b3 := seedBooking(t, store, salonID, 20)
	addEntry(t, e, store, b1)
	addEntry(t, e, store, b2)
	addEntry(t, e, store, b3)

	if err := e.RemoveFromQueue(context.Background(), b1.ID); err != nil {
		t.Fatal(err)
	}

	positions := livePositions(t, store, salonID)
	if len(positions) != 2 {
		t.Fatalf("expected 2 live entries, got %d", len(positions))
	}
	assertContiguous(t, positions)

	// former position-2 entry is now first with zero wait
	entry, err := store.QueueEntryByBooking(context.Background(), b2.ID)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Position != 1 || entry.EstimatedWaitMinutes != 0 {
		t.Fatalf("entry = pos %d wait %d, want pos 1 wait 0", entry.Position, entry.EstimatedWaitMinutes)
	}

	if err := e.NotifyNextInQueue(context.Background(), salonID); err != nil {
		t.Fatal(err)
	}
	kinds := notifier.kinds()
	foundNext, foundReady := false, false
	for _, k := range kinds {
		if k == domain.NotifyTurnNext {
			foundNext = true
		}
		if k == domain.NotifyGetReady {
			foundReady = true
		}
	}
	if !foundNext || !foundReady {
		t.Fatalf("expected TURN_NEXT and GET_READY, got %v", kinds)
	}

	// removing again is a no-op
	if err := e.RemoveFromQueue(context.Background(), b1.ID); err != nil {
		t.Fatal(err)
	}
	b, _ := store.BookingByID(context.Background(), b1.ID)
	if b.QueuePosition != nil {
		t.Fatal("removed booking still has a position")
	}
}

func TestReorderQueue_KeepsInServiceSlot(t *testing.T) {
	e, store, _, _ := testEngine(t)
	salonID := uuid.New()

	b1 := seedBooking(t, store, salonID, 30)
	b2 := seedBooking(t, store, salonID, 45)
	b3 := seedBooking(t, store, salonID, 20)
	addEntry(t, e, store, b1)
	addEntry(t, e, store, b2)
	addEntry(t, e, store, b3)

	started := time.Now()
	b1.ActualStartTime = &started
	if err := store.SaveBooking(context.Background(), b1); err != nil {
		t.Fatal(err)
	}
	if err := e.MarkInService(context.Background(), b1.ID); err != nil {
		t.Fatal(err)
	}

	if err := e.ReorderQueue(context.Background(), salonID); err != nil {
		t.Fatal(err)
	}

	positions := livePositions(t, store, salonID)
	assertContiguous(t, positions)

	first, _ := store.QueueEntryByBooking(context.Background(), b1.ID)
	if first.Position != 1 || first.Status != domain.QueueInService {
		t.Fatalf("in-service entry moved: pos %d status %s", first.Position, first.Status)
	}

	// waiting entries line up behind the in-service slot
	second, _ := store.QueueEntryByBooking(context.Background(), b2.ID)
	third, _ := store.QueueEntryByBooking(context.Background(), b3.ID)
	if second.Position != 2 || third.Position != 3 {
		t.Fatalf("waiting positions = %d,%d", second.Position, third.Position)
	}
	if second.EstimatedWaitMinutes != 30 {
		t.Fatalf("second wait = %d, want 30 (full in-service remainder)", second.EstimatedWaitMinutes)
	}
	if third.EstimatedWaitMinutes != 75 {
		t.Fatalf("third wait = %d, want 75", third.EstimatedWaitMinutes)
	}
}

func TestReorderQueue_CompactsNonHeadInService(t *testing.T) {
	e, store, _, _ := testEngine(t)
	salonID := uuid.New()

	b1 := seedBooking(t, store, salonID, 30)
	b2 := seedBooking(t, store, salonID, 45)
	b3 := seedBooking(t, store, salonID, 20)
	addEntry(t, e, store, b1)
	addEntry(t, e, store, b2)
	addEntry(t, e, store, b3)

	// a second barber takes the customer behind the head
	started := time.Now()
	b2.ActualStartTime = &started
	if err := store.SaveBooking(context.Background(), b2); err != nil {
		t.Fatal(err)
	}
	if err := e.MarkInService(context.Background(), b2.ID); err != nil {
		t.Fatal(err)
	}

	// the head leaves; the remaining live range must close up to 1..n
	if err := e.RemoveFromQueue(context.Background(), b1.ID); err != nil {
		t.Fatal(err)
	}

	positions := livePositions(t, store, salonID)
	if len(positions) != 2 {
		t.Fatalf("live entries = %d, want 2", len(positions))
	}
	assertContiguous(t, positions)

	served, _ := store.QueueEntryByBooking(context.Background(), b2.ID)
	if served.Position != 1 || served.Status != domain.QueueInService {
		t.Fatalf("in-service entry at pos %d status %s, want front of numbering", served.Position, served.Status)
	}
	servedBooking, _ := store.BookingByID(context.Background(), b2.ID)
	if servedBooking.QueuePosition == nil || *servedBooking.QueuePosition != 1 {
		t.Fatal("compacted position not mirrored onto booking")
	}

	waiting, _ := store.QueueEntryByBooking(context.Background(), b3.ID)
	if waiting.Position != 2 || waiting.Status != domain.QueueWaiting {
		t.Fatalf("waiting entry at pos %d status %s, want 2 WAITING", waiting.Position, waiting.Status)
	}
	if waiting.EstimatedWaitMinutes != 45 {
		t.Fatalf("waiting wait = %d, want 45 (in-service remainder)", waiting.EstimatedWaitMinutes)
	}
}

func TestReorderQueue_BigImprovementNotifies(t *testing.T) {
	e, store, _, notifier := testEngine(t)
	salonID := uuid.New()

	var bookings []*domain.Booking
	for i := 0; i < 5; i++ {
		b := seedBooking(t, store, salonID, 10)
		addEntry(t, e, store, b)
		bookings = append(bookings, b)
	}

	// drop the three front entries in one batch, then reorder once
	for i := 0; i < 3; i++ {
		entry, _ := store.QueueEntryByBooking(context.Background(), bookings[i].ID)
		entry.Status = domain.QueueCompleted
		if err := store.SaveQueueEntry(context.Background(), entry); err != nil {
			t.Fatal(err)
		}
	}
	notifier.events = nil
	if err := e.ReorderQueue(context.Background(), salonID); err != nil {
		t.Fatal(err)
	}

	// position 4 -> 1 and 5 -> 2 both improved by 3
	updates := 0
	for _, ev := range notifier.events {
		if ev.Kind == domain.NotifyQueueUpdate {
			updates++
		}
	}
	if updates != 2 {
		t.Fatalf("expected 2 QUEUE_UPDATE events, got %d (%v)", updates, notifier.kinds())
	}
}

func TestHandleLateArrival_MovesToTail(t *testing.T) {
	e, store, _, notifier := testEngine(t)
	salonID := uuid.New()

	b1 := seedBooking(t, store, salonID, 30)
	b2 := seedBooking(t, store, salonID, 45)
	b3 := seedBooking(t, store, salonID, 20)
	addEntry(t, e, store, b1)
	addEntry(t, e, store, b2)
	addEntry(t, e, store, b3)

	entry, err := e.HandleLateArrival(context.Background(), b1.ID)
	if err != nil {
		t.Fatal(err)
	}

	if entry.Position != 3 || entry.Status != domain.QueueWaiting {
		t.Fatalf("late entry = pos %d status %s, want pos 3 WAITING", entry.Position, entry.Status)
	}
	// its wait is the sum of the durations now ahead of it
	if entry.EstimatedWaitMinutes != 65 {
		t.Fatalf("late entry wait = %d, want 65", entry.EstimatedWaitMinutes)
	}

	second, _ := store.QueueEntryByBooking(context.Background(), b2.ID)
	third, _ := store.QueueEntryByBooking(context.Background(), b3.ID)
	if second.Position != 1 || third.Position != 2 {
		t.Fatalf("queue order = %d,%d, want 1,2", second.Position, third.Position)
	}
	assertContiguous(t, livePositions(t, store, salonID))

	foundLate := false
	for _, ev := range notifier.events {
		if ev.Kind == domain.NotifyLateArrival && ev.BookingID == b1.ID {
			foundLate = true
		}
	}
	if !foundLate {
		t.Fatal("expected LATE_ARRIVAL notification")
	}
}

func TestQueueStats(t *testing.T) {
	e, store, _, _ := testEngine(t)
	salonID := uuid.New()

	b1 := seedBooking(t, store, salonID, 30)
	b2 := seedBooking(t, store, salonID, 40)
	b3 := seedBooking(t, store, salonID, 20)
	addEntry(t, e, store, b1)
	addEntry(t, e, store, b2)
	addEntry(t, e, store, b3)

	if err := e.MarkInService(context.Background(), b1.ID); err != nil {
		t.Fatal(err)
	}
	if err := e.ReorderQueue(context.Background(), salonID); err != nil {
		t.Fatal(err)
	}

	stats, err := e.QueueStats(context.Background(), salonID)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Waiting != 2 || stats.InService != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.AverageWaitMinutes != stats.TotalWaitMinutes/2 {
		t.Fatalf("average %d inconsistent with total %d", stats.AverageWaitMinutes, stats.TotalWaitMinutes)
	}

	empty, err := e.QueueStats(context.Background(), uuid.New())
	if err != nil {
		t.Fatal(err)
	}
	if empty.AverageWaitMinutes != 0 {
		t.Fatalf("empty salon average = %d, want 0", empty.AverageWaitMinutes)
	}
}

func TestPublishSnapshot_OnEveryMutation(t *testing.T) {
	e, store, broadcast, _ := testEngine(t)
	salonID := uuid.New()

	b := seedBooking(t, store, salonID, 30)
	addEntry(t, e, store, b)
	if broadcast.snapshots == 0 {
		t.Fatal("add did not broadcast")
	}
	before := broadcast.snapshots
	if err := e.RemoveFromQueue(context.Background(), b.ID); err != nil {
		t.Fatal(err)
	}
	if broadcast.snapshots <= before {
		t.Fatal("remove did not broadcast")
	}
}
