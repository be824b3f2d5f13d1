package queue

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/salonflow/queue-service/internal/domain"
	"github.com/salonflow/queue-service/internal/observability"
)

// Store is the record-store surface the engine needs. Implementations return
// domain.ErrNotFound for absent records.
type Store interface {
	BookingByID(ctx context.Context, id uuid.UUID) (*domain.Booking, error)
	SaveBooking(ctx context.Context, b *domain.Booking) error
	QueueEntryByBooking(ctx context.Context, bookingID uuid.UUID) (*domain.QueueEntry, error)
	SaveQueueEntry(ctx context.Context, e *domain.QueueEntry) error
	QueueEntriesBySalon(ctx context.Context, salonID uuid.UUID) ([]domain.QueueEntry, error)
	MaxQueuePosition(ctx context.Context, salonID uuid.UUID) (int, error)
}

// Broadcaster pushes the full ordered queue to a per-salon real-time channel.
// Delivery is fire-and-forget; failures are logged, never propagated.
type Broadcaster interface {
	PublishQueueSnapshot(ctx context.Context, salonID uuid.UUID, entries []domain.QueueEntry) error
}

type Notifier interface {
	Notify(ctx context.Context, ev domain.NotificationEvent) error
}

type Stats struct {
	Waiting            int `json:"waiting"`
	InService          int `json:"in_service"`
	TotalWaitMinutes   int `json:"total_wait_minutes"`
	AverageWaitMinutes int `json:"average_wait_minutes"`
}

// Engine owns per-salon queue ordering. Mutating methods assume the caller
// holds the salon's serialization guard; reads take no guard.
type Engine struct {
	store     Store
	broadcast Broadcaster
	notifier  Notifier
	logger    observability.Logger
	now       func() time.Time
}

func NewEngine(store Store, broadcast Broadcaster, notifier Notifier, logger observability.Logger) *Engine {
	return &Engine{
		store:     store,
		broadcast: broadcast,
		notifier:  notifier,
		logger:    logger,
		now:       time.Now,
	}
}

// AddToQueue appends the booking at the tail of the salon's queue, computes
// its wait estimate and mirrors the position onto the booking itself.
func (e *Engine) AddToQueue(ctx context.Context, b *domain.Booking, customerName, serviceName string) (*domain.QueueEntry, error) {
	max, err := e.store.MaxQueuePosition(ctx, b.SalonID)
	if err != nil {
		return nil, errors.Wrap(err, "max queue position")
	}
	position := max + 1

	slots, err := e.liveSlots(ctx, b.SalonID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	wait := EstimateWait(slots, position, now)

	entry := domain.NewQueueEntry(*b, customerName, serviceName, position, wait, now)
	if err := e.store.SaveQueueEntry(ctx, &entry); err != nil {
		return nil, errors.Wrap(err, "save queue entry")
	}

	b.QueuePosition = &position
	if err := e.store.SaveBooking(ctx, b); err != nil {
		return nil, errors.Wrap(err, "save booking position")
	}

	e.logger.WithField("booking_id", b.ID).WithField("position", position).Info("booking added to queue")
	e.publishSnapshot(ctx, b.SalonID)
	return &entry, nil
}

// ReorderQueue re-assigns contiguous positions to the salon's live entries,
// preserving relative order within each status. In-service entries are
// numbered first and counted toward the wait of everyone behind them; WAITING
// entries follow, so the live range is always 1..n with no gap even when a
// customer behind the head is taken into service. Customers whose position
// improved by three or more get a position-update notification.
func (e *Engine) ReorderQueue(ctx context.Context, salonID uuid.UUID) error {
	entries, err := e.store.QueueEntriesBySalon(ctx, salonID)
	if err != nil {
		return errors.Wrap(err, "load queue entries")
	}

	now := e.now()
	base := 0
	inServiceRemaining := 0
	for i := range entries {
		entry := entries[i]
		if entry.Status != domain.QueueInService {
			continue
		}
		base++
		b, err := e.store.BookingByID(ctx, entry.BookingID)
		if err != nil {
			return errors.Wrap(err, "load in-service booking")
		}
		inServiceRemaining += b.RemainingServiceMinutes(now)

		if entry.Position == base {
			continue
		}
		entry.Position = base
		if err := e.store.SaveQueueEntry(ctx, &entry); err != nil {
			return errors.Wrap(err, "save in-service entry")
		}
		pos := base
		b.QueuePosition = &pos
		if err := e.store.SaveBooking(ctx, b); err != nil {
			return errors.Wrap(err, "save in-service booking")
		}
	}

	type improvement struct {
		ev domain.NotificationEvent
	}
	var improved []improvement

	cumulative := 0
	position := base
	for i := range entries {
		entry := entries[i]
		if entry.Status != domain.QueueWaiting {
			continue
		}
		position++

		b, err := e.store.BookingByID(ctx, entry.BookingID)
		if err != nil {
			return errors.Wrap(err, "load waiting booking")
		}

		wait := inServiceRemaining + cumulative
		cumulative += b.EstimatedDurationMinutes

		var prior *int
		if b.QueuePosition != nil {
			p := *b.QueuePosition
			prior = &p
		}

		entry.Position = position
		entry.EstimatedWaitMinutes = wait
		if err := e.store.SaveQueueEntry(ctx, &entry); err != nil {
			return errors.Wrap(err, "save reordered entry")
		}

		pos := position
		b.QueuePosition = &pos
		b.EstimatedStartTime = now.Add(time.Duration(wait) * time.Minute)
		if err := e.store.SaveBooking(ctx, b); err != nil {
			return errors.Wrap(err, "save reordered booking")
		}

		if prior != nil && *prior-position >= 3 {
			improved = append(improved, improvement{ev: domain.NotificationEvent{
				Kind:       domain.NotifyQueueUpdate,
				CustomerID: b.CustomerID,
				BookingID:  b.ID,
				SalonID:    salonID,
				Position:   position,
			}})
		}
	}

	e.publishSnapshot(ctx, salonID)

	for _, imp := range improved {
		e.notify(ctx, imp.ev)
	}
	return nil
}

// MarkInService flags the booking's entry as being served. The entry keeps its
// position so the line behind it stays numbered.
func (e *Engine) MarkInService(ctx context.Context, bookingID uuid.UUID) error {
	entry, err := e.store.QueueEntryByBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	if !entry.Live() {
		return domain.ErrNotFound
	}

	entry.Status = domain.QueueInService
	if err := e.store.SaveQueueEntry(ctx, entry); err != nil {
		return errors.Wrap(err, "save in-service entry")
	}

	e.publishSnapshot(ctx, entry.SalonID)
	return nil
}

// RemoveFromQueue frees the booking's slot and closes the gap. Used for
// completed, cancelled and no-show bookings alike; a booking with no live
// entry is a no-op.
func (e *Engine) RemoveFromQueue(ctx context.Context, bookingID uuid.UUID) error {
	entry, err := e.store.QueueEntryByBooking(ctx, bookingID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !entry.Live() {
		return nil
	}

	entry.Status = domain.QueueCompleted
	if err := e.store.SaveQueueEntry(ctx, entry); err != nil {
		return errors.Wrap(err, "save removed entry")
	}

	b, err := e.store.BookingByID(ctx, bookingID)
	if err != nil {
		return errors.Wrap(err, "load booking")
	}
	b.QueuePosition = nil
	if err := e.store.SaveBooking(ctx, b); err != nil {
		return errors.Wrap(err, "clear booking position")
	}

	e.logger.WithField("booking_id", bookingID).Info("booking removed from queue")
	return e.ReorderQueue(ctx, entry.SalonID)
}

// HandleLateArrival demotes the booking's entry to the end of the line: the
// entry is skipped, the rest of the queue closes up, and the entry re-enters
// at the new tail with a fresh wait estimate.
func (e *Engine) HandleLateArrival(ctx context.Context, bookingID uuid.UUID) (*domain.QueueEntry, error) {
	entry, err := e.store.QueueEntryByBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !entry.Live() {
		return nil, domain.ErrNotFound
	}
	salonID := entry.SalonID

	entry.Status = domain.QueueSkipped
	if err := e.store.SaveQueueEntry(ctx, entry); err != nil {
		return nil, errors.Wrap(err, "skip entry")
	}

	if err := e.ReorderQueue(ctx, salonID); err != nil {
		return nil, err
	}

	max, err := e.store.MaxQueuePosition(ctx, salonID)
	if err != nil {
		return nil, errors.Wrap(err, "max queue position")
	}
	position := max + 1

	slots, err := e.liveSlots(ctx, salonID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	wait := EstimateWait(slots, position, now)

	entry.Position = position
	entry.Status = domain.QueueWaiting
	entry.EstimatedWaitMinutes = wait
	if err := e.store.SaveQueueEntry(ctx, entry); err != nil {
		return nil, errors.Wrap(err, "re-insert entry")
	}

	b, err := e.store.BookingByID(ctx, bookingID)
	if err != nil {
		return nil, errors.Wrap(err, "load booking")
	}
	b.QueuePosition = &position
	b.EstimatedStartTime = now.Add(time.Duration(wait) * time.Minute)
	if err := e.store.SaveBooking(ctx, b); err != nil {
		return nil, errors.Wrap(err, "save booking position")
	}

	e.logger.WithField("booking_id", bookingID).WithField("position", position).Info("late arrival moved to end of queue")
	e.publishSnapshot(ctx, salonID)
	e.notify(ctx, domain.NotificationEvent{
		Kind:       domain.NotifyLateArrival,
		CustomerID: b.CustomerID,
		BookingID:  b.ID,
		SalonID:    salonID,
		Position:   position,
	})
	return entry, nil
}

// NotifyNextInQueue sends courtesy signals after a removal: "your turn" to the
// entry now at position 1 and "get ready" to the one behind it. Best effort,
// not a state transition.
func (e *Engine) NotifyNextInQueue(ctx context.Context, salonID uuid.UUID) error {
	entries, err := e.store.QueueEntriesBySalon(ctx, salonID)
	if err != nil {
		return errors.Wrap(err, "load queue entries")
	}

	var waiting []domain.QueueEntry
	for _, entry := range entries {
		if entry.Status == domain.QueueWaiting {
			waiting = append(waiting, entry)
		}
	}
	if len(waiting) == 0 {
		return nil
	}

	if waiting[0].Position == 1 {
		b, err := e.store.BookingByID(ctx, waiting[0].BookingID)
		if err != nil {
			return errors.Wrap(err, "load next booking")
		}
		e.notify(ctx, domain.NotificationEvent{
			Kind:       domain.NotifyTurnNext,
			CustomerID: b.CustomerID,
			BookingID:  b.ID,
			SalonID:    salonID,
			Position:   waiting[0].Position,
		})
	}

	if len(waiting) > 1 {
		b, err := e.store.BookingByID(ctx, waiting[1].BookingID)
		if err != nil {
			return errors.Wrap(err, "load second booking")
		}
		e.notify(ctx, domain.NotificationEvent{
			Kind:       domain.NotifyGetReady,
			CustomerID: b.CustomerID,
			BookingID:  b.ID,
			SalonID:    salonID,
			Position:   waiting[1].Position,
		})
	}
	return nil
}

// SalonQueue is the canonical read view: live entries ordered by position.
func (e *Engine) SalonQueue(ctx context.Context, salonID uuid.UUID) ([]domain.QueueEntry, error) {
	entries, err := e.store.QueueEntriesBySalon(ctx, salonID)
	if err != nil {
		return nil, errors.Wrap(err, "load queue entries")
	}
	live := make([]domain.QueueEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.Live() {
			live = append(live, entry)
		}
	}
	return live, nil
}

// CustomerQueueStatus returns the live entry for a booking.
func (e *Engine) CustomerQueueStatus(ctx context.Context, bookingID uuid.UUID) (*domain.QueueEntry, error) {
	entry, err := e.store.QueueEntryByBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !entry.Live() {
		return nil, domain.ErrNotFound
	}
	return entry, nil
}

func (e *Engine) QueueStats(ctx context.Context, salonID uuid.UUID) (Stats, error) {
	entries, err := e.store.QueueEntriesBySalon(ctx, salonID)
	if err != nil {
		return Stats{}, errors.Wrap(err, "load queue entries")
	}

	var stats Stats
	for _, entry := range entries {
		switch entry.Status {
		case domain.QueueWaiting:
			stats.Waiting++
			stats.TotalWaitMinutes += entry.EstimatedWaitMinutes
		case domain.QueueInService:
			stats.InService++
		}
	}
	if stats.Waiting > 0 {
		stats.AverageWaitMinutes = stats.TotalWaitMinutes / stats.Waiting
	}
	return stats, nil
}

// JoinEstimate is the expected start time for a booking joining the salon's
// queue now.
func (e *Engine) JoinEstimate(ctx context.Context, salonID uuid.UUID) (time.Time, error) {
	slots, err := e.liveSlots(ctx, salonID)
	if err != nil {
		return time.Time{}, err
	}
	now := e.now()
	return now.Add(time.Duration(BacklogMinutes(slots, now)) * time.Minute), nil
}

func (e *Engine) liveSlots(ctx context.Context, salonID uuid.UUID) ([]Slot, error) {
	entries, err := e.store.QueueEntriesBySalon(ctx, salonID)
	if err != nil {
		return nil, errors.Wrap(err, "load queue entries")
	}

	slots := make([]Slot, 0, len(entries))
	for _, entry := range entries {
		if !entry.Live() {
			continue
		}
		b, err := e.store.BookingByID(ctx, entry.BookingID)
		if err != nil {
			return nil, errors.Wrap(err, "load booking for slot")
		}
		slots = append(slots, Slot{
			Position:        entry.Position,
			Status:          entry.Status,
			DurationMinutes: b.EstimatedDurationMinutes,
			StartedAt:       b.ActualStartTime,
		})
	}
	return slots, nil
}

// publishSnapshot pushes the salon's live queue to subscribers after the state
// change has been persisted. A failed push is logged and dropped; clients fall
// back to polling SalonQueue.
func (e *Engine) publishSnapshot(ctx context.Context, salonID uuid.UUID) {
	snapshot, err := e.SalonQueue(ctx, salonID)
	if err != nil {
		e.logger.WithField("salon_id", salonID).Error("failed to load queue snapshot", err)
		return
	}

	observability.QueueDepth.WithLabelValues(salonID.String()).Set(float64(len(snapshot)))

	if err := e.broadcast.PublishQueueSnapshot(ctx, salonID, snapshot); err != nil {
		observability.BroadcastFailures.Inc()
		e.logger.WithField("salon_id", salonID).Warn("queue broadcast failed", err)
	}
}

func (e *Engine) notify(ctx context.Context, ev domain.NotificationEvent) {
	if err := e.notifier.Notify(ctx, ev); err != nil {
		e.logger.WithField("kind", string(ev.Kind)).Warn("notification failed", err)
	}
}
