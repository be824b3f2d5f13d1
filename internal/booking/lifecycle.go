package booking

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/salonflow/queue-service/internal/domain"
	"github.com/salonflow/queue-service/internal/observability"
	"github.com/salonflow/queue-service/internal/queue"
	"golang.org/x/sync/errgroup"
)

// Store is the record-store surface the lifecycle needs beyond the queue
// engine's. Implementations return domain.ErrNotFound for absent records.
// WithTx runs fn atomically: writes issued with the context passed to fn
// either all commit or none do.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	BookingByID(ctx context.Context, id uuid.UUID) (*domain.Booking, error)
	SaveBooking(ctx context.Context, b *domain.Booking) error
	BookingsByCustomer(ctx context.Context, customerID uuid.UUID) ([]domain.Booking, error)
	ActiveBookingsBySalon(ctx context.Context, salonID uuid.UUID) ([]domain.Booking, error)
	OverdueConfirmedOnline(ctx context.Context, cutoff time.Time) ([]domain.Booking, error)

	CustomerByID(ctx context.Context, id uuid.UUID) (*domain.Customer, error)
	CustomerByPhone(ctx context.Context, phone string) (*domain.Customer, error)
	SaveCustomer(ctx context.Context, c *domain.Customer) error

	SalonByID(ctx context.Context, id uuid.UUID) (*domain.Salon, error)
	SalonIDsWithLiveEntries(ctx context.Context) ([]uuid.UUID, error)
	ServiceByID(ctx context.Context, id uuid.UUID) (*domain.Service, error)

	BarberByID(ctx context.Context, id uuid.UUID) (*domain.Barber, error)
	SaveBarber(ctx context.Context, b *domain.Barber) error
	AvailableBarbersByLoad(ctx context.Context, salonID uuid.UUID) ([]domain.Barber, error)
}

// Locker is the per-salon serialization boundary. Acquire blocks for a bounded
// time and returns domain.ErrConcurrencyConflict when the guard cannot be
// taken.
type Locker interface {
	Acquire(ctx context.Context, salonID uuid.UUID) (release func(), err error)
}

// Auditor records lifecycle transitions on a best-effort trail.
type Auditor interface {
	LogTransition(ctx context.Context, b domain.Booking, from domain.BookingStatus) error
}

// StatsCache caches queue statistics between refreshes. Get returns nil with
// no error on a miss.
type StatsCache interface {
	Get(ctx context.Context, salonID uuid.UUID) (*queue.Stats, error)
	Set(ctx context.Context, salonID uuid.UUID, stats queue.Stats) error
}

type CreateBookingRequest struct {
	SalonID         uuid.UUID
	ServiceID       uuid.UUID
	SpecialRequests string
}

type CreateWalkInRequest struct {
	ServiceID     uuid.UUID
	CustomerName  string
	CustomerPhone string
}

// Lifecycle is the booking state machine and the single acquisition point of
// the per-salon guard: every mutating operation locks the salon, re-reads the
// booking inside the guard, validates, and persists all its writes in one
// store transaction before events go out.
type Lifecycle struct {
	store             Store
	engine            *queue.Engine
	locks             Locker
	notifier          queue.Notifier
	audit             Auditor
	stats             StatsCache
	logger            observability.Logger
	gracePeriodMin    int
	autoCancelMinutes int
	now               func() time.Time
}

func NewLifecycle(store Store, engine *queue.Engine, locks Locker, notifier queue.Notifier, audit Auditor, stats StatsCache, logger observability.Logger, gracePeriodMinutes, autoCancelMinutes int) *Lifecycle {
	return &Lifecycle{
		store:             store,
		engine:            engine,
		locks:             locks,
		notifier:          notifier,
		audit:             audit,
		stats:             stats,
		logger:            logger,
		gracePeriodMin:    gracePeriodMinutes,
		autoCancelMinutes: autoCancelMinutes,
		now:               time.Now,
	}
}

// CreateOnlineBooking validates the customer, salon and service, estimates the
// start time from the current queue load and assigns the least busy barber.
// The booking stays PENDING until the payment completion event confirms it.
func (l *Lifecycle) CreateOnlineBooking(ctx context.Context, customerID uuid.UUID, req CreateBookingRequest) (*domain.Booking, error) {
	customer, err := l.store.CustomerByID(ctx, customerID)
	if err != nil {
		return nil, errors.Wrap(err, "customer")
	}
	if customer.IsBlacklisted() {
		return nil, errors.Wrap(domain.ErrBusinessRule, "customer temporarily blocked due to repeated no-shows")
	}

	salon, err := l.store.SalonByID(ctx, req.SalonID)
	if err != nil {
		return nil, errors.Wrap(err, "salon")
	}
	if !salon.AcceptsOnlineBooking {
		return nil, errors.Wrap(domain.ErrBusinessRule, "salon does not accept online bookings")
	}

	svc, err := l.store.ServiceByID(ctx, req.ServiceID)
	if err != nil {
		return nil, errors.Wrap(err, "service")
	}
	if !svc.IsActive {
		return nil, errors.Wrap(domain.ErrBusinessRule, "service is currently unavailable")
	}

	estimatedStart, err := l.engine.JoinEstimate(ctx, salon.ID)
	if err != nil {
		return nil, err
	}
	barberID, err := l.assignBarber(ctx, salon.ID)
	if err != nil {
		return nil, err
	}

	b := domain.NewOnlineBooking(customer.ID, *salon, *svc, barberID, estimatedStart, req.SpecialRequests, l.now())
	if err := l.store.SaveBooking(ctx, &b); err != nil {
		return nil, errors.Wrap(err, "save booking")
	}

	observability.Transitions.WithLabelValues("create_online").Inc()
	l.logger.WithField("booking_id", b.ID).Info("online booking created")
	return &b, nil
}

// ConfirmBooking moves a PENDING online booking to CONFIRMED after payment and
// enters it into the salon's queue.
func (l *Lifecycle) ConfirmBooking(ctx context.Context, bookingID uuid.UUID, paymentID string) error {
	b, err := l.store.BookingByID(ctx, bookingID)
	if err != nil {
		return errors.Wrap(err, "booking")
	}

	return l.withSalonGuard(ctx, b.SalonID, func(ctx context.Context) error {
		b, err := l.store.BookingByID(ctx, bookingID)
		if err != nil {
			return errors.Wrap(err, "booking")
		}
		if b.Status != domain.BookingPending {
			return errors.Wrapf(domain.ErrInvalidTransition, "cannot confirm booking in status %s", b.Status)
		}

		customer, err := l.store.CustomerByID(ctx, b.CustomerID)
		if err != nil {
			return errors.Wrap(err, "customer")
		}
		svc, err := l.store.ServiceByID(ctx, b.ServiceID)
		if err != nil {
			return errors.Wrap(err, "service")
		}

		from := b.Status
		b.Status = domain.BookingConfirmed
		b.PaymentStatus = domain.PaymentPaid
		b.PaymentID = paymentID

		// AddToQueue persists the booking together with its queue entry.
		if _, err := l.engine.AddToQueue(ctx, b, customer.FullName, svc.Name); err != nil {
			return err
		}

		customer.TotalBookings++
		if err := l.store.SaveCustomer(ctx, customer); err != nil {
			return errors.Wrap(err, "save customer")
		}

		l.afterTransition(ctx, *b, from, "confirm")
		l.notify(ctx, domain.NotificationEvent{
			Kind:       domain.NotifyBookingConfirmed,
			CustomerID: b.CustomerID,
			BookingID:  b.ID,
			SalonID:    b.SalonID,
			Position:   derefPosition(b.QueuePosition),
		})
		return nil
	})
}

// CreateWalkInBooking registers a customer standing in the shop: the booking
// is confirmed immediately and queued in the same guarded section. An existing
// customer is matched by phone, otherwise a guest record is created.
func (l *Lifecycle) CreateWalkInBooking(ctx context.Context, salonID, barberID uuid.UUID, req CreateWalkInRequest) (*domain.Booking, error) {
	salon, err := l.store.SalonByID(ctx, salonID)
	if err != nil {
		return nil, errors.Wrap(err, "salon")
	}
	barber, err := l.store.BarberByID(ctx, barberID)
	if err != nil {
		return nil, errors.Wrap(err, "barber")
	}
	svc, err := l.store.ServiceByID(ctx, req.ServiceID)
	if err != nil {
		return nil, errors.Wrap(err, "service")
	}

	customer, err := l.walkInCustomer(ctx, req)
	if err != nil {
		return nil, err
	}

	var created *domain.Booking
	err = l.withSalonGuard(ctx, salonID, func(ctx context.Context) error {
		estimatedStart, err := l.engine.JoinEstimate(ctx, salonID)
		if err != nil {
			return err
		}

		b := domain.NewWalkInBooking(customer.ID, *salon, *svc, &barber.ID, estimatedStart, l.now())
		if _, err := l.engine.AddToQueue(ctx, &b, customer.FullName, svc.Name); err != nil {
			return err
		}
		created = &b

		observability.Transitions.WithLabelValues("create_walkin").Inc()
		l.logger.WithField("booking_id", b.ID).Info("walk-in booking created")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// StartService transitions CONFIRMED to IN_PROGRESS and flags the queue entry
// as being served.
func (l *Lifecycle) StartService(ctx context.Context, bookingID uuid.UUID) error {
	b, err := l.store.BookingByID(ctx, bookingID)
	if err != nil {
		return errors.Wrap(err, "booking")
	}

	return l.withSalonGuard(ctx, b.SalonID, func(ctx context.Context) error {
		b, err := l.store.BookingByID(ctx, bookingID)
		if err != nil {
			return errors.Wrap(err, "booking")
		}
		if b.Status != domain.BookingConfirmed {
			return errors.Wrapf(domain.ErrInvalidTransition, "cannot start booking in status %s", b.Status)
		}

		from := b.Status
		started := l.now()
		b.Status = domain.BookingInProgress
		b.ActualStartTime = &started
		if err := l.store.SaveBooking(ctx, b); err != nil {
			return errors.Wrap(err, "save booking")
		}

		if err := l.engine.MarkInService(ctx, bookingID); err != nil {
			return err
		}

		l.afterTransition(ctx, *b, from, "start")
		l.notify(ctx, domain.NotificationEvent{
			Kind:       domain.NotifyServiceStarted,
			CustomerID: b.CustomerID,
			BookingID:  b.ID,
			SalonID:    b.SalonID,
		})
		return nil
	})
}

// CompleteService finishes an IN_PROGRESS booking, credits the barber, frees
// the queue slot and signals the next customers in line.
func (l *Lifecycle) CompleteService(ctx context.Context, bookingID uuid.UUID) error {
	b, err := l.store.BookingByID(ctx, bookingID)
	if err != nil {
		return errors.Wrap(err, "booking")
	}

	return l.withSalonGuard(ctx, b.SalonID, func(ctx context.Context) error {
		b, err := l.store.BookingByID(ctx, bookingID)
		if err != nil {
			return errors.Wrap(err, "booking")
		}
		if b.Status != domain.BookingInProgress {
			return errors.Wrapf(domain.ErrInvalidTransition, "cannot complete booking in status %s", b.Status)
		}

		from := b.Status
		ended := l.now()
		b.Status = domain.BookingCompleted
		b.ActualEndTime = &ended
		if err := l.store.SaveBooking(ctx, b); err != nil {
			return errors.Wrap(err, "save booking")
		}

		if b.BarberID != nil {
			barber, err := l.store.BarberByID(ctx, *b.BarberID)
			if err != nil {
				return errors.Wrap(err, "barber")
			}
			barber.TotalServices++
			if err := l.store.SaveBarber(ctx, barber); err != nil {
				return errors.Wrap(err, "save barber")
			}
		}

		if err := l.engine.RemoveFromQueue(ctx, bookingID); err != nil {
			return err
		}
		if err := l.engine.NotifyNextInQueue(ctx, b.SalonID); err != nil {
			l.logger.WithField("salon_id", b.SalonID).Warn("notify next in queue failed", err)
		}

		l.afterTransition(ctx, *b, from, "complete")
		l.notify(ctx, domain.NotificationEvent{
			Kind:       domain.NotifyReviewRequest,
			CustomerID: b.CustomerID,
			BookingID:  b.ID,
			SalonID:    b.SalonID,
		})
		return nil
	})
}

// CancelBooking cancels any booking not yet completed or cancelled, recording
// who cancelled and why.
func (l *Lifecycle) CancelBooking(ctx context.Context, bookingID, cancelledBy uuid.UUID, reason string) error {
	b, err := l.store.BookingByID(ctx, bookingID)
	if err != nil {
		return errors.Wrap(err, "booking")
	}

	return l.withSalonGuard(ctx, b.SalonID, func(ctx context.Context) error {
		b, err := l.store.BookingByID(ctx, bookingID)
		if err != nil {
			return errors.Wrap(err, "booking")
		}
		if b.Status == domain.BookingCompleted || b.Status == domain.BookingCancelled {
			return errors.Wrapf(domain.ErrInvalidTransition, "cannot cancel booking in status %s", b.Status)
		}

		from := b.Status
		cancelledAt := l.now()
		b.Status = domain.BookingCancelled
		b.CancellationReason = reason
		b.CancelledAt = &cancelledAt
		b.CancelledBy = &cancelledBy
		if err := l.store.SaveBooking(ctx, b); err != nil {
			return errors.Wrap(err, "save booking")
		}

		if err := l.engine.RemoveFromQueue(ctx, bookingID); err != nil {
			return err
		}

		l.afterTransition(ctx, *b, from, "cancel")
		l.notify(ctx, domain.NotificationEvent{
			Kind:       domain.NotifyBookingCancelled,
			CustomerID: b.CustomerID,
			BookingID:  b.ID,
			SalonID:    b.SalonID,
		})
		return nil
	})
}

// MarkNoShow is the manual no-show action: allowed from any status except
// COMPLETED and CANCELLED, bumps the customer's no-show counter and frees the
// queue slot.
func (l *Lifecycle) MarkNoShow(ctx context.Context, bookingID uuid.UUID) error {
	b, err := l.store.BookingByID(ctx, bookingID)
	if err != nil {
		return errors.Wrap(err, "booking")
	}

	return l.withSalonGuard(ctx, b.SalonID, func(ctx context.Context) error {
		b, err := l.store.BookingByID(ctx, bookingID)
		if err != nil {
			return errors.Wrap(err, "booking")
		}
		if b.Status == domain.BookingCompleted || b.Status == domain.BookingCancelled {
			return errors.Wrapf(domain.ErrInvalidTransition, "cannot mark no-show in status %s", b.Status)
		}
		return l.applyNoShow(ctx, b)
	})
}

// HandleLateArrival demotes the booking to the end of its salon's line.
func (l *Lifecycle) HandleLateArrival(ctx context.Context, bookingID uuid.UUID) error {
	b, err := l.store.BookingByID(ctx, bookingID)
	if err != nil {
		return errors.Wrap(err, "booking")
	}

	return l.withSalonGuard(ctx, b.SalonID, func(ctx context.Context) error {
		_, err := l.engine.HandleLateArrival(ctx, bookingID)
		if err == nil {
			observability.Transitions.WithLabelValues("late_arrival").Inc()
		}
		return err
	})
}

// ProcessOverdueBookings is the sweep body: confirmed online bookings whose
// estimated start is older than the auto-cancel cutoff and that never started
// become no-shows. Each booking is handled independently; a failure is logged
// and the batch continues. Returns how many bookings were transitioned.
func (l *Lifecycle) ProcessOverdueBookings(ctx context.Context) (int, error) {
	cutoff := l.now().Add(-time.Duration(l.autoCancelMinutes) * time.Minute)
	overdue, err := l.store.OverdueConfirmedOnline(ctx, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "load overdue bookings")
	}

	processed := 0
	for _, b := range overdue {
		if b.Type != domain.BookingTypeOnline {
			continue
		}
		if err := l.markOverdueNoShow(ctx, b.ID); err != nil {
			l.logger.WithField("booking_id", b.ID).Error("overdue no-show failed", err)
			continue
		}
		processed++
	}
	if processed > 0 {
		observability.SweepProcessed.Add(float64(processed))
	}
	return processed, nil
}

// markOverdueNoShow re-checks the overdue guard inside the salon guard, so a
// customer who started service just before the sweep fired is left alone.
func (l *Lifecycle) markOverdueNoShow(ctx context.Context, bookingID uuid.UUID) error {
	b, err := l.store.BookingByID(ctx, bookingID)
	if err != nil {
		return errors.Wrap(err, "booking")
	}

	return l.withSalonGuard(ctx, b.SalonID, func(ctx context.Context) error {
		b, err := l.store.BookingByID(ctx, bookingID)
		if err != nil {
			return errors.Wrap(err, "booking")
		}
		if b.Status != domain.BookingConfirmed || b.ActualStartTime != nil {
			return nil
		}
		return l.applyNoShow(ctx, b)
	})
}

func (l *Lifecycle) applyNoShow(ctx context.Context, b *domain.Booking) error {
	from := b.Status
	b.Status = domain.BookingNoShow
	if err := l.store.SaveBooking(ctx, b); err != nil {
		return errors.Wrap(err, "save booking")
	}

	customer, err := l.store.CustomerByID(ctx, b.CustomerID)
	if err != nil {
		return errors.Wrap(err, "customer")
	}
	customer.NoShowCount++
	if err := l.store.SaveCustomer(ctx, customer); err != nil {
		return errors.Wrap(err, "save customer")
	}

	if err := l.engine.RemoveFromQueue(ctx, b.ID); err != nil {
		return err
	}

	l.afterTransition(ctx, *b, from, "no_show")
	return nil
}

// GetSalonQueue returns the canonical ordered read view. No guard is taken.
func (l *Lifecycle) GetSalonQueue(ctx context.Context, salonID uuid.UUID) ([]domain.QueueEntry, error) {
	return l.engine.SalonQueue(ctx, salonID)
}

// GetCustomerQueueStatus returns the live queue entry for a booking along with
// whether the customer is past the grace period.
func (l *Lifecycle) GetCustomerQueueStatus(ctx context.Context, bookingID uuid.UUID) (*domain.QueueEntry, bool, error) {
	entry, err := l.engine.CustomerQueueStatus(ctx, bookingID)
	if err != nil {
		return nil, false, err
	}
	b, err := l.store.BookingByID(ctx, bookingID)
	if err != nil {
		return nil, false, errors.Wrap(err, "booking")
	}
	return entry, b.IsLate(l.gracePeriodMin, l.now()), nil
}

// GetQueueStats serves the dashboard counters, read through the stats cache
// when one is configured.
func (l *Lifecycle) GetQueueStats(ctx context.Context, salonID uuid.UUID) (queue.Stats, error) {
	if l.stats != nil {
		if cached, err := l.stats.Get(ctx, salonID); err == nil && cached != nil {
			return *cached, nil
		}
	}

	stats, err := l.engine.QueueStats(ctx, salonID)
	if err != nil {
		return queue.Stats{}, err
	}
	if l.stats != nil {
		if err := l.stats.Set(ctx, salonID, stats); err != nil {
			l.logger.WithField("salon_id", salonID).Warn("stats cache set failed", err)
		}
	}
	return stats, nil
}

// RefreshQueueStats recomputes and caches stats for every salon with a live
// queue. Driven by the stats timer.
func (l *Lifecycle) RefreshQueueStats(ctx context.Context) error {
	if l.stats == nil {
		return nil
	}
	salonIDs, err := l.store.SalonIDsWithLiveEntries(ctx)
	if err != nil {
		return errors.Wrap(err, "list active salons")
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, salonID := range salonIDs {
		salonID := salonID
		g.Go(func() error {
			stats, err := l.engine.QueueStats(gctx, salonID)
			if err != nil {
				l.logger.WithField("salon_id", salonID).Warn("stats refresh failed", err)
				return nil
			}
			if err := l.stats.Set(gctx, salonID, stats); err != nil {
				l.logger.WithField("salon_id", salonID).Warn("stats cache set failed", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (l *Lifecycle) GetCustomerBookings(ctx context.Context, customerID uuid.UUID) ([]domain.Booking, error) {
	return l.store.BookingsByCustomer(ctx, customerID)
}

func (l *Lifecycle) GetSalonBookings(ctx context.Context, salonID uuid.UUID) ([]domain.Booking, error) {
	return l.store.ActiveBookingsBySalon(ctx, salonID)
}

// withSalonGuard takes the salon's cross-process lock and then runs fn inside
// a store transaction, so a status change and its queue writes land together
// or not at all. The staged outbox row joins the same transaction.
func (l *Lifecycle) withSalonGuard(ctx context.Context, salonID uuid.UUID, fn func(ctx context.Context) error) error {
	release, err := l.locks.Acquire(ctx, salonID)
	if err != nil {
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			observability.LockTimeouts.Inc()
		}
		return err
	}
	defer release()
	return l.store.WithTx(ctx, fn)
}

func (l *Lifecycle) assignBarber(ctx context.Context, salonID uuid.UUID) (*uuid.UUID, error) {
	barbers, err := l.store.AvailableBarbersByLoad(ctx, salonID)
	if err != nil {
		return nil, errors.Wrap(err, "available barbers")
	}
	if len(barbers) == 0 {
		return nil, nil
	}
	id := barbers[0].ID
	return &id, nil
}

func (l *Lifecycle) walkInCustomer(ctx context.Context, req CreateWalkInRequest) (*domain.Customer, error) {
	if req.CustomerPhone != "" {
		customer, err := l.store.CustomerByPhone(ctx, req.CustomerPhone)
		if err == nil {
			return customer, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, errors.Wrap(err, "customer by phone")
		}
	}

	phone := req.CustomerPhone
	if phone == "" {
		phone = "GUEST_" + uuid.NewString()
	}
	guest := domain.Customer{
		ID:       uuid.New(),
		Phone:    phone,
		FullName: req.CustomerName,
		IsActive: true,
	}
	if err := l.store.SaveCustomer(ctx, &guest); err != nil {
		return nil, errors.Wrap(err, "create guest customer")
	}
	return &guest, nil
}

func (l *Lifecycle) afterTransition(ctx context.Context, b domain.Booking, from domain.BookingStatus, action string) {
	observability.Transitions.WithLabelValues(action).Inc()
	if l.audit == nil {
		return
	}
	if err := l.audit.LogTransition(ctx, b, from); err != nil {
		l.logger.WithField("booking_id", b.ID).Warn("audit log failed", err)
	}
}

func (l *Lifecycle) notify(ctx context.Context, ev domain.NotificationEvent) {
	if err := l.notifier.Notify(ctx, ev); err != nil {
		l.logger.WithField("kind", string(ev.Kind)).Warn("notification failed", err)
	}
}

func derefPosition(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
