package queue

import (
	"time"

	"github.com/salonflow/queue-service/internal/domain"
)

// Slot is the estimator's view of one queue entry: its position, whether the
// customer is waiting or already in the chair, and how long the service takes.
type Slot struct {
	Position        int
	Status          domain.QueueStatus
	DurationMinutes int
	StartedAt       *time.Time
}

// EstimateWait returns the expected wait in minutes for a customer at
// targetPosition. Entries ahead contribute their full duration while waiting;
// the in-service entry contributes only its remaining time, so the estimate
// shrinks as the current service proceeds. Removed and skipped entries are
// ignored.
func EstimateWait(slots []Slot, targetPosition int, now time.Time) int {
	if targetPosition <= 1 {
		return 0
	}

	total := 0
	for _, s := range slots {
		if s.Position >= targetPosition {
			continue
		}
		switch s.Status {
		case domain.QueueInService:
			if s.StartedAt != nil {
				elapsed := int(now.Sub(*s.StartedAt).Minutes())
				if remaining := s.DurationMinutes - elapsed; remaining > 0 {
					total += remaining
				}
			}
		case domain.QueueWaiting:
			total += s.DurationMinutes
		}
	}
	return total
}

// BacklogMinutes is the time for the whole waiting line to clear: the sum of
// all waiting durations plus the remainder of the in-progress service. Used to
// compute the estimated start of a booking joining at the tail.
func BacklogMinutes(slots []Slot, now time.Time) int {
	max := 0
	for _, s := range slots {
		if s.Position > max {
			max = s.Position
		}
	}
	return EstimateWait(slots, max+1, now)
}
