package allocation

import (
	"fmt"
	"time"
)

// ServiceDay describes the working hours used to lay out slots in bulk.
// Slots are back to back, so the windows produced never overlap.
type ServiceDay struct {
	Date       time.Time // only the calendar date is used
	StartHour  int       // inclusive, 0-23
	EndHour    int       // exclusive, 1-24
	SlotLength time.Duration
	Capacity   int
	Location   *time.Location
}

// DefaultServiceDay is 09:00-17:00 UTC, hourly slots of ten.
func DefaultServiceDay(date time.Time) ServiceDay {
	return ServiceDay{Date: date, StartHour: 9, EndHour: 17, SlotLength: time.Hour, Capacity: 10, Location: time.UTC}
}

// SlotsFor returns the empty slots of providerID for the day.
func (d ServiceDay) SlotsFor(providerID ProviderID) ([]Slot, error) {
	if d.StartHour < 0 || d.EndHour > 24 || d.StartHour >= d.EndHour {
		return nil, fmt.Errorf("%w: service hours %d-%d", ErrInvalidRequest, d.StartHour, d.EndHour)
	}
	if d.SlotLength <= 0 {
		return nil, fmt.Errorf("%w: slot length must be positive", ErrInvalidRequest)
	}
	if d.Capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity must be positive", ErrInvalidRequest)
	}
	loc := d.Location
	if loc == nil {
		loc = time.UTC
	}

	open := time.Date(d.Date.Year(), d.Date.Month(), d.Date.Day(), d.StartHour, 0, 0, 0, loc)
	closing := time.Date(d.Date.Year(), d.Date.Month(), d.Date.Day(), 0, 0, 0, 0, loc).Add(time.Duration(d.EndHour) * time.Hour)

	var slots []Slot
	for start := open; !start.Add(d.SlotLength).After(closing); start = start.Add(d.SlotLength) {
		slots = append(slots, Slot{
			ID:          NewSlotID(),
			ProviderID:  providerID,
			StartTime:   start.UTC(),
			EndTime:     start.Add(d.SlotLength).UTC(),
			MaxCapacity: d.Capacity,
		})
	}
	return slots, nil
}
