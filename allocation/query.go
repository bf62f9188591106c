package allocation

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Query is the read-only surface over the slot ledger. Every call reads
// committed state from the store; nothing is cached.
type Query struct {
	store Store
}

func NewQuery(store Store) *Query {
	return &Query{store: store}
}

// ProviderSlots returns all slots of a provider with derived availability,
// ordered by start time.
func (q *Query) ProviderSlots(ctx context.Context, providerID ProviderID) ([]SlotState, error) {
	if _, err := q.store.GetProvider(ctx, providerID); err != nil {
		return nil, err
	}
	slots, err := q.store.ListSlotsByProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	states := make([]SlotState, len(slots))
	for i, s := range slots {
		states[i] = StateOf(s)
	}
	return states, nil
}

// AvailableSlots narrows ProviderSlots to slots starting in [from, to) that
// still have capacity.
func (q *Query) AvailableSlots(ctx context.Context, providerID ProviderID, from, to time.Time) ([]SlotState, error) {
	all, err := q.ProviderSlots(ctx, providerID)
	if err != nil {
		return nil, err
	}
	var open []SlotState
	for _, s := range all {
		if s.StartTime.Before(from) || !s.StartTime.Before(to) {
			continue
		}
		if s.IsAvailable {
			open = append(open, s)
		}
	}
	return open, nil
}

func (q *Query) SlotState(ctx context.Context, id SlotID) (*SlotState, error) {
	slot, err := q.store.GetSlot(ctx, id)
	if err != nil {
		return nil, err
	}
	state := StateOf(*slot)
	return &state, nil
}

// SlotStateAt returns the state of the provider's slot containing at.
func (q *Query) SlotStateAt(ctx context.Context, providerID ProviderID, at time.Time) (*SlotState, error) {
	slot, err := findContainingSlot(ctx, q.store, providerID, at)
	if err != nil {
		return nil, err
	}
	state := StateOf(*slot)
	return &state, nil
}

// DaySummary aggregates a provider's slots that start on one calendar day.
type DaySummary struct {
	ProviderID  ProviderID
	Day         time.Time
	Slots       int
	Capacity    int
	Occupancy   int
	Remaining   int
	Overbooked  int
	Utilization decimal.Decimal
}

// ProviderDay summarizes the provider's slots starting within day (in day's
// location).
func (q *Query) ProviderDay(ctx context.Context, providerID ProviderID, day time.Time) (*DaySummary, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.AddDate(0, 0, 1)

	all, err := q.ProviderSlots(ctx, providerID)
	if err != nil {
		return nil, err
	}
	sum := &DaySummary{ProviderID: providerID, Day: start, Utilization: decimal.Zero}
	for _, s := range all {
		if s.StartTime.Before(start) || !s.StartTime.Before(end) {
			continue
		}
		sum.Slots++
		sum.Capacity += s.MaxCapacity
		sum.Occupancy += s.CurrentOccupancy
		sum.Remaining += s.RemainingCapacity
		if s.IsOverbooked {
			sum.Overbooked++
		}
	}
	if sum.Capacity > 0 {
		sum.Utilization = decimal.NewFromInt(int64(sum.Occupancy)).
			Div(decimal.NewFromInt(int64(sum.Capacity))).
			Round(4)
	}
	return sum, nil
}
