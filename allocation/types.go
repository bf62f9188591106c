/*
Package allocation provides the slot-allocation core.

PURPOSE:
  Books patients into time-boxed provider slots while enforcing per-slot
  capacity. The emergency request class may override capacity. Every
  mutation of slot occupancy and every booking lifecycle change goes through
  the Engine, inside a single storage transaction.

KEY CONCEPTS IN THIS FILE (types.go):
  - Provider: who a slot belongs to (immutable)
  - Slot: a [StartTime, EndTime) window with capacity and occupancy
  - Booking: one patient's claim on one slot
  - RequestClass: closed set of admission classes
  - SlotState: read-only derived view (remaining, available, utilization)

CONSISTENCY INVARIANT:
  For every slot, CurrentOccupancy equals the number of bookings on that
  slot whose status is booked. Occupancy may exceed MaxCapacity only after
  an emergency override and is never pulled back down automatically.

SEE ALSO:
  - engine.go: Book / Cancel / Complete / MarkNoShow
  - ledger.go: Slot lookups and occupancy mutation
  - store.go: Persistence contract
*/
package allocation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ProviderID string
type SlotID string
type BookingID string

func NewProviderID() ProviderID { return ProviderID(uuid.NewString()) }
func NewSlotID() SlotID         { return SlotID(uuid.NewString()) }
func NewBookingID() BookingID   { return BookingID(uuid.NewString()) }

// =============================================================================
// REQUEST CLASS - Closed variant driving admission
// =============================================================================

// RequestClass is how a booking request arrived. The zero value is invalid.
type RequestClass int

const (
	ClassScheduledOnline RequestClass = iota + 1
	ClassWalkIn
	ClassEmergency
	ClassFollowUp
)

// RequestClasses lists every valid class in declaration order.
var RequestClasses = []RequestClass{ClassScheduledOnline, ClassWalkIn, ClassEmergency, ClassFollowUp}

func (c RequestClass) String() string {
	switch c {
	case ClassScheduledOnline:
		return "scheduled-online"
	case ClassWalkIn:
		return "walk-in"
	case ClassEmergency:
		return "emergency"
	case ClassFollowUp:
		return "follow-up"
	}
	return fmt.Sprintf("RequestClass(%d)", int(c))
}

// Valid reports whether c is one of the four named classes.
func (c RequestClass) Valid() bool {
	switch c {
	case ClassScheduledOnline, ClassWalkIn, ClassEmergency, ClassFollowUp:
		return true
	}
	return false
}

// OverridesCapacity reports whether a request of this class is admitted into
// a slot that is already at or above capacity.
func (c RequestClass) OverridesCapacity() bool {
	switch c {
	case ClassEmergency:
		return true
	case ClassScheduledOnline, ClassWalkIn, ClassFollowUp:
		return false
	}
	return false
}

// ParseRequestClass accepts the canonical names plus the underscore spelling
// used by some clients ("walk_in").
func ParseRequestClass(s string) (RequestClass, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	for _, c := range RequestClasses {
		if c.String() == norm {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidRequestClass, s)
}

func (c RequestClass) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRequestClass, int(c))
	}
	return []byte(c.String()), nil
}

func (c *RequestClass) UnmarshalText(b []byte) error {
	parsed, err := ParseRequestClass(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// =============================================================================
// BOOKING STATUS
// =============================================================================

type BookingStatus string

const (
	StatusBooked    BookingStatus = "booked"
	StatusCancelled BookingStatus = "cancelled"
	StatusCompleted BookingStatus = "completed"
	StatusNoShow    BookingStatus = "no-show"
)

func (s BookingStatus) Valid() bool {
	switch s {
	case StatusBooked, StatusCancelled, StatusCompleted, StatusNoShow:
		return true
	}
	return false
}

// Active reports whether the booking counts toward slot occupancy.
func (s BookingStatus) Active() bool { return s == StatusBooked }

// =============================================================================
// PROVIDER
// =============================================================================

type Provider struct {
	ID        ProviderID
	Name      string
	Specialty string
	CreatedAt time.Time
}

// =============================================================================
// SLOT
// =============================================================================

// Slot is a bookable window [StartTime, EndTime) for one provider.
type Slot struct {
	ID               SlotID
	ProviderID       ProviderID
	StartTime        time.Time
	EndTime          time.Time
	MaxCapacity      int
	CurrentOccupancy int
	CreatedAt        time.Time
}

// Contains reports whether at falls inside [StartTime, EndTime).
func (s Slot) Contains(at time.Time) bool {
	return !at.Before(s.StartTime) && at.Before(s.EndTime)
}

// Overlaps reports whether the two half-open windows intersect.
func (s Slot) Overlaps(o Slot) bool {
	return s.StartTime.Before(o.EndTime) && o.StartTime.Before(s.EndTime)
}

func (s Slot) RemainingCapacity() int {
	if s.CurrentOccupancy >= s.MaxCapacity {
		return 0
	}
	return s.MaxCapacity - s.CurrentOccupancy
}

func (s Slot) IsAvailable() bool { return s.CurrentOccupancy < s.MaxCapacity }

// Utilization is occupancy over capacity; above one after an override.
func (s Slot) Utilization() decimal.Decimal {
	if s.MaxCapacity <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(s.CurrentOccupancy)).
		Div(decimal.NewFromInt(int64(s.MaxCapacity))).
		Round(4)
}

// Validate checks the creation-time shape of a slot.
func (s Slot) Validate() error {
	switch {
	case s.ProviderID == "":
		return &InvalidSlotError{Slot: s, Reason: "provider is required"}
	case s.StartTime.IsZero() || s.EndTime.IsZero():
		return &InvalidSlotError{Slot: s, Reason: "start and end time are required"}
	case !s.EndTime.After(s.StartTime):
		return &InvalidSlotError{Slot: s, Reason: "end time must be after start time"}
	case s.MaxCapacity <= 0:
		return &InvalidSlotError{Slot: s, Reason: "max capacity must be positive"}
	case s.CurrentOccupancy < 0:
		return &InvalidSlotError{Slot: s, Reason: "occupancy cannot be negative"}
	}
	return nil
}

// =============================================================================
// SLOT STATE - Derived, never stored
// =============================================================================

type SlotState struct {
	Slot
	RemainingCapacity int
	IsAvailable       bool
	IsOverbooked      bool
	Utilization       decimal.Decimal
}

// StateOf derives the read-only view of s.
func StateOf(s Slot) SlotState {
	return SlotState{
		Slot:              s,
		RemainingCapacity: s.RemainingCapacity(),
		IsAvailable:       s.IsAvailable(),
		IsOverbooked:      s.CurrentOccupancy > s.MaxCapacity,
		Utilization:       s.Utilization(),
	}
}

// =============================================================================
// BOOKING
// =============================================================================

// Booking is one patient's claim on one slot. SlotID never changes.
type Booking struct {
	ID           BookingID
	SlotID       SlotID
	PatientName  string
	RequestClass RequestClass
	Status       BookingStatus
	Override     bool // admitted over capacity
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
