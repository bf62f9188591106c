/*
store.go - Persistence contract for slots, bookings and providers

PURPOSE:
  Defines the interface between the allocation core and the database.
  Implementations: allocation/store (memory), store/sqlite, store/postgres.

KEY INTERFACES:
  Store:   Committed-state point and range lookups
  Tx:      Store plus the writes allowed inside a transaction
  TxStore: Store plus WithTx, the only way to obtain a Tx

ATOMICITY:
  WithTx runs fn inside one storage transaction. If fn returns an error,
  every write made through the Tx is rolled back and the error is returned
  unchanged. If fn returns nil the transaction commits; a commit failure is
  returned as a *TransactionError.

SERIALIZATION:
  LockSlot and LockBooking read a record AND claim it for the rest of the
  transaction. Two transactions that lock the same slot execute as if one ran
  entirely before the other:
    - memory:   per-slot lock held until commit/rollback
    - sqlite:   BEGIN IMMEDIATE (single writer per database)
    - postgres: SELECT ... FOR UPDATE
  Lock order is always booking before slot.

NOT FOUND:
  Point lookups return ErrSlotNotFound / ErrBookingNotFound /
  ErrProviderNotFound rather than (nil, nil).

SEE ALSO:
  - ledger.go, records.go: Higher-level wrappers
  - engine.go: The only caller of WithTx on the hot path
*/
package allocation

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Read access
// =============================================================================

type Store interface {
	GetProvider(ctx context.Context, id ProviderID) (*Provider, error)
	ListProviders(ctx context.Context) ([]Provider, error)

	GetSlot(ctx context.Context, id SlotID) (*Slot, error)
	ListSlots(ctx context.Context) ([]Slot, error)
	// ListSlotsByProvider returns the provider's slots ordered by StartTime.
	ListSlotsByProvider(ctx context.Context, providerID ProviderID) ([]Slot, error)
	// FindSlotsContaining returns every slot of the provider with
	// StartTime <= at < EndTime. More than one result means overlapping slots.
	FindSlotsContaining(ctx context.Context, providerID ProviderID, at time.Time) ([]Slot, error)
	// ListSlotsOverlapping returns slots of the provider intersecting [start, end).
	ListSlotsOverlapping(ctx context.Context, providerID ProviderID, start, end time.Time) ([]Slot, error)

	GetBooking(ctx context.Context, id BookingID) (*Booking, error)
	// ListBookingsBySlot returns bookings ordered by CreatedAt. With
	// activeOnly set, cancelled bookings are omitted.
	ListBookingsBySlot(ctx context.Context, slotID SlotID, activeOnly bool) ([]Booking, error)
	// SearchBookingsByPatient matches a case-insensitive substring of PatientName.
	SearchBookingsByPatient(ctx context.Context, fragment string) ([]Booking, error)
}

// =============================================================================
// TX - Writes, only reachable inside WithTx
// =============================================================================

type Tx interface {
	Store

	// LockSlot reads the slot and claims it until the transaction ends.
	LockSlot(ctx context.Context, id SlotID) (*Slot, error)
	// SetOccupancy writes the occupancy of a slot previously locked in this Tx.
	SetOccupancy(ctx context.Context, id SlotID, occupancy int) error

	// LockBooking reads the booking and claims it until the transaction ends.
	LockBooking(ctx context.Context, id BookingID) (*Booking, error)
	InsertBooking(ctx context.Context, b Booking) error
	UpdateBookingStatus(ctx context.Context, id BookingID, status BookingStatus, at time.Time) error

	// Setup-time writes.
	InsertProvider(ctx context.Context, p Provider) error
	InsertSlot(ctx context.Context, s Slot) error
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error
}
