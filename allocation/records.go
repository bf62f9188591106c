package allocation

import (
	"context"
	"fmt"
	"strings"
)

// Records is the Booking Record Store: read access to bookings. Use In to
// scope lookups to an open transaction so they see its uncommitted writes.
type Records struct {
	store Store
}

func NewRecords(store Store) *Records {
	return &Records{store: store}
}

// In returns a Records reading through tx.
func (r *Records) In(tx Tx) *Records {
	return &Records{store: tx}
}

func (r *Records) Get(ctx context.Context, id BookingID) (*Booking, error) {
	return r.store.GetBooking(ctx, id)
}

// BySlot returns the slot's non-cancelled bookings, oldest first.
func (r *Records) BySlot(ctx context.Context, slotID SlotID) ([]Booking, error) {
	return r.store.ListBookingsBySlot(ctx, slotID, true)
}

// AllBySlot includes cancelled bookings.
func (r *Records) AllBySlot(ctx context.Context, slotID SlotID) ([]Booking, error) {
	return r.store.ListBookingsBySlot(ctx, slotID, false)
}

// ByPatient matches a case-insensitive substring of the patient name.
func (r *Records) ByPatient(ctx context.Context, name string) ([]Booking, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: patient name fragment is required", ErrInvalidRequest)
	}
	return r.store.SearchBookingsByPatient(ctx, name)
}

// ActiveCount counts bookings in the booked state for a slot.
func (r *Records) ActiveCount(ctx context.Context, slotID SlotID) (int, error) {
	bookings, err := r.store.ListBookingsBySlot(ctx, slotID, true)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, b := range bookings {
		if b.Status.Active() {
			n++
		}
	}
	return n, nil
}
