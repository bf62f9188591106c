package allocation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/slot-engine/allocation"
	"github.com/warp/slot-engine/allocation/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	clinicDay = time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)
	nineAM    = clinicDay.Add(9 * time.Hour)
	fixedNow  = time.Date(2025, time.March, 9, 8, 0, 0, 0, time.UTC)
)

type fixture struct {
	ctx      context.Context
	mem      *store.Memory
	engine   *allocation.Engine
	provider allocation.Provider
	slot     allocation.Slot
}

// newFixture creates one provider with one 09:00-10:00 slot of the given capacity.
func newFixture(t *testing.T, capacity int) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	engine := allocation.NewEngine(mem, zerolog.Nop(), allocation.WithClock(func() time.Time { return fixedNow }))

	p, err := engine.Ledger().AddProvider(ctx, allocation.Provider{Name: "Dr. Okafor", Specialty: "general"})
	require.NoError(t, err)

	slots, err := engine.Ledger().CreateSlots(ctx, []allocation.Slot{{
		ProviderID:  p.ID,
		StartTime:   nineAM,
		EndTime:     nineAM.Add(time.Hour),
		MaxCapacity: capacity,
	}})
	require.NoError(t, err)
	require.Len(t, slots, 1)

	return &fixture{ctx: ctx, mem: mem, engine: engine, provider: *p, slot: slots[0]}
}

func (f *fixture) book(t *testing.T, class allocation.RequestClass) *allocation.BookResult {
	t.Helper()
	res, err := f.engine.Book(f.ctx, allocation.BookRequest{
		ProviderID:   f.provider.ID,
		At:           nineAM.Add(15 * time.Minute),
		PatientName:  "Ada Lovelace",
		RequestClass: class,
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) fill(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		f.book(t, allocation.ClassScheduledOnline)
	}
}

func (f *fixture) occupancy(t *testing.T) int {
	t.Helper()
	s, err := f.mem.GetSlot(f.ctx, f.slot.ID)
	require.NoError(t, err)
	return s.CurrentOccupancy
}

// =============================================================================
// BOOK
// =============================================================================

func TestBook_WithinCapacity_Admitted(t *testing.T) {
	// GIVEN: capacity 10, occupancy 3
	f := newFixture(t, 10)
	f.fill(t, 3)

	// WHEN: a walk-in books at 09:15
	res := f.book(t, allocation.ClassWalkIn)

	// THEN: admitted without override, occupancy 4, remaining 6
	assert.Equal(t, allocation.OutcomeAdmitted, res.Outcome)
	assert.False(t, res.Override)
	assert.Equal(t, allocation.StatusBooked, res.Booking.Status)
	assert.Equal(t, f.slot.ID, res.Booking.SlotID)
	assert.Equal(t, fixedNow, res.Booking.CreatedAt)
	assert.Equal(t, 4, res.Slot.CurrentOccupancy)
	assert.Equal(t, 6, res.Slot.RemainingCapacity)
	assert.True(t, res.Slot.IsAvailable)
	assert.Equal(t, 4, f.occupancy(t))
}

func TestBook_FullSlot_NonEmergencyRejected(t *testing.T) {
	for _, class := range []allocation.RequestClass{
		allocation.ClassScheduledOnline, allocation.ClassWalkIn, allocation.ClassFollowUp,
	} {
		t.Run(class.String(), func(t *testing.T) {
			// GIVEN: a full slot
			f := newFixture(t, 2)
			f.fill(t, 2)

			// WHEN
			_, err := f.engine.Book(f.ctx, allocation.BookRequest{
				ProviderID: f.provider.ID, At: nineAM, PatientName: "Grace Hopper", RequestClass: class,
			})

			// THEN: rejected, nothing written
			require.ErrorIs(t, err, allocation.ErrSlotFull)
			var full *allocation.SlotFullError
			require.True(t, errors.As(err, &full))
			assert.Equal(t, 2, full.Slot.CurrentOccupancy)
			assert.Equal(t, class, full.RequestClass)
			assert.Equal(t, allocation.OutcomeRejectedFull, allocation.OutcomeOf(err))
			assert.False(t, allocation.IsRetryable(err))

			assert.Equal(t, 2, f.occupancy(t))
			all, err := f.engine.Records().AllBySlot(f.ctx, f.slot.ID)
			require.NoError(t, err)
			assert.Len(t, all, 2)
		})
	}
}

func TestBook_FullSlot_EmergencyOverrides(t *testing.T) {
	// GIVEN: capacity 2, occupancy 2
	f := newFixture(t, 2)
	f.fill(t, 2)

	// WHEN: an emergency arrives
	res := f.book(t, allocation.ClassEmergency)

	// THEN: admitted over capacity and flagged
	assert.Equal(t, allocation.OutcomeAdmittedOverride, res.Outcome)
	assert.True(t, res.Override)
	assert.True(t, res.Booking.Override)
	assert.Equal(t, 3, res.Slot.CurrentOccupancy)
	assert.Equal(t, 0, res.Slot.RemainingCapacity)
	assert.False(t, res.Slot.IsAvailable)
	assert.True(t, res.Slot.IsOverbooked)
	assert.Equal(t, "1.5", res.Slot.Utilization.String())

	// AND: a second emergency is admitted too
	res = f.book(t, allocation.ClassEmergency)
	assert.Equal(t, 4, res.Slot.CurrentOccupancy)

	// AND: normal classes stay rejected
	_, err := f.engine.Book(f.ctx, allocation.BookRequest{
		ProviderID: f.provider.ID, At: nineAM, PatientName: "x", RequestClass: allocation.ClassWalkIn,
	})
	assert.ErrorIs(t, err, allocation.ErrSlotFull)
}

func TestBook_EmergencyWithRoom_NotOverride(t *testing.T) {
	f := newFixture(t, 2)
	res := f.book(t, allocation.ClassEmergency)
	assert.Equal(t, allocation.OutcomeAdmitted, res.Outcome)
	assert.False(t, res.Override)
}

func TestBook_NoContainingSlot_NotFound(t *testing.T) {
	f := newFixture(t, 5)

	cases := map[string]time.Time{
		"before":      nineAM.Add(-time.Minute),
		"exactly end": nineAM.Add(time.Hour),
		"another day": nineAM.AddDate(0, 0, 1),
	}
	for name, at := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.engine.Book(f.ctx, allocation.BookRequest{
				ProviderID: f.provider.ID, At: at, PatientName: "x", RequestClass: allocation.ClassWalkIn,
			})
			assert.ErrorIs(t, err, allocation.ErrSlotNotFound)
			assert.Equal(t, allocation.OutcomeNotFound, allocation.OutcomeOf(err))
		})
	}

	// start is inclusive
	_, err := f.engine.Book(f.ctx, allocation.BookRequest{
		ProviderID: f.provider.ID, At: nineAM, PatientName: "x", RequestClass: allocation.ClassWalkIn,
	})
	assert.NoError(t, err)
}

func TestBook_UnknownProvider_NotFound(t *testing.T) {
	f := newFixture(t, 5)
	_, err := f.engine.Book(f.ctx, allocation.BookRequest{
		ProviderID: "nobody", At: nineAM, PatientName: "x", RequestClass: allocation.ClassWalkIn,
	})
	assert.ErrorIs(t, err, allocation.ErrSlotNotFound)
}

func TestBook_InvalidRequest(t *testing.T) {
	f := newFixture(t, 5)

	cases := map[string]struct {
		req  allocation.BookRequest
		want error
	}{
		"blank patient": {
			req:  allocation.BookRequest{ProviderID: f.provider.ID, At: nineAM, PatientName: "  ", RequestClass: allocation.ClassWalkIn},
			want: allocation.ErrInvalidRequest,
		},
		"zero class": {
			req:  allocation.BookRequest{ProviderID: f.provider.ID, At: nineAM, PatientName: "x"},
			want: allocation.ErrInvalidRequestClass,
		},
		"no time": {
			req:  allocation.BookRequest{ProviderID: f.provider.ID, PatientName: "x", RequestClass: allocation.ClassWalkIn},
			want: allocation.ErrInvalidRequest,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.engine.Book(f.ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, allocation.OutcomeInvalid, allocation.OutcomeOf(err))
		})
	}
	assert.Equal(t, 0, f.occupancy(t))
}

func TestBook_TrimsPatientName(t *testing.T) {
	f := newFixture(t, 5)
	res, err := f.engine.Book(f.ctx, allocation.BookRequest{
		ProviderID: f.provider.ID, At: nineAM, PatientName: "  Ada  ", RequestClass: allocation.ClassWalkIn,
	})
	require.NoError(t, err)
	assert.Equal(t, "Ada", res.Booking.PatientName)
}

// =============================================================================
// CANCEL / COMPLETE / NO-SHOW
// =============================================================================

func TestCancel_ReleasesOccupancy(t *testing.T) {
	// GIVEN: occupancy 5 including the booking to cancel
	f := newFixture(t, 10)
	f.fill(t, 4)
	b := f.book(t, allocation.ClassWalkIn)

	// WHEN
	res, err := f.engine.Cancel(f.ctx, b.Booking.ID)

	// THEN
	require.NoError(t, err)
	assert.Equal(t, allocation.OutcomeReleased, res.Outcome)
	assert.Equal(t, allocation.StatusCancelled, res.Booking.Status)
	assert.Equal(t, 4, res.Slot.CurrentOccupancy)
	assert.False(t, res.Floored)

	stored, err := f.engine.Records().Get(f.ctx, b.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, allocation.StatusCancelled, stored.Status)
	assert.Equal(t, 4, f.occupancy(t))
}

func TestCancel_Twice_AlreadyCancelled(t *testing.T) {
	f := newFixture(t, 10)
	f.fill(t, 2)
	b := f.book(t, allocation.ClassWalkIn)
	_, err := f.engine.Cancel(f.ctx, b.Booking.ID)
	require.NoError(t, err)

	_, err = f.engine.Cancel(f.ctx, b.Booking.ID)

	require.ErrorIs(t, err, allocation.ErrAlreadyCancelled)
	assert.Equal(t, allocation.OutcomeAlreadyTerminal, allocation.OutcomeOf(err))
	assert.Equal(t, 2, f.occupancy(t), "second cancel must not decrement")
}

func TestCancel_UnknownBooking(t *testing.T) {
	f := newFixture(t, 10)
	_, err := f.engine.Cancel(f.ctx, "missing")
	assert.ErrorIs(t, err, allocation.ErrBookingNotFound)

	_, err = f.engine.Cancel(f.ctx, "")
	assert.ErrorIs(t, err, allocation.ErrInvalidRequest)
}

func TestCancel_OverrideBooking_BackUnderCapacity(t *testing.T) {
	f := newFixture(t, 2)
	f.fill(t, 2)
	e := f.book(t, allocation.ClassEmergency)

	res, err := f.engine.Cancel(f.ctx, e.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Slot.CurrentOccupancy)
	assert.False(t, res.Slot.IsOverbooked)
}

func TestComplete_ReleasesAndIsTerminal(t *testing.T) {
	f := newFixture(t, 3)
	b := f.book(t, allocation.ClassFollowUp)

	res, err := f.engine.Complete(f.ctx, b.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, allocation.StatusCompleted, res.Booking.Status)
	assert.Equal(t, 0, res.Slot.CurrentOccupancy)

	_, err = f.engine.Cancel(f.ctx, b.Booking.ID)
	assert.ErrorIs(t, err, allocation.ErrCannotCancelCompleted)

	_, err = f.engine.Complete(f.ctx, b.Booking.ID)
	assert.ErrorIs(t, err, allocation.ErrNotBooked)

	_, err = f.engine.MarkNoShow(f.ctx, b.Booking.ID)
	assert.ErrorIs(t, err, allocation.ErrNotBooked)
	assert.Equal(t, 0, f.occupancy(t))
}

func TestMarkNoShow_ReleasesAndIsTerminal(t *testing.T) {
	f := newFixture(t, 3)
	b := f.book(t, allocation.ClassScheduledOnline)

	res, err := f.engine.MarkNoShow(f.ctx, b.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, allocation.StatusNoShow, res.Booking.Status)

	_, err = f.engine.Cancel(f.ctx, b.Booking.ID)
	assert.ErrorIs(t, err, allocation.ErrCannotCancelNoShow)
}

func TestComplete_CancelledBooking(t *testing.T) {
	f := newFixture(t, 3)
	b := f.book(t, allocation.ClassWalkIn)
	_, err := f.engine.Cancel(f.ctx, b.Booking.ID)
	require.NoError(t, err)

	_, err = f.engine.Complete(f.ctx, b.Booking.ID)
	assert.ErrorIs(t, err, allocation.ErrAlreadyCancelled)
}

func TestCancel_AtZeroOccupancy_FloorsAndCountsAnomaly(t *testing.T) {
	// GIVEN: an active booking on a slot whose occupancy was forced to zero
	f := newFixture(t, 3)
	b := f.book(t, allocation.ClassWalkIn)
	f.mem.CorruptOccupancy(f.slot.ID, 0)

	// WHEN
	res, err := f.engine.Cancel(f.ctx, b.Booking.ID)

	// THEN: the cancel still succeeds, occupancy stays at zero
	require.NoError(t, err)
	assert.True(t, res.Floored)
	assert.Equal(t, 0, res.Slot.CurrentOccupancy)
	assert.Equal(t, int64(1), f.engine.Stats().Anomalies)
}

// =============================================================================
// ATOMICITY
// =============================================================================

func TestBook_CommitFailure_NoEffect(t *testing.T) {
	f := newFixture(t, 5)
	f.fill(t, 1)
	f.mem.FailNextCommit(errors.New("disk on fire"))

	_, err := f.engine.Book(f.ctx, allocation.BookRequest{
		ProviderID: f.provider.ID, At: nineAM, PatientName: "x", RequestClass: allocation.ClassWalkIn,
	})

	require.ErrorIs(t, err, allocation.ErrTransactionFailed)
	assert.True(t, allocation.IsRetryable(err))
	assert.Equal(t, allocation.OutcomeTransactionFailed, allocation.OutcomeOf(err))
	assert.Equal(t, 1, f.occupancy(t))
	all, err := f.engine.Records().AllBySlot(f.ctx, f.slot.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	// the store is usable again
	f.book(t, allocation.ClassWalkIn)
	assert.Equal(t, 2, f.occupancy(t))
}

func TestCancel_CommitFailure_BookingStaysBooked(t *testing.T) {
	f := newFixture(t, 5)
	b := f.book(t, allocation.ClassWalkIn)
	f.mem.FailNextCommit(errors.New("lost connection"))

	_, err := f.engine.Cancel(f.ctx, b.Booking.ID)
	require.ErrorIs(t, err, allocation.ErrTransactionFailed)

	stored, err := f.engine.Records().Get(f.ctx, b.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, allocation.StatusBooked, stored.Status)
	assert.Equal(t, 1, f.occupancy(t))

	// retry succeeds
	_, err = f.engine.Cancel(f.ctx, b.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, f.occupancy(t))
}

func TestBook_CancelledContext_TransactionFailed(t *testing.T) {
	f := newFixture(t, 5)
	ctx, cancel := context.WithCancel(f.ctx)
	cancel()

	_, err := f.engine.Book(ctx, allocation.BookRequest{
		ProviderID: f.provider.ID, At: nineAM, PatientName: "x", RequestClass: allocation.ClassWalkIn,
	})
	assert.ErrorIs(t, err, allocation.ErrTransactionFailed)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, f.occupancy(t))
}

func TestRoundTrip_BookThenCancel_RestoresOccupancy(t *testing.T) {
	for _, class := range allocation.RequestClasses {
		t.Run(class.String(), func(t *testing.T) {
			f := newFixture(t, 4)
			f.fill(t, 2)
			before := f.occupancy(t)

			b := f.book(t, class)
			_, err := f.engine.Cancel(f.ctx, b.Booking.ID)
			require.NoError(t, err)

			assert.Equal(t, before, f.occupancy(t))
		})
	}
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestBook_ConcurrentLastSeats_NoLostUpdate(t *testing.T) {
	// GIVEN: capacity 5, occupancy 3 -> two seats left
	f := newFixture(t, 5)
	f.fill(t, 3)

	const racers = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		full     int
		other    []error
	)
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.engine.Book(f.ctx, allocation.BookRequest{
				ProviderID: f.provider.ID, At: nineAM, PatientName: "racer", RequestClass: allocation.ClassWalkIn,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				admitted++
			case errors.Is(err, allocation.ErrSlotFull):
				full++
			default:
				other = append(other, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	// THEN: exactly the remaining capacity was admitted
	assert.Empty(t, other)
	assert.Equal(t, 2, admitted)
	assert.Equal(t, racers-2, full)
	assert.Equal(t, 5, f.occupancy(t))

	active, err := f.engine.Records().ActiveCount(f.ctx, f.slot.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, active)
}

func TestBook_ConcurrentEmergencies_AllAdmitted(t *testing.T) {
	f := newFixture(t, 1)
	f.fill(t, 1)

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Book(f.ctx, allocation.BookRequest{
				ProviderID: f.provider.ID, At: nineAM, PatientName: "trauma", RequestClass: allocation.ClassEmergency,
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1+n, f.occupancy(t))
}

func TestConcurrentBookAndCancel_InvariantHolds(t *testing.T) {
	// GIVEN: a half-full slot
	f := newFixture(t, 6)
	var seeded []allocation.BookingID
	for i := 0; i < 3; i++ {
		seeded = append(seeded, f.book(t, allocation.ClassWalkIn).Booking.ID)
	}

	// WHEN: cancels (including duplicates) race with new bookings
	var wg sync.WaitGroup
	for _, id := range seeded {
		for dup := 0; dup < 2; dup++ {
			wg.Add(1)
			go func(id allocation.BookingID) {
				defer wg.Done()
				_, _ = f.engine.Cancel(f.ctx, id)
			}(id)
		}
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			class := allocation.ClassWalkIn
			if i%4 == 0 {
				class = allocation.ClassEmergency
			}
			_, _ = f.engine.Book(f.ctx, allocation.BookRequest{
				ProviderID: f.provider.ID, At: nineAM, PatientName: "p", RequestClass: class,
			})
		}(i)
	}
	wg.Wait()

	// THEN: occupancy equals the number of booked bookings
	active, err := f.engine.Records().ActiveCount(f.ctx, f.slot.ID)
	require.NoError(t, err)
	assert.Equal(t, active, f.occupancy(t))

	report, err := allocation.NewAuditor(f.mem, zerolog.Nop()).Audit(f.ctx)
	require.NoError(t, err)
	assert.True(t, report.Consistent())
	assert.Equal(t, int64(0), f.engine.Stats().Anomalies)
}

// =============================================================================
// STATS
// =============================================================================

func TestStats_CountsOutcomes(t *testing.T) {
	f := newFixture(t, 1)
	b := f.book(t, allocation.ClassWalkIn)
	f.book(t, allocation.ClassEmergency)
	_, err := f.engine.Book(f.ctx, allocation.BookRequest{
		ProviderID: f.provider.ID, At: nineAM, PatientName: "x", RequestClass: allocation.ClassWalkIn,
	})
	require.Error(t, err)
	_, err = f.engine.Cancel(f.ctx, b.Booking.ID)
	require.NoError(t, err)

	stats := f.engine.Stats()
	assert.Equal(t, int64(2), stats.Admitted)
	assert.Equal(t, int64(1), stats.Overrides)
	assert.Equal(t, int64(1), stats.Rejected)
	assert.Equal(t, int64(1), stats.Cancelled)
	assert.Equal(t, int64(0), stats.Failed)
}
