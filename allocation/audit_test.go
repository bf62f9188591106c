package allocation_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/slot-engine/allocation"
)

func TestAudit_ConsistentAfterLifecycle(t *testing.T) {
	f := newFixture(t, 2)
	a := f.book(t, allocation.ClassWalkIn)
	b := f.book(t, allocation.ClassWalkIn)
	f.book(t, allocation.ClassEmergency)
	_, err := f.engine.Cancel(f.ctx, a.Booking.ID)
	require.NoError(t, err)
	_, err = f.engine.Complete(f.ctx, b.Booking.ID)
	require.NoError(t, err)

	report, err := allocation.NewAuditor(f.mem, zerolog.Nop()).Audit(f.ctx)

	require.NoError(t, err)
	assert.True(t, report.Consistent())
	assert.Equal(t, 1, report.SlotsChecked)
	assert.Equal(t, 0, report.Overbooked)
}

func TestAudit_ReportsDrift(t *testing.T) {
	// GIVEN: occupancy raised without a booking
	f := newFixture(t, 5)
	f.fill(t, 2)
	f.mem.CorruptOccupancy(f.slot.ID, 4)

	// WHEN
	report, err := allocation.NewAuditor(f.mem, zerolog.Nop()).Audit(f.ctx)

	// THEN
	require.NoError(t, err)
	require.False(t, report.Consistent())
	require.Len(t, report.Discrepancies, 1)
	d := report.Discrepancies[0]
	assert.Equal(t, f.slot.ID, d.SlotID)
	assert.Equal(t, f.provider.ID, d.ProviderID)
	assert.Equal(t, 4, d.Occupancy)
	assert.Equal(t, 2, d.ActiveBookings)
}

func TestAudit_CountsOverbooked(t *testing.T) {
	f := newFixture(t, 1)
	f.fill(t, 1)
	f.book(t, allocation.ClassEmergency)

	report, err := allocation.NewAuditor(f.mem, zerolog.Nop()).Audit(f.ctx)
	require.NoError(t, err)
	assert.True(t, report.Consistent())
	assert.Equal(t, 1, report.Overbooked)
}

func TestServiceDay_DefaultHourlySlots(t *testing.T) {
	day := allocation.DefaultServiceDay(clinicDay.Add(15 * time.Hour))

	slots, err := day.SlotsFor("p-1")

	require.NoError(t, err)
	require.Len(t, slots, 8)
	assert.Equal(t, clinicDay.Add(9*time.Hour), slots[0].StartTime)
	assert.Equal(t, clinicDay.Add(17*time.Hour), slots[7].EndTime)
	for i, s := range slots {
		assert.Equal(t, 10, s.MaxCapacity)
		assert.Equal(t, 0, s.CurrentOccupancy)
		assert.NoError(t, s.Validate())
		if i > 0 {
			assert.False(t, slots[i-1].Overlaps(s))
		}
	}
}

func TestServiceDay_PartialTrailingSlotDropped(t *testing.T) {
	day := allocation.ServiceDay{Date: clinicDay, StartHour: 9, EndHour: 10, SlotLength: 40 * time.Minute, Capacity: 3}
	slots, err := day.SlotsFor("p-1")
	require.NoError(t, err)
	assert.Len(t, slots, 1)
}

func TestServiceDay_Invalid(t *testing.T) {
	for name, d := range map[string]allocation.ServiceDay{
		"inverted hours": {Date: clinicDay, StartHour: 17, EndHour: 9, SlotLength: time.Hour, Capacity: 1},
		"zero length":    {Date: clinicDay, StartHour: 9, EndHour: 17, Capacity: 1},
		"zero capacity":  {Date: clinicDay, StartHour: 9, EndHour: 17, SlotLength: time.Hour},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := d.SlotsFor("p-1")
			assert.ErrorIs(t, err, allocation.ErrInvalidRequest)
		})
	}
}
