/*
scenarios_test.go - Tests for demo scenarios

PURPOSE:
	Tests that each scenario sets up the expected state through the engine:
	- Providers and slots are created
	- Bookings are admitted with the right outcomes
	- Loading again starts from an empty store
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/slot-engine/allocation"
)

func TestScenario_ClinicDay(t *testing.T) {
	// GIVEN: clinic-day scenario
	// WHEN: seeding it
	// THEN: three providers with eight hourly slots each and six bookings
	s := newTestServer(t, RouterOptions{})
	ctx := context.Background()

	scenario, err := s.h.Seed(ctx, "clinic-day", scenarioDate)
	require.NoError(t, err)
	assert.Equal(t, "Clinic Day", scenario.Name)

	providers, err := s.mem.ListProviders(ctx)
	require.NoError(t, err)
	assert.Len(t, providers, 3)

	slots, err := s.mem.ListSlots(ctx)
	require.NoError(t, err)
	assert.Len(t, slots, 24)

	total := 0
	for _, sl := range slots {
		total += sl.CurrentOccupancy
	}
	assert.Equal(t, 6, total)

	day, err := s.h.Query.ProviderDay(ctx, "dr-okafor", scenarioDate)
	require.NoError(t, err)
	assert.Equal(t, 3, day.Occupancy)
	assert.Equal(t, 77, day.Remaining)

	report, err := s.h.Auditor.Audit(ctx)
	require.NoError(t, err)
	assert.True(t, report.Consistent())
}

func TestScenario_FullSlot(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	ctx := context.Background()

	_, err := s.h.Seed(ctx, "full-slot", scenarioDate)
	require.NoError(t, err)

	state, err := s.h.Query.SlotState(ctx, "slot-haddad-0900")
	require.NoError(t, err)
	assert.Equal(t, 2, state.CurrentOccupancy)
	assert.Equal(t, 2, state.MaxCapacity)
	assert.False(t, state.IsAvailable)
}

func TestScenario_ReloadStartsClean(t *testing.T) {
	// GIVEN: clinic-day loaded
	s := newTestServer(t, RouterOptions{})
	ctx := context.Background()
	_, err := s.h.Seed(ctx, "clinic-day", scenarioDate)
	require.NoError(t, err)

	// WHEN: loading last-seat over it
	_, err = s.h.Seed(ctx, "last-seat", scenarioDate)
	require.NoError(t, err)

	// THEN: only the last-seat state remains
	providers, err := s.mem.ListProviders(ctx)
	require.NoError(t, err)
	require.Len(t, providers, 1)
	assert.Equal(t, allocation.ProviderID("dr-haddad"), providers[0].ID)

	state, err := s.h.Query.SlotState(ctx, "slot-haddad-0900")
	require.NoError(t, err)
	assert.Equal(t, 1, state.RemainingCapacity)
}

func TestScenario_Unknown(t *testing.T) {
	s := newTestServer(t, RouterOptions{})

	_, err := s.h.Seed(context.Background(), "year-end", scenarioDate)
	assert.ErrorIs(t, err, ErrUnknownScenario)

	rec := s.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "year-end"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScenario_ListAndCurrent(t *testing.T) {
	s := newTestServer(t, RouterOptions{})

	rec := s.do(t, http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]ScenarioDTO](t, rec), len(Scenarios()))

	rec = s.do(t, http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "null\n", rec.Body.String())

	s.load(t, "last-seat")
	rec = s.do(t, http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "last-seat", decode[ScenarioDTO](t, rec).ID)
}
