/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with providers,
	slots and bookings showing the admission rules.

AVAILABLE SCENARIOS:

	clinic-day:  Three providers with a full service day each, some bookings
	full-slot:   One slot at capacity; the next walk-in is rejected and an
	             emergency is admitted over capacity
	last-seat:   One slot with a single seat left, for concurrency demos

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Create providers
 3. Create slots for the scenario date
 4. Book through the engine, so counters and logs match real traffic

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "full-slot", "date": "2025-03-10"}

USAGE VIA CLI:

	slot-engine seed --scenario full-slot --date 2025-03-10

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Engine wiring
  - allocation/schedule.go: ServiceDay slot layout
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/slot-engine/allocation"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "clinic-day",
		Name:        "Clinic Day",
		Description: "Three providers with hourly slots and a morning of mixed bookings",
	},
	{
		ID:          "full-slot",
		Name:        "Full Slot",
		Description: "A 09:00 slot at capacity: walk-ins are rejected, emergencies override",
	},
	{
		ID:          "last-seat",
		Name:        "Last Seat",
		Description: "A 09:00 slot with one seat left for concurrent requests to race for",
	},
}

// ErrUnknownScenario is returned by Seed for an id not in Scenarios.
var ErrUnknownScenario = errors.New("unknown scenario")

// Scenarios lists the loadable scenarios.
func Scenarios() []ScenarioDTO {
	return append([]ScenarioDTO(nil), scenarios...)
}

type resetter interface {
	Reset(ctx context.Context) error
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a predefined scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	date := h.now().UTC()
	if req.Date != "" {
		date, _ = time.Parse("2006-01-02", req.Date) // validated above
	}

	s, err := h.Seed(r.Context(), req.ScenarioID, date)
	switch {
	case errors.Is(err, ErrUnknownScenario):
		writeError(w, http.StatusBadRequest, "Unknown scenario", err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": s.ID})
}

// Seed resets the store and loads scenario id on date.
func (h *Handler) Seed(ctx context.Context, id string, date time.Time) (*ScenarioDTO, error) {
	var scenario *ScenarioDTO
	for i := range scenarios {
		if scenarios[i].ID == id {
			scenario = &scenarios[i]
		}
	}
	if scenario == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScenario, id)
	}

	rs, ok := h.Store.(resetter)
	if !ok {
		return nil, fmt.Errorf("store %T cannot be reset", h.Store)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := rs.Reset(ctx); err != nil {
		return nil, fmt.Errorf("reset store: %w", err)
	}
	h.currentScenario = ""

	var err error
	switch id {
	case "clinic-day":
		err = h.loadClinicDayScenario(ctx, date)
	case "full-slot":
		err = h.loadFullSlotScenario(ctx, date)
	case "last-seat":
		err = h.loadLastSeatScenario(ctx, date)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}

	h.currentScenario = id
	h.log.Info().Str("scenario", id).Str("date", date.Format("2006-01-02")).Msg("scenario loaded")
	return scenario, nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadClinicDayScenario(ctx context.Context, date time.Time) error {
	ledger := h.Engine.Ledger()
	providers := []allocation.Provider{
		{ID: "dr-okafor", Name: "Dr. Amara Okafor", Specialty: "Family Medicine"},
		{ID: "dr-brandt", Name: "Dr. Lena Brandt", Specialty: "Pediatrics"},
		{ID: "dr-reyes", Name: "Dr. Tomas Reyes", Specialty: "Cardiology"},
	}

	day := h.ServiceDay
	day.Date = date
	for _, p := range providers {
		if _, err := ledger.AddProvider(ctx, p); err != nil {
			return err
		}
		slots, err := day.SlotsFor(p.ID)
		if err != nil {
			return err
		}
		if _, err := ledger.CreateSlots(ctx, slots); err != nil {
			return err
		}
	}

	loc := day.Location
	if loc == nil {
		loc = time.UTC
	}
	first := func(minute int) time.Time {
		return time.Date(date.Year(), date.Month(), date.Day(), day.StartHour, minute, 0, 0, loc)
	}
	bookings := []allocation.BookRequest{
		{ProviderID: "dr-okafor", At: first(0), PatientName: "Maya Chen", RequestClass: allocation.ClassScheduledOnline},
		{ProviderID: "dr-okafor", At: first(15), PatientName: "Omar Farouk", RequestClass: allocation.ClassWalkIn},
		{ProviderID: "dr-okafor", At: first(50), PatientName: "Grace Adeyemi", RequestClass: allocation.ClassFollowUp},
		{ProviderID: "dr-brandt", At: first(30), PatientName: "Leo Martins", RequestClass: allocation.ClassScheduledOnline},
		{ProviderID: "dr-brandt", At: first(45), PatientName: "Sofia Novak", RequestClass: allocation.ClassWalkIn},
		{ProviderID: "dr-reyes", At: first(5), PatientName: "Henry Walsh", RequestClass: allocation.ClassEmergency},
	}
	return h.bookAll(ctx, bookings)
}

// loadFullSlotScenario leaves one 09:00-10:00 slot of two, fully booked.
func (h *Handler) loadFullSlotScenario(ctx context.Context, date time.Time) error {
	nine := time.Date(date.Year(), date.Month(), date.Day(), 9, 0, 0, 0, time.UTC)
	if err := h.singleSlot(ctx, nine, 2); err != nil {
		return err
	}
	return h.bookAll(ctx, []allocation.BookRequest{
		{ProviderID: "dr-haddad", At: nine, PatientName: "Alice Moreau", RequestClass: allocation.ClassScheduledOnline},
		{ProviderID: "dr-haddad", At: nine.Add(10 * time.Minute), PatientName: "Ben Osei", RequestClass: allocation.ClassScheduledOnline},
	})
}

// loadLastSeatScenario leaves one 09:00-10:00 slot of three with one seat free.
func (h *Handler) loadLastSeatScenario(ctx context.Context, date time.Time) error {
	nine := time.Date(date.Year(), date.Month(), date.Day(), 9, 0, 0, 0, time.UTC)
	if err := h.singleSlot(ctx, nine, 3); err != nil {
		return err
	}
	return h.bookAll(ctx, []allocation.BookRequest{
		{ProviderID: "dr-haddad", At: nine, PatientName: "Clara Jensen", RequestClass: allocation.ClassScheduledOnline},
		{ProviderID: "dr-haddad", At: nine, PatientName: "David Kim", RequestClass: allocation.ClassFollowUp},
	})
}

func (h *Handler) singleSlot(ctx context.Context, start time.Time, capacity int) error {
	ledger := h.Engine.Ledger()
	p, err := ledger.AddProvider(ctx, allocation.Provider{ID: "dr-haddad", Name: "Dr. Samir Haddad", Specialty: "General Practice"})
	if err != nil {
		return err
	}
	_, err = ledger.CreateSlots(ctx, []allocation.Slot{{
		ID:          "slot-haddad-0900",
		ProviderID:  p.ID,
		StartTime:   start,
		EndTime:     start.Add(time.Hour),
		MaxCapacity: capacity,
	}})
	return err
}

func (h *Handler) bookAll(ctx context.Context, reqs []allocation.BookRequest) error {
	for _, req := range reqs {
		if _, err := h.Engine.Book(ctx, req); err != nil {
			return fmt.Errorf("book %s: %w", req.PatientName, err)
		}
	}
	return nil
}
