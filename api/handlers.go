/*
handlers.go - HTTP API handlers for the slot allocation engine

PURPOSE:
  Exposes the allocation engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the allocation package.

ENDPOINTS:
  Providers:
    GET    /api/providers                  List providers
    POST   /api/providers                  Create provider
    GET    /api/providers/{id}             Get provider
    GET    /api/providers/{id}/slots       Slots (?available=true&from=&to=)
    POST   /api/providers/{id}/slots       Create slots or a service day
    GET    /api/providers/{id}/slot?at=    Slot containing an instant
    GET    /api/providers/{id}/day?date=   Day summary

  Slots:
    GET    /api/slots/{id}                 Slot state
    GET    /api/slots/{id}/bookings        Bookings (?all=true includes cancelled)

  Bookings:
    POST   /api/bookings                   Book
    GET    /api/bookings?patient=          Search by patient name
    GET    /api/bookings/{id}              Get booking
    POST   /api/bookings/{id}/cancel       Cancel
    POST   /api/bookings/{id}/complete     Complete
    POST   /api/bookings/{id}/no-show      Mark no-show

  Admin:
    GET    /api/admin/audit                Run the occupancy audit now
    GET    /api/admin/audit/schedule       Background audit state
    GET    /api/admin/stats                Engine counters, pool usage

ARCHITECTURE:
  Handler holds the store and the allocation services built on it. Every
  read goes to the store; nothing is cached between requests.

ERROR HANDLING:
  Allocation outcomes map to HTTP status in statusFor:
  - 400: Invalid input
  - 404: Provider, slot or booking not found
  - 409: Slot full, booking already terminal, overlap, duplicate id
  - 503: Transaction failed (safe to retry)
  - 500: Anything else

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/warp/slot-engine/allocation"
	"github.com/warp/slot-engine/store/postgres"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   allocation.TxStore
	Engine  *allocation.Engine
	Query   *allocation.Query
	Auditor *allocation.Auditor

	// ServiceDay is the template for generated days; Date is ignored.
	ServiceDay allocation.ServiceDay

	// Scheduler is the background audit, nil when the caller runs none.
	Scheduler *AuditScheduler

	log zerolog.Logger
	now func() time.Time

	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires the allocation services over store.
func NewHandler(store allocation.TxStore, log zerolog.Logger) *Handler {
	return &Handler{
		Store:      store,
		Engine:     allocation.NewEngine(store, log),
		Query:      allocation.NewQuery(store),
		Auditor:    allocation.NewAuditor(store, log),
		ServiceDay: allocation.DefaultServiceDay(time.Time{}),
		log:        log,
		now:        time.Now,
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

type poolStatser interface {
	PoolStats() postgres.PoolStats
}

// Healthz reports whether the store answers.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// PROVIDER HANDLERS
// =============================================================================

// ListProviders returns all providers.
func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := h.Store.ListProviders(r.Context())
	if err != nil {
		writeAllocationError(w, err)
		return
	}
	dtos := make([]ProviderDTO, len(providers))
	for i, p := range providers {
		dtos[i] = toProviderDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetProvider(w http.ResponseWriter, r *http.Request) {
	p, err := h.Store.GetProvider(r.Context(), allocation.ProviderID(chi.URLParam(r, "id")))
	if err != nil {
		writeAllocationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProviderDTO(*p))
}

// CreateProvider registers a provider. The id is generated when omitted.
func (h *Handler) CreateProvider(w http.ResponseWriter, r *http.Request) {
	var req CreateProviderRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	p, err := h.Engine.Ledger().AddProvider(r.Context(), allocation.Provider{
		ID:        allocation.ProviderID(req.ID),
		Name:      req.Name,
		Specialty: req.Specialty,
	})
	if err != nil {
		writeAllocationError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProviderDTO(*p))
}

// =============================================================================
// SLOT HANDLERS
// =============================================================================

// ListProviderSlots returns the provider's slots. With available=true only
// slots with remaining capacity starting in [from, to) are returned.
// GET /api/providers/{id}/slots
func (h *Handler) ListProviderSlots(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	providerID := allocation.ProviderID(chi.URLParam(r, "id"))
	q := r.URL.Query()

	available, _ := strconv.ParseBool(q.Get("available"))
	if !available {
		states, err := h.Query.ProviderSlots(ctx, providerID)
		if err != nil {
			writeAllocationError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toSlotDTOs(states))
		return
	}

	from, err := parseTimeParam(q.Get("from"), time.Time{})
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from (use RFC 3339)", err)
		return
	}
	to, err := parseTimeParam(q.Get("to"), endOfTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid to (use RFC 3339)", err)
		return
	}
	states, err := h.Query.AvailableSlots(ctx, providerID, from, to)
	if err != nil {
		writeAllocationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotDTOs(states))
}

// CreateSlots adds slots to a provider in one atomic batch.
// POST /api/providers/{id}/slots
func (h *Handler) CreateSlots(w http.ResponseWriter, r *http.Request) {
	providerID := allocation.ProviderID(chi.URLParam(r, "id"))

	var req CreateSlotsRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	if (len(req.Slots) == 0) == (req.ServiceDay == nil) {
		writeError(w, http.StatusBadRequest, "Provide either slots or service_day", nil)
		return
	}

	var slots []allocation.Slot
	if req.ServiceDay != nil {
		day, err := h.serviceDayFrom(*req.ServiceDay)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid service_day", err)
			return
		}
		if slots, err = day.SlotsFor(providerID); err != nil {
			writeAllocationError(w, err)
			return
		}
	} else {
		for _, in := range req.Slots {
			slots = append(slots, allocation.Slot{
				ID:          allocation.SlotID(in.ID),
				ProviderID:  providerID,
				StartTime:   in.StartTime,
				EndTime:     in.EndTime,
				MaxCapacity: in.MaxCapacity,
			})
		}
	}

	created, err := h.Engine.Ledger().CreateSlots(r.Context(), slots)
	if err != nil {
		writeAllocationError(w, err)
		return
	}
	states := make([]allocation.SlotState, len(created))
	for i, s := range created {
		states[i] = allocation.StateOf(s)
	}
	writeJSON(w, http.StatusCreated, toSlotDTOs(states))
}

func (h *Handler) serviceDayFrom(in ServiceDayInput) (allocation.ServiceDay, error) {
	date, err := time.Parse("2006-01-02", in.Date)
	if err != nil {
		return allocation.ServiceDay{}, err
	}
	day := h.ServiceDay
	day.Date = date
	if in.StartHour != nil {
		day.StartHour = *in.StartHour
	}
	if in.EndHour != nil {
		day.EndHour = *in.EndHour
	}
	if in.SlotMinutes > 0 {
		day.SlotLength = time.Duration(in.SlotMinutes) * time.Minute
	}
	if in.Capacity > 0 {
		day.Capacity = in.Capacity
	}
	return day, nil
}

// GetSlotAt returns the provider's slot containing ?at=.
func (h *Handler) GetSlotAt(w http.ResponseWriter, r *http.Request) {
	at, err := time.Parse(time.RFC3339, r.URL.Query().Get("at"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid at (use RFC 3339)", err)
		return
	}
	state, err := h.Query.SlotStateAt(r.Context(), allocation.ProviderID(chi.URLParam(r, "id")), at)
	if err != nil {
		writeAllocationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotDTO(*state))
}

// GetProviderDay summarizes one UTC calendar day, today when ?date= is absent.
func (h *Handler) GetProviderDay(w http.ResponseWriter, r *http.Request) {
	day := h.now().UTC()
	if raw := r.URL.Query().Get("date"); raw != "" {
		var err error
		if day, err = time.Parse("2006-01-02", raw); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date (use YYYY-MM-DD)", err)
			return
		}
	}
	sum, err := h.Query.ProviderDay(r.Context(), allocation.ProviderID(chi.URLParam(r, "id")), day)
	if err != nil {
		writeAllocationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDaySummaryDTO(sum))
}

func (h *Handler) GetSlot(w http.ResponseWriter, r *http.Request) {
	state, err := h.Query.SlotState(r.Context(), allocation.SlotID(chi.URLParam(r, "id")))
	if err != nil {
		writeAllocationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotDTO(*state))
}

// ListSlotBookings returns the slot's bookings, oldest first.
// GET /api/slots/{id}/bookings
func (h *Handler) ListSlotBookings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	slotID := allocation.SlotID(chi.URLParam(r, "id"))
	if _, err := h.Query.SlotState(ctx, slotID); err != nil {
		writeAllocationError(w, err)
		return
	}

	records := h.Engine.Records()
	list := records.BySlot
	if all, _ := strconv.ParseBool(r.URL.Query().Get("all")); all {
		list = records.AllBySlot
	}
	bookings, err := list(ctx, slotID)
	if err != nil {
		writeAllocationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTOs(bookings))
}

// =============================================================================
// BOOKING HANDLERS
// =============================================================================

// Book admits a patient into the provider's slot containing "at".
// POST /api/bookings
func (h *Handler) Book(w http.ResponseWriter, r *http.Request) {
	var req CreateBookingRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	class, err := allocation.ParseRequestClass(req.RequestClass)
	if err != nil {
		writeAllocationError(w, err)
		return
	}

	res, err := h.Engine.Book(r.Context(), allocation.BookRequest{
		ProviderID:   allocation.ProviderID(req.ProviderID),
		At:           req.At,
		PatientName:  req.PatientName,
		RequestClass: class,
	})
	if err != nil {
		writeAllocationError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, BookingResponse{
		Outcome: res.Outcome.String(),
		Booking: toBookingDTO(res.Booking),
		Slot:    toSlotDTO(res.Slot),
	})
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.release(w, r, h.Engine.Cancel)
}

func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	h.release(w, r, h.Engine.Complete)
}

func (h *Handler) MarkNoShow(w http.ResponseWriter, r *http.Request) {
	h.release(w, r, h.Engine.MarkNoShow)
}

func (h *Handler) release(w http.ResponseWriter, r *http.Request, op func(context.Context, allocation.BookingID) (*allocation.ReleaseResult, error)) {
	res, err := op(r.Context(), allocation.BookingID(chi.URLParam(r, "id")))
	if err != nil {
		writeAllocationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BookingResponse{
		Outcome: res.Outcome.String(),
		Booking: toBookingDTO(res.Booking),
		Slot:    toSlotDTO(res.Slot),
		Floored: res.Floored,
	})
}

func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.Engine.Records().Get(r.Context(), allocation.BookingID(chi.URLParam(r, "id")))
	if err != nil {
		writeAllocationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(*b))
}

// SearchBookings matches ?patient= as a case-insensitive substring.
// GET /api/bookings
func (h *Handler) SearchBookings(w http.ResponseWriter, r *http.Request) {
	bookings, err := h.Engine.Records().ByPatient(r.Context(), r.URL.Query().Get("patient"))
	if err != nil {
		writeAllocationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTOs(bookings))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// RunAudit recomputes occupancy for every slot. Discrepancies are reported,
// never repaired.
// GET /api/admin/audit
func (h *Handler) RunAudit(w http.ResponseWriter, r *http.Request) {
	report, err := h.Auditor.Audit(r.Context())
	if err != nil {
		writeAllocationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GetStats returns the engine counters, with connection pool usage when the
// store has a pool.
// GET /api/admin/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{Stats: h.Engine.Stats()}
	if ps, ok := h.Store.(poolStatser); ok {
		pool := ps.PoolStats()
		resp.Pool = &pool
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetAuditSchedule reports the background audit: last report, run count and
// the next tick.
// GET /api/admin/audit/schedule
func (h *Handler) GetAuditSchedule(w http.ResponseWriter, r *http.Request) {
	sched := h.Scheduler
	if sched == nil {
		writeJSON(w, http.StatusOK, AuditScheduleDTO{})
		return
	}
	report, runs := sched.LastReport()
	dto := AuditScheduleDTO{
		Enabled:    sched.Enabled,
		Interval:   sched.CheckInterval.String(),
		Runs:       runs,
		LastReport: report,
	}
	if next := sched.NextRunTime(); !next.IsZero() {
		next = next.UTC()
		dto.Running = true
		dto.NextRun = &next
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// HELPERS
// =============================================================================

var endOfTime = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

func parseTimeParam(raw string, fallback time.Time) (time.Time, error) {
	if raw == "" {
		return fallback, nil
	}
	return time.Parse(time.RFC3339, raw)
}

// statusFor maps an allocation outcome to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, allocation.ErrSlotOverlap),
		errors.Is(err, allocation.ErrDuplicateID),
		errors.Is(err, allocation.ErrAmbiguousSlot):
		return http.StatusConflict
	}

	switch allocation.OutcomeOf(err) {
	case allocation.OutcomeRejectedFull, allocation.OutcomeAlreadyTerminal:
		return http.StatusConflict
	case allocation.OutcomeNotFound:
		return http.StatusNotFound
	case allocation.OutcomeInvalid:
		return http.StatusBadRequest
	case allocation.OutcomeTransactionFailed:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeAllocationError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, ErrorResponse{
		Error:   err.Error(),
		Outcome: allocation.OutcomeOf(err).String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
