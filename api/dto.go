/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. The allocation types
  carry no JSON tags; everything on the wire goes through these.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Request types carry `validate` tags checked by validator/v10 in
  decodeAndValidate. Domain rules (capacity, overlap) stay in allocation.

TIMES:
  All instants are RFC 3339 in UTC on the way out. Inputs may carry any
  offset and are normalized by the allocation layer.

SEE ALSO:
  - handlers.go: Uses these types
  - validate.go: Validator setup and error formatting
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/slot-engine/allocation"
	"github.com/warp/slot-engine/store/postgres"
)

// =============================================================================
// PROVIDERS
// =============================================================================

type ProviderDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Specialty string `json:"specialty,omitempty"`
	CreatedAt string `json:"created_at"`
}

type CreateProviderRequest struct {
	ID        string `json:"id,omitempty" validate:"omitempty,max=64"`
	Name      string `json:"name" validate:"required,max=200"`
	Specialty string `json:"specialty,omitempty" validate:"max=200"`
}

// =============================================================================
// SLOTS
// =============================================================================

type SlotDTO struct {
	ID                string          `json:"id"`
	ProviderID        string          `json:"provider_id"`
	StartTime         string          `json:"start_time"`
	EndTime           string          `json:"end_time"`
	MaxCapacity       int             `json:"max_capacity"`
	CurrentOccupancy  int             `json:"current_occupancy"`
	RemainingCapacity int             `json:"remaining_capacity"`
	IsAvailable       bool            `json:"is_available"`
	IsOverbooked      bool            `json:"is_overbooked"`
	Utilization       decimal.Decimal `json:"utilization"`
}

type SlotInput struct {
	ID          string    `json:"id,omitempty" validate:"omitempty,max=64"`
	StartTime   time.Time `json:"start_time" validate:"required"`
	EndTime     time.Time `json:"end_time" validate:"required,gtfield=StartTime"`
	MaxCapacity int       `json:"max_capacity" validate:"required,gt=0"`
}

// ServiceDayInput lays out a full day of back-to-back slots. Omitted fields
// fall back to the server's configured service day.
type ServiceDayInput struct {
	Date        string `json:"date" validate:"required,datetime=2006-01-02"`
	StartHour   *int   `json:"start_hour,omitempty" validate:"omitempty,min=0,max=23"`
	EndHour     *int   `json:"end_hour,omitempty" validate:"omitempty,min=1,max=24"`
	SlotMinutes int    `json:"slot_minutes,omitempty" validate:"omitempty,min=5,max=1440"`
	Capacity    int    `json:"capacity,omitempty" validate:"omitempty,gt=0"`
}

// CreateSlotsRequest carries either explicit slots or a service day, not both.
type CreateSlotsRequest struct {
	Slots      []SlotInput      `json:"slots,omitempty" validate:"omitempty,max=500,dive"`
	ServiceDay *ServiceDayInput `json:"service_day,omitempty"`
}

type DaySummaryDTO struct {
	ProviderID  string          `json:"provider_id"`
	Date        string          `json:"date"`
	Slots       int             `json:"slots"`
	Capacity    int             `json:"capacity"`
	Occupancy   int             `json:"occupancy"`
	Remaining   int             `json:"remaining"`
	Overbooked  int             `json:"overbooked"`
	Utilization decimal.Decimal `json:"utilization"`
}

// =============================================================================
// BOOKINGS
// =============================================================================

type BookingDTO struct {
	ID           string `json:"id"`
	SlotID       string `json:"slot_id"`
	PatientName  string `json:"patient_name"`
	RequestClass string `json:"request_class"`
	Status       string `json:"status"`
	Override     bool   `json:"override"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

type CreateBookingRequest struct {
	ProviderID   string    `json:"provider_id" validate:"required,max=64"`
	At           time.Time `json:"at" validate:"required"`
	PatientName  string    `json:"patient_name" validate:"required,max=200"`
	RequestClass string    `json:"request_class" validate:"required,request_class"`
}

// BookingResponse is returned by every booking write. Outcome is one of
// "admitted", "admitted-override" or "released".
type BookingResponse struct {
	Outcome string     `json:"outcome"`
	Booking BookingDTO `json:"booking"`
	Slot    SlotDTO    `json:"slot"`
	Floored bool       `json:"floored,omitempty"`
}

// =============================================================================
// ADMIN
// =============================================================================

// StatsResponse is the engine counters plus pool usage on Postgres.
type StatsResponse struct {
	allocation.Stats
	Pool *postgres.PoolStats `json:"pool,omitempty"`
}

type AuditScheduleDTO struct {
	Enabled    bool                    `json:"enabled"`
	Interval   string                  `json:"interval"`
	Running    bool                    `json:"running"`
	Runs       int                     `json:"runs"`
	NextRun    *time.Time              `json:"next_run,omitempty"`
	LastReport *allocation.AuditReport `json:"last_report,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
	Date       string `json:"date,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the standard error response. Outcome is set for
// allocation failures so clients can branch without parsing messages.
type ErrorResponse struct {
	Error   string `json:"error"`
	Outcome string `json:"outcome,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func toProviderDTO(p allocation.Provider) ProviderDTO {
	return ProviderDTO{
		ID:        string(p.ID),
		Name:      p.Name,
		Specialty: p.Specialty,
		CreatedAt: formatTime(p.CreatedAt),
	}
}

func toSlotDTO(s allocation.SlotState) SlotDTO {
	return SlotDTO{
		ID:                string(s.ID),
		ProviderID:        string(s.ProviderID),
		StartTime:         formatTime(s.StartTime),
		EndTime:           formatTime(s.EndTime),
		MaxCapacity:       s.MaxCapacity,
		CurrentOccupancy:  s.CurrentOccupancy,
		RemainingCapacity: s.RemainingCapacity,
		IsAvailable:       s.IsAvailable,
		IsOverbooked:      s.IsOverbooked,
		Utilization:       s.Utilization,
	}
}

func toSlotDTOs(states []allocation.SlotState) []SlotDTO {
	out := make([]SlotDTO, len(states))
	for i, s := range states {
		out[i] = toSlotDTO(s)
	}
	return out
}

func toBookingDTO(b allocation.Booking) BookingDTO {
	return BookingDTO{
		ID:           string(b.ID),
		SlotID:       string(b.SlotID),
		PatientName:  b.PatientName,
		RequestClass: b.RequestClass.String(),
		Status:       string(b.Status),
		Override:     b.Override,
		CreatedAt:    formatTime(b.CreatedAt),
		UpdatedAt:    formatTime(b.UpdatedAt),
	}
}

func toBookingDTOs(bookings []allocation.Booking) []BookingDTO {
	out := make([]BookingDTO, len(bookings))
	for i, b := range bookings {
		out[i] = toBookingDTO(b)
	}
	return out
}

func toDaySummaryDTO(d *allocation.DaySummary) DaySummaryDTO {
	return DaySummaryDTO{
		ProviderID:  string(d.ProviderID),
		Date:        d.Day.Format("2006-01-02"),
		Slots:       d.Slots,
		Capacity:    d.Capacity,
		Occupancy:   d.Occupancy,
		Remaining:   d.Remaining,
		Overbooked:  d.Overbooked,
		Utilization: d.Utilization,
	}
}
