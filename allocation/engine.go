/*
engine.go - Allocation Engine: the transactional core

PURPOSE:
  The only component allowed to create bookings, change booking status, or
  move slot occupancy. Every operation runs inside one TxStore transaction
  spanning the booking record and the slot, so partial application is never
  observable.

BOOK:
  1. Resolve (provider, instant) to one slot       -> ErrSlotNotFound
  2. Lock the slot, read occupancy and capacity
  3. occupancy <  capacity                         -> admit
     occupancy >= capacity, class overrides        -> admit, tagged override
     occupancy >= capacity, otherwise              -> ErrSlotFull
  4. Insert booking (booked, now) and increment occupancy
  5. Return booking + post-mutation slot state

CANCEL:
  1. Lock the booking                              -> ErrBookingNotFound
  2. cancelled / completed / no-show               -> terminal error
  3. Status -> cancelled
  4. Decrement occupancy (floor at zero, anomaly logged)

CONCURRENCY:
  The capacity check and the increment happen under the same slot lock, so
  racing non-emergency requests for the last unit are linearized: exactly
  one wins. No in-process locks live here; serialization is the store's job.

FAILURES:
  Any error that is not a business outcome (driver error, commit failure,
  context deadline) is reported as ErrTransactionFailed. Nothing is retried.

SEE ALSO:
  - ledger.go: Increment / Decrement
  - errors.go: Outcome taxonomy
*/
package allocation

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	opBook     = "book"
	opCancel   = "cancel"
	opComplete = "complete"
	opNoShow   = "no-show"
)

// =============================================================================
// REQUESTS AND RESULTS
// =============================================================================

type BookRequest struct {
	ProviderID   ProviderID
	At           time.Time
	PatientName  string
	RequestClass RequestClass
}

func (r BookRequest) Validate() error {
	switch {
	case r.ProviderID == "":
		return fmt.Errorf("%w: provider is required", ErrInvalidRequest)
	case r.At.IsZero():
		return fmt.Errorf("%w: time is required", ErrInvalidRequest)
	case strings.TrimSpace(r.PatientName) == "":
		return fmt.Errorf("%w: patient name is required", ErrInvalidRequest)
	case !r.RequestClass.Valid():
		return fmt.Errorf("%w: %d", ErrInvalidRequestClass, int(r.RequestClass))
	}
	return nil
}

type BookResult struct {
	Outcome  Outcome // OutcomeAdmitted or OutcomeAdmittedOverride
	Booking  Booking
	Slot     SlotState
	Override bool
}

// ReleaseResult is returned by Cancel, Complete and MarkNoShow.
type ReleaseResult struct {
	Outcome Outcome
	Booking Booking
	Slot    SlotState
	// Floored is set when occupancy was already zero and was left unchanged.
	Floored bool
}

// Stats are process-local counters since the engine was created.
type Stats struct {
	Admitted  int64 `json:"admitted"`
	Overrides int64 `json:"overrides"`
	Rejected  int64 `json:"rejected_full"`
	Cancelled int64 `json:"cancelled"`
	Completed int64 `json:"completed"`
	NoShows   int64 `json:"no_shows"`
	Failed    int64 `json:"transaction_failed"`
	Anomalies int64 `json:"occupancy_anomalies"`
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store   TxStore
	ledger  *Ledger
	records *Records
	log     zerolog.Logger
	now     func() time.Time

	admitted, overrides, rejected atomic.Int64
	cancelled, completed, noShows atomic.Int64
	failed                        atomic.Int64
}

type Option func(*Engine)

// WithClock replaces time.Now for booking timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
		e.ledger.now = now
	}
}

func NewEngine(store TxStore, log zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		ledger:  NewLedger(store, log),
		records: NewRecords(store),
		log:     log.With().Str("component", "engine").Logger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Ledger() *Ledger   { return e.ledger }
func (e *Engine) Records() *Records { return e.records }

// Book admits a patient into the slot containing req.At.
func (e *Engine) Book(ctx context.Context, req BookRequest) (*BookResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var result BookResult
	err := e.store.WithTx(ctx, func(tx Tx) error {
		found, err := findContainingSlot(ctx, tx, req.ProviderID, req.At)
		if err != nil {
			return err
		}
		slot, err := tx.LockSlot(ctx, found.ID)
		if err != nil {
			return err
		}

		override := false
		if slot.CurrentOccupancy >= slot.MaxCapacity {
			if !req.RequestClass.OverridesCapacity() {
				return &SlotFullError{Slot: StateOf(*slot), RequestClass: req.RequestClass}
			}
			override = true
		}

		now := e.now().UTC()
		booking := Booking{
			ID:           NewBookingID(),
			SlotID:       slot.ID,
			PatientName:  strings.TrimSpace(req.PatientName),
			RequestClass: req.RequestClass,
			Status:       StatusBooked,
			Override:     override,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := tx.InsertBooking(ctx, booking); err != nil {
			return err
		}
		updated, err := e.ledger.Increment(ctx, tx, slot.ID)
		if err != nil {
			return err
		}

		result = BookResult{
			Outcome:  OutcomeAdmitted,
			Booking:  booking,
			Slot:     StateOf(*updated),
			Override: override,
		}
		if override {
			result.Outcome = OutcomeAdmittedOverride
		}
		return nil
	})
	if err != nil {
		err = e.fail(opBook, err)
		evt := e.log.Info()
		if !isRejection(err) {
			evt = e.log.Error()
		}
		evt.Err(err).
			Str("provider_id", string(req.ProviderID)).
			Time("at", req.At).
			Str("request_class", req.RequestClass.String()).
			Str("outcome", OutcomeOf(err).String()).
			Msg("booking refused")
		return nil, err
	}

	e.admitted.Add(1)
	evt := e.log.Info()
	if result.Override {
		e.overrides.Add(1)
		evt = e.log.Warn()
	}
	evt.Str("booking_id", string(result.Booking.ID)).
		Str("slot_id", string(result.Slot.ID)).
		Str("provider_id", string(req.ProviderID)).
		Str("request_class", req.RequestClass.String()).
		Int("occupancy", result.Slot.CurrentOccupancy).
		Int("capacity", result.Slot.MaxCapacity).
		Bool("override", result.Override).
		Msg("booking admitted")
	return &result, nil
}

// Cancel releases a booked booking and its unit of slot occupancy.
func (e *Engine) Cancel(ctx context.Context, id BookingID) (*ReleaseResult, error) {
	return e.release(ctx, id, StatusCancelled, opCancel)
}

// Complete marks a booked booking as attended. Occupancy is released so the
// invariant (occupancy == booked count) keeps holding.
func (e *Engine) Complete(ctx context.Context, id BookingID) (*ReleaseResult, error) {
	return e.release(ctx, id, StatusCompleted, opComplete)
}

// MarkNoShow marks a booked booking as missed and releases occupancy.
func (e *Engine) MarkNoShow(ctx context.Context, id BookingID) (*ReleaseResult, error) {
	return e.release(ctx, id, StatusNoShow, opNoShow)
}

func (e *Engine) release(ctx context.Context, id BookingID, to BookingStatus, op string) (*ReleaseResult, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: booking id is required", ErrInvalidRequest)
	}

	var result ReleaseResult
	err := e.store.WithTx(ctx, func(tx Tx) error {
		booking, err := tx.LockBooking(ctx, id)
		if err != nil {
			return err
		}
		if booking.Status != StatusBooked {
			return &TerminalBookingError{BookingID: id, Status: booking.Status, Op: op}
		}

		now := e.now().UTC()
		if err := tx.UpdateBookingStatus(ctx, id, to, now); err != nil {
			return err
		}
		booking.Status = to
		booking.UpdatedAt = now

		slot, floored, err := e.ledger.Decrement(ctx, tx, booking.SlotID)
		if err != nil {
			return err
		}
		result = ReleaseResult{Outcome: OutcomeReleased, Booking: *booking, Slot: StateOf(*slot), Floored: floored}
		return nil
	})
	if err != nil {
		err = e.fail(op, err)
		evt := e.log.Info()
		if !isRejection(err) {
			evt = e.log.Error()
		}
		evt.Err(err).Str("booking_id", string(id)).Str("op", op).
			Str("outcome", OutcomeOf(err).String()).Msg("release refused")
		return nil, err
	}

	switch to {
	case StatusCancelled:
		e.cancelled.Add(1)
	case StatusCompleted:
		e.completed.Add(1)
	case StatusNoShow:
		e.noShows.Add(1)
	}
	evt := e.log.Info()
	if result.Floored {
		evt = e.log.Warn()
	}
	evt.Str("booking_id", string(id)).
		Str("slot_id", string(result.Slot.ID)).
		Str("status", string(to)).
		Int("occupancy", result.Slot.CurrentOccupancy).
		Bool("occupancy_floored", result.Floored).
		Msg("booking released")
	return &result, nil
}

// Stats snapshots the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Admitted:  e.admitted.Load(),
		Overrides: e.overrides.Load(),
		Rejected:  e.rejected.Load(),
		Cancelled: e.cancelled.Load(),
		Completed: e.completed.Load(),
		NoShows:   e.noShows.Load(),
		Failed:    e.failed.Load(),
		Anomalies: e.ledger.Anomalies(),
	}
}

// fail normalizes an error escaping WithTx and updates counters.
func (e *Engine) fail(op string, err error) error {
	if !isBusinessOutcome(err) {
		err = TransactionFailed(op, err)
	}
	switch OutcomeOf(err) {
	case OutcomeRejectedFull:
		e.rejected.Add(1)
	case OutcomeTransactionFailed:
		e.failed.Add(1)
	}
	return err
}

func isRejection(err error) bool {
	o := OutcomeOf(err)
	return o != OutcomeTransactionFailed && o != OutcomeUnknown
}
