/*
errors.go - Outcome taxonomy for the allocation core

PURPOSE:
  Every failure of Book / Cancel is a typed business outcome. Callers branch
  with errors.Is / errors.As or OutcomeOf, never by matching messages.

ERROR CATEGORIES:
  1. Not found      - ErrSlotNotFound, ErrBookingNotFound, ErrProviderNotFound
  2. Capacity       - ErrSlotFull (the only business-rule rejection)
  3. Terminal       - ErrAlreadyCancelled, ErrCannotCancelCompleted, ErrCannotCancelNoShow
  4. Storage        - ErrTransactionFailed (the only retryable outcome)
  5. Input / setup  - ErrInvalidRequest, ErrInvalidSlot, ErrSlotOverlap, ErrAmbiguousSlot

RETRY POLICY:
  The engine never retries. ErrTransactionFailed means "no effect, try again";
  everything else will fail again unless the input changes.

SEE ALSO:
  - engine.go: Produces these outcomes
  - api/handlers.go: Maps outcomes to HTTP status codes
*/
package allocation

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrSlotNotFound     = errors.New("slot not found")
	ErrBookingNotFound  = errors.New("booking not found")
	ErrProviderNotFound = errors.New("provider not found")

	// ErrSlotFull is returned when the slot is at capacity and the request
	// class cannot override it.
	ErrSlotFull = errors.New("slot full")

	ErrAlreadyCancelled      = errors.New("booking already cancelled")
	ErrCannotCancelCompleted = errors.New("cannot cancel a completed booking")
	ErrCannotCancelNoShow    = errors.New("cannot cancel a no-show booking")
	// ErrNotBooked is returned when completing or marking no-show on a booking
	// that has already left the booked state.
	ErrNotBooked = errors.New("booking is not in booked state")

	// ErrTransactionFailed is returned when the storage layer could not commit.
	// All writes of the attempt were rolled back.
	ErrTransactionFailed = errors.New("transaction failed")

	ErrInvalidRequest      = errors.New("invalid request")
	ErrInvalidRequestClass = errors.New("invalid request class")
	ErrInvalidSlot         = errors.New("invalid slot")
	ErrSlotOverlap         = errors.New("slot overlaps an existing slot")
	ErrAmbiguousSlot       = errors.New("more than one slot contains the instant")
	ErrDuplicateID         = errors.New("duplicate identifier")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// SlotFullError carries the slot snapshot observed when admission was refused.
type SlotFullError struct {
	Slot         SlotState
	RequestClass RequestClass
}

func (e *SlotFullError) Error() string {
	return fmt.Sprintf("slot full: %s has %d/%d booked, %s cannot override",
		e.Slot.ID, e.Slot.CurrentOccupancy, e.Slot.MaxCapacity, e.RequestClass)
}

func (e *SlotFullError) Unwrap() error { return ErrSlotFull }

// TerminalBookingError is returned when a booking is already out of the
// booked state. Unwraps to the matching sentinel.
type TerminalBookingError struct {
	BookingID BookingID
	Status    BookingStatus
	Op        string
}

func (e *TerminalBookingError) Error() string {
	return fmt.Sprintf("%s %s: booking is %s", e.Op, e.BookingID, e.Status)
}

func (e *TerminalBookingError) Unwrap() error {
	if e.Op == opCancel {
		switch e.Status {
		case StatusCancelled:
			return ErrAlreadyCancelled
		case StatusCompleted:
			return ErrCannotCancelCompleted
		case StatusNoShow:
			return ErrCannotCancelNoShow
		}
	}
	if e.Status == StatusCancelled {
		return ErrAlreadyCancelled
	}
	return ErrNotBooked
}

// TransactionError wraps a storage failure. errors.Is matches both
// ErrTransactionFailed and the underlying cause.
type TransactionError struct {
	Op  string
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("%s: transaction failed: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() []error { return []error{ErrTransactionFailed, e.Err} }

// TransactionFailed wraps err as a TransactionError. Store implementations use
// it for driver, begin and commit failures. Returns nil for a nil err.
func TransactionFailed(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransactionError
	if errors.As(err, &te) {
		return err
	}
	return &TransactionError{Op: op, Err: err}
}

// InvalidSlotError explains why a slot was rejected at creation time.
type InvalidSlotError struct {
	Slot   Slot
	Reason string
}

func (e *InvalidSlotError) Error() string {
	return fmt.Sprintf("invalid slot %s: %s", e.Slot.ID, e.Reason)
}

func (e *InvalidSlotError) Unwrap() error { return ErrInvalidSlot }

// OverlapError names the existing slot a new slot collides with.
type OverlapError struct {
	Slot     Slot
	Existing Slot
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("slot %s [%s, %s) overlaps %s [%s, %s) for provider %s",
		e.Slot.ID, e.Slot.StartTime.Format(timeFormat), e.Slot.EndTime.Format(timeFormat),
		e.Existing.ID, e.Existing.StartTime.Format(timeFormat), e.Existing.EndTime.Format(timeFormat),
		e.Slot.ProviderID)
}

func (e *OverlapError) Unwrap() error { return ErrSlotOverlap }

// =============================================================================
// OUTCOME KINDS
// =============================================================================

// Outcome is the caller-facing classification of a Book / Cancel call.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeAdmitted
	OutcomeAdmittedOverride
	OutcomeReleased
	OutcomeRejectedFull
	OutcomeNotFound
	OutcomeAlreadyTerminal
	OutcomeTransactionFailed
	OutcomeInvalid
	OutcomeUnknown
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeAdmitted:
		return "admitted"
	case OutcomeAdmittedOverride:
		return "admitted-override"
	case OutcomeReleased:
		return "released"
	case OutcomeRejectedFull:
		return "rejected-full"
	case OutcomeNotFound:
		return "not-found"
	case OutcomeAlreadyTerminal:
		return "already-terminal"
	case OutcomeTransactionFailed:
		return "transaction-failed"
	case OutcomeInvalid:
		return "invalid"
	}
	return "unknown"
}

// OutcomeOf classifies an error returned by the engine. A nil error yields
// OutcomeNone; successful calls carry their outcome on the result.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeNone
	case errors.Is(err, ErrTransactionFailed):
		return OutcomeTransactionFailed
	case errors.Is(err, ErrSlotFull):
		return OutcomeRejectedFull
	case IsNotFound(err):
		return OutcomeNotFound
	case IsTerminal(err):
		return OutcomeAlreadyTerminal
	case IsClientError(err):
		return OutcomeInvalid
	}
	return OutcomeUnknown
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if resubmitting the same request might succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransactionFailed)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrSlotNotFound) ||
		errors.Is(err, ErrBookingNotFound) ||
		errors.Is(err, ErrProviderNotFound)
}

func IsTerminal(err error) bool {
	return errors.Is(err, ErrAlreadyCancelled) ||
		errors.Is(err, ErrCannotCancelCompleted) ||
		errors.Is(err, ErrCannotCancelNoShow) ||
		errors.Is(err, ErrNotBooked)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidRequestClass) ||
		errors.Is(err, ErrInvalidSlot) ||
		errors.Is(err, ErrSlotOverlap) ||
		errors.Is(err, ErrAmbiguousSlot) ||
		errors.Is(err, ErrDuplicateID)
}

// isBusinessOutcome reports whether err is one of the typed outcomes above.
// Anything else escaping a transaction is reported as ErrTransactionFailed.
func isBusinessOutcome(err error) bool {
	return errors.Is(err, ErrSlotFull) || IsNotFound(err) || IsTerminal(err) ||
		IsClientError(err) || errors.Is(err, ErrTransactionFailed)
}
