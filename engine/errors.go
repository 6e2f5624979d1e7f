/*
errors.go - Centralized error types for the scheduling engine

ERROR TAXONOMY:
  SlotUnavailable  conflict report attached; expected and recoverable,
                   the caller offers alternative slots
  VersionConflict  the caller's view of the appointment is stale;
                   recoverable by refetch-and-retry
  NotFound         unknown appointment id
  Cancelled        terminal-state transition attempted
  Unreachable      transport failure between a sync client and the
                   coordinator; the queued action is retried, never lost

A conflict is a normal return value here, not an exception: the
Availability Calculator and Conflict Detector never return errors at
all. Only the Coordinator's persistence boundary can fail fatally, and
that failure is atomic (appointment and change record commit together
or not at all).
*/
package engine

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrSlotUnavailable is returned when a proposed range conflicts with
	// existing appointments, blackouts, or falls outside working hours.
	ErrSlotUnavailable = errors.New("slot unavailable")

	// ErrVersionConflict is returned when an expected_version precondition
	// fails. The caller should refetch and retry.
	ErrVersionConflict = errors.New("version conflict")

	// ErrAppointmentNotFound is returned for an unknown appointment id.
	ErrAppointmentNotFound = errors.New("appointment not found")

	// ErrAppointmentCancelled is returned when mutating a cancelled
	// appointment. Cancelled is terminal.
	ErrAppointmentCancelled = errors.New("appointment is cancelled")

	// ErrDuplicateIdempotencyKey is a store-level error; the Coordinator
	// translates it into an idempotent replay, so callers normally never
	// observe it.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrInvalidRange is returned for a malformed range (end not after start).
	ErrInvalidRange = errors.New("invalid range: end not after start")

	// ErrUnreachable indicates a transport failure while replaying a
	// queued action. The action stays queued for the next attempt.
	ErrUnreachable = errors.New("coordinator unreachable")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// SlotUnavailableError carries the full conflict report so callers can
// name the specific overlapping entities.
type SlotUnavailableError struct {
	Report ConflictReport
}

func (e *SlotUnavailableError) Error() string {
	return fmt.Sprintf("slot unavailable: %d conflict(s) for %s at %s",
		len(e.Report.Conflicts), e.Report.Resource, e.Report.Proposed)
}

func (e *SlotUnavailableError) Unwrap() error { return ErrSlotUnavailable }

// VersionConflictError reports a failed optimistic-concurrency check.
type VersionConflictError struct {
	ID       AppointmentID
	Expected int64
	Actual   int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %d, stored %d",
		e.ID, e.Expected, e.Actual)
}

func (e *VersionConflictError) Unwrap() error { return ErrVersionConflict }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the caller may succeed by refreshing
// state and retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrUnreachable)
}

// IsClientError returns true if the error is an expected outcome of
// client input rather than a system failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrSlotUnavailable) ||
		errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrAppointmentCancelled) ||
		errors.Is(err, ErrInvalidRange)
}

// IsNotFound returns true if the error indicates a missing appointment.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAppointmentNotFound)
}
