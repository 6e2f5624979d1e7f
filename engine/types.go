/*
Package engine provides the core appointment scheduling engine.

PURPOSE:
  This package contains the domain types and algorithms for computing
  bookable time slots and safely mutating a shared calendar under
  concurrent writers. It knows nothing about HTTP, payments, or
  notifications delivery - it consumes facts (working hours, blackouts,
  committed appointments) and returns decisions (slots, accept/reject,
  conflict reports).

KEY CONCEPTS IN THIS FILE (types.go):
  - Appointment: A committed booking with a monotonic version
  - WorkingHoursRule / BlackoutPeriod: Read-only calendar facts
  - SlotCandidate: An ephemeral, derived open slot (never persisted)
  - ChangeRecord: Append-only audit entry, one per accepted mutation
  - Actor: Already-authorized identity attached to every mutation

DESIGN PRINCIPLES:
  1. Half-open ranges: [start, end) - touching endpoints never conflict
  2. Type Safety: Strong typing for IDs prevents mixing resource/appointment IDs
  3. Derivation: slots are always recomputed from facts, never stored
  4. Auditability: every accepted mutation appends a ChangeRecord

SEE ALSO:
  - interval.go: TimeRange arithmetic
  - availability.go: Slot computation
  - conflict.go: Conflict detection
  - coordinator.go: The only mutator
*/
package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// ResourceID identifies the calendar being scheduled (a barber/chair).
type ResourceID string

// AppointmentID is a server-assigned, stable appointment identifier.
type AppointmentID string

// ActorID identifies the already-authorized caller of a mutation.
type ActorID string

// Actor is the validated identity supplied by the authorization
// collaborator. The engine trusts it and performs no auth logic.
type Actor struct {
	ID   ActorID
	Role string // "client", "staff", "system"
}

// =============================================================================
// APPOINTMENT - The durable booking record
// =============================================================================

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCancelled AppointmentStatus = "cancelled"
)

// Appointment is created and mutated only through the Coordinator.
// Version increases by exactly one on every accepted mutation.
type Appointment struct {
	ID             AppointmentID
	Resource       ResourceID
	Start          time.Time
	Duration       time.Duration
	Status         AppointmentStatus
	ClientRef      string
	IdempotencyKey string // empty for non-idempotent creates
	Version        int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Range returns the half-open occupied range [Start, Start+Duration).
func (a Appointment) Range() TimeRange {
	return TimeRange{Start: a.Start, End: a.Start.Add(a.Duration)}
}

// Active reports whether the appointment occupies calendar time.
// Cancelled appointments never participate in conflict checks.
func (a Appointment) Active() bool {
	return a.Status == StatusPending || a.Status == StatusConfirmed
}

// =============================================================================
// CALENDAR FACTS - Owned by shop configuration, read-only to the engine
// =============================================================================

// WorkingHoursRule describes when a resource is bookable on a given
// weekday, expressed as minutes from midnight in the shop's timezone.
// Invariant: StartMinute < EndMinute; rules for the same resource and
// weekday must not overlap.
type WorkingHoursRule struct {
	ID            string
	Resource      ResourceID
	Weekday       time.Weekday
	StartMinute   int
	EndMinute     int
	EffectiveFrom time.Time // zero = since forever
	EffectiveTo   time.Time // zero = until forever
}

// AppliesOn reports whether the rule is in force on the given day.
func (r WorkingHoursRule) AppliesOn(day time.Time) bool {
	if day.Weekday() != r.Weekday {
		return false
	}
	if !r.EffectiveFrom.IsZero() && day.Before(startOfDay(r.EffectiveFrom)) {
		return false
	}
	if !r.EffectiveTo.IsZero() && day.After(r.EffectiveTo) {
		return false
	}
	return true
}

// RangeOn materializes the rule into an absolute range on the given day.
func (r WorkingHoursRule) RangeOn(day time.Time) TimeRange {
	d := startOfDay(day)
	return TimeRange{
		Start: d.Add(time.Duration(r.StartMinute) * time.Minute),
		End:   d.Add(time.Duration(r.EndMinute) * time.Minute),
	}
}

// BlackoutPeriod makes a resource unbookable for an absolute span,
// overriding working hours entirely.
type BlackoutPeriod struct {
	ID       string
	Resource ResourceID
	Span     TimeRange
	Reason   string
}

// ServiceDefinition is a bookable service from the shop catalog.
// The engine only consumes Duration; Price is carried for the booking
// surface and never drives a scheduling decision.
type ServiceDefinition struct {
	ID       string
	Name     string
	Duration time.Duration
	Price    decimal.Decimal
}

// =============================================================================
// SLOT CANDIDATE - Ephemeral, always derived from current facts
// =============================================================================

type SlotCandidate struct {
	Resource ResourceID
	Start    time.Time
	Duration time.Duration
}

func (s SlotCandidate) Range() TimeRange {
	return TimeRange{Start: s.Start, End: s.Start.Add(s.Duration)}
}

// =============================================================================
// CHANGE RECORD - Append-only mutation log
// =============================================================================

type Operation string

const (
	OpCreate  Operation = "create"
	OpMove    Operation = "move"
	OpConfirm Operation = "confirm"
	OpCancel  Operation = "cancel"
)

// ChangeRecord is the durable audit entry for one accepted mutation.
// Seq is store-assigned and strictly increasing per resource; it is the
// cursor used by sync clients to detect what happened while offline.
type ChangeRecord struct {
	Seq           int64
	AppointmentID AppointmentID
	Resource      ResourceID
	Op            Operation
	PrevVersion   int64 // 0 for create
	NewVersion    int64
	At            time.Time
	Actor         ActorID
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
