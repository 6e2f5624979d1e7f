/*
store.go - Persistence interface for the Calendar Fact Store

PURPOSE:
  Defines the interface between the engine and the database. The store
  holds the durable records (appointments, change records) and the
  read-only calendar facts (working hours, blackouts) owned by shop
  configuration.

WRITE DISCIPLINE:
  The Scheduling Coordinator is the only caller of the commit methods.
  Each commit is atomic: the appointment write and its change record
  either both land or neither does. Appointments are never hard-deleted;
  cancellation is a status change so change records always resolve.

IMPLEMENTATIONS:
  - engine/store/memory.go: In-memory, for tests and development
  - store/sqlite:           Embedded deployments
  - store/postgres:         Production deployments
*/
package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// FactStore is the persistence contract the Coordinator and snapshot
// reads are built on.
type FactStore interface {
	// ---- Calendar facts (read-only to the engine) ----

	// WorkingHours returns all working-hour rules for a resource.
	WorkingHours(ctx context.Context, resource ResourceID) ([]WorkingHoursRule, error)

	// Blackouts returns blackout periods overlapping the window.
	Blackouts(ctx context.Context, resource ResourceID, window TimeRange) ([]BlackoutPeriod, error)

	// ---- Appointments ----

	// GetAppointment returns the appointment or ErrAppointmentNotFound.
	GetAppointment(ctx context.Context, id AppointmentID) (*Appointment, error)

	// GetByIdempotencyKey returns the appointment previously created for
	// this resource+key, or nil when the key has not been seen.
	GetByIdempotencyKey(ctx context.Context, resource ResourceID, key string) (*Appointment, error)

	// ListActiveAppointments returns pending/confirmed appointments whose
	// raw range overlaps the window, ascending by start time.
	ListActiveAppointments(ctx context.Context, resource ResourceID, window TimeRange) ([]Appointment, error)

	// ListPendingBefore returns pending appointments created before the
	// cutoff. Used by the hold sweeper to expire unconfirmed bookings.
	ListPendingBefore(ctx context.Context, createdBefore time.Time) ([]Appointment, error)

	// ---- Atomic commits (Coordinator only) ----

	// CommitCreate inserts a version-1 appointment and its change record
	// atomically. Returns ErrDuplicateIdempotencyKey if the key exists.
	CommitCreate(ctx context.Context, appt Appointment, rec ChangeRecord) error

	// CommitUpdate applies a compare-and-swap update: the row is written
	// only if the stored version equals expectedVersion, atomically with
	// the change record. Returns ErrVersionConflict on a stale version
	// and ErrAppointmentNotFound for an unknown id.
	CommitUpdate(ctx context.Context, appt Appointment, expectedVersion int64, rec ChangeRecord) error

	// ---- Change feed ----

	// ChangesSince returns change records for the resource with Seq
	// strictly greater than the cursor, ascending.
	ChangesSince(ctx context.Context, resource ResourceID, cursor int64) ([]ChangeRecord, error)
}

// =============================================================================
// NOTIFIER - Fire-and-forget side effect after a successful commit
// =============================================================================

// Notifier is invoked by the Coordinator after each accepted mutation.
// The engine never waits for or depends on delivery.
type Notifier interface {
	Notify(ctx context.Context, rec ChangeRecord, appt Appointment)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, ChangeRecord, Appointment) {}

// LogNotifier records each accepted mutation in the structured log.
// Stands in until a real delivery channel (email, push) is attached.
type LogNotifier struct {
	Log *zap.Logger
}

func (n LogNotifier) Notify(_ context.Context, rec ChangeRecord, appt Appointment) {
	n.Log.Info("calendar changed",
		zap.Int64("seq", rec.Seq),
		zap.String("op", string(rec.Op)),
		zap.String("appointment", string(appt.ID)),
		zap.String("resource", string(appt.Resource)),
		zap.String("status", string(appt.Status)),
		zap.Int64("version", appt.Version),
		zap.String("actor", string(rec.Actor)))
}
