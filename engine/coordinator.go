/*
coordinator.go - The Scheduling Coordinator

PURPOSE:
  The only mutator of the Calendar Fact Store. Serializes create, move,
  confirm and cancel operations per resource, re-runs the Conflict
  Detector against the latest committed facts inside the critical
  section, and appends a durable ChangeRecord for every accepted
  mutation.

SERIALIZATION:
  One mutex per resource id, lazily created in a table guarded by its
  own mutex. Operations for the same resource are mutually exclusive;
  operations for different resources run in parallel with no shared
  mutable state. Nothing inside the critical section performs I/O to
  external services - only the store commit.

CANCELLATION:
  A caller may abandon waiting, but an operation that has entered its
  critical section always runs to completion: commits execute under a
  non-cancellable context, and the idempotency key lets a retry safely
  discover the outcome of a commit whose response was lost.

IDEMPOTENCY:
  A create carrying a previously-seen key for the same resource returns
  the original appointment without re-inserting. Required because the
  sync reconciler retries calls whose responses were lost.
*/
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config carries the scheduling knobs. Buffer and granularity are
// configuration inputs supplied by the shop, never engine constants.
type Config struct {
	Buffer      time.Duration // mandatory idle around each appointment
	Granularity time.Duration // slot step for availability
}

// Coordinator serializes all calendar mutations per resource.
type Coordinator struct {
	store    FactStore
	detector Detector
	calc     Calculator
	notifier Notifier
	log      *zap.Logger

	mu    sync.Mutex
	locks map[ResourceID]*sync.Mutex
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithNotifier installs the notification collaborator. Defaults to a
// no-op.
func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

// WithLogger installs a structured logger. Defaults to zap.NewNop().
func WithLogger(log *zap.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// NewCoordinator builds a Coordinator over the given store.
func NewCoordinator(store FactStore, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    store,
		detector: Detector{Buffer: cfg.Buffer},
		calc:     NewCalculator(cfg.Granularity, cfg.Buffer),
		notifier: NopNotifier{},
		log:      zap.NewNop(),
		locks:    make(map[ResourceID]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// lockFor returns the serialization point for a resource, creating it
// on first use.
func (c *Coordinator) lockFor(resource ResourceID) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[resource]
	if !ok {
		l = &sync.Mutex{}
		c.locks[resource] = l
	}
	return l
}

// =============================================================================
// READ OPERATIONS - never block on the per-resource lock
// =============================================================================

// GetAvailability returns bookable slots for the resource inside the
// window. The snapshot it reads is not authoritative; a returned slot
// is re-checked at create time.
func (c *Coordinator) GetAvailability(ctx context.Context, resource ResourceID, duration time.Duration, window TimeRange) ([]SlotCandidate, error) {
	if duration <= 0 || !window.IsValid() {
		return nil, ErrInvalidRange
	}
	snap, err := TakeSnapshot(ctx, c.store, resource, window.Expand(c.calc.Buffer))
	if err != nil {
		return nil, err
	}
	return c.calc.Slots(snap, duration, window).Collect(), nil
}

// GetAppointment returns the stored appointment.
func (c *Coordinator) GetAppointment(ctx context.Context, id AppointmentID) (*Appointment, error) {
	return c.store.GetAppointment(ctx, id)
}

// ListChangesSince returns the change records for a resource after the
// cursor, the sync reconciler's source of truth for what happened
// server-side while a client was offline.
func (c *Coordinator) ListChangesSince(ctx context.Context, resource ResourceID, cursor int64) ([]ChangeRecord, error) {
	return c.store.ChangesSince(ctx, resource, cursor)
}

// CheckSlot runs the Conflict Detector against the latest facts without
// committing anything. Intended for the optimistic fail-fast path.
func (c *Coordinator) CheckSlot(ctx context.Context, resource ResourceID, proposed TimeRange) (ConflictReport, error) {
	snap, err := TakeSnapshot(ctx, c.store, resource, proposed.Expand(c.detector.Buffer))
	if err != nil {
		return ConflictReport{}, err
	}
	return c.detector.Detect(snap, proposed, ""), nil
}

// =============================================================================
// MUTATIONS - serialized per resource
// =============================================================================

// CreateRequest carries everything needed to book a slot.
type CreateRequest struct {
	Resource       ResourceID
	Range          TimeRange
	ClientRef      string
	IdempotencyKey string
	Confirmed      bool // true skips the pending hold (walk-ins, staff bookings)
}

// Create books the range. On success the returned appointment is at
// version 1; replayed reports whether an idempotent replay returned a
// previously committed result instead of inserting.
func (c *Coordinator) Create(ctx context.Context, req CreateRequest, actor Actor) (appt *Appointment, replayed bool, err error) {
	if !req.Range.IsValid() {
		return nil, false, ErrInvalidRange
	}

	lock := c.lockFor(req.Resource)
	lock.Lock()
	defer lock.Unlock()

	if req.IdempotencyKey != "" {
		existing, err := c.store.GetByIdempotencyKey(ctx, req.Resource, req.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			c.log.Debug("idempotent replay",
				zap.String("resource", string(req.Resource)),
				zap.String("appointment", string(existing.ID)))
			return existing, true, nil
		}
	}

	snap, err := TakeSnapshot(ctx, c.store, req.Resource, req.Range.Expand(c.detector.Buffer))
	if err != nil {
		return nil, false, err
	}
	if report := c.detector.Detect(snap, req.Range, ""); !report.Clear() {
		return nil, false, &SlotUnavailableError{Report: report}
	}

	now := time.Now().UTC()
	status := StatusPending
	if req.Confirmed {
		status = StatusConfirmed
	}
	created := Appointment{
		ID:             AppointmentID(uuid.NewString()),
		Resource:       req.Resource,
		Start:          req.Range.Start,
		Duration:       req.Range.Duration(),
		Status:         status,
		ClientRef:      req.ClientRef,
		IdempotencyKey: req.IdempotencyKey,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	rec := ChangeRecord{
		AppointmentID: created.ID,
		Resource:      created.Resource,
		Op:            OpCreate,
		PrevVersion:   0,
		NewVersion:    1,
		At:            now,
		Actor:         actor.ID,
	}

	if err := c.store.CommitCreate(context.WithoutCancel(ctx), created, rec); err != nil {
		return nil, false, err
	}

	c.log.Info("appointment created",
		zap.String("resource", string(created.Resource)),
		zap.String("appointment", string(created.ID)),
		zap.Time("start", created.Start),
		zap.Duration("duration", created.Duration),
		zap.String("actor", string(actor.ID)))
	c.notify(rec, created)
	return &created, false, nil
}

// Move reschedules an appointment to a new range under an optimistic
// version precondition. A stale expected version is rejected before any
// conflict work runs.
func (c *Coordinator) Move(ctx context.Context, id AppointmentID, newRange TimeRange, expectedVersion int64, actor Actor) (*Appointment, error) {
	if !newRange.IsValid() {
		return nil, ErrInvalidRange
	}
	return c.mutate(ctx, id, expectedVersion, actor, OpMove, func(cur Appointment) (Appointment, error) {
		snap, err := TakeSnapshot(ctx, c.store, cur.Resource, newRange.Expand(c.detector.Buffer))
		if err != nil {
			return cur, err
		}
		if report := c.detector.Detect(snap, newRange, cur.ID); !report.Clear() {
			return cur, &SlotUnavailableError{Report: report}
		}
		cur.Start = newRange.Start
		cur.Duration = newRange.Duration()
		return cur, nil
	})
}

// Confirm transitions pending -> confirmed, driven by an external
// confirmation event (payment capture, front-desk check-in).
func (c *Coordinator) Confirm(ctx context.Context, id AppointmentID, expectedVersion int64, actor Actor) (*Appointment, error) {
	return c.mutate(ctx, id, expectedVersion, actor, OpConfirm, func(cur Appointment) (Appointment, error) {
		cur.Status = StatusConfirmed
		return cur, nil
	})
}

// Cancel sets status=cancelled and bumps the version. Cancelled is
// terminal; the record is never hard-deleted while change records
// reference it.
func (c *Coordinator) Cancel(ctx context.Context, id AppointmentID, expectedVersion int64, actor Actor) (*Appointment, error) {
	return c.mutate(ctx, id, expectedVersion, actor, OpCancel, func(cur Appointment) (Appointment, error) {
		cur.Status = StatusCancelled
		return cur, nil
	})
}

// mutate implements the shared move/confirm/cancel skeleton: lock the
// resource, check the version precondition, apply the transition, and
// commit the bumped version atomically with its change record.
func (c *Coordinator) mutate(ctx context.Context, id AppointmentID, expectedVersion int64, actor Actor, op Operation, apply func(Appointment) (Appointment, error)) (*Appointment, error) {
	cur, err := c.store.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}

	lock := c.lockFor(cur.Resource)
	lock.Lock()
	defer lock.Unlock()

	// Re-read inside the critical section; the first read only located
	// the resource to lock.
	cur, err = c.store.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Version != expectedVersion {
		return nil, &VersionConflictError{ID: id, Expected: expectedVersion, Actual: cur.Version}
	}
	if cur.Status == StatusCancelled {
		return nil, ErrAppointmentCancelled
	}

	next, err := apply(*cur)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	next.Version = cur.Version + 1
	next.UpdatedAt = now
	rec := ChangeRecord{
		AppointmentID: next.ID,
		Resource:      next.Resource,
		Op:            op,
		PrevVersion:   cur.Version,
		NewVersion:    next.Version,
		At:            now,
		Actor:         actor.ID,
	}

	if err := c.store.CommitUpdate(context.WithoutCancel(ctx), next, expectedVersion, rec); err != nil {
		return nil, err
	}

	c.log.Info("appointment mutated",
		zap.String("op", string(op)),
		zap.String("resource", string(next.Resource)),
		zap.String("appointment", string(next.ID)),
		zap.Int64("version", next.Version),
		zap.String("actor", string(actor.ID)))
	c.notify(rec, next)
	return &next, nil
}

// notify invokes the notification collaborator fire-and-forget. The
// engine never waits for delivery.
func (c *Coordinator) notify(rec ChangeRecord, appt Appointment) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.log.Warn("notifier panicked", zap.Any("panic", r))
			}
		}()
		c.notifier.Notify(context.Background(), rec, appt)
	}()
}
